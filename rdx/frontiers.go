package rdx

import (
	"slices"
	"strings"

	"github.com/drpcorg/kniga/protocol"
)

// Frontiers are the heads of the causal graph: an antichain of op ids,
// kept sorted.
type Frontiers []ID

func NewFrontiers(ids ...ID) Frontiers {
	f := make(Frontiers, 0, len(ids))
	for _, id := range ids {
		f = f.With(id)
	}
	return f
}

func (f Frontiers) Contains(id ID) bool {
	_, found := slices.BinarySearchFunc(f, id, ID.Compare)
	return found
}

// With returns the frontiers with the id added (kept sorted, no dups).
func (f Frontiers) With(id ID) Frontiers {
	i, found := slices.BinarySearchFunc(f, id, ID.Compare)
	if found {
		return f
	}
	return slices.Insert(f, i, id)
}

// Without returns the frontiers with the id removed.
func (f Frontiers) Without(id ID) Frontiers {
	i, found := slices.BinarySearchFunc(f, id, ID.Compare)
	if !found {
		return f
	}
	return slices.Delete(f, i, i+1)
}

func (f Frontiers) Clone() Frontiers {
	return slices.Clone(f)
}

func (f Frontiers) Equal(b Frontiers) bool {
	return slices.Equal(f, b)
}

func (f Frontiers) IsEmpty() bool {
	return len(f) == 0
}

func (f Frontiers) TLV() (ret []byte) {
	for _, id := range f {
		ret = protocol.Append(ret, 'F', id.ZipBytes())
	}
	return
}

func FrontiersFromTLV(tlv []byte) (f Frontiers, err error) {
	rest := tlv
	for len(rest) > 0 {
		var body []byte
		body, rest, err = protocol.TakeWary('F', rest)
		if err != nil {
			return nil, err
		}
		if len(body) == 0 || !ValidZipPairLen(len(body)) {
			return nil, ErrBadVRecord
		}
		f = f.With(IDFromZipBytes(body))
	}
	return
}

func (f Frontiers) String() string {
	parts := make([]string, 0, len(f))
	for _, id := range f {
		parts = append(parts, id.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
