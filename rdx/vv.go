package rdx

import (
	"errors"
	"slices"
	"strings"

	"github.com/drpcorg/kniga/protocol"
)

// VV is a version vector: the highest counter included, per peer.
// A missing peer means nothing of that peer is included.
type VV map[uint64]int32

var ErrBadVRecord = errors.New("rdx: bad V record")

func NewVV() VV {
	return make(VV)
}

// Get returns the highest counter included for the peer.
func (vv VV) Get(peer uint64) (counter int32, ok bool) {
	counter, ok = vv[peer]
	return
}

// End is the first counter of the peer not included.
func (vv VV) End(peer uint64) int32 {
	c, ok := vv[peer]
	if !ok {
		return 0
	}
	return c + 1
}

// Includes tells whether the op is covered by the vector.
func (vv VV) Includes(id ID) bool {
	c, ok := vv[id.Peer]
	return ok && id.Counter <= c
}

// IncludesVV tells whether every op covered by b is covered by vv.
func (vv VV) IncludesVV(b VV) bool {
	for peer, c := range b {
		if mine, ok := vv[peer]; !ok || mine < c {
			return false
		}
	}
	return true
}

// PutID extends the vector to cover the id, returns whether it made
// any difference.
func (vv VV) PutID(id ID) bool {
	pre, ok := vv[id.Peer]
	if ok && pre >= id.Counter {
		return false
	}
	vv[id.Peer] = id.Counter
	return true
}

// SetEnd sets the exclusive end counter of the peer; 0 removes the peer.
func (vv VV) SetEnd(peer uint64, end int32) {
	if end <= 0 {
		delete(vv, peer)
		return
	}
	vv[peer] = end - 1
}

// Merge is a pointwise max.
func (vv VV) Merge(b VV) {
	for peer, c := range b {
		vv.PutID(ID{peer, c})
	}
}

func (vv VV) Clone() VV {
	ret := make(VV, len(vv))
	for peer, c := range vv {
		ret[peer] = c
	}
	return ret
}

func (vv VV) Equal(b VV) bool {
	if len(vv) != len(b) {
		return false
	}
	for peer, c := range vv {
		if bc, ok := b[peer]; !ok || bc != c {
			return false
		}
	}
	return true
}

// Ordering of two version vectors; concurrent vectors are unordered.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "concurrent"
	}
}

// Compare is the partial order of version vectors.
func (vv VV) Compare(b VV) Ordering {
	ab := vv.IncludesVV(b)
	ba := b.IncludesVV(vv)
	switch {
	case ab && ba:
		return Equal
	case ab:
		return Greater
	case ba:
		return Less
	default:
		return Concurrent
	}
}

// Diff lists the spans vv has and b has not.
func (vv VV) Diff(b VV) (spans []IDSpan) {
	for _, peer := range vv.Peers() {
		end := vv.End(peer)
		start := b.End(peer)
		if end > start {
			spans = append(spans, IDSpan{Peer: peer, Counter: CounterSpan{start, end}})
		}
	}
	return
}

// Peers are sorted ascending.
func (vv VV) Peers() []uint64 {
	peers := make([]uint64, 0, len(vv))
	for peer := range vv {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// IDs lists the last included id of every peer, sorted.
func (vv VV) IDs() (ids []ID) {
	for _, peer := range vv.Peers() {
		ids = append(ids, ID{peer, vv[peer]})
	}
	return
}

// TLV V records, one per peer; nil for an empty vector.
func (vv VV) TLV() (ret []byte) {
	for _, id := range vv.IDs() {
		ret = protocol.Append(ret, 'V', id.ZipBytes())
	}
	return
}

// PutTLV consumes V records.
func (vv VV) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return err
		}
		if len(val) == 0 || !ValidZipPairLen(len(val)) {
			return ErrBadVRecord
		}
		vv.PutID(IDFromZipBytes(val))
	}
	return nil
}

func VVFromTLV(tlv []byte) (vv VV, err error) {
	vv = make(VV)
	err = vv.PutTLV(tlv)
	return
}

func (vv VV) String() string {
	ids := vv.IDs()
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
