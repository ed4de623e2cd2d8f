package rdx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

/*
ID is the address of one op: the replica (peer) that produced it and
the per-peer op counter. Counters start at 0 and never repeat; every
element inserted into a sequence gets its own counter, so a run of
inserted characters occupies a contiguous counter range.

Text form is counter@peer with the peer in hex, e.g. 12@1e.
*/
type ID struct {
	Peer    uint64
	Counter int32
}

// Lamport is the logical time of an op, used for tie-breaks only.
type Lamport = uint32

// NoID is the "no element" anchor, e.g. the origin of an insert at the
// start of a sequence.
var NoID = ID{Peer: math.MaxUint64, Counter: -1}

var ErrBadID = errors.New("rdx: bad id syntax")

func NewID(peer uint64, counter int32) ID {
	return ID{Peer: peer, Counter: counter}
}

func (id ID) IsNone() bool {
	return id == NoID
}

// Inc returns the id n counters further.
func (id ID) Inc(n int32) ID {
	return ID{id.Peer, id.Counter + n}
}

// Compare orders ids by peer, then counter.
func (id ID) Compare(b ID) int {
	if id.Peer != b.Peer {
		if id.Peer < b.Peer {
			return -1
		}
		return 1
	}
	if id.Counter < b.Counter {
		return -1
	} else if id.Counter > b.Counter {
		return 1
	}
	return 0
}

func (id ID) Less(b ID) bool {
	return id.Compare(b) < 0
}

func (id ID) String() string {
	if id == NoID {
		return "none"
	}
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], int64(id.Counter), 10)
	b = append(b, '@')
	b = strconv.AppendUint(b, id.Peer, 16)
	return string(b)
}

func ParseID(txt string) (id ID, err error) {
	if txt == "none" {
		return NoID, nil
	}
	c, p, ok := strings.Cut(txt, "@")
	if !ok {
		return NoID, fmt.Errorf("%w: %q", ErrBadID, txt)
	}
	counter, err := strconv.ParseInt(c, 10, 32)
	if err != nil || counter < 0 {
		return NoID, fmt.Errorf("%w: %q", ErrBadID, txt)
	}
	peer, err := strconv.ParseUint(p, 16, 64)
	if err != nil {
		return NoID, fmt.Errorf("%w: %q", ErrBadID, txt)
	}
	return ID{Peer: peer, Counter: int32(counter)}, nil
}

func (id ID) Bytes() []byte {
	var ret [12]byte
	binary.BigEndian.PutUint64(ret[:8], id.Peer)
	binary.BigEndian.PutUint32(ret[8:12], uint32(id.Counter))
	return ret[:]
}

func IDFromBytes(by []byte) ID {
	if len(by) < 12 {
		return NoID
	}
	return ID{
		Peer:    binary.BigEndian.Uint64(by[:8]),
		Counter: int32(binary.BigEndian.Uint32(by[8:12])),
	}
}

// ZipBytes packs the id; NoID packs as an empty string.
func (id ID) ZipBytes() []byte {
	if id == NoID {
		return []byte{}
	}
	return ZipUint64Pair(id.Peer, uint64(id.Counter)+1)
}

func IDFromZipBytes(zip []byte) ID {
	if len(zip) == 0 {
		return NoID
	}
	peer, c := UnzipUint64Pair(zip)
	return ID{Peer: peer, Counter: int32(c - 1)}
}

// CounterSpan is a half-open counter range [Start, End).
type CounterSpan struct {
	Start int32
	End   int32
}

func (cs CounterSpan) Len() int32 {
	return cs.End - cs.Start
}

func (cs CounterSpan) Contains(c int32) bool {
	return c >= cs.Start && c < cs.End
}

func (cs CounterSpan) String() string {
	return fmt.Sprintf("%d..%d", cs.Start, cs.End)
}

// IDSpan is a contiguous run of one peer's counters.
type IDSpan struct {
	Peer    uint64
	Counter CounterSpan
}

func NewIDSpan(id ID, length int32) IDSpan {
	return IDSpan{Peer: id.Peer, Counter: CounterSpan{id.Counter, id.Counter + length}}
}

func (s IDSpan) Start() ID {
	return ID{s.Peer, s.Counter.Start}
}

func (s IDSpan) Last() ID {
	return ID{s.Peer, s.Counter.End - 1}
}

func (s IDSpan) Len() int32 {
	return s.Counter.Len()
}

func (s IDSpan) Contains(id ID) bool {
	return id.Peer == s.Peer && s.Counter.Contains(id.Counter)
}

func (s IDSpan) String() string {
	return fmt.Sprintf("%x:%s", s.Peer, s.Counter.String())
}

// AppendIDSpan adds the id to a span list, extending the last span when
// the id directly follows it.
func AppendIDSpan(spans []IDSpan, id ID) []IDSpan {
	if n := len(spans); n > 0 {
		last := &spans[n-1]
		if last.Peer == id.Peer && last.Counter.End == id.Counter {
			last.Counter.End++
			return spans
		}
	}
	return append(spans, NewIDSpan(id, 1))
}

// IDLp is an id with its Lamport time; the order of IDLp values is the
// deterministic tie-break order used by every merge rule.
type IDLp struct {
	Lamport Lamport
	Peer    uint64
}

func (a IDLp) Compare(b IDLp) int {
	if a.Lamport != b.Lamport {
		if a.Lamport < b.Lamport {
			return -1
		}
		return 1
	}
	if a.Peer < b.Peer {
		return -1
	} else if a.Peer > b.Peer {
		return 1
	}
	return 0
}

func (a IDLp) Less(b IDLp) bool {
	return a.Compare(b) < 0
}
