package rdx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drpcorg/kniga/protocol"
)

// ContainerType is the closed set of container kinds.
type ContainerType byte

const (
	ContainerText        ContainerType = 'T'
	ContainerMap         ContainerType = 'M'
	ContainerList        ContainerType = 'L'
	ContainerMovableList ContainerType = 'V'
	ContainerTree        ContainerType = 'R'
	ContainerCounter     ContainerType = 'C'
)

var ErrBadContainerID = errors.New("rdx: bad container id")

// ContainerTypes lists every kind, in a fixed order.
var ContainerTypes = []ContainerType{
	ContainerText, ContainerMap, ContainerList,
	ContainerMovableList, ContainerTree, ContainerCounter,
}

func (t ContainerType) Valid() bool {
	switch t {
	case ContainerText, ContainerMap, ContainerList,
		ContainerMovableList, ContainerTree, ContainerCounter:
		return true
	}
	return false
}

func (t ContainerType) String() string {
	switch t {
	case ContainerText:
		return "Text"
	case ContainerMap:
		return "Map"
	case ContainerList:
		return "List"
	case ContainerMovableList:
		return "MovableList"
	case ContainerTree:
		return "Tree"
	case ContainerCounter:
		return "Counter"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(t))
	}
}

func ParseContainerType(s string) (ContainerType, error) {
	for _, t := range ContainerTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: type %q", ErrBadContainerID, s)
}

// ContainerID names a container. Root containers are named by the
// application; other containers are named by the op that created them.
type ContainerID struct {
	Root bool
	Name string
	ID   ID
	Type ContainerType
}

func RootContainerID(name string, t ContainerType) ContainerID {
	return ContainerID{Root: true, Name: name, ID: NoID, Type: t}
}

func NormalContainerID(id ID, t ContainerType) ContainerID {
	return ContainerID{ID: id, Type: t}
}

func (cid ContainerID) String() string {
	if cid.Root {
		return "cid:root-" + cid.Name + ":" + cid.Type.String()
	}
	return "cid:" + cid.ID.String() + ":" + cid.Type.String()
}

func ParseContainerID(s string) (cid ContainerID, err error) {
	body, ok := strings.CutPrefix(s, "cid:")
	if !ok {
		return cid, fmt.Errorf("%w: %q", ErrBadContainerID, s)
	}
	i := strings.LastIndexByte(body, ':')
	if i < 0 {
		return cid, fmt.Errorf("%w: %q", ErrBadContainerID, s)
	}
	t, err := ParseContainerType(body[i+1:])
	if err != nil {
		return cid, err
	}
	head := body[:i]
	if name, ok := strings.CutPrefix(head, "root-"); ok {
		return RootContainerID(name, t), nil
	}
	id, err := ParseID(head)
	if err != nil {
		return cid, fmt.Errorf("%w: %q", ErrBadContainerID, s)
	}
	return NormalContainerID(id, t), nil
}

// TLV is a record: R{name, type} for roots, N{id, type} otherwise.
func (cid ContainerID) TLV() []byte {
	if cid.Root {
		return protocol.Record('R',
			protocol.TinyRecord('T', []byte{byte(cid.Type)}),
			[]byte(cid.Name),
		)
	}
	return protocol.Record('N',
		protocol.TinyRecord('T', []byte{byte(cid.Type)}),
		cid.ID.ZipBytes(),
	)
}

func ContainerIDFromTLV(rec []byte) (cid ContainerID, rest []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return cid, nil, err
	}
	tb, tail, err := protocol.TakeWary('T', body)
	if err != nil || len(tb) != 1 || !ContainerType(tb[0]).Valid() {
		return cid, nil, ErrBadContainerID
	}
	t := ContainerType(tb[0])
	switch lit {
	case 'R':
		return RootContainerID(string(tail), t), rest, nil
	case 'N':
		if len(tail) == 0 || !ValidZipPairLen(len(tail)) {
			return cid, nil, ErrBadContainerID
		}
		return NormalContainerID(IDFromZipBytes(tail), t), rest, nil
	default:
		return cid, nil, ErrBadContainerID
	}
}
