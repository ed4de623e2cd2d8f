// Provides common kniga errors definitions.
package kniga_errors

import (
	"errors"
	"fmt"

	"github.com/drpcorg/kniga/rdx"
)

var (
	ErrMalformedPayload    = errors.New("kniga: malformed payload")
	ErrIncompatibleVersion = errors.New("kniga: incompatible format version")
	ErrChecksum            = errors.New("kniga: payload checksum mismatch")
	ErrMissingAncestor     = errors.New("kniga: missing causal ancestor")
	ErrShallowHistory      = errors.New("kniga: history before the shallow root is trimmed")
	ErrContainerType       = errors.New("kniga: container type mismatch")
	ErrContainerDeleted    = errors.New("kniga: container is deleted")
	ErrDetached            = errors.New("kniga: document is detached")
	ErrOutOfBound          = errors.New("kniga: index out of bound")
	ErrNotFound            = errors.New("kniga: not found")
	ErrMarkNotFound        = errors.New("kniga: mark not found")
	ErrTreeCycle           = errors.New("kniga: tree move would create a cycle")
	ErrUnknownFrontiers    = errors.New("kniga: frontiers are not in the log")
	ErrClosed              = errors.New("kniga: document is closed")
	ErrEmptyKey            = errors.New("kniga: empty key")
)

// ContainerTypeError reports a container used as the wrong kind.
// It matches ErrContainerType with errors.Is.
type ContainerTypeError struct {
	ID       rdx.ContainerID
	Expected rdx.ContainerType
	Actual   rdx.ContainerType
}

func (e *ContainerTypeError) Error() string {
	return fmt.Sprintf("%s: %s is a %s, not a %s",
		ErrContainerType.Error(), e.ID.String(), e.Actual.String(), e.Expected.String())
}

func (e *ContainerTypeError) Is(target error) bool {
	return target == ErrContainerType
}

// OutOfBound builds an ErrOutOfBound with the offending position.
func OutOfBound(pos, length int) error {
	return fmt.Errorf("%w: position %d, length %d", ErrOutOfBound, pos, length)
}
