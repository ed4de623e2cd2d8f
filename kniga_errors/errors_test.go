package kniga_errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/drpcorg/kniga/rdx"
	"github.com/stretchr/testify/assert"
)

func TestContainerTypeError(t *testing.T) {
	var err error = &ContainerTypeError{
		ID:       rdx.RootContainerID("list", rdx.ContainerList),
		Expected: rdx.ContainerText,
		Actual:   rdx.ContainerList,
	}
	wrapped := fmt.Errorf("get text: %w", err)
	assert.ErrorIs(t, wrapped, ErrContainerType)
	var cte *ContainerTypeError
	assert.True(t, errors.As(wrapped, &cte))
	assert.Equal(t, rdx.ContainerList, cte.Actual)
	assert.Contains(t, err.Error(), "cid:root-list:List is a List, not a Text")
}

func TestOutOfBound(t *testing.T) {
	err := OutOfBound(7, 3)
	assert.ErrorIs(t, err, ErrOutOfBound)
	assert.Equal(t, "kniga: index out of bound: position 7, length 3", err.Error())
}
