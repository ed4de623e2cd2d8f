package rdx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueTLV(t *testing.T) {
	values := []Value{
		Null(),
		Bool(true),
		Bool(false),
		I64(0),
		I64(-42),
		I64(math.MaxInt64),
		Double(12.25),
		Double(math.Inf(-1)),
		String(""),
		String("привет, world"),
		Binary([]byte{0, 1, 2, 0xff}),
		ListOf(I64(1), String("two"), Null()),
		MapOf(map[string]Value{
			"a": I64(1),
			"b": ListOf(Bool(true), MapOf(map[string]Value{"c": Double(0.5)})),
		}),
		ContainerRef(RootContainerID("m", ContainerMap)),
		ContainerRef(NormalContainerID(NewID(5, 9), ContainerText)),
	}
	for _, v := range values {
		dec, rest, err := TakeValue(v.TLV())
		require.NoError(t, err, v.String())
		assert.Empty(t, rest)
		assert.True(t, v.Equal(dec), "%s != %s", v, dec)
	}
}

func TestValueNull(t *testing.T) {
	var zero Value
	assert.True(t, zero.IsNull())
	assert.True(t, zero.Equal(Null()))
	assert.False(t, Null().Equal(I64(0)))
	assert.False(t, String("").Equal(Binary(nil)))
	assert.Nil(t, Null().Native())
}

func TestValueNative(t *testing.T) {
	v, err := FromNative(map[string]any{
		"n":    nil,
		"list": []any{1, "x", 2.5, true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[1,"x",2.5,true],"n":null}`, v.String())
	assert.Equal(t, map[string]any{
		"n":    nil,
		"list": []any{int64(1), "x", 2.5, true},
	}, v.Native())

	_, err = FromNative(struct{}{})
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestValueBadRecords(t *testing.T) {
	_, _, err := TakeValue([]byte{'q', 0})
	assert.Error(t, err)
	_, _, err = TakeValue([]byte{'b', 2, 1, 1})
	assert.ErrorIs(t, err, ErrBadValue)
	_, _, err = TakeValue([]byte{'s', 10, 'a'})
	assert.Error(t, err)

	deep := Null()
	for i := 0; i < MaxValueNesting+2; i++ {
		deep = ListOf(deep)
	}
	_, _, err = TakeValue(deep.TLV())
	assert.ErrorIs(t, err, ErrValueNesting)
}
