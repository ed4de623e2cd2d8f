package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sliceFeeder struct {
	batches []Records
	closed  bool
}

func (f *sliceFeeder) Feed(ctx context.Context) (Records, error) {
	if len(f.batches) == 0 {
		return nil, io.EOF
	}
	recs := f.batches[0]
	f.batches = f.batches[1:]
	return recs, nil
}

func (f *sliceFeeder) Close() error {
	f.closed = true
	return nil
}

type buffer struct {
	bytes.Buffer
	closed bool
}

func (b *buffer) Close() error {
	b.closed = true
	return nil
}

func TestPumpThenClose(t *testing.T) {
	feed := &sliceFeeder{batches: []Records{
		{Record('A', []byte("one")), Record('B', []byte("two"))},
		{},
		{Record('C', []byte("three"))},
	}}
	out := &buffer{}
	err := PumpThenClose(context.Background(), feed, NewWriteDrainer(out))
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, feed.closed)
	assert.True(t, out.closed)

	var lits []byte
	data := out.Bytes()
	for len(data) > 0 {
		lit, _, rest, err := TakeAnyWary(data)
		assert.NoError(t, err)
		lits = append(lits, lit)
		data = rest
	}
	assert.Equal(t, []byte("ABC"), lits)
}

func TestRecords_TotalLen(t *testing.T) {
	assert.Equal(t, 0, Records(nil).TotalLen())
	assert.Equal(t, 5, Records{[]byte("ab"), []byte("cde")}.TotalLen())
}
