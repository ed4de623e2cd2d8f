package protocol

import (
	"context"
	"io"
	"net"
)

// Records is a batch of TLV records, usually whole payloads. A batch
// goes to a writer in one writev call via net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int) {
	for _, rec := range recs {
		total += len(rec)
	}
	return
}

// Feeder reads batches of records. It may return records together with
// an error; an empty batch with no error means nothing arrived yet.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

type FeedCloser interface {
	Feeder
	io.Closer
}

// Drainer writes batches of records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type DrainCloser interface {
	Drainer
	io.Closer
}

// PumpThenClose moves records from feed to drain until either fails,
// then closes both. The feed error wins.
func PumpThenClose(ctx context.Context, feed FeedCloser, drain DrainCloser) error {
	var ferr, derr error
	for ferr == nil && derr == nil && ctx.Err() == nil {
		var recs Records
		recs, ferr = feed.Feed(ctx)
		if len(recs) > 0 {
			derr = drain.Drain(ctx, recs)
		}
	}
	_ = feed.Close()
	_ = drain.Close()
	switch {
	case ferr != nil:
		return ferr
	case derr != nil:
		return derr
	}
	return ctx.Err()
}

// WriteDrainer drains records into a writer, e.g. a file.
type WriteDrainer struct {
	w io.WriteCloser
}

func NewWriteDrainer(w io.WriteCloser) *WriteDrainer {
	return &WriteDrainer{w: w}
}

func (wd *WriteDrainer) Drain(ctx context.Context, recs Records) error {
	bufs := net.Buffers(recs)
	_, err := bufs.WriteTo(wd.w)
	return err
}

func (wd *WriteDrainer) Close() error {
	return wd.w.Close()
}
