package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FDQueue is a bounded feed/drain queue of byte records. Writers Drain
// batches in, a reader Feeds them out in batches of at least batchSize
// bytes or whatever arrived within timelimit. A writer that waits for
// room longer than timelimit marks the queue overflowed; an overflowed
// queue rejects everything after. A closed queue still feeds out what
// it holds.
type FDQueue[T ~[][]byte] struct {
	limit     int
	timelimit time.Duration
	batchSize int

	lock       sync.Mutex
	recs       T
	size       int
	closed     bool
	overflowed bool
	// closed and replaced on every change
	changed chan struct{}

	// one writer and one reader at a time keep batches whole
	writers chan struct{}
	readers chan struct{}
}

var ErrClosed = errors.New("[kniga] update queue is closed")
var ErrOverflow = errors.New("[kniga] update queue is overflowed")

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	return &FDQueue[T]{
		limit:     limit,
		timelimit: timelimit,
		batchSize: batchSize,
		changed:   make(chan struct{}),
		writers:   make(chan struct{}, 1),
		readers:   make(chan struct{}, 1),
	}
}

func (q *FDQueue[T]) Close() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.closed {
		q.closed = true
		q.notify()
	}
	return nil
}

// Size is the number of bytes waiting to be fed.
func (q *FDQueue[T]) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

func (q *FDQueue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type wait int

const (
	waitTimeout wait = iota
	waitOK
	waitCanceled
)

func acquire(ctx context.Context, timer *time.Timer, sem chan struct{}) wait {
	select {
	case sem <- struct{}{}:
		return waitOK
	case <-ctx.Done():
		return waitCanceled
	case <-timer.C:
		return waitTimeout
	}
}

func (q *FDQueue[T]) overflow() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.overflowed = true
	q.notify()
	return ErrOverflow
}

// Drain queues the records, waiting up to timelimit for room.
// A cancelled ctx returns nil with the rest of recs dropped.
func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	switch acquire(ctx, timer, q.writers) {
	case waitCanceled:
		return nil
	case waitTimeout:
		return q.overflow()
	}
	defer func() { <-q.writers }()

	for len(recs) > 0 {
		q.lock.Lock()
		switch {
		case q.closed:
			q.lock.Unlock()
			return ErrClosed
		case q.overflowed:
			q.lock.Unlock()
			return ErrOverflow
		}
		n, size := 0, 0
		for _, rec := range recs {
			if q.size+size+len(rec) > q.limit {
				break
			}
			size += len(rec)
			n++
		}
		if n > 0 {
			q.recs = append(q.recs, recs[:n]...)
			q.size += size
			recs = recs[n:]
			q.notify()
			q.lock.Unlock()
			continue
		}
		changed := q.changed
		q.lock.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return q.overflow()
		}
	}
	return nil
}

// Feed returns at least batchSize bytes of records, or whatever arrived
// within timelimit, possibly nothing.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	timer := time.NewTimer(q.timelimit)
	defer timer.Stop()
	switch acquire(ctx, timer, q.readers) {
	case waitCanceled, waitTimeout:
		return nil, q.feedErr()
	}
	defer func() { <-q.readers }()

	size := 0
	for {
		q.lock.Lock()
		if q.overflowed {
			q.lock.Unlock()
			return recs, ErrOverflow
		}
		n := 0
		for _, rec := range q.recs {
			recs = append(recs, rec)
			size += len(rec)
			q.size -= len(rec)
			n++
			if size >= q.batchSize {
				break
			}
		}
		if n > 0 {
			clear(q.recs[:n])
			q.recs = q.recs[n:]
			if len(q.recs) == 0 {
				q.recs = nil
			}
			q.notify()
		}
		if size >= q.batchSize || (q.closed && len(recs) > 0) {
			q.lock.Unlock()
			return recs, nil
		}
		if q.closed {
			q.lock.Unlock()
			return nil, ErrClosed
		}
		changed := q.changed
		q.lock.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return recs, nil
		case <-timer.C:
			return recs, nil
		}
	}
}

func (q *FDQueue[T]) feedErr() error {
	q.lock.Lock()
	defer q.lock.Unlock()
	switch {
	case q.overflowed:
		return ErrOverflow
	case q.closed && q.size == 0:
		return ErrClosed
	}
	return nil
}
