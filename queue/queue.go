// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package queue implements the connector's in-memory backpressure
// buffer: writes the socket can't yet accept are queued FIFO and
// drained on the socket's own schedule.
package queue

import (
	"sync"

	berrors "github.com/BhupenT/btps-sdk/errors"
)

// WriteFunc attempts to write line to the underlying socket. It returns
// ok=false when the socket reports its write buffer is full ("would
// block"); the line must then be queued rather than dropped.
type WriteFunc func(line []byte) (ok bool, err error)

// Queue is a single-writer FIFO buffer of pending lines, drained against
// a caller-supplied WriteFunc.
type Queue struct {
	mu        sync.Mutex
	pending   [][]byte
	destroyed bool
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends line to the tail of the pending buffer. Returns a
// Destroyed error if the queue has already been torn down.
func (q *Queue) Enqueue(line []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return berrors.DestroyedError("cannot enqueue on a destroyed queue")
	}
	q.pending = append(q.pending, line)
	return nil
}

// Len reports the number of lines currently buffered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain writes queued lines in FIFO order via write, stopping as soon as
// either the queue empties or write reports the socket is full again. It
// returns the number of lines successfully written.
func (q *Queue) Drain(write WriteFunc) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return 0, berrors.DestroyedError("cannot drain a destroyed queue")
	}
	written := 0
	for len(q.pending) > 0 {
		ok, err := write(q.pending[0])
		if err != nil {
			return written, err
		}
		if !ok {
			break
		}
		q.pending = q.pending[1:]
		written++
	}
	return written, nil
}

// TryWrite attempts a direct write; if it reports the socket full, the
// line is enqueued instead of being dropped.
func (q *Queue) TryWrite(line []byte, write WriteFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return berrors.DestroyedError("cannot write on a destroyed queue")
	}
	if len(q.pending) > 0 {
		// Preserve FIFO order: if anything is already queued, this line
		// must go to the tail rather than attempt to jump ahead.
		q.pending = append(q.pending, line)
		return nil
	}
	ok, err := write(line)
	if err != nil {
		return err
	}
	if !ok {
		q.pending = append(q.pending, line)
	}
	return nil
}

// Destroy discards all pending entries and marks the queue unusable; any
// future Enqueue/Drain/TryWrite call errors.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.destroyed = true
}
