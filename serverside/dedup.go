// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package serverside holds the narrow slice of inbound-listener logic that
// is in scope for a core implementation: deduplicating a redelivered
// artifact by (from, id) within a bounded window. The rest of a listening
// server — connection fan-out, rate limiting — is out of scope.
package serverside

import (
	"sync"
	"time"
)

type dedupKey struct {
	from string
	id   string
}

// Dedup tracks (from, id) pairs seen within the last window and reports
// whether a given pair is a repeat. Entries older than window are swept
// lazily on Seen, so the structure never grows without bound under
// sustained traffic.
type Dedup struct {
	mu     sync.Mutex
	window time.Duration
	seenAt map[dedupKey]time.Time
	maxLen int
}

// NewDedup returns a Dedup that considers a (from, id) pair a duplicate if
// it was last observed less than window ago. maxLen bounds the number of
// tracked entries; when exceeded, the oldest entries are evicted first
// (a production listener would size this to its expected retry volume).
func NewDedup(window time.Duration, maxLen int) *Dedup {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Dedup{
		window: window,
		seenAt: make(map[dedupKey]time.Time),
		maxLen: maxLen,
	}
}

// Seen reports whether (from, id) was already observed within window of
// now, and records the observation either way. Callers should skip
// reprocessing (but still ack) when Seen returns true.
func (d *Dedup) Seen(from, id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupKey{from: from, id: id}
	last, ok := d.seenAt[key]
	d.seenAt[key] = now
	d.sweepLocked(now)

	return ok && now.Sub(last) < d.window
}

// sweepLocked evicts entries older than window, and if the map is still
// over maxLen afterward, evicts the oldest remaining entries until it
// isn't. Callers must hold d.mu.
func (d *Dedup) sweepLocked(now time.Time) {
	for k, t := range d.seenAt {
		if now.Sub(t) >= d.window {
			delete(d.seenAt, k)
		}
	}
	if len(d.seenAt) <= d.maxLen {
		return
	}
	type entry struct {
		key dedupKey
		at  time.Time
	}
	entries := make([]entry, 0, len(d.seenAt))
	for k, t := range d.seenAt {
		entries = append(entries, entry{k, t})
	}
	for len(d.seenAt) > d.maxLen {
		oldestIdx := 0
		for i, e := range entries {
			if e.at.Before(entries[oldestIdx].at) {
				oldestIdx = i
			}
		}
		delete(d.seenAt, entries[oldestIdx].key)
		entries = append(entries[:oldestIdx], entries[oldestIdx+1:]...)
	}
}

// Len reports the number of (from, id) pairs currently tracked.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seenAt)
}
