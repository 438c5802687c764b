// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package trust implements the file-backed TrustRecord store: lazy
// initialization, debounced writes, an advisory exclusive lock with
// retry/backoff, atomic replace, and mtime-based external-change
// detection.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/sys/unix"

	berrors "github.com/BhupenT/btps-sdk/errors"

	"github.com/BhupenT/btps-sdk/core"
)

// DeterministicID returns the stable id a (senderID, receiverID) pair
// always maps to, across processes.
func DeterministicID(senderID, receiverID string) string {
	sum := sha256.Sum256([]byte(senderID + "→" + receiverID))
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}

// debounceWindow is the write-coalescing delay between a record change
// and the flush to disk.
const debounceWindow = 1 * time.Second

// lockRetries, lockBackoffBase, lockBackoffFactor, lockBackoffMax, and
// lockStaleTimeout implement the advisory-lock retry schedule: 5
// attempts, exponential factor 1.5, 100 ms to 1 s, stale timeout 5 s.
const (
	lockRetries       = 5
	lockBackoffBase   = 100 * time.Millisecond
	lockBackoffFactor = 1.5
	lockBackoffMax    = 1 * time.Second
	lockStaleTimeout  = 5 * time.Second
)

// Store is the file-backed implementation of core.TrustStore.
type Store struct {
	path       string
	entityName string // "" selects the bare-array file format.
	clk        clock.Clock

	mu         sync.Mutex
	records    map[string]core.TrustRecord
	dirty      bool
	loaded     bool
	lastMod    time.Time
	flushTimer bool // true while a debounced flush is already scheduled.
}

// New constructs a Store backed by path. If entityName is non-empty the
// file format is `{ "<entityName>": [...] }`; otherwise it is a bare
// JSON array.
func New(path string, entityName string) *Store {
	return NewWithClock(path, entityName, clock.New())
}

// NewWithClock is New with an injectable clock.Clock, for tests that need
// to control the debounce window and lock backoff without real sleeps.
func NewWithClock(path string, entityName string, clk clock.Clock) *Store {
	return &Store{path: path, entityName: entityName, clk: clk, records: map[string]core.TrustRecord{}}
}

func (s *Store) readFile() ([]core.TrustRecord, time.Time, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		if werr := s.writeFileLocked(nil); werr != nil {
			return nil, time.Time{}, werr
		}
		info, err = os.Stat(s.path)
		if err != nil {
			return nil, time.Time{}, berrors.New(berrors.SocketError, "stat new trust file: %v", err)
		}
	} else if err != nil {
		return nil, time.Time{}, berrors.New(berrors.SocketError, "stat trust file: %v", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, berrors.New(berrors.SocketError, "read trust file: %v", err)
	}
	if len(data) == 0 {
		return nil, info.ModTime(), nil
	}

	if s.entityName != "" {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, time.Time{}, berrors.New(berrors.SchemaValidationError, "trust file is corrupt: %v", err)
		}
		raw, ok := wrapper[s.entityName]
		if !ok {
			return nil, info.ModTime(), nil
		}
		var records []core.TrustRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, time.Time{}, berrors.New(berrors.SchemaValidationError, "trust file entity is corrupt: %v", err)
		}
		return records, info.ModTime(), nil
	}

	var records []core.TrustRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, time.Time{}, berrors.New(berrors.SchemaValidationError, "trust file is corrupt: %v", err)
	}
	return records, info.ModTime(), nil
}

// loadLocked performs lazy init, creating an empty container file if
// absent, then loading all records into memory. Caller must hold s.mu.
func (s *Store) loadLocked() error {
	records, modTime, err := s.readFile()
	if err != nil {
		return err
	}
	s.records = make(map[string]core.TrustRecord, len(records))
	for _, r := range records {
		s.records[r.ID] = r
	}
	s.loaded = true
	s.lastMod = modTime
	return nil
}

// ensureFreshLocked detects an external change to the backing file
// before every read-only operation. Caller must hold s.mu.
func (s *Store) ensureFreshLocked() error {
	if !s.loaded {
		return s.loadLocked()
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return berrors.New(berrors.SocketError, "stat trust file: %v", err)
	}
	if !info.ModTime().Equal(s.lastMod) {
		return s.mergeFromDiskLocked()
	}
	return nil
}

// mergeFromDiskLocked folds any on-disk record not already held in memory
// into s.records, leaving records already known locally untouched. This is
// what lets two Store instances create disjoint records concurrently
// without one instance's flush silently discarding the other's: each
// flush merges the other's writes in first instead of blindly overwriting
// the file with only its own view. Caller must hold s.mu.
func (s *Store) mergeFromDiskLocked() error {
	onDisk, modTime, err := s.readFile()
	if err != nil {
		return err
	}
	for _, r := range onDisk {
		if _, ok := s.records[r.ID]; !ok {
			s.records[r.ID] = r
		}
	}
	s.loaded = true
	s.lastMod = modTime
	return nil
}

// markDirtyLocked sets the dirty flag and (re)schedules a single
// debounced flush, coalescing any marks that land within the window.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.flushTimer {
		return
	}
	s.flushTimer = true
	go func() {
		s.clk.Sleep(debounceWindow)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flushTimer = false
		if err := s.mergeFromDiskLocked(); err != nil {
			return
		}
		_ = s.flushLocked()
	}()
}

// flushLocked writes the in-memory records to disk if dirty, otherwise
// is a no-op. Caller must hold s.mu.
func (s *Store) flushLocked() error {
	if !s.dirty {
		return nil
	}
	records := make([]core.TrustRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	if err := s.writeFileLocked(records); err != nil {
		// Dirty flag stays set so the next scheduling attempt retries.
		return err
	}
	s.dirty = false
	info, err := os.Stat(s.path)
	if err == nil {
		s.lastMod = info.ModTime()
	}
	return nil
}

// writeFileLocked acquires an advisory exclusive lock with retry,
// serializes, writes to a temp file, atomically renames over the live
// file, and releases the lock.
func (s *Store) writeFileLocked(records []core.TrustRecord) error {
	if records == nil {
		records = []core.TrustRecord{}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return berrors.New(berrors.SocketError, "create trust store directory: %v", err)
	}

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return berrors.New(berrors.SocketError, "open lock file: %v", err)
	}
	defer lockFile.Close()

	if err := acquireLock(lockFile, s.clk); err != nil {
		return err
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	var payload []byte
	if s.entityName != "" {
		payload, err = json.MarshalIndent(map[string][]core.TrustRecord{s.entityName: records}, "", "  ")
	} else {
		payload, err = json.MarshalIndent(records, "", "  ")
	}
	if err != nil {
		return berrors.New(berrors.SocketError, "serialize trust records: %v", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, payload, 0o600); err != nil {
		return berrors.New(berrors.SocketError, "write trust store tmp file: %v", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return berrors.New(berrors.SocketError, "rename trust store tmp file: %v", err)
	}
	return nil
}

// acquireLock retries a non-blocking exclusive flock with the backoff
// schedule above, giving up as transient after lockRetries attempts or
// lockStaleTimeout elapsed, whichever comes first.
func acquireLock(f *os.File, clk clock.Clock) error {
	deadline := clk.Now().Add(lockStaleTimeout)
	delay := lockBackoffBase
	var lastErr error
	for attempt := 0; attempt < lockRetries; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		lastErr = err
		if clk.Now().After(deadline) {
			break
		}
		clk.Sleep(delay)
		delay = time.Duration(float64(delay) * lockBackoffFactor)
		if delay > lockBackoffMax {
			delay = lockBackoffMax
		}
	}
	return berrors.New(berrors.SocketError, "could not acquire trust store lock: %v", lastErr)
}

// GetByID implements core.TrustStore.
func (s *Store) GetByID(ctx context.Context, id string) (*core.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(); err != nil {
		return nil, err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// Create implements core.TrustStore.
func (s *Store) Create(ctx context.Context, record core.TrustRecord, id string) (*core.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(); err != nil {
		return nil, err
	}
	if id == "" {
		id = DeterministicID(record.SenderID, record.ReceiverID)
	}
	if _, exists := s.records[id]; exists {
		return nil, berrors.TrustStoreConflictError("record %q already exists", id)
	}
	record.ID = id
	s.records[id] = record
	s.markDirtyLocked()
	out := record
	return &out, nil
}

// Update implements core.TrustStore.
func (s *Store) Update(ctx context.Context, id string, patch core.TrustRecordPatch) (*core.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(); err != nil {
		return nil, err
	}
	existing, ok := s.records[id]
	if !ok {
		return nil, berrors.TrustStoreNotFoundError("record %q not found", id)
	}
	if patch.Status != nil {
		existing.Status = *patch.Status
	}
	if patch.DecidedAt != nil {
		existing.DecidedAt = *patch.DecidedAt
	}
	if patch.ExpiresAt != nil {
		existing.ExpiresAt = *patch.ExpiresAt
	}
	if patch.Policy != nil {
		existing.Policy = patch.Policy
	}
	s.records[id] = existing
	s.markDirtyLocked()
	out := existing
	return &out, nil
}

// Delete implements core.TrustStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(); err != nil {
		return err
	}
	if _, ok := s.records[id]; !ok {
		return berrors.TrustStoreNotFoundError("record %q not found", id)
	}
	delete(s.records, id)
	s.markDirtyLocked()
	return nil
}

// GetAll implements core.TrustStore.
func (s *Store) GetAll(ctx context.Context, receiverID string) ([]core.TrustRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureFreshLocked(); err != nil {
		return nil, err
	}
	out := make([]core.TrustRecord, 0, len(s.records))
	for _, r := range s.records {
		if receiverID != "" && r.ReceiverID != receiverID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FlushNow implements core.TrustStore: forces any pending debounced write,
// merging in whatever another instance has written to disk since this one
// last observed it.
func (s *Store) FlushNow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = false
	if s.loaded {
		if err := s.mergeFromDiskLocked(); err != nil {
			return err
		}
	}
	return s.flushLocked()
}

// FlushAndReload implements core.TrustStore: merges in whatever another
// instance has written to disk, flushes any pending write, then
// unconditionally reloads from disk.
func (s *Store) FlushAndReload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTimer = false
	if s.loaded {
		if err := s.mergeFromDiskLocked(); err != nil {
			return err
		}
	}
	if err := s.flushLocked(); err != nil {
		return err
	}
	return s.loadLocked()
}

var _ core.TrustStore = (*Store)(nil)
