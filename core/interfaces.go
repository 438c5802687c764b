// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import "context"

// TrustStore is the abstract contract a persistent trust backend must
// satisfy. The file-backed implementation lives in the trust package;
// this interface lets the codec and session layers depend on the
// contract rather than that concrete implementation.
type TrustStore interface {
	// GetByID returns the record with the given id, or (nil, nil) if no
	// such record exists.
	GetByID(ctx context.Context, id string) (*TrustRecord, error)

	// Create inserts a new record. If id is non-empty and already present,
	// returns a TrustStoreConflict error.
	Create(ctx context.Context, record TrustRecord, id string) (*TrustRecord, error)

	// Update merges patch fields over the existing record named by id.
	// Returns a TrustStoreNotFound error if id is absent.
	Update(ctx context.Context, id string, patch TrustRecordPatch) (*TrustRecord, error)

	// Delete removes the record named by id. Returns a TrustStoreNotFound
	// error if id is absent.
	Delete(ctx context.Context, id string) error

	// GetAll returns every record, optionally filtered to those whose
	// ReceiverID matches receiverID when it is non-empty.
	GetAll(ctx context.Context, receiverID string) ([]TrustRecord, error)

	// FlushNow forces any pending debounced write to disk immediately.
	FlushNow(ctx context.Context) error

	// FlushAndReload forces a pending write, then re-reads the backing
	// file, replacing the in-memory records with what is on disk.
	FlushAndReload(ctx context.Context) error
}

// TrustRecordPatch carries the subset of TrustRecord fields an Update call
// wants to overwrite; nil/zero fields are left untouched. Status and the
// timestamp fields use pointers so "leave unset" is distinguishable from
// "set to the zero value".
type TrustRecordPatch struct {
	Status    *TrustStatus
	DecidedAt *string
	ExpiresAt *string
	Policy    map[string]interface{}
}
