// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package serverside

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BhupenT/btps-sdk/codec"
	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

// Responder decodes one inbound envelope, deduplicates it against
// recently seen (from, id) pairs, verifies/decrypts it, and builds the
// acknowledgement envelope to write back — the single inbound-handling
// slice a core implementation is responsible for.
type Responder struct {
	resolver codec.KeyResolver
	verify   codec.VerifyOptions
	dedup    *Dedup
	selfID   string
}

// NewResponder builds a Responder bound to the receiving identity selfID,
// decrypting with opts.RecipientKey when an inbound envelope is encrypted.
func NewResponder(resolver codec.KeyResolver, selfID string, opts codec.VerifyOptions, dedup *Dedup) *Responder {
	if dedup == nil {
		dedup = NewDedup(5*time.Minute, 10000)
	}
	return &Responder{resolver: resolver, verify: opts, dedup: dedup, selfID: selfID}
}

// Handle verifies env, decrypting its document if needed, and returns the
// response envelope to send back. A duplicate (from, id) within the
// dedup window short-circuits to a 200 "already processed" acknowledgement
// without re-validating the artifact.
func (r *Responder) Handle(ctx context.Context, env core.ArtifactEnvelope) (core.ArtifactEnvelope, error) {
	if r.dedup.Seen(env.From, env.ID, time.Now()) {
		return r.ack(env, true), nil
	}

	doc, err := codec.VerifyDecrypt(ctx, r.resolver, env, r.verify)
	if err != nil {
		return r.nack(env, err), err
	}

	_ = doc // the decoded document is handed to application logic by the caller, not this package.
	return r.ack(env, false), nil
}

// ack builds a success response envelope addressed back to env.From.
func (r *Responder) ack(env core.ArtifactEnvelope, duplicate bool) core.ArtifactEnvelope {
	message := "accepted"
	if duplicate {
		message = "duplicate, already processed"
	}
	return core.ArtifactEnvelope{
		Version:  "1.0.0",
		ID:       env.ID + "-ack",
		From:     r.selfID,
		To:       env.From,
		Type:     core.TypeResponse,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		ReqID:    env.ID,
		Document: json.RawMessage(`"ok"`),
		Status:   &core.ResponseStatus{OK: true, Code: 200, Message: message},
	}
}

// nack builds a failure response envelope classifying err.
func (r *Responder) nack(env core.ArtifactEnvelope, err error) core.ArtifactEnvelope {
	kind, _ := berrors.KindOf(err)
	code := 400
	if kind.Terminal() {
		code = 422
	}
	return core.ArtifactEnvelope{
		Version:  "1.0.0",
		ID:       env.ID + "-ack",
		From:     r.selfID,
		To:       env.From,
		Type:     core.TypeErrorResponse,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		ReqID:    env.ID,
		Document: json.RawMessage(`"error"`),
		Status:   &core.ResponseStatus{OK: false, Code: code, Message: err.Error()},
	}
}
