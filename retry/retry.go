// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package retry classifies errors at the connector boundary and derives
// RetryInfo from the configured policy and current attempt count.
package retry

import (
	"math/rand"
	"strings"
	"time"

	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

// Policy holds the retry limits a connector is configured with:
// maxRetries and the base retry delay.
type Policy struct {
	MaxRetries   int
	BaseDelay    time.Duration
	// Jitter adds up to this much additional random delay to each
	// computed nextDelayMs. Zero disables jitter.
	Jitter time.Duration
}

// State tracks one connector's accumulated retry attempts and whether it
// has been torn down; getRetryInfo needs both in addition to the policy
// and the error at hand.
type State struct {
	Retries   int
	Destroyed bool
}

// GetRetryInfo computes:
//
//	willRetry = shouldRetry ∧ ¬destroyed ∧ retries < maxRetries ∧ error ∉ terminal
//	retriesLeft = max(0, maxRetries − retries)
//	nextDelayMs follows the configured base delay, optionally jittered.
//
// err may be nil (no error occurred, e.g. an explicit end()); shouldRetry
// is then irrelevant and willRetry is always false.
func GetRetryInfo(p Policy, s State, err error) core.RetryInfo {
	retriesLeft := p.MaxRetries - s.Retries
	if retriesLeft < 0 {
		retriesLeft = 0
	}

	willRetry := false
	if err != nil && !s.Destroyed && s.Retries < p.MaxRetries && !IsTerminal(err) {
		willRetry = true
	}

	delay := p.BaseDelay
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter) + 1))
	}

	return core.RetryInfo{
		WillRetry:   willRetry,
		RetriesLeft: retriesLeft,
		NextDelayMs: int(delay / time.Millisecond),
	}
}

// IsTerminal reports whether err belongs to one of the non-retryable
// classes (terminal config, terminal crypto, terminal parse). Errors not
// classified as *errors.BtpsError are treated as socket errors, matching
// errors.KindOf's fallback. A socket error is transient unless its
// message names one of the terminal classes.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	kind, _ := berrors.KindOf(err)
	if kind == berrors.SocketError {
		msg := strings.ToLower(err.Error())
		for _, class := range []string{"invalid identity", "invalid hostname", "unsupported protocol", "signature verification failed", "destroyed"} {
			if strings.Contains(msg, class) {
				return true
			}
		}
		return false
	}
	return kind.Terminal()
}
