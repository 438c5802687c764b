// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package errors defines the BTPS error taxonomy and its retry
// classification: a closed set of error kinds attached to a single
// concrete type rather than one Go error type per failure mode.
package errors

import "fmt"

// ErrorKind provides a coarse category for BtpsErrors
type ErrorKind int

const (
	// InvalidIdentity means an `account$domain` string failed to parse.
	InvalidIdentity ErrorKind = iota
	// InvalidHostname means a host[:port] / btps:// URL failed to parse.
	InvalidHostname
	// UnsupportedProtocol means the envelope's version field didn't match
	// a protocol version this build understands.
	UnsupportedProtocol
	// DNSResolutionFailed means a DNS TXT lookup failed or returned no
	// TXT records. Transient.
	DNSResolutionFailed
	// ConnectionTimeout means a TLS dial did not reach secureConnect
	// before the configured deadline. Transient.
	ConnectionTimeout
	// SocketError covers I/O failures on an established connection.
	// Transient unless the underlying message indicates a terminal class.
	SocketError
	// SyntaxError means a wire line could not be parsed as JSON. Terminal.
	SyntaxError
	// SignatureVerificationFailed means the recomputed digest didn't
	// match, or the sender's key fingerprint didn't match. Terminal.
	SignatureVerificationFailed
	// DecryptionFailed means hybrid key unwrap, padding, or document
	// reassembly failed. Terminal.
	DecryptionFailed
	// SchemaValidationError means a document failed its per-type field
	// validation. Terminal.
	SchemaValidationError
	// TrustStoreConflict means a create() targeted an id that already
	// exists.
	TrustStoreConflict
	// TrustStoreNotFound means an update()/delete() targeted a missing id.
	TrustStoreNotFound
	// Destroyed means an operation was attempted on a torn-down
	// connector.
	Destroyed
)

var kindNames = map[ErrorKind]string{
	InvalidIdentity:             "InvalidIdentity",
	InvalidHostname:             "InvalidHostname",
	UnsupportedProtocol:         "UnsupportedProtocol",
	DNSResolutionFailed:         "DnsResolutionFailed",
	ConnectionTimeout:           "ConnectionTimeout",
	SocketError:                 "SocketError",
	SyntaxError:                 "SyntaxError",
	SignatureVerificationFailed: "SignatureVerificationFailed",
	DecryptionFailed:            "DecryptionFailed",
	SchemaValidationError:       "SchemaValidationError",
	TrustStoreConflict:          "TrustStoreConflict",
	TrustStoreNotFound:          "TrustStoreNotFound",
	Destroyed:                   "Destroyed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no retry may recover an error of this kind.
func (k ErrorKind) Terminal() bool {
	switch k {
	case InvalidIdentity, InvalidHostname, UnsupportedProtocol,
		SyntaxError, SignatureVerificationFailed, DecryptionFailed,
		SchemaValidationError, Destroyed:
		return true
	default:
		return false
	}
}

// BtpsError represents a classified BTPS error.
type BtpsError struct {
	Kind   ErrorKind
	Detail string
	// Field names the offending field path for schema validation errors;
	// empty for kinds that don't name one.
	Field string
}

func (be *BtpsError) Error() string {
	if be.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", be.Kind, be.Detail, be.Field)
	}
	return fmt.Sprintf("%s: %s", be.Kind, be.Detail)
}

// New is a convenience function for creating a new BtpsError.
func New(kind ErrorKind, msg string, args ...interface{}) error {
	return &BtpsError{Kind: kind, Detail: fmt.Sprintf(msg, args...)}
}

// NewField builds a BtpsError naming the offending field path.
func NewField(kind ErrorKind, field, msg string, args ...interface{}) error {
	return &BtpsError{Kind: kind, Field: field, Detail: fmt.Sprintf(msg, args...)}
}

// Is is a convenience function for testing the internal kind of a BtpsError.
func Is(err error, kind ErrorKind) bool {
	bErr, ok := err.(*BtpsError)
	if !ok {
		return false
	}
	return bErr.Kind == kind
}

// KindOf extracts the ErrorKind from err, returning (kind, true) if err is
// a *BtpsError, or (SocketError, false) otherwise — callers crossing a
// non-BtpsError boundary (raw net/DNS errors) treat unclassified errors as
// transient socket errors.
func KindOf(err error) (ErrorKind, bool) {
	be, ok := err.(*BtpsError)
	if !ok {
		return SocketError, false
	}
	return be.Kind, true
}

func InvalidIdentityError(msg string, args ...interface{}) error {
	return New(InvalidIdentity, msg, args...)
}

func InvalidHostnameError(msg string, args ...interface{}) error {
	return New(InvalidHostname, msg, args...)
}

func UnsupportedProtocolError(msg string, args ...interface{}) error {
	return New(UnsupportedProtocol, msg, args...)
}

func DNSResolutionFailedError(msg string, args ...interface{}) error {
	return New(DNSResolutionFailed, msg, args...)
}

func ConnectionTimeoutError(msg string, args ...interface{}) error {
	return New(ConnectionTimeout, msg, args...)
}

func SocketErrorError(msg string, args ...interface{}) error {
	return New(SocketError, msg, args...)
}

func SyntaxErrorError(msg string, args ...interface{}) error {
	return New(SyntaxError, msg, args...)
}

func SignatureVerificationFailedError(msg string, args ...interface{}) error {
	return New(SignatureVerificationFailed, msg, args...)
}

func DecryptionFailedError(msg string, args ...interface{}) error {
	return New(DecryptionFailed, msg, args...)
}

func SchemaValidationFieldError(field, msg string, args ...interface{}) error {
	return NewField(SchemaValidationError, field, msg, args...)
}

func TrustStoreConflictError(msg string, args ...interface{}) error {
	return New(TrustStoreConflict, msg, args...)
}

func TrustStoreNotFoundError(msg string, args ...interface{}) error {
	return New(TrustStoreNotFound, msg, args...)
}

func DestroyedError(msg string, args ...interface{}) error {
	return New(Destroyed, msg, args...)
}
