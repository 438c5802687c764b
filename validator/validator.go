// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package validator implements the declarative, closed-variant schema
// checks every artifact type must pass before signing (outbound) and
// after verification/decryption (inbound).
package validator

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
	"github.com/BhupenT/btps-sdk/identity"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// ValidateEnvelope checks the envelope-level invariants that apply
// regardless of artifact type: version format, identity shape, and the
// signature/encryption cross-field rules.
func ValidateEnvelope(env core.ArtifactEnvelope) error {
	if !versionPattern.MatchString(env.Version) {
		return berrors.SchemaValidationFieldError("version", "version %q does not match MAJOR.MINOR.PATCH", env.Version)
	}
	if env.ID == "" {
		return berrors.SchemaValidationFieldError("id", "id must not be empty")
	}
	if _, err := identity.ParseIdentity(env.From); err != nil {
		return berrors.SchemaValidationFieldError("from", "from is not a valid identity: %v", err)
	}
	if _, err := identity.ParseIdentity(env.To); err != nil {
		return berrors.SchemaValidationFieldError("to", "to is not a valid identity: %v", err)
	}
	if !env.Type.IsValid() {
		return berrors.SchemaValidationFieldError("type", "unrecognized artifact type %q", env.Type)
	}
	if _, err := time.Parse(time.RFC3339, env.IssuedAt); err != nil {
		return berrors.SchemaValidationFieldError("issuedAt", "issuedAt is not RFC 3339: %v", err)
	}
	if env.Signature != nil {
		if env.SignedBy == "" {
			return berrors.SchemaValidationFieldError("signedBy", "signedBy is required when signature is present")
		}
		if env.Selector == "" {
			return berrors.SchemaValidationFieldError("selector", "selector is required when signature is present")
		}
		if _, err := identity.ParseIdentity(env.SignedBy); err != nil {
			return berrors.SchemaValidationFieldError("signedBy", "signedBy is not a valid identity: %v", err)
		}
	}
	if env.Encryption != nil {
		// The document field carries opaque ciphertext while encrypted;
		// its per-type schema is checked separately against the decrypted
		// plaintext, not here.
		var asString string
		if err := json.Unmarshal(env.Document, &asString); err != nil {
			return berrors.SchemaValidationFieldError("document", "encrypted envelope's document must be a string")
		}
		return nil
	}
	return ValidateDocument(env.Type, env.Document)
}

// fieldSpec is one required field of a document schema: its JSON path
// and the semantic check its value must satisfy.
type fieldSpec struct {
	name  string
	check func(v interface{}) error
}

func nonEmptyString(v interface{}) error {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return berrors.New(berrors.SchemaValidationError, "must be a non-empty string")
	}
	return nil
}

func identityString(v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return berrors.New(berrors.SchemaValidationError, "must be a string")
	}
	_, err := identity.ParseIdentity(s)
	return err
}

func isoDatetime(v interface{}) error {
	s, ok := v.(string)
	if !ok {
		return berrors.New(berrors.SchemaValidationError, "must be a string")
	}
	_, err := time.Parse(time.RFC3339, s)
	return err
}

func numberField(v interface{}) error {
	switch v.(type) {
	case json.Number, float64:
		return nil
	default:
		return berrors.New(berrors.SchemaValidationError, "must be a number")
	}
}

// schemas maps each non-response artifact type to its required document
// fields. Response-frame types (btps_response/btps_error) have no entry;
// neither their document nor their Status sub-document is checked here.
var schemas = map[core.ArtifactType][]fieldSpec{
	core.TypeTrustRequest: {
		{"senderId", identityString},
		{"receiverId", identityString},
		{"reason", nonEmptyString},
	},
	core.TypeTrustResponse: {
		{"senderId", identityString},
		{"receiverId", identityString},
		{"decision", nonEmptyString},
	},
	core.TypeInvoice: {
		{"invoiceId", nonEmptyString},
		{"amount", numberField},
		{"currency", nonEmptyString},
		{"dueAt", isoDatetime},
	},
	core.TypeAuthRequest: {
		{"authRequestId", nonEmptyString},
	},
	core.TypeAuthResponse: {
		{"authRequestId", nonEmptyString},
		{"decision", nonEmptyString},
	},
	core.TypeQuery: {
		{"queryType", nonEmptyString},
	},
	core.TypeDeliveryFailure: {
		{"artifactId", nonEmptyString},
		{"reason", nonEmptyString},
		{"failedAt", isoDatetime},
	},
}

// ValidateDocument runs the field schema registered for artifactType
// against doc's top-level JSON object. Response-frame types are always
// considered valid here; the envelope's Status field is not checked.
func ValidateDocument(artifactType core.ArtifactType, doc json.RawMessage) error {
	if artifactType == core.TypeResponse || artifactType == core.TypeErrorResponse {
		return nil
	}
	fields, ok := schemas[artifactType]
	if !ok {
		return berrors.SchemaValidationFieldError("type", "no schema registered for type %q", artifactType)
	}
	var obj map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(doc)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return berrors.SchemaValidationFieldError("document", "document is not a JSON object: %v", err)
	}
	for _, f := range fields {
		v, present := obj[f.name]
		if !present {
			return berrors.SchemaValidationFieldError(f.name, "required field %q is missing", f.name)
		}
		if err := f.check(v); err != nil {
			return berrors.SchemaValidationFieldError(f.name, "field %q is invalid: %v", f.name, err)
		}
	}
	return nil
}
