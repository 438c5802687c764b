// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package canon produces the stable byte representation of an artifact
// envelope that signing and verification operate over.
package canon

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/BhupenT/btps-sdk/core"
)

// Encode returns the canonical form of env: the envelope with Signature
// and Encryption removed, serialized as JSON with object keys sorted
// lexicographically at every nesting level, no insignificant whitespace.
func Encode(env core.ArtifactEnvelope) ([]byte, error) {
	stripped := env
	stripped.Signature = nil
	stripped.Encryption = nil

	raw, err := json.Marshal(stripped)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-serializes an arbitrary JSON document with object
// keys sorted recursively. Array order and scalar encodings are left
// untouched.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	}
	return nil
}
