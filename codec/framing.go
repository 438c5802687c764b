// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package codec

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

// DefaultMaxLineBytes is the line-length ceiling applied when a
// LineReader is constructed with maxLineBytes <= 0.
const DefaultMaxLineBytes = 1 << 20

// EncodeLine serializes env to a single newline-terminated UTF-8 line,
// the unit the wire protocol frames on.
func EncodeLine(env core.ArtifactEnvelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

// LineReader splits an incoming byte stream on '\n', buffering partial
// lines, and rejects any line exceeding maxLineBytes as terminal: the
// maximum accepted line length is a policy decision, and exceeding it
// does not retry.
type LineReader struct {
	scanner      *bufio.Scanner
	maxLineBytes int
}

// NewLineReader wraps r. maxLineBytes <= 0 selects DefaultMaxLineBytes.
func NewLineReader(r io.Reader, maxLineBytes int) *LineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(4096, maxLineBytes)), maxLineBytes)
	return &LineReader{scanner: scanner, maxLineBytes: maxLineBytes}
}

// Next returns the next decoded envelope, io.EOF when the stream ends
// cleanly, or a terminal SyntaxError for a malformed or oversized line.
func (lr *LineReader) Next() (core.ArtifactEnvelope, error) {
	if !lr.scanner.Scan() {
		if err := lr.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return core.ArtifactEnvelope{}, berrors.SyntaxErrorError("line exceeds maximum length of %d bytes", lr.maxLineBytes)
			}
			return core.ArtifactEnvelope{}, berrors.SocketErrorError("reading line: %v", err)
		}
		return core.ArtifactEnvelope{}, io.EOF
	}
	line := lr.scanner.Bytes()
	var env core.ArtifactEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return core.ArtifactEnvelope{}, berrors.SyntaxErrorError("line is not valid JSON: %v", err)
	}
	return env, nil
}
