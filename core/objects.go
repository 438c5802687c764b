// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package core holds the wire-level data model shared by every other
// package: the artifact envelope, its signature/encryption sub-documents,
// trust records, and retry info.
package core

import "encoding/json"

// ArtifactType is the closed set of envelope discriminators.
type ArtifactType string

const (
	TypeTrustRequest      ArtifactType = "TRUST_REQ"
	TypeTrustResponse     ArtifactType = "TRUST_RES"
	TypeInvoice           ArtifactType = "BTP_INVOICE"
	TypeAuthRequest       ArtifactType = "BTP_AUTH_REQ"
	TypeAuthResponse      ArtifactType = "BTP_AUTH_RES"
	TypeQuery             ArtifactType = "BTP_QUERY"
	TypeDeliveryFailure   ArtifactType = "BTP_DELIVERY_FAILURE"
	TypeResponse          ArtifactType = "btps_response"
	TypeErrorResponse     ArtifactType = "btps_error"
)

// knownTypes backs IsValid without allocating a slice per call.
var knownTypes = map[ArtifactType]bool{
	TypeTrustRequest:    true,
	TypeTrustResponse:   true,
	TypeInvoice:         true,
	TypeAuthRequest:     true,
	TypeAuthResponse:    true,
	TypeQuery:           true,
	TypeDeliveryFailure: true,
	TypeResponse:        true,
	TypeErrorResponse:   true,
}

// IsValid reports whether t is one of the closed set of artifact types.
func (t ArtifactType) IsValid() bool {
	return knownTypes[t]
}

// EncryptionMode is the closed set of document encryption modes.
type EncryptionMode string

const (
	EncryptionNone       EncryptionMode = "none"
	EncryptionStandard   EncryptionMode = "standardEncrypt"
	Encryption2FA        EncryptionMode = "2faEncrypt"
)

// Signature is the envelope's signature sub-document.
type Signature struct {
	Algorithm   string `json:"algorithm"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"`
}

// Encryption is the envelope's optional hybrid-encryption sub-document.
type Encryption struct {
	Algorithm    string         `json:"algorithm"`
	EncryptedKey string         `json:"encryptedKey"`
	IV           string         `json:"iv"`
	Mode         EncryptionMode `json:"type"`
}

// ArtifactEnvelope is the wire unit exchanged between connectors.
type ArtifactEnvelope struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Type       ArtifactType    `json:"type"`
	IssuedAt   string          `json:"issuedAt"`
	Document   json.RawMessage `json:"document"`
	Signature  *Signature      `json:"signature,omitempty"`
	Encryption *Encryption     `json:"encryption,omitempty"`
	SignedBy   string          `json:"signedBy,omitempty"`
	Selector   string          `json:"selector,omitempty"`

	// ReqID links a btps_response/btps_error frame back to the request
	// envelope's ID. Only meaningful on response types.
	ReqID string `json:"reqId,omitempty"`
	// Status carries the response outcome on btps_response/btps_error frames.
	Status *ResponseStatus `json:"status,omitempty"`
}

// ResponseStatus is the `status` sub-document on response frames.
type ResponseStatus struct {
	OK      bool   `json:"ok"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// TrustStatus is the closed set of TrustRecord lifecycle states.
type TrustStatus string

const (
	TrustRequested TrustStatus = "requested"
	TrustAccepted  TrustStatus = "accepted"
	TrustRevoked   TrustStatus = "revoked"
	TrustExpired   TrustStatus = "expired"
)

// TrustRecord is a durable grant of sending rights from one identity to
// another.
type TrustRecord struct {
	ID         string                 `json:"id"`
	SenderID   string                 `json:"senderId"`
	ReceiverID string                 `json:"receiverId"`
	Status     TrustStatus            `json:"status"`
	IssuedAt   string                 `json:"issuedAt"`
	DecidedAt  string                 `json:"decidedAt,omitempty"`
	ExpiresAt  string                 `json:"expiresAt,omitempty"`
	Policy     map[string]interface{} `json:"policy,omitempty"`
}

// RetryInfo summarizes whether and when a failed send should be retried.
type RetryInfo struct {
	WillRetry   bool `json:"willRetry"`
	RetriesLeft int  `json:"retriesLeft"`
	NextDelayMs int  `json:"nextDelayMs"`
}

// DeliveryFailureDoc is the typed document carried by a
// BTP_DELIVERY_FAILURE artifact: it references the envelope that could
// not be delivered and why.
type DeliveryFailureDoc struct {
	ArtifactID string `json:"artifactId"`
	Reason     string `json:"reason"`
	FailedAt   string `json:"failedAt"`
}
