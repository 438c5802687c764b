// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package codec composes the artifact envelope cryptography layers into
// the two pure operations a connector needs: signEncrypt on the way out,
// verifyDecrypt on the way in.
package codec

import (
	"context"
	"crypto/rsa"
	"encoding/json"

	"github.com/BhupenT/btps-sdk/btpcrypto"
	"github.com/BhupenT/btps-sdk/canon"
	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
	"github.com/BhupenT/btps-sdk/identity"
	"github.com/BhupenT/btps-sdk/validator"
)

// KeyResolver abstracts the DNS key lookups signEncrypt/verifyDecrypt
// need, so callers can inject a real identity.Resolver or a test double.
type KeyResolver interface {
	ResolveHost(ctx context.Context, domain string) (identity.HostRecord, error)
	ResolveKey(ctx context.Context, id identity.Identity, selector string, which identity.KeyWhich) (string, error)
}

// SignOptions configures signEncrypt.
type SignOptions struct {
	// SenderKey is the sender's private key, used to sign. Encryption
	// uses the recipient's public key, resolved via the KeyResolver.
	SenderKey *rsa.PrivateKey
	// Selector names the sender's active DNS key selector, recorded in
	// the envelope's Selector field.
	Selector string
	// EncryptionMode selects none/standardEncrypt/2faEncrypt.
	EncryptionMode core.EncryptionMode
	// Passphrase is required when EncryptionMode is Encryption2FA.
	Passphrase []byte
}

// SignEncrypt validates identity, canonicalizes, signs, and — if
// opts.EncryptionMode is not EncryptionNone — resolves the recipient's
// public key and encrypts the document, producing a ready-to-serialize
// envelope.
func SignEncrypt(ctx context.Context, resolver KeyResolver, env core.ArtifactEnvelope, opts SignOptions) (core.ArtifactEnvelope, error) {
	fromID, err := identity.ParseIdentity(env.From)
	if err != nil {
		return core.ArtifactEnvelope{}, err
	}
	if _, err := identity.ParseIdentity(env.To); err != nil {
		return core.ArtifactEnvelope{}, err
	}
	if err := validator.ValidateDocument(env.Type, env.Document); err != nil {
		return core.ArtifactEnvelope{}, err
	}

	out := env
	out.SignedBy = fromID.String()
	out.Selector = opts.Selector

	if opts.EncryptionMode != "" && opts.EncryptionMode != core.EncryptionNone {
		toID, err := identity.ParseIdentity(env.To)
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}
		hostRec, err := resolver.ResolveHost(ctx, toID.Domain)
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}
		pemStr, err := resolver.ResolveKey(ctx, toID, hostRec.Selector, identity.KeyWhichPEM)
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}
		recipientPub, err := btpcrypto.ParsePublicKey([]byte(pemStr))
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}

		var payload btpcrypto.EncryptedPayload
		switch opts.EncryptionMode {
		case core.EncryptionStandard:
			payload, err = btpcrypto.EncryptStandard(recipientPub, env.Document)
		case core.Encryption2FA:
			salt := btpcrypto.DeriveSalt(env.From, env.To)
			payload, err = btpcrypto.Encrypt2FA(recipientPub, env.Document, opts.Passphrase, salt)
		default:
			err = berrors.SchemaValidationFieldError("encryption.type", "unknown encryption mode %q", opts.EncryptionMode)
		}
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}

		docBytes, err := json.Marshal(payload.CiphertextB64)
		if err != nil {
			return core.ArtifactEnvelope{}, err
		}
		out.Document = docBytes
		out.Encryption = &core.Encryption{
			Algorithm:    "aes-256-cbc",
			EncryptedKey: payload.EncryptedKeyB64,
			IV:           payload.IVB64,
			Mode:         opts.EncryptionMode,
		}
	}

	canonical, err := canon.Encode(out)
	if err != nil {
		return core.ArtifactEnvelope{}, err
	}
	sigValue, err := btpcrypto.Sign(opts.SenderKey, canonical)
	if err != nil {
		return core.ArtifactEnvelope{}, err
	}
	fp, err := btpcrypto.Fingerprint(&opts.SenderKey.PublicKey)
	if err != nil {
		return core.ArtifactEnvelope{}, err
	}
	out.Signature = &core.Signature{Algorithm: "sha256", Value: sigValue, Fingerprint: fp}

	return out, nil
}

// VerifyOptions configures verifyDecrypt.
type VerifyOptions struct {
	// ExpectedReceiver, if non-empty, must equal envelope.To.
	ExpectedReceiver string
	// RecipientKey decrypts the document when the envelope carries an
	// Encryption sub-document; required in that case.
	RecipientKey *rsa.PrivateKey
	// Passphrase is required to reverse 2faEncrypt.
	Passphrase []byte
}

// VerifyDecrypt resolves the sender's public key, verifies the envelope's
// signature over its canonical form, and — if Encryption is present —
// decrypts the document, yielding the structured, schema-validated
// document.
func VerifyDecrypt(ctx context.Context, resolver KeyResolver, env core.ArtifactEnvelope, opts VerifyOptions) (json.RawMessage, error) {
	if err := validator.ValidateEnvelope(env); err != nil {
		return nil, err
	}
	if opts.ExpectedReceiver != "" && env.To != opts.ExpectedReceiver {
		return nil, berrors.SchemaValidationFieldError("to", "envelope addressed to %q, expected %q", env.To, opts.ExpectedReceiver)
	}
	if env.Signature == nil {
		return nil, berrors.SignatureVerificationFailedError("envelope carries no signature")
	}

	signerID, err := identity.ParseIdentity(env.SignedBy)
	if err != nil {
		return nil, err
	}
	pemStr, err := resolver.ResolveKey(ctx, signerID, env.Selector, identity.KeyWhichPEM)
	if err != nil {
		return nil, err
	}
	senderPub, err := btpcrypto.ParsePublicKey([]byte(pemStr))
	if err != nil {
		return nil, err
	}

	expectedFP, err := btpcrypto.Fingerprint(senderPub)
	if err != nil {
		return nil, err
	}
	if expectedFP != env.Signature.Fingerprint {
		return nil, berrors.SignatureVerificationFailedError("public key fingerprint does not match signature.fingerprint")
	}

	canonical, err := canon.Encode(env)
	if err != nil {
		return nil, err
	}
	if err := btpcrypto.Verify(senderPub, canonical, env.Signature.Value); err != nil {
		return nil, err
	}

	if env.Encryption == nil {
		if err := validator.ValidateDocument(env.Type, env.Document); err != nil {
			return nil, err
		}
		return env.Document, nil
	}

	if opts.RecipientKey == nil {
		return nil, berrors.DecryptionFailedError("no recipient private key supplied to decrypt")
	}
	var ciphertextB64 string
	if err := json.Unmarshal(env.Document, &ciphertextB64); err != nil {
		return nil, berrors.DecryptionFailedError("encrypted document is not a string: %v", err)
	}
	payload := btpcrypto.EncryptedPayload{
		CiphertextB64:   ciphertextB64,
		EncryptedKeyB64: env.Encryption.EncryptedKey,
		IVB64:           env.Encryption.IV,
	}
	var factor []byte
	if env.Encryption.Mode == core.Encryption2FA {
		salt := btpcrypto.DeriveSalt(env.From, env.To)
		factor = btpcrypto.DeriveFactor(opts.Passphrase, salt)
	}
	plaintext, err := btpcrypto.Decrypt(opts.RecipientKey, payload, factor)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateDocument(env.Type, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}
