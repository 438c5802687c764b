// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package btpcrypto implements the artifact cryptography primitives:
// RSA signing/verification, key fingerprinting, and AES-256-CBC/RSA-OAEP
// hybrid encryption with an optional PBKDF2-derived second factor.
package btpcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"

	"golang.org/x/crypto/pbkdf2"

	berrors "github.com/BhupenT/btps-sdk/errors"
)

// pbkdf2Iterations is the iteration count for 2faEncrypt's key derivation:
// PBKDF2 over SHA-256.
const pbkdf2Iterations = 100_000

// aesKeySize is the size in bytes of the random per-message AES key.
const aesKeySize = 32

// ParsePrivateKey decodes a PEM-encoded PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, berrors.DecryptionFailedError("no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, berrors.DecryptionFailedError("invalid private key PEM: %v", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, berrors.DecryptionFailedError("private key PEM is not an RSA key")
	}
	return rsaKey, nil
}

// ParsePublicKey decodes a PEM-encoded SPKI RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, berrors.SignatureVerificationFailedError("no PEM block found in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, berrors.SignatureVerificationFailedError("invalid public key PEM: %v", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, berrors.SignatureVerificationFailedError("public key PEM is not an RSA key")
	}
	return rsaKey, nil
}

// Fingerprint returns base64(SHA-256(DER-encoded SPKI)) of pub, the value
// every ArtifactEnvelope.Signature.Fingerprint must match.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", berrors.SignatureVerificationFailedError("marshal SPKI: %v", err)
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Sign produces a base64 RSA-PKCS#1-v1.5/SHA-256 signature over
// canonical, the canonicalized envelope bytes with the signature field
// already removed.
func Sign(priv *rsa.PrivateKey, canonical []byte) (string, error) {
	digest := sha256.Sum256(canonical)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", berrors.SignatureVerificationFailedError("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify recomputes the SHA-256 digest of canonical and checks value
// (base64-encoded RSA-PKCS#1-v1.5 signature) against pub. Any mismatch,
// malformed base64, or verification failure is terminal.
func Verify(pub *rsa.PublicKey, canonical []byte, value string) error {
	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return berrors.SignatureVerificationFailedError("signature is not valid base64: %v", err)
	}
	digest := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return berrors.SignatureVerificationFailedError("signature does not verify: %v", err)
	}
	return nil
}

// EncryptedPayload bundles the fields an Encryption sub-document needs
// plus the ciphertext that becomes the envelope's document string.
type EncryptedPayload struct {
	CiphertextB64    string
	EncryptedKeyB64  string
	IVB64            string
}

// EncryptStandard implements standardEncrypt: generate a random AES-256
// key and IV, AES-256-CBC-encrypt plaintext with PKCS#7 padding, then
// RSA-OAEP-wrap the AES key with the recipient's public key.
func EncryptStandard(recipientPub *rsa.PublicKey, plaintext []byte) (EncryptedPayload, error) {
	return encryptWithKey(recipientPub, plaintext, nil)
}

// Encrypt2FA implements 2faEncrypt: as EncryptStandard, but the random
// AES key is XORed with a PBKDF2(SHA-256, 100k iterations) derivation of
// passphrase before RSA-OAEP wrapping.
func Encrypt2FA(recipientPub *rsa.PublicKey, plaintext []byte, passphrase, salt []byte) (EncryptedPayload, error) {
	factor := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, aesKeySize, sha256.New)
	return encryptWithKey(recipientPub, plaintext, factor)
}

func encryptWithKey(recipientPub *rsa.PublicKey, plaintext []byte, factor []byte) (EncryptedPayload, error) {
	key := make([]byte, aesKeySize)
	if _, err := rand.Read(key); err != nil {
		return EncryptedPayload{}, berrors.DecryptionFailedError("generate AES key: %v", err)
	}
	combined := key
	if factor != nil {
		combined = xorBytes(key, factor)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedPayload{}, berrors.DecryptionFailedError("generate IV: %v", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedPayload{}, berrors.DecryptionFailedError("new AES cipher: %v", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipientPub, combined, nil)
	if err != nil {
		return EncryptedPayload{}, berrors.DecryptionFailedError("RSA-OAEP wrap key: %v", err)
	}

	return EncryptedPayload{
		CiphertextB64:   base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedKeyB64: base64.StdEncoding.EncodeToString(wrappedKey),
		IVB64:           base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt reverses EncryptStandard/Encrypt2FA. When factor is non-nil the
// unwrapped key is XORed with it to recover the original AES key, mirroring
// encryptWithKey's combination step.
func Decrypt(recipientPriv *rsa.PrivateKey, payload EncryptedPayload, factor []byte) ([]byte, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(payload.EncryptedKeyB64)
	if err != nil {
		return nil, berrors.DecryptionFailedError("encryptedKey is not valid base64: %v", err)
	}
	combined, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, recipientPriv, wrappedKey, nil)
	if err != nil {
		return nil, berrors.DecryptionFailedError("RSA-OAEP unwrap key: %v", err)
	}
	key := combined
	if factor != nil {
		key = xorBytes(combined, factor)
	}

	iv, err := base64.StdEncoding.DecodeString(payload.IVB64)
	if err != nil {
		return nil, berrors.DecryptionFailedError("iv is not valid base64: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.CiphertextB64)
	if err != nil {
		return nil, berrors.DecryptionFailedError("document is not valid base64: %v", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, berrors.DecryptionFailedError("ciphertext is not a multiple of the block size")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, berrors.DecryptionFailedError("new AES cipher: %v", err)
	}
	plainPadded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plainPadded, ciphertext)

	return pkcs7Unpad(plainPadded)
}

// DeriveSalt returns a deterministic salt for 2faEncrypt key derivation,
// bound to the pair of identities involved so two different recipients
// derive unrelated factors from the same passphrase.
func DeriveSalt(from, to string) []byte {
	sum := sha256.Sum256([]byte(from + "->" + to))
	return sum[:]
}

// DeriveFactor runs the same PBKDF2(SHA-256, 100k iterations) derivation
// Encrypt2FA uses internally, so a caller that knows the passphrase can
// reconstruct the factor to pass to Decrypt.
func DeriveFactor(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdf2Iterations, aesKeySize, sha256.New)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, berrors.DecryptionFailedError("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, berrors.DecryptionFailedError("invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, berrors.DecryptionFailedError("invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
