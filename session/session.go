// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session composes identity, codec, trust, and connector into the
// connect -> send -> await-response -> end flow a BTPS sender actually
// drives.
package session

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/BhupenT/btps-sdk/btpcrypto"
	"github.com/BhupenT/btps-sdk/btplog"
	"github.com/BhupenT/btps-sdk/codec"
	"github.com/BhupenT/btps-sdk/config"
	"github.com/BhupenT/btps-sdk/connector"
	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
	"github.com/BhupenT/btps-sdk/events"
	"github.com/BhupenT/btps-sdk/identity"
)

// Session is a single bootstrap-to-teardown conversation with one
// recipient: it owns the resolver, the signing key, and the underlying
// Connector.
type Session struct {
	identity  string
	senderKey *rsa.PrivateKey
	selector  string

	resolver *identity.Resolver
	conn     *connector.Connector
	trust    core.TrustStore
	logger   btplog.Logger
}

// New builds a Session from a normalized ConnectorConfig, parsing the PEM
// sender key and wiring a DNS identity.Resolver unless cfg.Host overrides
// resolution entirely.
func New(cfg config.ConnectorConfig, trustStore core.TrustStore, logger btplog.Logger) (*Session, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	senderKey, err := btpcrypto.ParsePrivateKey([]byte(cfg.BtpIdentityKey))
	if err != nil {
		return nil, err
	}

	resolver := identity.NewResolver(5*time.Second, nil)

	connCfg := connector.Config{
		Identity:          cfg.Identity,
		SenderKey:         senderKey,
		Selector:          cfg.Selector,
		Host:              cfg.Host,
		Port:              cfg.Port,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelayMs.Duration,
		ConnectionTimeout: cfg.ConnectionTimeoutMs.Duration,
		AllowSelfSigned:   cfg.AllowSelfSigned,
		ServerName:        cfg.TLS.ServerName,
		MaxLineBytes:      cfg.MaxLineBytes,
	}
	c := connector.New(connCfg, resolver, logger)

	s := &Session{
		identity:  cfg.Identity,
		senderKey: senderKey,
		selector:  cfg.Selector,
		resolver:  resolver,
		conn:      c,
		trust:     trustStore,
		logger:    logger,
	}
	return s, nil
}

// Connect dials the recipient.
func (s *Session) Connect(ctx context.Context, recipient string) error {
	return s.conn.Connect(ctx, recipient)
}

// Send signs (and, if mode is non-none, encrypts) env and writes it to the
// wire, queuing it if the socket applies backpressure.
func (s *Session) Send(ctx context.Context, env core.ArtifactEnvelope, mode core.EncryptionMode, passphrase []byte) error {
	opts := codec.SignOptions{
		SenderKey:      s.senderKey,
		Selector:       s.selector,
		EncryptionMode: mode,
		Passphrase:     passphrase,
	}
	return s.conn.Send(ctx, env, opts)
}

// AwaitResponse blocks until a Message or terminal Error/End event arrives
// on the connector, or ctx is done. It is the synchronous counterpart to
// subscribing to Events() directly.
func (s *Session) AwaitResponse(ctx context.Context) (core.ArtifactEnvelope, error) {
	for {
		select {
		case ev, ok := <-s.conn.Events():
			if !ok {
				return core.ArtifactEnvelope{}, berrors.DestroyedError("connector closed before a response arrived")
			}
			switch ev.Kind {
			case events.Message:
				return ev.Document, nil
			case events.Error:
				if ev.Info.WillRetry {
					continue
				}
				return core.ArtifactEnvelope{}, ev.Err
			case events.End:
				return core.ArtifactEnvelope{}, berrors.SocketErrorError("connection ended before a response arrived")
			}
		case <-ctx.Done():
			return core.ArtifactEnvelope{}, ctx.Err()
		}
	}
}

// RecordTrust persists a trust decision via the configured TrustStore,
// computing the deterministic record id from sender/receiver when the
// record doesn't already have one.
func (s *Session) RecordTrust(ctx context.Context, record core.TrustRecord) (*core.TrustRecord, error) {
	if s.trust == nil {
		return nil, berrors.TrustStoreNotFoundError("session has no trust store configured")
	}
	return s.trust.Create(ctx, record, record.ID)
}

// End gracefully closes the connection.
func (s *Session) End(ctx context.Context) error {
	return s.conn.End(ctx)
}

// Destroy tears the session down immediately and irreversibly.
func (s *Session) Destroy() {
	s.conn.Destroy()
}
