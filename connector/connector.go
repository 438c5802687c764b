// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package connector implements the TLS-dialing, DNS-resolving, retrying,
// backpressure-aware client transport: a state machine whose shared state
// is guarded by a single mutex. There is no mailbox goroutine or command
// channel; public methods take the lock themselves.
package connector

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BhupenT/btps-sdk/btplog"
	"github.com/BhupenT/btps-sdk/codec"
	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
	"github.com/BhupenT/btps-sdk/events"
	"github.com/BhupenT/btps-sdk/identity"
	"github.com/BhupenT/btps-sdk/metrics"
	"github.com/BhupenT/btps-sdk/queue"
	"github.com/BhupenT/btps-sdk/retry"
)

var tracer = otel.Tracer("github.com/BhupenT/btps-sdk/connector")

// State is one node of the connector's lifecycle state machine.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Ready
	Sending
	AwaitingResponse
	Closing
	Closed
	Destroyed
)

func (s State) String() string {
	names := [...]string{"idle", "resolving", "connecting", "ready", "sending", "awaiting-response", "closing", "closed", "destroyed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Config bundles everything a Connector needs to dial and sign.
type Config struct {
	Identity          string
	SenderKey         *rsa.PrivateKey
	Selector          string
	Host              string // overrides DNS resolution when non-empty.
	Port              int
	MaxRetries        int
	RetryDelay        time.Duration
	ConnectionTimeout time.Duration
	AllowSelfSigned   bool
	ServerName        string
	MaxLineBytes      int
	EmitterCapacity   int

	// Metrics receives connect/send/error counters; defaults to a no-op
	// scope when nil.
	Metrics metrics.Scope
}

// Resolver is the subset of identity.Resolver the connector depends on.
type Resolver interface {
	codec.KeyResolver
}

// Connector is a single outbound BTPS connection. Mutable state is guarded
// by mu; public methods read and update it directly under that lock, not
// through a mailbox goroutine. Connect starts one goroutine per connection
// that only reads inbound lines.
type Connector struct {
	cfg      Config
	resolver Resolver
	logger   btplog.Logger
	metrics  metrics.Scope

	emitter *events.Emitter
	queue   *queue.Queue

	mu         sync.Mutex
	state      State
	retryState retry.State
	conn       net.Conn
	cancelRead context.CancelFunc
	timeoutTmr *time.Timer
}

// New constructs a Connector in the Idle state.
func New(cfg Config, resolver Resolver, logger btplog.Logger) *Connector {
	cap := cfg.EmitterCapacity
	if cap <= 0 {
		cap = 32
	}
	scope := cfg.Metrics
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &Connector{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		metrics:  scope,
		emitter:  events.NewEmitter(cap),
		queue:    queue.New(),
		state:    Idle,
	}
}

// Events returns the channel of observable lifecycle events.
func (c *Connector) Events() <-chan events.Event {
	return c.emitter.Events()
}

// State returns the connector's current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connector) policy() retry.Policy {
	return retry.Policy{MaxRetries: c.cfg.MaxRetries, BaseDelay: c.cfg.RetryDelay}
}

// emitErrorEvent classifies err, computes its RetryInfo against the
// current attempt count, and emits an Error event.
func (c *Connector) emitErrorEvent(err error) core.RetryInfo {
	c.mu.Lock()
	info := retry.GetRetryInfo(c.policy(), c.retryState, err)
	c.mu.Unlock()
	kind, _ := berrors.KindOf(err)
	c.metrics.Inc("connector.errors."+kind.String(), 1)
	c.emitter.Emit(events.NewError(err, info))
	return info
}

// Connect parses recipient, resolves host/selector (unless overridden),
// dials TLS with a connection timeout, and on success emits Connected and
// moves to Ready. On a transient failure it re-runs the full connect
// pipeline (DNS -> TLS -> handshake) after the configured retry delay,
// incrementing the attempt count each time, until willRetry comes back
// false (retries exhausted, a terminal error, or the connector was
// destroyed) or the attempt succeeds.
func (c *Connector) Connect(ctx context.Context, recipient string) error {
	for {
		err, info := c.connectOnce(ctx, recipient)
		if err == nil {
			return nil
		}
		if c.State() == Destroyed {
			return nil
		}
		if !info.WillRetry {
			return err
		}

		c.mu.Lock()
		c.retryState.Retries++
		delay := time.Duration(info.NextDelayMs) * time.Millisecond
		timer := time.NewTimer(delay)
		c.timeoutTmr = timer
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.mu.Lock()
		c.timeoutTmr = nil
		destroyed := c.state == Destroyed
		c.mu.Unlock()
		if destroyed {
			return nil
		}
	}
}

// connectOnce runs a single attempt of the connect pipeline: parse
// recipient, resolve host/selector (unless overridden), dial TLS with a
// connection timeout, and on success emit Connected and move to Ready.
// Any failure emits a classified Error event and returns the RetryInfo
// that event carried, for Connect's retry loop to act on.
func (c *Connector) connectOnce(ctx context.Context, recipient string) (error, core.RetryInfo) {
	ctx, span := tracer.Start(ctx, "connector.Connect", trace.WithAttributes(
		attribute.String("btps.recipient", recipient),
	))
	defer span.End()

	if c.State() == Destroyed {
		// Connect after Destroy is a no-op, not an error.
		return nil, core.RetryInfo{}
	}
	c.setState(Resolving)

	var lastInfo core.RetryInfo
	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lastInfo = c.emitErrorEvent(err)
		return err
	}

	recipientID, err := identity.ParseIdentity(recipient)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		lastInfo = c.emitErrorEvent(err)
		return err, lastInfo
	}

	host, port := c.cfg.Host, c.cfg.Port
	if host == "" {
		hostRec, err := c.resolver.ResolveHost(ctx, recipientID.Domain)
		if err != nil {
			return fail(err), lastInfo
		}
		parts, err := identity.ParseAddress(hostRec.Host)
		if err != nil {
			return fail(err), lastInfo
		}
		host, port = parts.Host, parts.Port
	}
	if port == 0 {
		port = identity.DefaultPort
	}

	c.setState(Connecting)

	timeout := c.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{}
	tlsConf := &tls.Config{
		InsecureSkipVerify: c.cfg.AllowSelfSigned,
		ServerName:         firstNonEmpty(c.cfg.ServerName, host),
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dialCtx.Err() != nil {
			return fail(berrors.ConnectionTimeoutError("dial %s timed out: %v", addr, err)), lastInfo
		}
		return fail(berrors.SocketErrorError("dial %s: %v", addr, err)), lastInfo
	}
	tlsConn := tls.Client(rawConn, tlsConf)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = rawConn.Close()
		if dialCtx.Err() != nil {
			return fail(berrors.ConnectionTimeoutError("TLS handshake with %s timed out: %v", addr, err)), lastInfo
		}
		return fail(berrors.SocketErrorError("TLS handshake with %s: %v", addr, err)), lastInfo
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.mu.Unlock()

	c.setState(Ready)
	c.metrics.Inc("connector.connects", 1)
	span.SetStatus(codes.Ok, "")
	c.emitter.Emit(events.NewConnected())

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelRead = cancelRead
	c.mu.Unlock()
	go c.readLoop(readCtx, tlsConn)

	return nil, core.RetryInfo{}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Send signs/encrypts the artifact, frames it, and attempts to write,
// queuing it on backpressure.
func (c *Connector) Send(ctx context.Context, env core.ArtifactEnvelope, opts codec.SignOptions) error {
	if c.State() == Destroyed {
		return berrors.DestroyedError("cannot send on a destroyed connector")
	}
	c.setState(Sending)

	signed, err := codec.SignEncrypt(ctx, c.resolver, env, opts)
	if err != nil {
		c.emitErrorEvent(err)
		return err
	}
	line, err := codec.EncodeLine(signed)
	if err != nil {
		c.emitErrorEvent(err)
		return err
	}

	writeFn := func(l []byte) (bool, error) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return false, berrors.SocketErrorError("no active connection")
		}
		n, err := conn.Write(l)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return false, nil
			}
			return false, berrors.SocketErrorError("write: %v", err)
		}
		return n == len(l), nil
	}

	if err := c.queue.TryWrite(line, writeFn); err != nil {
		c.emitErrorEvent(err)
		return err
	}

	c.setState(AwaitingResponse)
	c.metrics.Inc("connector.sends", 1)
	c.emitter.Emit(events.NewMessageSent(signed.ID))
	return nil
}

// Drain retries flushing the backpressure queue against the live
// connection; callers invoke this from their own drain-readiness signal.
func (c *Connector) Drain() (int, error) {
	writeFn := func(l []byte) (bool, error) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return false, berrors.SocketErrorError("no active connection")
		}
		n, err := conn.Write(l)
		if err != nil {
			return false, berrors.SocketErrorError("write: %v", err)
		}
		return n == len(l), nil
	}
	return c.queue.Drain(writeFn)
}

// readLoop parses inbound lines until the connection closes or ctx is
// canceled, emitting a Message event per decoded line. When the peer
// closes the connection it moves to Closed and emits End; any other read
// failure is emitted as an Error with the reader's own classification
// (SyntaxError for a malformed or oversized line, SocketError otherwise).
func (c *Connector) readLoop(ctx context.Context, conn net.Conn) {
	reader := codec.NewLineReader(conn, c.cfg.MaxLineBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := reader.Next()
		if err != nil {
			if c.State() == Destroyed || c.State() == Closed {
				return
			}
			if err == io.EOF {
				c.setState(Closed)
				c.mu.Lock()
				info := retry.GetRetryInfo(c.policy(), c.retryState, nil)
				c.mu.Unlock()
				c.emitter.Emit(events.NewEnd(info))
				return
			}
			c.emitErrorEvent(err)
			return
		}
		c.emitter.Emit(events.NewMessage(env))
	}
}

// End performs a graceful close: flush the queue, then move to
// Closing -> Closed and emit End with the final retry info.
func (c *Connector) End(ctx context.Context) error {
	if c.State() == Destroyed {
		return nil
	}
	c.setState(Closing)
	_, _ = c.Drain()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	c.setState(Closed)
	c.mu.Lock()
	info := retry.GetRetryInfo(c.policy(), c.retryState, nil)
	c.mu.Unlock()
	c.emitter.Emit(events.NewEnd(info))
	return nil
}

// Destroy tears down the socket, clears the queue, and stops emitting
// further events. Idempotent.
func (c *Connector) Destroy() {
	if c.State() == Destroyed {
		return
	}

	c.mu.Lock()
	conn := c.conn
	cancelRead := c.cancelRead
	if c.timeoutTmr != nil {
		// Fire the pending retry timer now rather than stopping it, so a
		// Connect waiting on it wakes, sees Destroyed and returns without
		// another attempt.
		c.timeoutTmr.Reset(0)
	}
	c.state = Destroyed
	c.mu.Unlock()

	if cancelRead != nil {
		cancelRead()
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.queue.Destroy()
	c.emitter.Emit(events.NewClose())
	c.emitter.Destroy()
}
