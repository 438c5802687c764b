// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package events models the connector's observable lifecycle as a typed
// tagged sum — Connected | Message(Envelope) | MessageSent(id) |
// Error(ErrorKind, RetryInfo) | End(RetryInfo) | Close — rather than a
// dynamic publish/subscribe surface.
package events

import (
	"sync"

	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

// Kind discriminates the Event variants.
type Kind int

const (
	Connected Kind = iota
	Message
	MessageSent
	Error
	End
	Close
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Message:
		return "message"
	case MessageSent:
		return "message-sent"
	case Error:
		return "error"
	case End:
		return "end"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Event is the single type carrying every connector lifecycle
// notification; exactly the fields relevant to Kind are populated.
type Event struct {
	Kind Kind

	// Document is populated on Message.
	Document core.ArtifactEnvelope
	// MessageID is populated on MessageSent.
	MessageID string
	// ErrKind/Err/Info are populated on Error.
	ErrKind berrors.ErrorKind
	Err     error
	Info    core.RetryInfo
}

// NewConnected returns a Connected event.
func NewConnected() Event { return Event{Kind: Connected} }

// NewMessage returns a Message event carrying the decoded envelope.
func NewMessage(env core.ArtifactEnvelope) Event {
	return Event{Kind: Message, Document: env}
}

// NewMessageSent returns a MessageSent event naming the envelope id that
// was successfully written.
func NewMessageSent(id string) Event {
	return Event{Kind: MessageSent, MessageID: id}
}

// NewError returns an Error event, classifying err via errors.KindOf and
// attaching the retry info computed for it.
func NewError(err error, info core.RetryInfo) Event {
	kind, _ := berrors.KindOf(err)
	return Event{Kind: Error, ErrKind: kind, Err: err, Info: info}
}

// NewEnd returns an End event with the final retry info.
func NewEnd(info core.RetryInfo) Event {
	return Event{Kind: End, Info: info}
}

// NewClose returns a Close event.
func NewClose() Event { return Event{Kind: Close} }

// Handlers is a set of per-variant callbacks; subscribers provide only
// the handlers they care about. Dispatch silently skips a nil handler
// for the event's variant, matching a caller that never registered
// interest in that variant.
type Handlers struct {
	OnConnected   func()
	OnMessage     func(core.ArtifactEnvelope)
	OnMessageSent func(id string)
	OnError       func(kind berrors.ErrorKind, err error, info core.RetryInfo)
	OnEnd         func(info core.RetryInfo)
	OnClose       func()
}

// Dispatch invokes the Handlers field matching ev.Kind, if registered.
func Dispatch(h Handlers, ev Event) {
	switch ev.Kind {
	case Connected:
		if h.OnConnected != nil {
			h.OnConnected()
		}
	case Message:
		if h.OnMessage != nil {
			h.OnMessage(ev.Document)
		}
	case MessageSent:
		if h.OnMessageSent != nil {
			h.OnMessageSent(ev.MessageID)
		}
	case Error:
		if h.OnError != nil {
			h.OnError(ev.ErrKind, ev.Err, ev.Info)
		}
	case End:
		if h.OnEnd != nil {
			h.OnEnd(ev.Info)
		}
	case Close:
		if h.OnClose != nil {
			h.OnClose()
		}
	}
}

// Emitter is an ordered, buffered channel of Events, the typed-channel
// alternative to per-variant handlers. Emit never blocks the caller past
// the channel's capacity; Destroy closes it (events already buffered stay
// readable), after which no
// further event is ever emitted. mu guards destroyed and the decision to
// send-or-close so a concurrent Emit and Destroy can never race on the
// channel: Emit always sees destroyed settle before closing happens, and
// Destroy never closes a channel another goroutine is mid-send on.
type Emitter struct {
	mu        sync.Mutex
	ch        chan Event
	destroyed bool
}

// NewEmitter returns an Emitter buffering up to capacity pending events.
func NewEmitter(capacity int) *Emitter {
	return &Emitter{ch: make(chan Event, capacity)}
}

// Emit enqueues ev for delivery, unless the Emitter has been destroyed.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.ch <- ev
}

// Events returns the channel subscribers range over to receive events in
// order of occurrence.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Destroy closes the event channel; idempotent.
func (e *Emitter) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	close(e.ch)
}
