package events

import (
	"testing"

	"github.com/BhupenT/btps-sdk/bttest"
	"github.com/BhupenT/btps-sdk/core"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

func TestDispatchInvokesMatchingHandler(t *testing.T) {
	var gotKind berrors.ErrorKind
	var gotInfo core.RetryInfo
	h := Handlers{
		OnError: func(kind berrors.ErrorKind, err error, info core.RetryInfo) {
			gotKind = kind
			gotInfo = info
		},
	}
	Dispatch(h, NewError(berrors.ConnectionTimeoutError("timed out"), core.RetryInfo{WillRetry: true, RetriesLeft: 2}))
	bttest.AssertEquals(t, gotKind, berrors.ConnectionTimeout)
	bttest.AssertBoolEquals(t, gotInfo.WillRetry, true)
}

func TestDispatchSkipsNilHandler(t *testing.T) {
	// Should not panic when no handler is registered for the variant.
	Dispatch(Handlers{}, NewConnected())
}

func TestEmitterOrderingAndDestroy(t *testing.T) {
	e := NewEmitter(4)
	e.Emit(NewConnected())
	e.Emit(NewMessageSent("id-1"))
	e.Emit(NewClose())
	e.Destroy()

	var kinds []Kind
	for ev := range e.Events() {
		kinds = append(kinds, ev.Kind)
	}
	bttest.AssertDeepEquals(t, kinds, []Kind{Connected, MessageSent, Close})
}

func TestEmitterDestroyIsIdempotent(t *testing.T) {
	e := NewEmitter(1)
	e.Destroy()
	e.Destroy() // must not panic
	e.Emit(NewConnected()) // must not panic or block
}

func TestEventKindStrings(t *testing.T) {
	cases := map[Kind]string{
		Connected: "connected", Message: "message", MessageSent: "message-sent",
		Error: "error", End: "end", Close: "close",
	}
	for k, want := range cases {
		bttest.AssertEquals(t, k.String(), want)
	}
}
