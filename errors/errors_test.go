package errors

import (
	"testing"

	"github.com/BhupenT/btps-sdk/bttest"
)

func TestNewAndIs(t *testing.T) {
	err := InvalidIdentityError("missing $ in %q", "badidentity")
	bttest.AssertBoolEquals(t, Is(err, InvalidIdentity), true)
	bttest.AssertBoolEquals(t, Is(err, SocketError), false)
	bttest.AssertBoolEquals(t, Is(nil, InvalidIdentity), false)
}

func TestTerminalClassification(t *testing.T) {
	cases := []struct {
		kind     ErrorKind
		terminal bool
	}{
		{InvalidIdentity, true},
		{InvalidHostname, true},
		{UnsupportedProtocol, true},
		{SyntaxError, true},
		{SignatureVerificationFailed, true},
		{DecryptionFailed, true},
		{SchemaValidationError, true},
		{Destroyed, true},
		{DNSResolutionFailed, false},
		{ConnectionTimeout, false},
		{SocketError, false},
		{TrustStoreConflict, false},
		{TrustStoreNotFound, false},
	}
	for _, c := range cases {
		bttest.AssertBoolEquals(t, c.kind.Terminal(), c.terminal)
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(SchemaValidationFieldError("document.to", "missing identity"))
	bttest.AssertBoolEquals(t, ok, true)
	bttest.AssertEquals(t, kind, SchemaValidationError)

	kind, ok = KindOf(errPlain{})
	bttest.AssertBoolEquals(t, ok, false)
	bttest.AssertEquals(t, kind, SocketError)
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }

func TestFieldInMessage(t *testing.T) {
	err := SchemaValidationFieldError("to", "identity missing domain half")
	be, ok := err.(*BtpsError)
	bttest.AssertBoolEquals(t, ok, true)
	bttest.AssertEquals(t, be.Field, "to")
}
