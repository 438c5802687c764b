package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"

	"github.com/BhupenT/btps-sdk/bttest"
	"github.com/BhupenT/btps-sdk/core"
	"github.com/BhupenT/btps-sdk/identity"
)

type fakeResolver struct {
	hosts map[string]identity.HostRecord
	keys  map[string]*rsa.PublicKey
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{hosts: map[string]identity.HostRecord{}, keys: map[string]*rsa.PublicKey{}}
}

func (f *fakeResolver) addIdentity(id identity.Identity, selector string, pub *rsa.PublicKey) {
	f.hosts[id.Domain] = identity.HostRecord{Host: "btps." + id.Domain + ":3443", Selector: selector}
	f.keys[selector+"|"+id.Account+"|"+id.Domain] = pub
}

func (f *fakeResolver) ResolveHost(ctx context.Context, domain string) (identity.HostRecord, error) {
	return f.hosts[domain], nil
}

func (f *fakeResolver) ResolveKey(ctx context.Context, id identity.Identity, selector string, which identity.KeyWhich) (string, error) {
	pub := f.keys[selector+"|"+id.Account+"|"+id.Domain]
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	bttest.AssertNotError(t, err, "generate key")
	return k
}

func baseInvoice() core.ArtifactEnvelope {
	return core.ArtifactEnvelope{
		Version:  "1.0.0",
		ID:       "inv-1",
		From:     "alice$a.example",
		To:       "bob$b.example",
		Type:     core.TypeInvoice,
		IssuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		Document: json.RawMessage(`{"invoiceId":"I-1","amount":100,"currency":"USD","dueAt":"2026-02-01T00:00:00Z"}`),
	}
}

func TestSignEncryptVerifyDecryptPlaintextRoundTrip(t *testing.T) {
	aliceKey := genKey(t)
	resolver := newFakeResolver()

	signed, err := SignEncrypt(context.Background(), resolver, baseInvoice(), SignOptions{
		SenderKey: aliceKey,
		Selector:  "sel1",
	})
	bttest.AssertNotError(t, err, "SignEncrypt")
	bttest.AssertEquals(t, signed.SignedBy, "alice$a.example")

	resolver.addIdentity(identity.Identity{Account: "alice", Domain: "a.example"}, "sel1", &aliceKey.PublicKey)

	doc, err := VerifyDecrypt(context.Background(), resolver, signed, VerifyOptions{})
	bttest.AssertNotError(t, err, "VerifyDecrypt")
	bttest.AssertEquals(t, string(doc), string(baseInvoice().Document))
}

func TestSignEncryptVerifyDecryptStandardEncryptRoundTrip(t *testing.T) {
	aliceKey := genKey(t)
	bobKey := genKey(t)
	resolver := newFakeResolver()
	resolver.addIdentity(identity.Identity{Account: "alice", Domain: "a.example"}, "sel1", &aliceKey.PublicKey)
	resolver.addIdentity(identity.Identity{Account: "bob", Domain: "b.example"}, "selb", &bobKey.PublicKey)

	signed, err := SignEncrypt(context.Background(), resolver, baseInvoice(), SignOptions{
		SenderKey:      aliceKey,
		Selector:       "sel1",
		EncryptionMode: core.EncryptionStandard,
	})
	bttest.AssertNotError(t, err, "SignEncrypt")

	var cipherB64 string
	bttest.AssertNotError(t, json.Unmarshal(signed.Document, &cipherB64), "document should be a base64 string")
	if _, err := base64.StdEncoding.DecodeString(cipherB64); err != nil {
		t.Fatalf("document is not valid base64: %v", err)
	}

	doc, err := VerifyDecrypt(context.Background(), resolver, signed, VerifyOptions{RecipientKey: bobKey})
	bttest.AssertNotError(t, err, "VerifyDecrypt")
	bttest.AssertEquals(t, string(doc), string(baseInvoice().Document))
}

func TestVerifyDecryptRejectsTamperedEnvelope(t *testing.T) {
	aliceKey := genKey(t)
	resolver := newFakeResolver()
	resolver.addIdentity(identity.Identity{Account: "alice", Domain: "a.example"}, "sel1", &aliceKey.PublicKey)

	signed, err := SignEncrypt(context.Background(), resolver, baseInvoice(), SignOptions{
		SenderKey: aliceKey,
		Selector:  "sel1",
	})
	bttest.AssertNotError(t, err, "SignEncrypt")

	signed.Document = json.RawMessage(`{"invoiceId":"I-1","amount":999,"currency":"USD","dueAt":"2026-02-01T00:00:00Z"}`)
	_, err = VerifyDecrypt(context.Background(), resolver, signed, VerifyOptions{})
	bttest.AssertError(t, err, "expected tampered-document rejection")
}

func TestVerifyDecryptRejectsWrongRecipientKey(t *testing.T) {
	aliceKey := genKey(t)
	bobKey := genKey(t)
	mallory := genKey(t)
	resolver := newFakeResolver()
	resolver.addIdentity(identity.Identity{Account: "alice", Domain: "a.example"}, "sel1", &aliceKey.PublicKey)
	resolver.addIdentity(identity.Identity{Account: "bob", Domain: "b.example"}, "selb", &bobKey.PublicKey)

	signed, err := SignEncrypt(context.Background(), resolver, baseInvoice(), SignOptions{
		SenderKey:      aliceKey,
		Selector:       "sel1",
		EncryptionMode: core.EncryptionStandard,
	})
	bttest.AssertNotError(t, err, "SignEncrypt")

	_, err = VerifyDecrypt(context.Background(), resolver, signed, VerifyOptions{RecipientKey: mallory})
	bttest.AssertError(t, err, "expected wrong-recipient-key rejection")
}

func TestLineReaderRoundTrip(t *testing.T) {
	env := baseInvoice()
	line, err := EncodeLine(env)
	bttest.AssertNotError(t, err, "EncodeLine")

	reader := NewLineReader(bytes.NewReader(line), 0)
	got, err := reader.Next()
	bttest.AssertNotError(t, err, "Next")
	bttest.AssertEquals(t, got.ID, env.ID)
}

func TestLineReaderRejectsOversizedLine(t *testing.T) {
	huge := make([]byte, 100)
	for i := range huge {
		huge[i] = 'a'
	}
	reader := NewLineReader(bytes.NewReader(append(huge, '\n')), 10)
	_, err := reader.Next()
	bttest.AssertError(t, err, "expected oversized line rejection")
}

func TestLineReaderRejectsMalformedJSON(t *testing.T) {
	reader := NewLineReader(bytes.NewReader([]byte("not json\n")), 0)
	_, err := reader.Next()
	bttest.AssertError(t, err, "expected malformed JSON rejection")
}
