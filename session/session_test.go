package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/BhupenT/btps-sdk/bttest"
	"github.com/BhupenT/btps-sdk/btplog"
	"github.com/BhupenT/btps-sdk/codec"
	"github.com/BhupenT/btps-sdk/config"
	"github.com/BhupenT/btps-sdk/core"
)

type memTrustStore struct {
	records map[string]core.TrustRecord
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{records: map[string]core.TrustRecord{}}
}

func (m *memTrustStore) GetByID(ctx context.Context, id string) (*core.TrustRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memTrustStore) Create(ctx context.Context, record core.TrustRecord, id string) (*core.TrustRecord, error) {
	if id == "" {
		id = record.SenderID + "->" + record.ReceiverID
	}
	record.ID = id
	m.records[id] = record
	out := record
	return &out, nil
}

func (m *memTrustStore) Update(ctx context.Context, id string, patch core.TrustRecordPatch) (*core.TrustRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	m.records[id] = r
	return &r, nil
}

func (m *memTrustStore) Delete(ctx context.Context, id string) error {
	delete(m.records, id)
	return nil
}

func (m *memTrustStore) GetAll(ctx context.Context, receiverID string) ([]core.TrustRecord, error) {
	var out []core.TrustRecord
	for _, r := range m.records {
		if receiverID == "" || r.ReceiverID == receiverID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTrustStore) FlushNow(ctx context.Context) error      { return nil }
func (m *memTrustStore) FlushAndReload(ctx context.Context) error { return nil }

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	bttest.AssertNotError(t, err, "generate key")
	return k
}

func pemEncodePrivate(t *testing.T, k *rsa.PrivateKey) string {
	t.Helper()
	der := x509.MarshalPKCS1PrivateKey(k)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv := genKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	bttest.AssertNotError(t, err, "create certificate")
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

func startEchoServer(t *testing.T, cert tls.Certificate) (addr string, stop func()) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	bttest.AssertNotError(t, err, "listen")

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := codec.NewLineReader(conn, 0)
		if _, err := reader.Next(); err != nil {
			return
		}

		resp := core.ArtifactEnvelope{
			Version:  "1.0.0",
			ID:       "resp-1",
			From:     "bob$b.example",
			To:       "alice$a.example",
			Type:     core.TypeResponse,
			IssuedAt: time.Now().UTC().Format(time.RFC3339),
			Document: json.RawMessage(`"ok"`),
			Status:   &core.ResponseStatus{OK: true, Code: 200, Message: "accepted"},
		}
		line, err := codec.EncodeLine(resp)
		if err != nil {
			return
		}
		_, _ = conn.Write(line)
		time.Sleep(100 * time.Millisecond)
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	bttest.AssertNotError(t, err, "split host port")
	port, err := strconv.Atoi(portStr)
	bttest.AssertNotError(t, err, "parse port")
	return host, port
}

func TestSessionConnectSendAwaitResponse(t *testing.T) {
	cert := selfSignedCert(t)
	addr, stop := startEchoServer(t, cert)
	defer stop()
	host, port := splitHostPort(t, addr)

	aliceKey := genKey(t)
	cfg := config.ConnectorConfig{
		Identity:          "alice$a.example",
		BtpIdentityKey:    pemEncodePrivate(t, aliceKey),
		Selector:          "sel1",
		Host:              host,
		Port:              port,
		AllowSelfSigned:   true,
		ConnectionTimeoutMs: config.ConfigDuration{Duration: 2 * time.Second},
	}

	trustStore := newMemTrustStore()
	sess, err := New(cfg, trustStore, btplog.Discard())
	bttest.AssertNotError(t, err, "New")
	defer sess.Destroy()

	bttest.AssertNotError(t, sess.Connect(context.Background(), "bob$b.example"), "Connect")

	env := core.ArtifactEnvelope{
		Version:  "1.0.0",
		ID:       "inv-1",
		From:     "alice$a.example",
		To:       "bob$b.example",
		Type:     core.TypeInvoice,
		IssuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		Document: json.RawMessage(`{"invoiceId":"I-1","amount":100,"currency":"USD","dueAt":"2026-02-01T00:00:00Z"}`),
	}
	bttest.AssertNotError(t, sess.Send(context.Background(), env, core.EncryptionNone, nil), "Send")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := sess.AwaitResponse(ctx)
	bttest.AssertNotError(t, err, "AwaitResponse")
	bttest.AssertEquals(t, resp.ID, "resp-1")
}

func TestSessionRecordTrust(t *testing.T) {
	trustStore := newMemTrustStore()
	aliceKey := genKey(t)
	cfg := config.ConnectorConfig{
		Identity:       "alice$a.example",
		BtpIdentityKey: pemEncodePrivate(t, aliceKey),
		Selector:       "sel1",
	}
	sess, err := New(cfg, trustStore, btplog.Discard())
	bttest.AssertNotError(t, err, "New")
	defer sess.Destroy()

	rec, err := sess.RecordTrust(context.Background(), core.TrustRecord{
		SenderID:   "alice$a.example",
		ReceiverID: "bob$b.example",
		Status:     core.TrustRequested,
	})
	bttest.AssertNotError(t, err, "RecordTrust")
	bttest.AssertEquals(t, rec.SenderID, "alice$a.example")
}

func TestSessionRequiresTrustStoreForRecordTrust(t *testing.T) {
	aliceKey := genKey(t)
	cfg := config.ConnectorConfig{
		Identity:       "alice$a.example",
		BtpIdentityKey: pemEncodePrivate(t, aliceKey),
		Selector:       "sel1",
	}
	sess, err := New(cfg, nil, btplog.Discard())
	bttest.AssertNotError(t, err, "New")
	defer sess.Destroy()

	_, err = sess.RecordTrust(context.Background(), core.TrustRecord{})
	bttest.AssertError(t, err, "expected error with no trust store configured")
}
