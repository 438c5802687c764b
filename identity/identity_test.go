package identity

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/BhupenT/btps-sdk/bttest"
	berrors "github.com/BhupenT/btps-sdk/errors"
)

const testServerAddr = "127.0.0.1:4153"

func txtRecord(name string, segments ...string) *dns.TXT {
	joined := ""
	for i, s := range segments {
		if i > 0 {
			joined += ";"
		}
		joined += s
	}
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: []string{joined},
	}
}

func mockIdentityDNS(w dns.ResponseWriter, r *dns.Msg) {
	defer w.Close()
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false

	for _, q := range r.Question {
		if q.Qtype != dns.TypeTXT {
			continue
		}
		switch q.Name {
		case "_btps.a.example.":
			m.Answer = append(m.Answer, txtRecord(q.Name, "v="+ProtocolVersion, "u=btps.a.example:3443", "s=sel1"))
			w.WriteMsg(m)
			return
		case "_btps.stale.example.":
			m.Answer = append(m.Answer, txtRecord(q.Name, "v=0.9.0", "u=old.example", "s=sel1"))
			w.WriteMsg(m)
			return
		case "_btps.broken.example.":
			m.Answer = append(m.Answer, txtRecord(q.Name, "v="+ProtocolVersion))
			w.WriteMsg(m)
			return
		case "sel1._btps.alice.a.example.":
			pem := base64.StdEncoding.EncodeToString([]byte("fake-der-bytes"))
			m.Answer = append(m.Answer, txtRecord(q.Name, "v="+ProtocolVersion, "k=rsa", "p="+pem))
			w.WriteMsg(m)
			return
		case "missing._btps.alice.a.example.":
			// NXDOMAIN-equivalent: no answers, success rcode.
			w.WriteMsg(m)
			return
		}
	}
	w.WriteMsg(m)
}

func serveLoopResolver(stopChan chan bool) chan bool {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", mockIdentityDNS)
	server := &dns.Server{Addr: testServerAddr, Net: "udp", Handler: mux, ReadTimeout: time.Second, WriteTimeout: time.Second}
	waitChan := make(chan bool, 1)
	go func() {
		waitChan <- true
		if err := server.ListenAndServe(); err != nil {
			fmt.Println(err)
		}
	}()
	go func() {
		<-stopChan
		_ = server.Shutdown()
	}()
	return waitChan
}

func TestMain(m *testing.M) {
	stop := make(chan bool, 1)
	wait := serveLoopResolver(stop)
	<-wait
	ret := m.Run()
	stop <- true
	os.Exit(ret)
}

func TestParseIdentity(t *testing.T) {
	cases := []struct {
		in      string
		account string
		domain  string
		wantErr bool
	}{
		{"alice$a.example", "alice", "a.example", false},
		{"no-delimiter", "", "", true},
		{"too$many$delimiters", "", "", true},
		{"$a.example", "", "", true},
		{"alice$", "", "", true},
	}
	for _, c := range cases {
		id, err := ParseIdentity(c.in)
		if c.wantErr {
			bttest.AssertError(t, err, c.in)
			continue
		}
		bttest.AssertNotError(t, err, c.in)
		bttest.AssertEquals(t, id.Account, c.account)
		bttest.AssertEquals(t, id.Domain, c.domain)
		bttest.AssertEquals(t, id.String(), c.in)
	}
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("btps://host.example:4443")
	bttest.AssertNotError(t, err, "parse")
	bttest.AssertEquals(t, a.Host, "host.example")
	bttest.AssertEquals(t, a.Port, 4443)

	b, err := ParseAddress("host.example")
	bttest.AssertNotError(t, err, "parse default port")
	bttest.AssertEquals(t, b.Port, DefaultPort)

	_, err = ParseAddress("")
	bttest.AssertError(t, err, "empty address")

	_, err = ParseAddress("host.example:notaport")
	bttest.AssertError(t, err, "bad port")
}

func TestResolveHost(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	rec, err := r.ResolveHost(context.Background(), "a.example")
	bttest.AssertNotError(t, err, "ResolveHost")
	bttest.AssertEquals(t, rec.Host, "btps.a.example:3443")
	bttest.AssertEquals(t, rec.Selector, "sel1")
}

func TestResolveHostWrongVersionIsTerminal(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	_, err := r.ResolveHost(context.Background(), "stale.example")
	bttest.AssertError(t, err, "expected version mismatch error")
	if kind, _ := berrors.KindOf(err); kind != berrors.UnsupportedProtocol {
		t.Fatalf("want UnsupportedProtocol, got %v", kind)
	}
}

func TestResolveHostMissingFieldsIsTerminal(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	_, err := r.ResolveHost(context.Background(), "broken.example")
	bttest.AssertError(t, err, "expected missing-field error")
	if kind, _ := berrors.KindOf(err); kind != berrors.UnsupportedProtocol {
		t.Fatalf("want UnsupportedProtocol, got %v", kind)
	}
}

func TestResolveHostNoServersIsTransient(t *testing.T) {
	r := NewResolver(time.Second, nil)
	_, err := r.ResolveHost(context.Background(), "a.example")
	bttest.AssertError(t, err, "expected no-servers error")
	if kind, _ := berrors.KindOf(err); kind != berrors.DNSResolutionFailed {
		t.Fatalf("want DNSResolutionFailed, got %v", kind)
	}
}

func TestResolveKeyPEM(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	id := Identity{Account: "alice", Domain: "a.example"}
	pem, err := r.ResolveKey(context.Background(), id, "sel1", KeyWhichPEM)
	bttest.AssertNotError(t, err, "ResolveKey pem")
	bttest.AssertEquals(t, pem[:26], "-----BEGIN PUBLIC KEY-----")
}

func TestResolveKeyField(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	id := Identity{Account: "alice", Domain: "a.example"}
	kt, err := r.ResolveKey(context.Background(), id, "sel1", KeyWhichKey)
	bttest.AssertNotError(t, err, "ResolveKey k")
	bttest.AssertEquals(t, kt, "rsa")
}

func TestResolveKeyMissingRecord(t *testing.T) {
	r := NewResolver(2*time.Second, []string{testServerAddr})
	id := Identity{Account: "alice", Domain: "a.example"}
	_, err := r.ResolveKey(context.Background(), id, "missing", KeyWhichPEM)
	bttest.AssertError(t, err, "expected no-records error")
}
