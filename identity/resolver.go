// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package identity

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	berrors "github.com/BhupenT/btps-sdk/errors"
)

// Resolver issues the two DNS TXT lookups BTPS identities depend on: the
// domain-wide host/selector record, and a selector's signing key record.
// It queries the configured servers directly over miekg/dns, narrowed to
// the single record type (TXT) this protocol needs.
type Resolver struct {
	Client      *dns.Client
	Servers     []string
	DialTimeout time.Duration

	group singleflight.Group
}

// NewResolver builds a Resolver that queries a randomly chosen one of
// servers for each lookup.
func NewResolver(dialTimeout time.Duration, servers []string) *Resolver {
	c := new(dns.Client)
	c.DialTimeout = dialTimeout
	c.Timeout = dialTimeout
	return &Resolver{Client: c, Servers: servers, DialTimeout: dialTimeout}
}

// exchangeTXT performs a single TXT query against a randomly chosen
// configured server, collapsing concurrent lookups of the same name into
// one exchange via singleflight.
func (r *Resolver) exchangeTXT(ctx context.Context, name string) ([]string, error) {
	if len(r.Servers) < 1 {
		return nil, berrors.DNSResolutionFailedError("resolver has no configured servers")
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		return r.exchangeTXTOnce(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (r *Resolver) exchangeTXTOnce(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.SetEdns0(4096, true)

	server := r.Servers[rand.Intn(len(r.Servers))]

	type result struct {
		resp *dns.Msg
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, _, err := r.Client.Exchange(m, server)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, berrors.DNSResolutionFailedError("DNS query for %s canceled: %v", name, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, berrors.DNSResolutionFailedError("DNS query for %s failed: %v", name, res.err)
		}
		if res.resp.Rcode != dns.RcodeSuccess {
			return nil, berrors.DNSResolutionFailedError("DNS failure: %d-%s for TXT query on %s",
				res.resp.Rcode, dns.RcodeToString[res.resp.Rcode], name)
		}
		var txt []string
		for _, answer := range res.resp.Answer {
			if rec, ok := answer.(*dns.TXT); ok {
				txt = append(txt, rec.Txt...)
			}
		}
		return txt, nil
	}
}

// ResolveHost queries the `_btps.<domain>` TXT record and parses it into a
// HostRecord. Any DNS failure is transient (DNSResolutionFailed); absence
// of the required `u`/`s` fields is a terminal configuration error
// (UnsupportedProtocol).
func (r *Resolver) ResolveHost(ctx context.Context, domain string) (HostRecord, error) {
	name := fmt.Sprintf("%s.%s", DNSNamespace, domain)
	records, err := r.exchangeTXT(ctx, name)
	if err != nil {
		return HostRecord{}, err
	}
	if len(records) == 0 {
		return HostRecord{}, berrors.DNSResolutionFailedError("no TXT records found at %s", name)
	}
	fields := parseTXTPairs(records)
	if fields["v"] != ProtocolVersion {
		return HostRecord{}, berrors.UnsupportedProtocolError(
			"record at %s declares protocol version %q, want %q", name, fields["v"], ProtocolVersion)
	}
	host, hasHost := fields["u"]
	selector, hasSelector := fields["s"]
	if !hasHost || !hasSelector || host == "" || selector == "" {
		return HostRecord{}, berrors.UnsupportedProtocolError(
			"record at %s is missing required u/s fields", name)
	}
	return HostRecord{Host: host, Selector: selector}, nil
}

// ResolveKey queries `<selector>._btps.<account>.<domain>` and returns the
// requested field. When which is KeyWhichPEM the `p` field is
// base64-decoded into raw PEM bytes.
func (r *Resolver) ResolveKey(ctx context.Context, id Identity, selector string, which KeyWhich) (string, error) {
	name := fmt.Sprintf("%s.%s.%s.%s", selector, DNSNamespace, id.Account, id.Domain)
	records, err := r.exchangeTXT(ctx, name)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", berrors.DNSResolutionFailedError("no TXT records found at %s", name)
	}
	fields := parseTXTPairs(records)
	if fields["v"] != ProtocolVersion {
		return "", berrors.UnsupportedProtocolError(
			"key record at %s declares protocol version %q, want %q", name, fields["v"], ProtocolVersion)
	}
	switch which {
	case KeyWhichKey:
		v, ok := fields["k"]
		if !ok {
			return "", berrors.UnsupportedProtocolError("key record at %s missing k field", name)
		}
		return v, nil
	case KeyWhichVersion:
		return fields["v"], nil
	case KeyWhichPEM:
		p, ok := fields["p"]
		if !ok || p == "" {
			return "", berrors.UnsupportedProtocolError("key record at %s missing p field", name)
		}
		decoded, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return "", berrors.UnsupportedProtocolError("key record at %s has invalid base64 p field: %v", name, err)
		}
		return pemWrap(decoded), nil
	default:
		return "", berrors.UnsupportedProtocolError("unknown key field selector")
	}
}

// pemWrap re-adds PEM armor around a bare base64-decoded public key, which
// the DNS record publishes as base64-PEM-without-headers.
func pemWrap(der []byte) string {
	encoded := base64.StdEncoding.EncodeToString(der)
	out := "-----BEGIN PUBLIC KEY-----\n"
	for i := 0; i < len(encoded); i += 64 {
		end := i + 64
		if end > len(encoded) {
			end = len(encoded)
		}
		out += encoded[i:end] + "\n"
	}
	out += "-----END PUBLIC KEY-----\n"
	return out
}
