// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config holds the JSON/YAML-loadable configuration structs for
// the BTPS client connector: a top-level ConnectorConfig struct, a ConfigDuration
// alias that (de)serializes as a Go duration string, and a TLSConfig for
// certificate passthrough.
package config

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectorConfig enumerates every configurable option for the client
// connector. No defaults are baked in here beyond what Normalize fills in
// explicitly — callers see exactly what they asked for otherwise.
type ConnectorConfig struct {
	// Identity is the sender identity used for signing, account$domain.
	Identity string `json:"identity" yaml:"identity"`

	// BtpIdentityKey is the sender's private key, PEM-encoded.
	BtpIdentityKey string `json:"btpIdentityKey" yaml:"btpIdentityKey"`
	// BtpIdentityCert is the sender's public key/certificate, PEM-encoded.
	BtpIdentityCert string `json:"btpIdentityCert" yaml:"btpIdentityCert"`
	// Selector names the sender's active DNS signing-key selector,
	// published at `<selector>._btps.<account>.<domain>`.
	Selector string `json:"selector" yaml:"selector"`

	// Host/Port override DNS resolution of the recipient's domain.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	MaxRetries          int            `json:"maxRetries" yaml:"maxRetries"`
	RetryDelayMs        ConfigDuration `json:"retryDelayMs" yaml:"retryDelayMs"`
	ConnectionTimeoutMs ConfigDuration `json:"connectionTimeoutMs" yaml:"connectionTimeoutMs"`

	TLS TLSConfig `json:"tls" yaml:"tls"`

	// AllowSelfSigned, when true, sets tls.Config.InsecureSkipVerify.
	AllowSelfSigned bool `json:"allowSelfSigned,omitempty" yaml:"allowSelfSigned,omitempty"`

	// MaxLineBytes caps an individual wire line; zero means the 1 MiB
	// default.
	MaxLineBytes int `json:"maxLineBytes,omitempty" yaml:"maxLineBytes,omitempty"`
}

// TLSConfig represents certificates and passthrough options for the
// connector's TLS layer.
type TLSConfig struct {
	CertFile   string `json:"cert,omitempty" yaml:"cert,omitempty"`
	KeyFile    string `json:"key,omitempty" yaml:"key,omitempty"`
	CACertFile string `json:"caCert,omitempty" yaml:"caCert,omitempty"`
	ServerName string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
}

const defaultMaxLineBytes = 1 << 20 // 1 MiB default.

// Normalize fills in a default for any zero-valued field that has one,
// and validates the required fields are present.
func (c *ConnectorConfig) Normalize() error {
	if c.Identity == "" {
		return errors.New("config: identity is required")
	}
	if c.BtpIdentityKey == "" {
		return errors.New("config: btpIdentityKey is required")
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = defaultMaxLineBytes
	}
	if c.ConnectionTimeoutMs.Duration <= 0 {
		c.ConnectionTimeoutMs = ConfigDuration{Duration: 10 * time.Second}
	}
	if c.RetryDelayMs.Duration <= 0 {
		c.RetryDelayMs = ConfigDuration{Duration: 100 * time.Millisecond}
	}
	return nil
}

// DefaultPort is the default BTPS port.
const DefaultPort = 3443

// ConfigDuration is just an alias for time.Duration that allows
// serialization to JSON and YAML as a Go duration string ("100ms").
type ConfigDuration struct {
	time.Duration
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a ConfigDuration.
var ErrDurationMustBeString = errors.New("cannot unmarshal something other than a string into a ConfigDuration")

// UnmarshalJSON parses a string into a ConfigDuration using
// time.ParseDuration.
func (d *ConfigDuration) UnmarshalJSON(b []byte) error {
	s := ""
	err := json.Unmarshal(b, &s)
	if err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration.
func (d ConfigDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalYAML uses the same format as JSON, called by the YAML parser.
func (d *ConfigDuration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Load reads a ConnectorConfig from a JSON or YAML file, selecting the
// format by the ".yaml"/".yml" suffix and defaulting to JSON otherwise.
func Load(path string) (*ConnectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ConnectorConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &c)
	} else {
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func isYAML(path string) bool {
	n := len(path)
	return n >= 5 && path[n-5:] == ".yaml" || n >= 4 && path[n-4:] == ".yml"
}

// TLSClientConfig builds a crypto/tls.Config from the TLS passthrough
// options, honoring AllowSelfSigned as the inverse of certificate
// verification.
func (c *ConnectorConfig) TLSClientConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: c.AllowSelfSigned,
		ServerName:         c.TLS.ServerName,
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
