// Copyright 2015 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// btps-send is a minimal example CLI: it loads a connector config, signs
// one invoice artifact, connects to the recipient, sends it, waits for the
// response, and exits. It exists to exercise session.Session end to end,
// not as a production sending agent.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BhupenT/btps-sdk/btplog"
	"github.com/BhupenT/btps-sdk/config"
	"github.com/BhupenT/btps-sdk/core"
	"github.com/BhupenT/btps-sdk/session"
)

func failOnError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// applyTLSEnv overlays USE_TLS/TLS_KEY/TLS_CERT (base64 PEM) onto a loaded
// config, the only place these env vars are consulted — they exist for
// example apps like this one, not the core connector config.
func applyTLSEnv(c *config.ConnectorConfig) error {
	if os.Getenv("USE_TLS") != "1" && os.Getenv("USE_TLS") != "true" {
		return nil
	}
	c.AllowSelfSigned = false
	if keyB64 := os.Getenv("TLS_KEY"); keyB64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return fmt.Errorf("decoding TLS_KEY: %w", err)
		}
		path, err := writeTempPEM("btps-send-key-*.pem", key)
		if err != nil {
			return err
		}
		c.TLS.KeyFile = path
	}
	if certB64 := os.Getenv("TLS_CERT"); certB64 != "" {
		cert, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return fmt.Errorf("decoding TLS_CERT: %w", err)
		}
		path, err := writeTempPEM("btps-send-cert-*.pem", cert)
		if err != nil {
			return err
		}
		c.TLS.CertFile = path
	}
	return nil
}

func writeTempPEM(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func main() {
	configFile := flag.String("config", "", "File path to the connector configuration file (JSON or YAML)")
	recipient := flag.String("to", "", "Recipient identity, account$domain")
	docFile := flag.String("document", "", "File path to the JSON document to send as a BTP_INVOICE")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall deadline for connect+send+await-response")
	flag.Parse()

	if *configFile == "" || *recipient == "" || *docFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	failOnError(err, "reading connector config")

	err = applyTLSEnv(cfg)
	failOnError(err, "applying TLS env overrides")

	logger := btplog.New("btps-send")

	docBytes, err := os.ReadFile(*docFile)
	failOnError(err, "reading document file")
	var doc json.RawMessage
	err = json.Unmarshal(docBytes, &doc)
	failOnError(err, "document file is not valid JSON")

	sess, err := session.New(*cfg, nil, logger)
	failOnError(err, "constructing session")
	defer sess.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	err = sess.Connect(ctx, *recipient)
	failOnError(err, "connecting to recipient")

	env := core.ArtifactEnvelope{
		Version:  "1.0.0",
		ID:       fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		From:     cfg.Identity,
		To:       *recipient,
		Type:     core.TypeInvoice,
		IssuedAt: time.Now().UTC().Format(time.RFC3339),
		Document: doc,
	}

	err = sess.Send(ctx, env, core.EncryptionNone, nil)
	failOnError(err, "sending artifact")
	logger.Infof("sent artifact %s to %s, awaiting response", env.ID, *recipient)

	resp, err := sess.AwaitResponse(ctx)
	failOnError(err, "awaiting response")

	out, err := json.MarshalIndent(resp, "", "  ")
	failOnError(err, "marshaling response")
	fmt.Println(string(out))

	err = sess.End(ctx)
	failOnError(err, "closing session")
}
