// Copyright 2025 The Polygate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig customizes trust for the upstream connection, typically when an
// intercepting proxy sits between the gateway and the upstream host.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Dev/test only.
	InsecureSkipVerify bool
	// CACertificate is a path to an additional root certificate in PEM form.
	CACertificate string
}

// NewTransport builds an http.Transport honoring the TLS options. A nil
// config yields a clone of the default transport.
func NewTransport(cfg *TLSConfig) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg == nil {
		return transport, nil
	}
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertificate != "" {
		caCert, err := os.ReadFile(cfg.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", cfg.CACertificate, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = pool
	}
	return transport, nil
}
