// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Electrum URL parse failures.
var (
	ErrURLMissingPort      = errors.New("port is missing")
	ErrURLSSLWithoutDomain = errors.New("cannot use the ssl scheme " +
		"without a domain name")
)

// ElectrumURL identifies an Electrum server endpoint in the form
// tcp://host:port or ssl://host:port.  The ssl scheme requires a domain
// name, since there is nothing to validate a certificate against when
// connecting to a bare IP address.
type ElectrumURL struct {
	// Host is the host:port pair of the server.
	Host string

	// TLS indicates the connection should be wrapped in TLS.
	TLS bool
}

// String returns the host:port form of the URL.
func (u *ElectrumURL) String() string {
	return u.Host
}

// ParseElectrumURL parses an Electrum server URL.
func ParseElectrumURL(s string) (*ElectrumURL, error) {
	var tls bool
	var rest string
	switch {
	case strings.HasPrefix(s, "tcp://"):
		rest = s[len("tcp://"):]
	case strings.HasPrefix(s, "ssl://"):
		tls = true
		rest = s[len("ssl://"):]
	default:
		scheme := s
		if i := strings.Index(s, "://"); i >= 0 {
			scheme = s[:i]
		}
		return nil, fmt.Errorf("invalid scheme %q, supported ones "+
			"are ssl and tcp", scheme)
	}

	host, port, err := net.SplitHostPort(rest)
	if err != nil || port == "" {
		return nil, ErrURLMissingPort
	}
	if host == "" {
		return nil, errors.New("domain is missing")
	}
	if tls && net.ParseIP(host) != nil {
		return nil, ErrURLSSLWithoutDomain
	}

	return &ElectrumURL{Host: rest, TLS: tls}, nil
}
