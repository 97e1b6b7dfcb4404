// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseElectrumURL(t *testing.T) {
	tests := []struct {
		url      string
		wantHost string
		wantTLS  bool
		wantErr  error
		fails    bool
	}{{
		url:      "tcp://localhost:50001",
		wantHost: "localhost:50001",
	}, {
		url:      "tcp://127.0.0.1:50001",
		wantHost: "127.0.0.1:50001",
	}, {
		url:      "ssl://blockstream.info:995",
		wantHost: "blockstream.info:995",
		wantTLS:  true,
	}, {
		// TLS against a bare IP has no domain to validate the
		// certificate against.
		url:     "ssl://127.0.0.1:50002",
		wantErr: ErrURLSSLWithoutDomain,
	}, {
		url:     "ssl://[::1]:50002",
		wantErr: ErrURLSSLWithoutDomain,
	}, {
		url:     "tcp://localhost",
		wantErr: ErrURLMissingPort,
	}, {
		url:     "ssl://blockstream.info",
		wantErr: ErrURLMissingPort,
	}, {
		url:   "http://blockstream.info:995",
		fails: true,
	}, {
		url:   "blockstream.info:995",
		fails: true,
	}, {
		url:   "tcp://:50001",
		fails: true,
	}}

	for _, test := range tests {
		t.Run(test.url, func(t *testing.T) {
			u, err := ParseElectrumURL(test.url)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}
			if test.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.wantHost, u.Host)
			require.Equal(t, test.wantTLS, u.TLS)
		})
	}
}
