// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elementsuite/elwallet/netparams"
)

const (
	// BIP32 test vector 1 master public key.
	testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwy" +
		"bGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

	testMasterBlind = "9c8e4f05c7711a98c838be228bcb84924d4570ca53f35fa1c7" +
		"93e58841d47023"

	testViewKey = "c154bd9f4a0f94d73438e63e35f8d9ace4b1c5f83bc1c8f84732" +
		"4271bbc58c45"
)

func slip77Descriptor(path string) string {
	return "ct(slip77(" + testMasterBlind + "),elwpkh(" + testXPub + path + "))"
}

func TestParseVariants(t *testing.T) {
	net := &netparams.RegressionNetParams

	tests := []struct {
		name    string
		desc    string
		wantErr bool
	}{{
		name: "slip77 with wildcard path",
		desc: slip77Descriptor("/0/*"),
	}, {
		name: "slip77 without path",
		desc: slip77Descriptor(""),
	}, {
		name: "view key",
		desc: "ct(" + testViewKey + ",elwpkh(" + testXPub + "/0/*))",
	}, {
		name: "bare public key",
		desc: "ct(bare(02" + testMasterBlind + "),elwpkh(" + testXPub + "))",
	}, {
		name: "checksum accepted",
		desc: slip77Descriptor("/0/*") + "#qwlqtdu9",
	}, {
		name:    "checksum with bad length",
		desc:    slip77Descriptor("/0/*") + "#abc",
		wantErr: true,
	}, {
		name:    "not a ct descriptor",
		desc:    "elwpkh(" + testXPub + ")",
		wantErr: true,
	}, {
		name:    "missing script expression",
		desc:    "ct(slip77(" + testMasterBlind + "))",
		wantErr: true,
	}, {
		name:    "unknown script expression",
		desc:    "ct(slip77(" + testMasterBlind + "),elsh(" + testXPub + "))",
		wantErr: true,
	}, {
		name:    "hardened path step",
		desc:    slip77Descriptor("/0'/*"),
		wantErr: true,
	}, {
		name:    "malformed blinding specifier",
		desc:    "ct(nonsense,elwpkh(" + testXPub + "))",
		wantErr: true,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d, err := Parse(test.desc, net)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.desc, d.String())
		})
	}
}

func TestDeriveDeterministic(t *testing.T) {
	d, err := Parse(slip77Descriptor("/0/*"), &netparams.RegressionNetParams)
	require.NoError(t, err)

	first, err := d.Derive(0)
	require.NoError(t, err)
	again, err := d.Derive(0)
	require.NoError(t, err)

	require.Equal(t, first.Script, again.Script)
	require.Equal(t, first.Address, again.Address)
	require.Equal(t, first.BlindingPubKey.SerializeCompressed(),
		again.BlindingPubKey.SerializeCompressed())

	other, err := d.Derive(1)
	require.NoError(t, err)
	require.NotEqual(t, first.Script, other.Script)
	require.NotEqual(t, first.Address, other.Address)
}

func TestDeriveBareUnsupported(t *testing.T) {
	desc := "ct(bare(02" + testMasterBlind + "),elwpkh(" + testXPub + "/0/*))"
	d, err := Parse(desc, &netparams.RegressionNetParams)
	require.NoError(t, err)

	// Scripts do not need a blinding key, addresses do.
	script, err := d.ScriptAt(0)
	require.NoError(t, err)
	require.Len(t, script, 22)

	_, err = d.Derive(0)
	require.ErrorIs(t, err, ErrUnsupportedBlinding)
	_, err = d.BlindingKey(script)
	require.ErrorIs(t, err, ErrUnsupportedBlinding)
}

func TestBlindingKeyPerScript(t *testing.T) {
	d, err := Parse(slip77Descriptor("/0/*"), &netparams.RegressionNetParams)
	require.NoError(t, err)

	script0, err := d.ScriptAt(0)
	require.NoError(t, err)
	script1, err := d.ScriptAt(1)
	require.NoError(t, err)

	key0a, err := d.BlindingKey(script0)
	require.NoError(t, err)
	key0b, err := d.BlindingKey(script0)
	require.NoError(t, err)
	key1, err := d.BlindingKey(script1)
	require.NoError(t, err)

	require.Equal(t, key0a.Serialize(), key0b.Serialize())
	require.NotEqual(t, key0a.Serialize(), key1.Serialize())
}

func TestViewKeyAppliesToAllScripts(t *testing.T) {
	desc := "ct(" + testViewKey + ",elwpkh(" + testXPub + "/0/*))"
	d, err := Parse(desc, &netparams.RegressionNetParams)
	require.NoError(t, err)

	script0, err := d.ScriptAt(0)
	require.NoError(t, err)
	script1, err := d.ScriptAt(1)
	require.NoError(t, err)

	key0, err := d.BlindingKey(script0)
	require.NoError(t, err)
	key1, err := d.BlindingKey(script1)
	require.NoError(t, err)
	require.Equal(t, key0.Serialize(), key1.Serialize())
}

func TestIDDistinguishesNetworks(t *testing.T) {
	raw := slip77Descriptor("/0/*")
	onRegtest, err := Parse(raw, &netparams.RegressionNetParams)
	require.NoError(t, err)
	onLiquid, err := Parse(raw, &netparams.MainNetParams)
	require.NoError(t, err)

	require.NotEqual(t, onRegtest.ID(), onLiquid.ID())
	require.Len(t, onRegtest.ID(), 64)

	// Same inputs, same id.
	again, err := Parse(raw, &netparams.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, onRegtest.ID(), again.ID())
}
