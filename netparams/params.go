// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/network"
)

// Params is used to group parameters for the various Elements networks the
// wallet can operate on, such as the Liquid main network and its test
// networks.
type Params struct {
	*network.Network

	// PolicyAsset is the network's policy (fee) asset.
	PolicyAsset chainhash.Hash

	// ElectrumPort is the conventional Electrum server port for the
	// network.
	ElectrumPort string

	// RPCPort is the default elementsd RPC port for the network.
	RPCPort string

	// DefaultElectrumServer is a public Electrum server URL for the
	// network, used when the configuration names none.  Empty for
	// networks with no public server.
	DefaultElectrumServer string
}

// mustAsset converts a display-order (reversed) hex asset id to its hash
// form, panicking on malformed input.  It is only used for the package-level
// network constants below.
func mustAsset(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return *h
}

// MainNetParams contains parameters specific to the Liquid main network.
var MainNetParams = Params{
	Network:               &network.Liquid,
	PolicyAsset:           mustAsset(network.Liquid.AssetID),
	ElectrumPort:          "50002",
	RPCPort:               "7041",
	DefaultElectrumServer: "ssl://blockstream.info:995",
}

// TestNetParams contains parameters specific to the Liquid test network.
var TestNetParams = Params{
	Network:               &network.Testnet,
	PolicyAsset:           mustAsset(network.Testnet.AssetID),
	ElectrumPort:          "50002",
	RPCPort:               "7039",
	DefaultElectrumServer: "ssl://blockstream.info:465",
}

// RegressionNetParams contains parameters specific to a local elementsd
// regression test network.  There is no public Electrum server to default
// to; one must be configured.
var RegressionNetParams = Params{
	Network:      &network.Regtest,
	PolicyAsset:  mustAsset(network.Regtest.AssetID),
	ElectrumPort: "50001",
	RPCPort:      "18884",
}
