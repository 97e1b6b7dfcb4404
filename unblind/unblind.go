// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unblind recovers the cleartext value and asset id of confidential
// transaction outputs using wallet-held blinding keys.  Everything happens
// locally; blinding keys are never logged and never leave the process.
package unblind

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/confidential"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/internal/zero"
)

// ErrNotOurs reports that an output's commitment did not open under the
// supplied blinding key.  This is the expected outcome for outputs belonging
// to other parties in the same transaction, not a failure.
var ErrNotOurs = errors.New("output does not unblind under this key")

// Result is the cleartext recovered from one output.
type Result struct {
	// Asset is the asset id, in the 32-byte internal order used by
	// chainhash (display form is the reversed hex).
	Asset chainhash.Hash

	// Value is the output amount in satoshi units.
	Value uint64

	// AssetBlinder and ValueBlinder are the recovered blinding factors,
	// needed later when the output is spent into a new blinded
	// transaction.
	AssetBlinder [32]byte
	ValueBlinder [32]byte
}

// Output attempts to recover the cleartext of out.  Explicit (unblinded)
// outputs decode without touching the key.  Confidential outputs are
// rewound with the key's shared secret; a commitment that does not open
// yields ErrNotOurs.  The key's scalar bytes are zeroed before returning.
func Output(out *transaction.TxOutput, key *btcec.PrivateKey) (*Result, error) {
	if out.IsConfidential() {
		return confidentialOutput(out, key)
	}
	return explicitOutput(out)
}

func explicitOutput(out *transaction.TxOutput) (*Result, error) {
	// Explicit asset encoding is a 0x01 prefix followed by the asset id.
	if len(out.Asset) != 33 || out.Asset[0] != 0x01 {
		return nil, errors.New("malformed explicit asset")
	}
	value, err := elementsutil.ValueFromBytes(out.Value)
	if err != nil {
		return nil, err
	}

	res := &Result{Value: value}
	copy(res.Asset[:], out.Asset[1:])
	return res, nil
}

func confidentialOutput(out *transaction.TxOutput,
	key *btcec.PrivateKey) (*Result, error) {

	if key == nil {
		return nil, ErrNotOurs
	}
	keyBytes := key.Serialize()
	defer zero.Bytes(keyBytes)

	rev, err := confidential.UnblindOutputWithKey(out, keyBytes)
	if err != nil {
		// The zkp rewind failing is the one signal available that the
		// output was blinded toward someone else.
		log.Tracef("Rangeproof rewind failed: %v", err)
		return nil, ErrNotOurs
	}
	if len(rev.Asset) != 32 ||
		len(rev.AssetBlindingFactor) != 32 ||
		len(rev.ValueBlindingFactor) != 32 {
		return nil, errors.New("malformed unblind result")
	}

	res := &Result{Value: rev.Value}
	copy(res.Asset[:], rev.Asset)
	copy(res.AssetBlinder[:], rev.AssetBlindingFactor)
	copy(res.ValueBlinder[:], rev.ValueBlindingFactor)
	return res, nil
}
