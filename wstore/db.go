// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/vulpemventures/go-elements/transaction"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// Database versions.  Versions start at 1 and increment for each database
// change.
const latestVersion = 1

// This package assumes the width of a chainhash.Hash is always 32 bytes.
var _ [32]byte = chainhash.Hash{}

// Bucket names.
var (
	bucketHeaders   = []byte("h")
	bucketTxs       = []byte("t")
	bucketHeights   = []byte("g")
	bucketUnblinded = []byte("u")
	bucketStatus    = []byte("s")
)

// Root bucket keys.
var (
	rootVersion   = []byte("vers") // uint32
	rootTipHeight = []byte("tip")  // uint32, absent until first sync
	rootLastIndex = []byte("next") // uint32
)

// createBuckets initializes a fresh database: all buckets plus the version
// marker.
func createBuckets(ns walletdb.ReadWriteBucket) error {
	for _, name := range [][]byte{bucketHeaders, bucketTxs, bucketHeights,
		bucketUnblinded, bucketStatus} {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			return storeError(ErrDatabase, "failed to create bucket", err)
		}
	}
	v := make([]byte, 4)
	byteOrder.PutUint32(v, latestVersion)
	if err := ns.Put(rootVersion, v); err != nil {
		return storeError(ErrDatabase, "failed to store version", err)
	}
	return nil
}

func checkVersion(ns walletdb.ReadBucket) error {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return storeError(ErrData, "missing or short version", nil)
	}
	if vers := byteOrder.Uint32(v); vers != latestVersion {
		return storeError(ErrVersion, fmt.Sprintf(
			"store version %d, expected %d", vers, latestVersion), nil)
	}
	return nil
}

// keyHeight returns the db key for a block height.
func keyHeight(height uint32) []byte {
	k := make([]byte, 4)
	byteOrder.PutUint32(k, height)
	return k
}

// keyOutPoint returns the db key for an outpoint: the txid followed by the
// big endian output index.
func keyOutPoint(op *wire.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[32:], op.Index)
	return k
}

func readOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) != 36 {
		return storeError(ErrData, "short outpoint key", nil)
	}
	copy(op.Hash[:], k[:32])
	op.Index = byteOrder.Uint32(k[32:])
	return nil
}

// valueHeader serializes a header window entry: block hash followed by the
// block time.
func valueHeader(h *BlockMeta) []byte {
	v := make([]byte, 36)
	copy(v, h.Hash[:])
	byteOrder.PutUint32(v[32:], h.Time)
	return v
}

func readHeader(k, v []byte, h *BlockMeta) error {
	if len(k) != 4 || len(v) != 36 {
		return storeError(ErrData, "malformed header record", nil)
	}
	h.Height = byteOrder.Uint32(k)
	copy(h.Hash[:], v[:32])
	h.Time = byteOrder.Uint32(v[32:])
	return nil
}

// valueHeight serializes a confirmation height.  Unconfirmed heights are
// zero or negative and are stored in two's complement.
func valueHeight(height int32) []byte {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, uint32(height))
	return v
}

func readHeight(v []byte) (int32, error) {
	if len(v) != 4 {
		return 0, storeError(ErrData, "short height value", nil)
	}
	return int32(byteOrder.Uint32(v)), nil
}

// valueTx serializes a transaction body.  The hex form is used because it is
// the go-elements codec's round-trippable representation for confidential
// transactions.
func valueTx(tx *transaction.Transaction) ([]byte, error) {
	txHex, err := tx.ToHex()
	if err != nil {
		return nil, storeError(ErrData, "unserializable transaction", err)
	}
	return []byte(txHex), nil
}

func readTx(v []byte) (*transaction.Transaction, error) {
	tx, err := transaction.NewTxFromHex(string(v))
	if err != nil {
		return nil, storeError(ErrData, "undecodable transaction body", err)
	}
	return tx, nil
}

// valueUnblinded serializes an unblinded output: asset id, value, then the
// two blinding factors.
func valueUnblinded(u *UnblindedOutput) []byte {
	v := make([]byte, 32+8+32+32)
	copy(v, u.Asset[:])
	byteOrder.PutUint64(v[32:], u.Value)
	copy(v[40:], u.AssetBlinder[:])
	copy(v[72:], u.ValueBlinder[:])
	return v
}

func readUnblinded(v []byte, u *UnblindedOutput) error {
	if len(v) != 104 {
		return storeError(ErrData, "malformed unblinded output", nil)
	}
	copy(u.Asset[:], v[:32])
	u.Value = byteOrder.Uint64(v[32:])
	copy(u.AssetBlinder[:], v[40:72])
	copy(u.ValueBlinder[:], v[72:])
	return nil
}

// loadSnapshot reads the whole committed state into a fresh Snapshot.
func loadSnapshot(ns walletdb.ReadBucket) (*Snapshot, error) {
	if err := checkVersion(ns); err != nil {
		return nil, err
	}
	snap := newSnapshot()

	if v := ns.Get(rootLastIndex); v != nil {
		if len(v) != 4 {
			return nil, storeError(ErrData, "short last index", nil)
		}
		snap.LastIndex = byteOrder.Uint32(v)
	}

	err := ns.NestedReadBucket(bucketHeaders).ForEach(func(k, v []byte) error {
		var h BlockMeta
		if err := readHeader(k, v, &h); err != nil {
			return err
		}
		snap.Headers[h.Height] = h
		return nil
	})
	if err != nil {
		return nil, maybeDBError(err, "iterate headers")
	}

	if v := ns.Get(rootTipHeight); v != nil {
		if len(v) != 4 {
			return nil, storeError(ErrData, "short tip height", nil)
		}
		tip, ok := snap.Headers[byteOrder.Uint32(v)]
		if !ok {
			return nil, storeError(ErrData, "tip header missing from window", nil)
		}
		snap.Tip = &tip
	}

	err = ns.NestedReadBucket(bucketTxs).ForEach(func(k, v []byte) error {
		if len(k) != 32 {
			return storeError(ErrData, "short txid key", nil)
		}
		var txid chainhash.Hash
		copy(txid[:], k)
		tx, err := readTx(v)
		if err != nil {
			return err
		}
		snap.Txs[txid] = tx
		return nil
	})
	if err != nil {
		return nil, maybeDBError(err, "iterate transactions")
	}

	err = ns.NestedReadBucket(bucketHeights).ForEach(func(k, v []byte) error {
		if len(k) != 32 {
			return storeError(ErrData, "short txid key", nil)
		}
		var txid chainhash.Hash
		copy(txid[:], k)
		height, err := readHeight(v)
		if err != nil {
			return err
		}
		snap.Heights[txid] = height
		return nil
	})
	if err != nil {
		return nil, maybeDBError(err, "iterate heights")
	}

	err = ns.NestedReadBucket(bucketUnblinded).ForEach(func(k, v []byte) error {
		var op wire.OutPoint
		if err := readOutPoint(k, &op); err != nil {
			return err
		}
		u := new(UnblindedOutput)
		if err := readUnblinded(v, u); err != nil {
			return err
		}
		snap.Unblinded[op] = u
		return nil
	})
	if err != nil {
		return nil, maybeDBError(err, "iterate unblinded outputs")
	}

	err = ns.NestedReadBucket(bucketStatus).ForEach(func(k, v []byte) error {
		snap.ScriptStatus[hex.EncodeToString(k)] = string(v)
		return nil
	})
	if err != nil {
		return nil, maybeDBError(err, "iterate script statuses")
	}

	return snap, nil
}

// maybeDBError wraps err as an ErrDatabase unless it already is a store
// Error (ForEach passes our own errors through).
func maybeDBError(err error, desc string) error {
	if serr, ok := err.(Error); ok {
		return serr
	}
	return storeError(ErrDatabase, desc, err)
}
