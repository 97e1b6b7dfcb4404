// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements the confidential wallet facade and its chain
// synchronization.  The facade reads are served entirely from the store's
// current snapshot and never touch the network; Sync runs one full
// synchronization pass against a chain backend and commits its result
// atomically.
package wallet

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/chain"
	"github.com/elementsuite/elwallet/descriptor"
	"github.com/elementsuite/elwallet/netparams"
	"github.com/elementsuite/elwallet/wstore"
)

// ErrNetworkMismatch is returned when a backend is configured for a
// different network than the wallet.  It is detected before any state is
// read from the backend.
var ErrNetworkMismatch = errors.New("backend network does not match wallet network")

const (
	// defaultGapLimit is how many unused indices past LastIndex are
	// probed for activity during sync.
	defaultGapLimit = 20
)

// Config holds the wallet construction parameters.
type Config struct {
	// GapLimit overrides the address-discovery lookahead window.  Zero
	// means the default of 20.
	GapLimit uint32
}

// Wallet is the public wallet surface.  All read methods operate on the
// store's committed snapshot; only Sync and NewAddress write.
type Wallet struct {
	desc  *descriptor.Descriptor
	store *wstore.Store
	net   *netparams.Params

	gapLimit uint32

	// syncMtx ensures a single sync pass at a time.
	syncMtx sync.Mutex
}

// New constructs a wallet over an opened store.  Descriptors whose blinding
// variant cannot derive per-address keys are rejected here rather than at
// first use.
func New(desc *descriptor.Descriptor, store *wstore.Store, cfg Config) (*Wallet, error) {
	// Probing index 0 surfaces both undeclared hardened steps and the
	// underivable bare blinding variant at construction.
	if _, err := desc.Derive(0); err != nil {
		return nil, err
	}

	gap := cfg.GapLimit
	if gap == 0 {
		gap = defaultGapLimit
	}
	return &Wallet{
		desc:     desc,
		store:    store,
		net:      desc.Network(),
		gapLimit: gap,
	}, nil
}

// Network returns the wallet's network parameters.
func (w *Wallet) Network() *netparams.Params {
	return w.net
}

// NewAddress reserves the next derivation index and returns the derived
// script and confidential address.  The reservation is committed before the
// address is returned, so no two calls ever yield the same index, even
// under concurrent callers or an interleaved sync.
func (w *Wallet) NewAddress() (*descriptor.Derived, error) {
	var derived *descriptor.Derived
	err := w.store.Update(func(tx *wstore.Tx) error {
		var err error
		derived, err = w.desc.Derive(tx.ReserveIndex())
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("Handed out address index %d", derived.Index)
	return derived, nil
}

// Utxo is one unspent wallet-owned output together with its recovered
// cleartext.
type Utxo struct {
	OutPoint wire.OutPoint
	Asset    chainhash.Hash
	Value    uint64
	Script   []byte

	// Height is the confirmation height of the creating transaction, or
	// zero while unconfirmed.
	Height int32
}

// ListUnspent returns the wallet's unspent outputs, computed fresh from the
// current snapshot: every unblinded output whose outpoint is not consumed by
// any known transaction.
func (w *Wallet) ListUnspent() ([]Utxo, error) {
	snap, err := w.store.Read()
	if err != nil {
		return nil, err
	}
	return unspent(snap), nil
}

func unspent(snap *wstore.Snapshot) []Utxo {
	spent := snap.Spent()
	utxos := make([]Utxo, 0, len(snap.Unblinded))
	for op, u := range snap.Unblinded {
		if _, gone := spent[op]; gone {
			continue
		}
		height := snap.Heights[op.Hash]
		if height < 0 {
			height = 0
		}
		utxo := Utxo{
			OutPoint: op,
			Asset:    u.Asset,
			Value:    u.Value,
			Height:   height,
		}
		if tx, ok := snap.Txs[op.Hash]; ok && int(op.Index) < len(tx.Outputs) {
			utxo.Script = tx.Outputs[op.Index].Script
		}
		utxos = append(utxos, utxo)
	}
	sort.Slice(utxos, func(i, j int) bool {
		cmp := bytes.Compare(utxos[i].OutPoint.Hash[:], utxos[j].OutPoint.Hash[:])
		if cmp != 0 {
			return cmp < 0
		}
		return utxos[i].OutPoint.Index < utxos[j].OutPoint.Index
	})
	return utxos
}

// Balance sums the unspent outputs by asset id.  The policy (fee) asset is
// always present in the result, at zero if the wallet holds none of it.
func (w *Wallet) Balance() (map[chainhash.Hash]uint64, error) {
	snap, err := w.store.Read()
	if err != nil {
		return nil, err
	}
	balance := map[chainhash.Hash]uint64{
		w.net.PolicyAsset: 0,
	}
	for _, u := range unspent(snap) {
		balance[u.Asset] += u.Value
	}
	return balance, nil
}

// TxInfo describes one known wallet transaction.
type TxInfo struct {
	TxID chainhash.Hash
	Tx   *transaction.Transaction

	// Height is the confirmation height, or zero while unconfirmed.
	Height int32

	// Timestamp is the block time of the confirming block, zero while
	// unconfirmed.
	Timestamp uint32
}

// ListTransactions returns all known wallet transactions sorted by
// descending height with unconfirmed transactions first; ties, including
// ties between unconfirmed transactions, break by descending txid so the
// order is deterministic.
func (w *Wallet) ListTransactions() ([]TxInfo, error) {
	snap, err := w.store.Read()
	if err != nil {
		return nil, err
	}

	txs := make([]TxInfo, 0, len(snap.Txs))
	for txid, tx := range snap.Txs {
		info := TxInfo{TxID: txid, Tx: tx}
		if height := snap.Heights[txid]; height > 0 {
			info.Height = height
			if h, ok := snap.Headers[uint32(height)]; ok {
				info.Timestamp = h.Time
			}
		}
		txs = append(txs, info)
	}
	sort.Slice(txs, func(i, j int) bool {
		hi, hj := txs[i].Height, txs[j].Height
		if hi != hj {
			// Unconfirmed (zero) sorts before every height.
			if hi == 0 || hj == 0 {
				return hi == 0
			}
			return hi > hj
		}
		return bytes.Compare(txs[i].TxID[:], txs[j].TxID[:]) > 0
	})
	return txs, nil
}

// Tip returns the wallet's stored chain tip, or nil before the first sync.
func (w *Wallet) Tip() (*wstore.BlockMeta, error) {
	snap, err := w.store.Read()
	if err != nil {
		return nil, err
	}
	return snap.Tip, nil
}

// checkNetwork rejects a backend configured for a different network before
// any chain state is consumed from it.
func (w *Wallet) checkNetwork(backend chain.Backend) error {
	net := backend.Network()
	if net == nil || net.Name != w.net.Name {
		return ErrNetworkMismatch
	}
	return nil
}

// SyncTip refreshes only the stored chain tip from the backend, without
// running a discovery pass.  It never moves the tip backwards; repairing a
// reorg is Sync's job.
func (w *Wallet) SyncTip(ctx context.Context, backend chain.Backend) error {
	if err := w.checkNetwork(backend); err != nil {
		return err
	}
	tip, err := backend.Tip(ctx)
	if err != nil {
		return err
	}
	return w.store.Update(func(tx *wstore.Tx) error {
		cur := tx.State().Tip
		if cur != nil && tip.Height <= cur.Height {
			return nil
		}
		tx.SetTip(wstore.BlockMeta{
			Height: tip.Height,
			Hash:   tip.Hash,
			Time:   uint32(tip.Time.Unix()),
		})
		return nil
	})
}

// Broadcast submits a transaction through the backend and returns its txid.
// The wallet does not wait for the transaction to appear in its own history;
// the next sync pass picks it up.
func (w *Wallet) Broadcast(ctx context.Context, backend chain.Backend,
	tx *transaction.Transaction) (chainhash.Hash, error) {

	if err := w.checkNetwork(backend); err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := backend.Broadcast(ctx, tx)
	if err != nil {
		return chainhash.Hash{}, err
	}
	log.Infof("Broadcast transaction %v", txid)
	return txid, nil
}

// Sync runs one full synchronization pass against the backend and commits
// the result atomically.  It reports whether the committed snapshot differs
// from the previous one.  On error the store is left exactly as it was.
func (w *Wallet) Sync(ctx context.Context, backend chain.Backend) (bool, error) {
	if err := w.checkNetwork(backend); err != nil {
		return false, err
	}

	w.syncMtx.Lock()
	defer w.syncMtx.Unlock()

	base, err := w.store.Read()
	if err != nil {
		return false, err
	}

	pass := &syncPass{
		wallet:  w,
		backend: backend,
		base:    base,
	}
	return pass.run(ctx)
}
