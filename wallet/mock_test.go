// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/chain"
	"github.com/elementsuite/elwallet/netparams"
)

// mockBackend is an in-memory chain.Backend.  Block hashes are derived from a
// per-height salt; bumping the salt of a range of heights replaces those
// blocks, which is how tests stage reorgs.
type mockBackend struct {
	net *netparams.Params

	mtx       sync.Mutex
	tipHeight uint32
	salts     map[uint32]byte
	histories map[string][]chain.History
	txs       map[chainhash.Hash]*transaction.Transaction
	broadcast []chainhash.Hash
}

func newMockBackend(net *netparams.Params) *mockBackend {
	return &mockBackend{
		net:       net,
		salts:     make(map[uint32]byte),
		histories: make(map[string][]chain.History),
		txs:       make(map[chainhash.Hash]*transaction.Transaction),
	}
}

// headerAt must be called with the mutex held.
func (m *mockBackend) headerAt(height uint32) *chain.BlockHeader {
	hash := func(h uint32) chainhash.Hash {
		return chainhash.HashH([]byte(fmt.Sprintf("block-%d-%d", h, m.salts[h])))
	}
	hdr := &chain.BlockHeader{
		Height: height,
		Hash:   hash(height),
		Time:   time.Unix(1_700_000_000+int64(height)*60, 0),
	}
	if height > 0 {
		hdr.Prev = hash(height - 1)
	}
	return hdr
}

// mine extends the chain to the given height.
func (m *mockBackend) mine(height uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tipHeight = height
}

// reorg replaces every block from height `from` upward and sets a new tip.
func (m *mockBackend) reorg(from, newTip uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	top := m.tipHeight
	if newTip > top {
		top = newTip
	}
	for h := from; h <= top; h++ {
		m.salts[h]++
	}
	m.tipHeight = newTip
}

// addTx records a transaction and appends it to the history of the given
// script.  Height zero means unconfirmed.
func (m *mockBackend) addTx(tx *transaction.Transaction, script []byte, height int32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	txid := tx.TxHash()
	m.txs[txid] = tx
	key := hex.EncodeToString(script)
	m.histories[key] = append(m.histories[key], chain.History{
		TxID:   txid,
		Height: height,
	})
}

// setTxHeight rewrites the history height of txid under script, simulating a
// confirmation or a reorg that moved the transaction.
func (m *mockBackend) setTxHeight(txid chainhash.Hash, script []byte, height int32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := hex.EncodeToString(script)
	for i, entry := range m.histories[key] {
		if entry.TxID == txid {
			m.histories[key][i].Height = height
		}
	}
}

// dropTx removes txid from the history of script, simulating a transaction
// that vanished in a reorg.
func (m *mockBackend) dropTx(txid chainhash.Hash, script []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := hex.EncodeToString(script)
	kept := m.histories[key][:0]
	for _, entry := range m.histories[key] {
		if entry.TxID != txid {
			kept = append(kept, entry)
		}
	}
	m.histories[key] = kept
}

func (m *mockBackend) Network() *netparams.Params {
	return m.net
}

func (m *mockBackend) Tip(context.Context) (*chain.BlockHeader, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.headerAt(m.tipHeight), nil
}

func (m *mockBackend) SubscribeScript(_ context.Context, script []byte) (string, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return mockStatus(m.histories[hex.EncodeToString(script)]), nil
}

// mockStatus is any deterministic fingerprint of a history; the syncer only
// ever compares statuses for equality.
func mockStatus(history []chain.History) string {
	if len(history) == 0 {
		return ""
	}
	s := ""
	for _, entry := range history {
		s += fmt.Sprintf("%v:%d;", entry.TxID, entry.Height)
	}
	return s
}

func (m *mockBackend) Histories(_ context.Context, scripts [][]byte) ([][]chain.History, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([][]chain.History, len(scripts))
	for i, script := range scripts {
		history := m.histories[hex.EncodeToString(script)]
		out[i] = append([]chain.History(nil), history...)
	}
	return out, nil
}

func (m *mockBackend) Transactions(_ context.Context,
	txids []chainhash.Hash) ([]*transaction.Transaction, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*transaction.Transaction, len(txids))
	for i, txid := range txids {
		tx, ok := m.txs[txid]
		if !ok {
			return nil, fmt.Errorf("unknown transaction %v", txid)
		}
		out[i] = tx
	}
	return out, nil
}

func (m *mockBackend) Headers(_ context.Context, heights []uint32) ([]*chain.BlockHeader, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]*chain.BlockHeader, len(heights))
	for i, height := range heights {
		if height > m.tipHeight {
			return nil, fmt.Errorf("height %d above tip %d", height, m.tipHeight)
		}
		out[i] = m.headerAt(height)
	}
	return out, nil
}

func (m *mockBackend) Broadcast(_ context.Context,
	tx *transaction.Transaction) (chainhash.Hash, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	txid := tx.TxHash()
	m.broadcast = append(m.broadcast, txid)
	return txid, nil
}
