// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"
)

func TestSyncEndToEnd(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	derived, err := w.NewAddress()
	require.NoError(t, err)

	m.mine(100)
	tx := payToScript(t, w, derived.Script, 50_000, 1)
	m.addTx(tx, derived.Script, 100)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), balance[w.net.PolicyAsset])

	utxos, err := w.ListUnspent()
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, wire.OutPoint{Hash: tx.TxHash(), Index: 0}, utxos[0].OutPoint)
	require.Equal(t, w.net.PolicyAsset, utxos[0].Asset)
	require.Equal(t, uint64(50_000), utxos[0].Value)
	require.Equal(t, derived.Script, utxos[0].Script)
	require.Equal(t, int32(100), utxos[0].Height)

	txs, err := w.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, tx.TxHash(), txs[0].TxID)
	require.Equal(t, int32(100), txs[0].Height)
	require.Equal(t, uint32(1_700_000_000+100*60), txs[0].Timestamp)

	backendTip, err := m.Tip(ctx)
	require.NoError(t, err)
	tip, err := w.Tip()
	require.NoError(t, err)
	require.Equal(t, backendTip.Height, tip.Height)
	require.Equal(t, backendTip.Hash, tip.Hash)
}

func TestSyncIdempotent(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	derived, err := w.NewAddress()
	require.NoError(t, err)
	m.mine(100)
	m.addTx(payToScript(t, w, derived.Script, 10_000, 1), derived.Script, 100)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	// Nothing moved on chain, so a second pass commits nothing.
	changed, err = w.Sync(ctx, m)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSyncConfirmsUnconfirmed(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	derived, err := w.NewAddress()
	require.NoError(t, err)
	m.mine(99)
	tx := payToScript(t, w, derived.Script, 10_000, 1)
	m.addTx(tx, derived.Script, 0)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	// Unconfirmed outputs already count toward the balance.
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), balance[w.net.PolicyAsset])

	txs, err := w.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, int32(0), txs[0].Height)

	m.mine(100)
	m.setTxHeight(tx.TxHash(), derived.Script, 100)

	changed, err = w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	txs, err = w.ListTransactions()
	require.NoError(t, err)
	require.Equal(t, int32(100), txs[0].Height)
}

func TestSyncDiscoversPastGap(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	// Fund indices the wallet never handed out, one of them beyond the
	// initial lookahead window.
	script5, err := w.desc.ScriptAt(5)
	require.NoError(t, err)
	script25, err := w.desc.ScriptAt(25)
	require.NoError(t, err)

	m.mine(100)
	m.addTx(payToScript(t, w, script5, 1_000, 1), script5, 90)
	m.addTx(payToScript(t, w, script25, 2_000, 2), script25, 95)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(3_000), balance[w.net.PolicyAsset])

	// Discovery extended past the active index at 25.
	snap, err := w.store.Read()
	require.NoError(t, err)
	require.Equal(t, uint32(26), snap.LastIndex)
}

func TestSyncUnblindsLateDiscoveredOutputs(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	script0, err := w.desc.ScriptAt(0)
	require.NoError(t, err)
	script25, err := w.desc.ScriptAt(25)
	require.NoError(t, err)

	// One transaction pays index 0 and index 25, but index 25 lies beyond
	// the first pass's lookahead window, so only the first output is
	// recognized at first sight.
	elemValue0, err := elementsutil.ValueToBytes(50_000)
	require.NoError(t, err)
	elemValue25, err := elementsutil.ValueToBytes(30_000)
	require.NoError(t, err)
	prev := [32]byte{0xee, 0x07}
	asset := append([]byte{0x01}, w.net.PolicyAsset[:]...)
	tx := &transaction.Transaction{
		Version: 2,
		Inputs: []*transaction.TxInput{
			transaction.NewTxInput(prev[:], 0),
		},
		Outputs: []*transaction.TxOutput{
			transaction.NewTxOutput(asset, elemValue0, script0),
			transaction.NewTxOutput(asset, elemValue25, script25),
		},
	}

	m.mine(100)
	m.addTx(tx, script0, 100)
	m.addTx(tx, script25, 100)

	_, err = w.Sync(ctx, m)
	require.NoError(t, err)
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), balance[w.net.PolicyAsset])

	// Activity at index 10 pulls index 25 into the lookahead window.  The
	// transaction body is already stored, but its second output must
	// still be recovered.
	script10, err := w.desc.ScriptAt(10)
	require.NoError(t, err)
	m.addTx(payToScript(t, w, script10, 1_000, 8), script10, 100)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(81_000), balance[w.net.PolicyAsset])

	snap, err := w.store.Read()
	require.NoError(t, err)
	require.Equal(t, uint32(26), snap.LastIndex)
}

func TestSyncReorgRemovesVanishedTx(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	addr0, err := w.NewAddress()
	require.NoError(t, err)
	addr1, err := w.NewAddress()
	require.NoError(t, err)

	m.mine(100)
	tx1 := payToScript(t, w, addr0.Script, 30_000, 1)
	tx2 := payToScript(t, w, addr1.Script, 20_000, 2)
	m.addTx(tx1, addr0.Script, 90)
	m.addTx(tx2, addr1.Script, 95)

	_, err = w.Sync(ctx, m)
	require.NoError(t, err)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), balance[w.net.PolicyAsset])

	// Reorg from height 93: tx2's block is replaced and tx2 is gone.
	m.dropTx(tx2.TxHash(), addr1.Script)
	m.reorg(93, 101)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(30_000), balance[w.net.PolicyAsset])

	txs, err := w.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, tx1.TxHash(), txs[0].TxID)

	backendTip, err := m.Tip(ctx)
	require.NoError(t, err)
	tip, err := w.Tip()
	require.NoError(t, err)
	require.Equal(t, uint32(101), tip.Height)
	require.Equal(t, backendTip.Hash, tip.Hash)
}

func TestSyncReorgMovesTx(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	addr0, err := w.NewAddress()
	require.NoError(t, err)
	addr1, err := w.NewAddress()
	require.NoError(t, err)

	m.mine(100)
	anchor := payToScript(t, w, addr0.Script, 5_000, 1)
	moved := payToScript(t, w, addr1.Script, 7_000, 2)
	m.addTx(anchor, addr0.Script, 50)
	m.addTx(moved, addr1.Script, 95)

	_, err = w.Sync(ctx, m)
	require.NoError(t, err)

	// The reorg re-mines the transaction two blocks later.
	m.setTxHeight(moved.TxHash(), addr1.Script, 97)
	m.reorg(93, 101)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	txs, err := w.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, moved.TxHash(), txs[0].TxID)
	require.Equal(t, int32(97), txs[0].Height)
	require.Equal(t, uint32(1_700_000_000+97*60), txs[0].Timestamp)

	// Nothing vanished, so the balance is untouched.
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(12_000), balance[w.net.PolicyAsset])
}

func TestSyncSkipsForeignConfidentialOutputs(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	derived, err := w.NewAddress()
	require.NoError(t, err)

	// A confidential output on a wallet script whose proofs cannot be
	// rewound by anyone: the transaction is recorded, but no cleartext and
	// no balance may come out of it.
	assetCommit := make([]byte, 33)
	assetCommit[0] = 0x0a
	valueCommit := make([]byte, 33)
	valueCommit[0] = 0x08
	nonce := make([]byte, 33)
	nonce[0] = 0x02

	out := transaction.NewTxOutput(assetCommit, valueCommit, derived.Script)
	out.Nonce = nonce
	out.RangeProof = []byte{0x01, 0x02}
	out.SurjectionProof = []byte{0x03}

	prev := [32]byte{0xee, 0x42}
	tx := &transaction.Transaction{
		Version: 2,
		Inputs: []*transaction.TxInput{
			transaction.NewTxInput(prev[:], 0),
		},
		Outputs: []*transaction.TxOutput{out},
	}

	m.mine(100)
	m.addTx(tx, derived.Script, 100)

	changed, err := w.Sync(ctx, m)
	require.NoError(t, err)
	require.True(t, changed)

	txs, err := w.ListTransactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)

	utxos, err := w.ListUnspent()
	require.NoError(t, err)
	require.Empty(t, utxos)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, uint64(0), balance[w.net.PolicyAsset])
}