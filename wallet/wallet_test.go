// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/go-elements/elementsutil"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/descriptor"
	"github.com/elementsuite/elwallet/netparams"
	"github.com/elementsuite/elwallet/wstore"
)

const (
	// BIP32 test vector 1 master public key.
	testXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8Nqtwy" +
		"bGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

	testMasterBlind = "9c8e4f05c7711a98c838be228bcb84924d4570ca53f35fa1c7" +
		"93e58841d47023"
)

func testWallet(t *testing.T) (*Wallet, *mockBackend) {
	t.Helper()
	net := &netparams.RegressionNetParams

	desc, err := descriptor.Parse(
		"ct(slip77("+testMasterBlind+"),elwpkh("+testXPub+"/0/*))", net)
	require.NoError(t, err)

	store, err := wstore.Open(filepath.Join(t.TempDir(), "wallet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w, err := New(desc, store, Config{})
	require.NoError(t, err)
	return w, newMockBackend(net)
}

// payToScript builds an explicit policy-asset transaction paying value to
// script.  seed distinguishes otherwise identical fundings.
func payToScript(t *testing.T, w *Wallet, script []byte, value uint64,
	seed byte) *transaction.Transaction {

	t.Helper()
	elemValue, err := elementsutil.ValueToBytes(value)
	require.NoError(t, err)

	prev := chainhash.Hash{0xee, seed}
	asset := append([]byte{0x01}, w.net.PolicyAsset[:]...)
	return &transaction.Transaction{
		Version: 2,
		Inputs: []*transaction.TxInput{
			transaction.NewTxInput(prev[:], 0),
		},
		Outputs: []*transaction.TxOutput{
			transaction.NewTxOutput(asset, elemValue, script),
		},
	}
}

func TestNewAddressMonotonic(t *testing.T) {
	w, _ := testWallet(t)

	const workers, perWorker = 8, 5
	indices := make(chan uint32, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				derived, err := w.NewAddress()
				if err != nil {
					t.Error(err)
					return
				}
				indices <- derived.Index
			}
		}()
	}
	wg.Wait()
	close(indices)

	var got []uint32
	for idx := range indices {
		got = append(got, idx)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	// Every index 0..N-1 handed out exactly once.
	require.Len(t, got, workers*perWorker)
	for i, idx := range got {
		require.Equal(t, uint32(i), idx)
	}
}

func TestNewAddressIsConfidential(t *testing.T) {
	w, _ := testWallet(t)

	derived, err := w.NewAddress()
	require.NoError(t, err)
	require.Equal(t, uint32(0), derived.Index)
	require.NotEmpty(t, derived.Address)
	require.NotEmpty(t, derived.Script)

	again, err := w.NewAddress()
	require.NoError(t, err)
	require.Equal(t, uint32(1), again.Index)
	require.NotEqual(t, derived.Address, again.Address)
}

func TestBalanceAlwaysReportsPolicyAsset(t *testing.T) {
	w, _ := testWallet(t)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, map[chainhash.Hash]uint64{
		w.net.PolicyAsset: 0,
	}, balance)
}

func TestNetworkMismatchRejected(t *testing.T) {
	w, _ := testWallet(t)
	ctx := context.Background()

	wrong := newMockBackend(&netparams.TestNetParams)
	wrong.mine(1)

	_, err := w.Sync(ctx, wrong)
	require.ErrorIs(t, err, ErrNetworkMismatch)

	err = w.SyncTip(ctx, wrong)
	require.ErrorIs(t, err, ErrNetworkMismatch)

	tx := payToScript(t, w, []byte{0x00, 0x14, 0x01}, 1, 0)
	_, err = w.Broadcast(ctx, wrong, tx)
	require.ErrorIs(t, err, ErrNetworkMismatch)

	// Nothing was stored from the mismatched backend.
	tip, err := w.Tip()
	require.NoError(t, err)
	require.Nil(t, tip)
}

func TestBroadcast(t *testing.T) {
	w, m := testWallet(t)

	tx := payToScript(t, w, []byte{0x00, 0x14, 0x01}, 1_000, 0)
	txid, err := w.Broadcast(context.Background(), m, tx)
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), txid)
	require.Equal(t, []chainhash.Hash{txid}, m.broadcast)
}

func TestSyncTipForwardOnly(t *testing.T) {
	w, m := testWallet(t)
	ctx := context.Background()

	m.mine(50)
	require.NoError(t, w.SyncTip(ctx, m))
	tip, err := w.Tip()
	require.NoError(t, err)
	require.Equal(t, uint32(50), tip.Height)

	// A backend answering with a lower tip never moves the wallet back.
	m.mine(40)
	require.NoError(t, w.SyncTip(ctx, m))
	tip, err = w.Tip()
	require.NoError(t, err)
	require.Equal(t, uint32(50), tip.Height)
}
