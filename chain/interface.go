// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/netparams"
)

// BackEnds returns a list of the available back ends.
func BackEnds() []string {
	return []string{
		"electrum",
		"elementsd",
	}
}

// BlockHeader describes one block header as far as the wallet cares about
// it: position, identity, parent, and timestamp.  Elements headers embed
// their height, so adapters can always populate every field.
type BlockHeader struct {
	Height uint32
	Hash   chainhash.Hash
	Prev   chainhash.Hash
	Time   time.Time
}

// History is one entry of a script's transaction history as reported by a
// backend.  Height is positive for confirmed transactions; zero or negative
// values mean the transaction is unconfirmed.
type History struct {
	TxID   chainhash.Hash
	Height int32
}

// Confirmed reports whether the history entry refers to a confirmed
// transaction.
func (h *History) Confirmed() bool {
	return h.Height > 0
}

// Backend is the capability interface the wallet uses to talk to chain
// data providers.  Implementations may speak the Electrum wire protocol, the
// elementsd JSON-RPC interface, or be in-memory test doubles.  Calls may
// block; callers needing bounded latency should arrange transport timeouts
// or cancel the context.
//
// Backends make no promise that script subscriptions survive reconnects.
// Callers must treat "already subscribed" as a non-error and must be able to
// recompute a script's status from its history.
type Backend interface {
	// Network returns the network parameters the backend was configured
	// for.  It performs no I/O.
	Network() *netparams.Params

	// Tip returns the backend's current best header.
	Tip(ctx context.Context) (*BlockHeader, error)

	// SubscribeScript establishes or refreshes a watch on the script and
	// returns the server's status fingerprint for it.  The empty string
	// means the script has no history.
	SubscribeScript(ctx context.Context, script []byte) (string, error)

	// Histories returns the transaction history of each script, one
	// result list per input script, in input order.
	Histories(ctx context.Context, scripts [][]byte) ([][]History, error)

	// Transactions fetches the full transactions with the given ids.
	// The whole call fails if any id is unknown to the backend.
	Transactions(ctx context.Context,
		txids []chainhash.Hash) ([]*transaction.Transaction, error)

	// Headers fetches the block headers at the given heights, one per
	// input height, in input order.
	Headers(ctx context.Context, heights []uint32) ([]*BlockHeader, error)

	// Broadcast submits the transaction to the network and returns its
	// txid.
	Broadcast(ctx context.Context,
		tx *transaction.Transaction) (chainhash.Hash, error)
}
