// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/vulpemventures/go-elements/transaction"
	"golang.org/x/sync/errgroup"

	"github.com/elementsuite/elwallet/chain"
	"github.com/elementsuite/elwallet/unblind"
	"github.com/elementsuite/elwallet/wstore"
)

// syncPass holds the working state of one synchronization pass.  A pass
// accumulates everything it learned from the backend and applies it to the
// store in a single update at the end; failing anywhere before that leaves
// the store untouched.
type syncPass struct {
	wallet  *Wallet
	backend chain.Backend
	base    *wstore.Snapshot

	// tip is the backend's best header at the start of the pass.
	tip *chain.BlockHeader

	// reorg is set when a stored header hash no longer matches the chain.
	// forkPoint is then the highest stored height still on the chain;
	// zero means nothing could be confirmed to match.
	reorg     bool
	forkPoint uint32

	// scripts and statuses are the probed scripts by derivation index and
	// the status fingerprints the backend reported for them.
	scripts   [][]byte
	statuses  []string
	scriptIdx map[string]uint32 // hex script -> derivation index

	// nextIndex is the discovery result: the new LastIndex.
	nextIndex uint32

	// merged is the authoritative (txid, height) view assembled from the
	// fetched histories.  Heights are normalized so unconfirmed is zero.
	merged map[chainhash.Hash]int32

	newTxs    []*transaction.Transaction
	headers   map[uint32]wstore.BlockMeta
	removed   []chainhash.Hash
	unblinded map[wire.OutPoint]*wstore.UnblindedOutput
}

func protocolErr(format string, args ...interface{}) error {
	return &chain.Error{
		Kind:        chain.ErrProtocol,
		Description: fmt.Sprintf(format, args...),
	}
}

func blockMeta(h *chain.BlockHeader) wstore.BlockMeta {
	return wstore.BlockMeta{
		Height: h.Height,
		Hash:   h.Hash,
		Time:   uint32(h.Time.Unix()),
	}
}

// run executes the pass: discovery, history fetch, body and header fetch,
// unblinding, reorg reconciliation, then one atomic commit.  It reports
// whether the committed snapshot differs from the previous one.
func (s *syncPass) run(ctx context.Context) (bool, error) {
	tip, err := s.backend.Tip(ctx)
	if err != nil {
		return false, err
	}
	s.tip = tip
	s.headers = map[uint32]wstore.BlockMeta{tip.Height: blockMeta(tip)}
	s.merged = make(map[chainhash.Hash]int32)
	s.unblinded = make(map[wire.OutPoint]*wstore.UnblindedOutput)

	if err := s.detectReorg(ctx); err != nil {
		return false, err
	}
	if err := s.discover(ctx); err != nil {
		return false, err
	}
	if err := s.fetchHistories(ctx); err != nil {
		return false, err
	}
	if err := s.fetchBodiesAndHeaders(ctx); err != nil {
		return false, err
	}
	if err := s.unblindNew(); err != nil {
		return false, err
	}
	s.reconcile()

	return s.commit()
}

// detectReorg compares the stored recent-header window against what the
// backend now reports at the same heights.  The cheap path checks only the
// stored tip when the chain simply grew.
func (s *syncPass) detectReorg(ctx context.Context) error {
	stored := s.base.Tip
	if stored == nil || s.tip.Hash == stored.Hash {
		return nil
	}

	if s.tip.Height > stored.Height {
		hdrs, err := s.backend.Headers(ctx, []uint32{stored.Height})
		if err != nil {
			return err
		}
		if len(hdrs) != 1 {
			return protocolErr("got %d headers for 1 height", len(hdrs))
		}
		if hdrs[0].Hash == stored.Hash {
			return nil // plain extension
		}
	}

	// Walk the whole stored window.  Heights the backend no longer has
	// (above its tip) are mismatches by definition.
	var heights []uint32
	for height := range s.base.Headers {
		if height <= s.tip.Height {
			heights = append(heights, height)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	s.reorg = true
	s.forkPoint = 0
	if len(heights) == 0 {
		log.Warnf("Reorg past the whole stored header window, " +
			"re-syncing all confirmations")
		return nil
	}

	hdrs, err := s.backend.Headers(ctx, heights)
	if err != nil {
		return err
	}
	if len(hdrs) != len(heights) {
		return protocolErr("got %d headers for %d heights",
			len(hdrs), len(heights))
	}
	matched := false
	for i, h := range hdrs {
		if s.base.Headers[heights[i]].Hash == h.Hash {
			matched = true
			if heights[i] > s.forkPoint {
				s.forkPoint = heights[i]
			}
			continue
		}
		// Keep the replacement header for the commit.
		s.headers[h.Height] = blockMeta(h)
	}
	if !matched {
		log.Warnf("Reorg deeper than the stored header window, " +
			"re-syncing all confirmations")
	}
	log.Infof("Chain reorganization detected, fork point at height %d",
		s.forkPoint)
	return nil
}

// discover probes derivation indices for activity: every index up to
// LastIndex plus a full lookahead window is subscribed, and the window
// re-extends whenever an index at or past LastIndex shows history.
func (s *syncPass) discover(ctx context.Context) error {
	gap := s.wallet.gapLimit
	next := s.base.LastIndex
	target := next + gap

	s.scriptIdx = make(map[string]uint32)
	for idx := uint32(0); idx < target; idx++ {
		script, err := s.wallet.desc.ScriptAt(idx)
		if err != nil {
			return err
		}
		status, err := s.backend.SubscribeScript(ctx, script)
		if err != nil {
			return err
		}
		s.scripts = append(s.scripts, script)
		s.statuses = append(s.statuses, status)
		s.scriptIdx[hex.EncodeToString(script)] = idx

		if status != "" && idx >= next {
			next = idx + 1
			target = next + gap
		}
	}
	s.nextIndex = next

	log.Debugf("Discovery probed %d scripts, next index %d",
		len(s.scripts), next)
	return nil
}

// fetchHistories batch-fetches the history of every script whose status
// fingerprint changed since the last pass.  During a reorg every probed
// script is refetched, since stored heights can no longer be trusted.
func (s *syncPass) fetchHistories(ctx context.Context) error {
	var want [][]byte
	for i, script := range s.scripts {
		key := hex.EncodeToString(script)
		if !s.reorg && s.statuses[i] == s.base.ScriptStatus[key] {
			continue
		}
		if s.statuses[i] == "" && !s.reorg {
			// Newly probed script with no history; nothing to
			// fetch and nothing worth recording.
			continue
		}
		want = append(want, script)
	}
	if len(want) == 0 {
		return nil
	}

	histories, err := s.backend.Histories(ctx, want)
	if err != nil {
		return err
	}
	if len(histories) != len(want) {
		return protocolErr("got %d histories for %d scripts",
			len(histories), len(want))
	}
	for _, history := range histories {
		for _, entry := range history {
			height := entry.Height
			if height < 0 {
				height = 0
			}
			if height > 0 && height > int32(s.tip.Height) {
				return protocolErr("history height %d above tip %d",
					height, s.tip.Height)
			}
			s.merged[entry.TxID] = height
		}
	}
	return nil
}

// fetchBodiesAndHeaders fetches unknown transaction bodies and uncached
// confirmation headers concurrently.
func (s *syncPass) fetchBodiesAndHeaders(ctx context.Context) error {
	var needBodies []chainhash.Hash
	needHeights := make(map[uint32]struct{})
	for txid, height := range s.merged {
		if _, known := s.base.Txs[txid]; !known {
			needBodies = append(needBodies, txid)
		}
		if height <= 0 {
			continue
		}
		h := uint32(height)
		if _, fetched := s.headers[h]; fetched {
			continue
		}
		if stored, ok := s.base.Headers[h]; ok {
			if !s.reorg || h <= s.forkPoint {
				s.headers[h] = stored
				continue
			}
		}
		needHeights[h] = struct{}{}
	}
	if len(needBodies) == 0 && len(needHeights) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(needBodies) > 0 {
		g.Go(func() error {
			txs, err := s.backend.Transactions(gctx, needBodies)
			if err != nil {
				return err
			}
			if len(txs) != len(needBodies) {
				return protocolErr("got %d transactions for %d txids",
					len(txs), len(needBodies))
			}
			s.newTxs = txs
			return nil
		})
	}
	var fetched []*chain.BlockHeader
	if len(needHeights) > 0 {
		heights := make([]uint32, 0, len(needHeights))
		for h := range needHeights {
			heights = append(heights, h)
		}
		sort.Slice(heights, func(i, j int) bool {
			return heights[i] < heights[j]
		})
		g.Go(func() error {
			hdrs, err := s.backend.Headers(gctx, heights)
			if err != nil {
				return err
			}
			if len(hdrs) != len(heights) {
				return protocolErr("got %d headers for %d heights",
					len(hdrs), len(heights))
			}
			fetched = hdrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, h := range fetched {
		s.headers[h.Height] = blockMeta(h)
	}

	log.Debugf("Fetched %d transactions and %d headers",
		len(s.newTxs), len(fetched))
	return nil
}

// unblindNew attempts to recover the cleartext of every not yet unblinded
// output paying a wallet script, across every transaction touched by this
// pass.  Stored bodies are revisited too: a transaction fetched earlier can
// pay a script that discovery only probes in a later pass.  Outputs blinded
// toward other parties are skipped silently.
func (s *syncPass) unblindNew() error {
	bodies := make(map[chainhash.Hash]*transaction.Transaction,
		len(s.merged)+len(s.newTxs))
	for txid := range s.merged {
		if tx, ok := s.base.Txs[txid]; ok {
			bodies[txid] = tx
		}
	}
	for _, tx := range s.newTxs {
		bodies[tx.TxHash()] = tx
	}

	for txid, tx := range bodies {
		for vout, out := range tx.Outputs {
			if _, done := s.base.Unblinded[wire.OutPoint{
				Hash: txid, Index: uint32(vout),
			}]; done {
				continue
			}
			key := hex.EncodeToString(out.Script)
			if _, ours := s.scriptIdx[key]; !ours {
				continue
			}
			blindKey, err := s.wallet.desc.BlindingKey(out.Script)
			if err != nil {
				return err
			}
			res, err := unblind.Output(out, blindKey)
			blindKey.Zero()
			if err != nil {
				if !errors.Is(err, unblind.ErrNotOurs) {
					log.Warnf("Output %v:%d on a wallet script "+
						"failed to unblind: %v", txid, vout, err)
				}
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(vout)}
			s.unblinded[op] = &wstore.UnblindedOutput{
				Asset:        res.Asset,
				Value:        res.Value,
				AssetBlinder: res.AssetBlinder,
				ValueBlinder: res.ValueBlinder,
			}
		}
	}
	return nil
}

// reconcile resolves stored confirmations invalidated by a reorg.  Every
// transaction confirmed above the fork point was refetched through the full
// history pass; any that no longer appears anywhere has vanished from the
// chain and is removed together with its unblinded outputs.
func (s *syncPass) reconcile() {
	if !s.reorg {
		return
	}
	for txid, height := range s.base.Heights {
		if height <= 0 || uint32(height) <= s.forkPoint {
			continue
		}
		if _, present := s.merged[txid]; !present {
			s.removed = append(s.removed, txid)
		}
	}
	if len(s.removed) > 0 {
		log.Infof("Reorg removed %d transactions", len(s.removed))
	}
}

// commit applies the accumulated pass results to the store in one update.
func (s *syncPass) commit() (bool, error) {
	var changed bool
	err := s.wallet.store.Update(func(t *wstore.Tx) error {
		t.ExtendLastIndex(s.nextIndex)

		for i, script := range s.scripts {
			key := hex.EncodeToString(script)
			if s.statuses[i] == "" {
				if _, known := t.State().ScriptStatus[key]; !known {
					continue
				}
			}
			t.SetScriptStatus(script, s.statuses[i])
		}

		for _, txid := range s.removed {
			t.DeleteTx(txid)
		}

		// Stale window entries above the new tip have no replacement
		// header to overwrite them.
		if s.reorg {
			for height := range s.base.Headers {
				if height > s.tip.Height {
					t.RemoveHeader(height)
				}
			}
		}
		for _, h := range s.headers {
			t.AddHeader(h)
		}

		for _, tx := range s.newTxs {
			t.PutTx(tx)
		}
		for txid, height := range s.merged {
			t.SetHeight(txid, height)
		}
		for op, u := range s.unblinded {
			t.PutUnblinded(op, u)
		}

		// Last, so window pruning sees the final height set.
		t.SetTip(s.headers[s.tip.Height])

		changed = t.Dirty()
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		log.Infof("Sync committed at height %d: %d new transactions",
			s.tip.Height, len(s.newTxs))
	} else {
		log.Debugf("Sync found no changes at height %d", s.tip.Height)
	}
	return changed, nil
}
