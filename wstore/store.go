// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wstore implements the wallet's durable confidential-UTXO store.
//
// The store keeps the full wallet state in memory as an immutable Snapshot
// and mirrors it into a walletdb database.  Readers obtain the current
// snapshot pointer without blocking; writers stage changes against a copy
// which becomes visible only after the database flush succeeds.  A failed
// flush poisons the store, since memory and disk can no longer be assumed to
// agree.
package wstore

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/vulpemventures/go-elements/transaction"

	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // driver loaded for Open
)

const (
	dbType    = "bdb"
	dbTimeout = 60 * time.Second

	// headerWindow is how many recent headers are retained for reorg
	// detection.  A reorg deeper than this window cannot be repaired
	// incrementally.
	headerWindow = 100
)

// namespaceKey is the top level bucket holding all wallet state.
var namespaceKey = []byte("wstore")

// BlockMeta identifies a block and its timestamp.
type BlockMeta struct {
	Height uint32
	Hash   chainhash.Hash
	Time   uint32
}

// UnblindedOutput is the cleartext recovered from one confidential output
// owned by the wallet.  It is immutable once created.
type UnblindedOutput struct {
	Asset        chainhash.Hash
	Value        uint64
	AssetBlinder [32]byte
	ValueBlinder [32]byte
}

// Snapshot is one committed wallet state.  Snapshots are shared between
// concurrent readers and MUST NOT be mutated; all mutation goes through
// Store.Update.
type Snapshot struct {
	// Tip is the most recent block the wallet believes is the chain
	// head, or nil before the first sync.
	Tip *BlockMeta

	// Headers is the recent-header window, keyed by height.  It always
	// contains the tip and at most headerWindow entries.
	Headers map[uint32]BlockMeta

	// Txs holds every known wallet-relevant transaction body by txid.
	Txs map[chainhash.Hash]*transaction.Transaction

	// Heights maps each txid in Txs to its confirmation height.  Zero or
	// negative values mean unconfirmed.
	Heights map[chainhash.Hash]int32

	// Unblinded holds the recovered cleartext of every wallet-owned
	// output, keyed by outpoint.
	Unblinded map[wire.OutPoint]*UnblindedOutput

	// ScriptStatus maps a watched script (hex form) to the last
	// server-reported status fingerprint for it.
	ScriptStatus map[string]string

	// LastIndex is the next derivation index to hand out.  All indices
	// below it have been returned by NewAddress or observed with history.
	LastIndex uint32
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Headers:      make(map[uint32]BlockMeta),
		Txs:          make(map[chainhash.Hash]*transaction.Transaction),
		Heights:      make(map[chainhash.Hash]int32),
		Unblinded:    make(map[wire.OutPoint]*UnblindedOutput),
		ScriptStatus: make(map[string]string),
	}
}

// clone returns a copy of the snapshot safe to mutate.  Map values are
// shared; they are immutable by contract.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Headers:      make(map[uint32]BlockMeta, len(s.Headers)),
		Txs:          make(map[chainhash.Hash]*transaction.Transaction, len(s.Txs)),
		Heights:      make(map[chainhash.Hash]int32, len(s.Heights)),
		Unblinded:    make(map[wire.OutPoint]*UnblindedOutput, len(s.Unblinded)),
		ScriptStatus: make(map[string]string, len(s.ScriptStatus)),
		LastIndex:    s.LastIndex,
	}
	if s.Tip != nil {
		tip := *s.Tip
		c.Tip = &tip
	}
	for k, v := range s.Headers {
		c.Headers[k] = v
	}
	for k, v := range s.Txs {
		c.Txs[k] = v
	}
	for k, v := range s.Heights {
		c.Heights[k] = v
	}
	for k, v := range s.Unblinded {
		c.Unblinded[k] = v
	}
	for k, v := range s.ScriptStatus {
		c.ScriptStatus[k] = v
	}
	return c
}

// Confirmed reports whether the given txid is recorded with a confirmation.
func (s *Snapshot) Confirmed(txid chainhash.Hash) bool {
	return s.Heights[txid] > 0
}

// Spent computes the spend index: every wallet-owned outpoint consumed by a
// known transaction, mapped to the spending txid.  It is derived fresh from
// the snapshot rather than stored, so it can never drift out of agreement
// with the transaction graph.
func (s *Snapshot) Spent() map[wire.OutPoint]chainhash.Hash {
	spent := make(map[wire.OutPoint]chainhash.Hash)
	for txid, tx := range s.Txs {
		for _, in := range tx.Inputs {
			var op wire.OutPoint
			copy(op.Hash[:], in.Hash)
			op.Index = in.Index
			if _, ours := s.Unblinded[op]; ours {
				spent[op] = txid
			}
		}
	}
	return spent
}

// Store is the durable wallet state with snapshot-isolated reads and a
// single-writer update scope.  Open constructs one; Close releases the
// database.
type Store struct {
	db walletdb.DB

	// writeMtx serializes Update callers.
	writeMtx sync.Mutex

	// mtx guards the snapshot pointer and the poisoned flag.
	mtx      sync.RWMutex
	snap     *Snapshot
	poisoned bool
}

// Open creates or opens the store database at dbPath and loads the committed
// snapshot.  Re-opening existing state reconstructs the same snapshot that
// was last committed.
func Open(dbPath string) (*Store, error) {
	db, err := walletdb.Create(dbType, dbPath, true, dbTimeout)
	if err != nil {
		return nil, storeError(ErrDatabase, "failed to open database", err)
	}

	var snap *Snapshot
	err = walletdb.Update(db, func(dbtx walletdb.ReadWriteTx) error {
		ns, err := dbtx.CreateTopLevelBucket(namespaceKey)
		if err != nil {
			return storeError(ErrDatabase, "failed to create namespace", err)
		}
		if ns.Get(rootVersion) == nil {
			if err := createBuckets(ns); err != nil {
				return err
			}
		}
		snap, err = loadSnapshot(ns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, maybeDBError(err, "load snapshot")
	}

	log.Debugf("Opened store %s: %d transactions, %d unblinded outputs, "+
		"next index %d", dbPath, len(snap.Txs), len(snap.Unblinded),
		snap.LastIndex)

	return &Store{db: db, snap: snap}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the current committed snapshot.  It never blocks on writers.
// The returned snapshot must be treated as read-only.
func (s *Store) Read() (*Snapshot, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.poisoned {
		return nil, storeError(ErrPoisoned,
			"store poisoned by earlier failed flush", nil)
	}
	return s.snap, nil
}

// Update runs f against a staged copy of the current snapshot.  If f returns
// an error, nothing changes and the error is returned.  Otherwise the staged
// state is validated, flushed to the database in one transaction, and then
// published to readers.  A flush failure poisons the store.
func (s *Store) Update(f func(*Tx) error) error {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	s.mtx.RLock()
	poisoned, base := s.poisoned, s.snap
	s.mtx.RUnlock()
	if poisoned {
		return storeError(ErrPoisoned,
			"store poisoned by earlier failed flush", nil)
	}

	tx := &Tx{
		stage:          base.clone(),
		dirtyHeaders:   make(map[uint32]struct{}),
		dirtyTxs:       make(map[chainhash.Hash]struct{}),
		dirtyHeights:   make(map[chainhash.Hash]struct{}),
		dirtyUnblinded: make(map[wire.OutPoint]struct{}),
		dirtyStatus:    make(map[string]struct{}),
	}
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.dirty() {
		return nil
	}

	err := walletdb.Update(s.db, func(dbtx walletdb.ReadWriteTx) error {
		return tx.flush(dbtx.ReadWriteBucket(namespaceKey))
	})
	if err != nil {
		s.mtx.Lock()
		s.poisoned = true
		s.mtx.Unlock()
		log.Errorf("Store flush failed, poisoning store: %v", err)
		return storeError(ErrPoisoned, "flush failed", err)
	}

	s.mtx.Lock()
	s.snap = tx.stage
	s.mtx.Unlock()
	return nil
}

// Tx is a staged mutation of the store, passed to the closure given to
// Store.Update.  It must not be retained after the closure returns.
type Tx struct {
	stage *Snapshot

	dirtyTip       bool
	dirtyIndex     bool
	dirtyHeaders   map[uint32]struct{}
	dirtyTxs       map[chainhash.Hash]struct{}
	dirtyHeights   map[chainhash.Hash]struct{}
	dirtyUnblinded map[wire.OutPoint]struct{}
	dirtyStatus    map[string]struct{}
}

// State exposes the staged snapshot for reading while mutating.  The staged
// snapshot is owned by the transaction; mutate it only through the Tx
// methods.
func (tx *Tx) State() *Snapshot {
	return tx.stage
}

func (tx *Tx) dirty() bool {
	return tx.dirtyTip || tx.dirtyIndex || len(tx.dirtyHeaders) != 0 ||
		len(tx.dirtyTxs) != 0 || len(tx.dirtyHeights) != 0 ||
		len(tx.dirtyUnblinded) != 0 || len(tx.dirtyStatus) != 0
}

// Dirty reports whether the transaction has staged any change so far.
func (tx *Tx) Dirty() bool {
	return tx.dirty()
}

// SetTip records a new chain tip, adds its header to the recent-header
// window, and prunes window entries older than headerWindow blocks.  Headers
// at heights still hosting a confirmed transaction are kept for their
// timestamps.
func (tx *Tx) SetTip(tip BlockMeta) {
	if tx.stage.Tip != nil && *tx.stage.Tip == tip {
		return
	}
	tx.stage.Tip = &tip
	tx.dirtyTip = true
	tx.AddHeader(tip)

	inUse := make(map[uint32]struct{}, len(tx.stage.Heights))
	for _, height := range tx.stage.Heights {
		if height > 0 {
			inUse[uint32(height)] = struct{}{}
		}
	}
	for height := range tx.stage.Headers {
		if height+headerWindow > tip.Height {
			continue
		}
		if _, used := inUse[height]; used {
			continue
		}
		delete(tx.stage.Headers, height)
		tx.dirtyHeaders[height] = struct{}{}
	}
}

// AddHeader records one header in the recent-header window.  Re-adding the
// stored header is a no-op, so sweeping a full pass result through here does
// not dirty an unchanged window.
func (tx *Tx) AddHeader(h BlockMeta) {
	if cur, ok := tx.stage.Headers[h.Height]; ok && cur == h {
		return
	}
	tx.stage.Headers[h.Height] = h
	tx.dirtyHeaders[h.Height] = struct{}{}
}

// RemoveHeader drops a header from the window, used when a reorg replaces a
// stored header before the new one at that height is known.
func (tx *Tx) RemoveHeader(height uint32) {
	delete(tx.stage.Headers, height)
	tx.dirtyHeaders[height] = struct{}{}
}

// PutTx inserts a transaction body.  Bodies are immutable; re-inserting the
// same txid is a no-op.
func (tx *Tx) PutTx(t *transaction.Transaction) {
	txid := t.TxHash()
	if _, ok := tx.stage.Txs[txid]; ok {
		return
	}
	tx.stage.Txs[txid] = t
	tx.dirtyTxs[txid] = struct{}{}
}

// SetHeight records the confirmation height of a known transaction.  Zero or
// negative marks it unconfirmed.
func (tx *Tx) SetHeight(txid chainhash.Hash, height int32) {
	if old, ok := tx.stage.Heights[txid]; ok && old == height {
		return
	}
	tx.stage.Heights[txid] = height
	tx.dirtyHeights[txid] = struct{}{}
}

// DeleteTx removes a transaction, its height entry, and any unblinded
// outputs it created.  Used only by reorg reconciliation for transactions
// that vanished from the chain.
func (tx *Tx) DeleteTx(txid chainhash.Hash) {
	if _, ok := tx.stage.Txs[txid]; !ok {
		return
	}
	delete(tx.stage.Txs, txid)
	tx.dirtyTxs[txid] = struct{}{}
	if _, ok := tx.stage.Heights[txid]; ok {
		delete(tx.stage.Heights, txid)
		tx.dirtyHeights[txid] = struct{}{}
	}
	for op := range tx.stage.Unblinded {
		if op.Hash == txid {
			delete(tx.stage.Unblinded, op)
			tx.dirtyUnblinded[op] = struct{}{}
		}
	}
}

// PutUnblinded records the recovered cleartext of a wallet-owned output.
func (tx *Tx) PutUnblinded(op wire.OutPoint, u *UnblindedOutput) {
	if _, ok := tx.stage.Unblinded[op]; ok {
		return
	}
	tx.stage.Unblinded[op] = u
	tx.dirtyUnblinded[op] = struct{}{}
}

// SetScriptStatus records the last server-reported status fingerprint for a
// watched script.
func (tx *Tx) SetScriptStatus(script []byte, status string) {
	key := hex.EncodeToString(script)
	if old, ok := tx.stage.ScriptStatus[key]; ok && old == status {
		return
	}
	tx.stage.ScriptStatus[key] = status
	tx.dirtyStatus[key] = struct{}{}
}

// ReserveIndex hands out the next derivation index and advances LastIndex.
func (tx *Tx) ReserveIndex() uint32 {
	idx := tx.stage.LastIndex
	tx.stage.LastIndex++
	tx.dirtyIndex = true
	return idx
}

// ExtendLastIndex raises LastIndex to next if it is ahead of the current
// value.  LastIndex never moves backwards.
func (tx *Tx) ExtendLastIndex(next uint32) {
	if next > tx.stage.LastIndex {
		tx.stage.LastIndex = next
		tx.dirtyIndex = true
	}
}

// check validates the staged state against the store invariants before
// anything is flushed.
func (tx *Tx) check() error {
	s := tx.stage

	var maxConfirmed int32
	for txid, height := range s.Heights {
		if _, ok := s.Txs[txid]; !ok {
			return storeError(ErrInvariant, fmt.Sprintf(
				"height recorded for unknown transaction %v", txid), nil)
		}
		if height > 0 {
			if _, ok := s.Headers[uint32(height)]; !ok {
				return storeError(ErrInvariant, fmt.Sprintf(
					"no header stored for confirmed height %d", height), nil)
			}
		}
		if height > maxConfirmed {
			maxConfirmed = height
		}
	}
	for txid := range s.Txs {
		if _, ok := s.Heights[txid]; !ok {
			return storeError(ErrInvariant, fmt.Sprintf(
				"transaction %v has no height entry", txid), nil)
		}
	}
	for op := range s.Unblinded {
		t, ok := s.Txs[op.Hash]
		if !ok {
			return storeError(ErrInvariant, fmt.Sprintf(
				"unblinded output %v has no transaction body", op), nil)
		}
		if int(op.Index) >= len(t.Outputs) {
			return storeError(ErrInvariant, fmt.Sprintf(
				"unblinded output %v exceeds output count %d",
				op, len(t.Outputs)), nil)
		}
	}
	if maxConfirmed > 0 {
		if s.Tip == nil || int64(s.Tip.Height) < int64(maxConfirmed) {
			return storeError(ErrInvariant, fmt.Sprintf(
				"tip below max confirmed height %d", maxConfirmed), nil)
		}
	}
	if s.Tip != nil {
		h, ok := s.Headers[s.Tip.Height]
		if !ok || h.Hash != s.Tip.Hash {
			return storeError(ErrInvariant,
				"tip header missing from window", nil)
		}
	}
	return nil
}

// flush writes every dirty entry to the database.  Entries absent from the
// staged snapshot are deleted.
func (tx *Tx) flush(ns walletdb.ReadWriteBucket) error {
	s := tx.stage

	if tx.dirtyTip {
		if err := ns.Put(rootTipHeight, keyHeight(s.Tip.Height)); err != nil {
			return err
		}
	}
	if tx.dirtyIndex {
		if err := ns.Put(rootLastIndex, keyHeight(s.LastIndex)); err != nil {
			return err
		}
	}

	b := ns.NestedReadWriteBucket(bucketHeaders)
	for height := range tx.dirtyHeaders {
		k := keyHeight(height)
		if h, ok := s.Headers[height]; ok {
			if err := b.Put(k, valueHeader(&h)); err != nil {
				return err
			}
		} else if err := b.Delete(k); err != nil {
			return err
		}
	}

	b = ns.NestedReadWriteBucket(bucketTxs)
	for txid := range tx.dirtyTxs {
		if t, ok := s.Txs[txid]; ok {
			v, err := valueTx(t)
			if err != nil {
				return err
			}
			if err := b.Put(txid[:], v); err != nil {
				return err
			}
		} else if err := b.Delete(txid[:]); err != nil {
			return err
		}
	}

	b = ns.NestedReadWriteBucket(bucketHeights)
	for txid := range tx.dirtyHeights {
		if height, ok := s.Heights[txid]; ok {
			if err := b.Put(txid[:], valueHeight(height)); err != nil {
				return err
			}
		} else if err := b.Delete(txid[:]); err != nil {
			return err
		}
	}

	b = ns.NestedReadWriteBucket(bucketUnblinded)
	for op := range tx.dirtyUnblinded {
		op := op
		k := keyOutPoint(&op)
		if u, ok := s.Unblinded[op]; ok {
			if err := b.Put(k, valueUnblinded(u)); err != nil {
				return err
			}
		} else if err := b.Delete(k); err != nil {
			return err
		}
	}

	b = ns.NestedReadWriteBucket(bucketStatus)
	for key := range tx.dirtyStatus {
		script, err := hex.DecodeString(key)
		if err != nil {
			return err
		}
		if err := b.Put(script, []byte(s.ScriptStatus[key])); err != nil {
			return err
		}
	}

	return nil
}
