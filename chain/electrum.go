// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/netparams"
)

const (
	// pingInterval is how often the client pings the server to keep the
	// connection alive and detect stalls.
	pingInterval = 10 * time.Second

	// dialTimeout bounds the TCP/TLS connection establishment.
	dialTimeout = 10 * time.Second

	// writeTimeout bounds each request write.
	writeTimeout = 7 * time.Second

	// maxMessageSize caps a single line read from the server.  Raw
	// transactions for large blocks fit comfortably below this.
	maxMessageSize = 1 << 22

	newline = byte('\n')
)

type jsonRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcError represents a JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("code %d: %q", e.Code, e.Message)
}

type jsonResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"` // notifications only
	Params json.RawMessage `json:"params,omitempty"` // notifications only
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// ElectrumConfig holds the parameters needed to connect an ElectrumClient.
type ElectrumConfig struct {
	// URL is the server endpoint.
	URL *ElectrumURL

	// Net is the network the wallet expects the server to be indexing.
	Net *netparams.Params
}

// ElectrumClient speaks the Electrum wire protocol (newline-delimited
// JSON-RPC over TCP or TLS) to an Elements Electrum server.  It is a single
// use type: once the connection drops the client must be replaced, there is
// no automatic reconnection.  Use ConnectElectrum to construct one.
//
// ElectrumClient implements the Backend interface.
type ElectrumClient struct {
	cfg    ElectrumConfig
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	proto  string

	reqID uint64

	respMtx      sync.Mutex
	respHandlers map[uint64]chan *jsonResponse

	// headerNtfns receives the raw params of headers.subscribe
	// notifications from the read loop.
	headerNtfns chan json.RawMessage

	tipMtx sync.Mutex
	tip    *BlockHeader

	subMtx     sync.Mutex
	subscribed map[string]struct{}
}

// Compile time check to ensure ElectrumClient implements Backend.
var _ Backend = (*ElectrumClient)(nil)

// ConnectElectrum connects to the Electrum server described by the config,
// negotiates the protocol version, and subscribes for header notifications
// so the tip is tracked for the lifetime of the connection.  Cancel the
// passed context or call Shutdown to terminate the connection, then receive
// on Done for a clean teardown.
func ConnectElectrum(ctx context.Context,
	cfg ElectrumConfig) (*ElectrumClient, error) {

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()
	conn, err := new(net.Dialer).DialContext(dialCtx, "tcp", cfg.URL.Host)
	if err != nil {
		return nil, backendError(ErrTransport, "dial electrum server", err)
	}

	if cfg.URL.TLS {
		host, _, _ := net.SplitHostPort(cfg.URL.Host)
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, backendError(ErrTransport, "tls handshake", err)
		}
		conn = tlsConn
	}

	c := &ElectrumClient{
		cfg:          cfg,
		conn:         conn,
		done:         make(chan struct{}),
		respHandlers: make(map[uint64]chan *jsonResponse),
		headerNtfns:  make(chan json.RawMessage, 16),
		subscribed:   make(map[string]struct{}),
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.proto, err = c.negotiateVersion()
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.Debugf("Connected to electrum server %s, protocol %s",
		cfg.URL.Host, c.proto)

	go c.listen(ctx)
	go c.pinger(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
		close(c.done)
	}()

	// Subscribing for headers both primes the tip and keeps it fresh
	// through notifications for the life of the connection.
	var sub struct {
		Height int32  `json:"height"`
		Hex    string `json:"hex"`
	}
	err = c.request(ctx, "blockchain.headers.subscribe", nil, &sub)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	tip, err := decodeHeaderHex(sub.Hex)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.tipMtx.Lock()
	c.tip = tip
	c.tipMtx.Unlock()

	return c, nil
}

// Shutdown begins tearing down the connection.  Receive on the channel from
// Done to wait for teardown to complete.
func (c *ElectrumClient) Shutdown() {
	c.cancel()
}

// Done returns a channel that is closed once the connection is closed and
// all pending requests have been unblocked.
func (c *ElectrumClient) Done() <-chan struct{} {
	return c.done
}

// Network returns the network parameters the client was configured for.
func (c *ElectrumClient) Network() *netparams.Params {
	return c.cfg.Net
}

func (c *ElectrumClient) nextID() uint64 {
	return atomic.AddUint64(&c.reqID, 1)
}

func (c *ElectrumClient) send(msg []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(msg)
	return err
}

// negotiateVersion runs the mandatory server.version exchange.  It is called
// before the read loop starts, so it reads the response inline.
func (c *ElectrumClient) negotiateVersion() (string, error) {
	msg, err := json.Marshal(&jsonRequest{
		JSONRPC: "2.0",
		ID:      c.nextID(),
		Method:  "server.version",
		Params:  []interface{}{"elwallet", "1.4"},
	})
	if err != nil {
		return "", err
	}
	if err := c.send(append(msg, newline)); err != nil {
		return "", backendError(ErrTransport, "send server.version", err)
	}

	err = c.conn.SetReadDeadline(time.Now().Add(dialTimeout))
	if err != nil {
		return "", backendError(ErrTransport, "set read deadline", err)
	}
	reader := bufio.NewReader(io.LimitReader(c.conn, maxMessageSize))
	raw, err := reader.ReadBytes(newline)
	if err != nil {
		return "", backendError(ErrTransport, "read server.version", err)
	}

	var resp jsonResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", backendError(ErrProtocol, "decode server.version", err)
	}
	if resp.Error != nil {
		return "", backendError(ErrRPC, "server.version", resp.Error)
	}
	var vers []string // [software version, protocol version]
	if err := json.Unmarshal(resp.Result, &vers); err != nil || len(vers) != 2 {
		return "", backendError(ErrProtocol,
			"unexpected server.version result", err)
	}
	return vers[1], nil
}

// listen is the read loop.  It dispatches responses to their requesters and
// header notifications to headerNtfns.  Only listen closes the response
// channels, and only after the read loop has finished.
func (c *ElectrumClient) listen(ctx context.Context) {
	defer c.cancelRequests()

	// The scanner bounds individual messages; the connection itself is
	// unbounded.  A single line past maxMessageSize fails the scan and
	// terminates the connection.
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				log.Debugf("Electrum read loop terminated: %v", err)
			}
			c.cancel()
			return
		}
		// The scanner reuses its buffer on the next Scan, and both
		// requesters and the notification queue hold the message past
		// this iteration.
		raw := append([]byte(nil), scanner.Bytes()...)

		var resp jsonResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Warnf("Undecodable electrum message: %v", err)
			continue
		}

		if resp.Method != "" { // notification
			if resp.Method == "blockchain.headers.subscribe" {
				queueLatest(c.headerNtfns, resp.Params)
			}
			continue
		}

		ch := c.responseChan(resp.ID)
		if ch == nil {
			log.Debugf("Response for unknown request id %d", resp.ID)
			continue
		}
		ch <- &resp // buffered and single use, cannot block
	}
}

// queueLatest delivers params without blocking, evicting the oldest queued
// notification when the buffer is full.  Tip only ever wants the most recent
// one.  The read loop is the sole sender, so the retry cannot race another
// producer.
func queueLatest(ch chan json.RawMessage, params json.RawMessage) {
	select {
	case ch <- params:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- params:
	default:
	}
}

func (c *ElectrumClient) pinger(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		// The read loop would otherwise wait forever on a dead
		// connection; the deadline is pushed forward one ping at a
		// time.
		err := c.conn.SetReadDeadline(
			time.Now().Add(pingInterval * 5 / 4))
		if err != nil {
			c.cancel()
			return
		}
		if err := c.request(ctx, "server.ping", nil, nil); err != nil {
			c.cancel()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *ElectrumClient) registerRequest(id uint64) chan *jsonResponse {
	ch := make(chan *jsonResponse, 1)
	c.respMtx.Lock()
	c.respHandlers[id] = ch
	c.respMtx.Unlock()
	return ch
}

func (c *ElectrumClient) responseChan(id uint64) chan *jsonResponse {
	c.respMtx.Lock()
	defer c.respMtx.Unlock()
	ch := c.respHandlers[id]
	delete(c.respHandlers, id)
	return ch
}

func (c *ElectrumClient) cancelRequests() {
	c.respMtx.Lock()
	defer c.respMtx.Unlock()
	for id, ch := range c.respHandlers {
		close(ch) // requester receives nil immediately
		delete(c.respHandlers, id)
	}
}

// request performs one JSON-RPC call and unmarshals the result into result
// unless it is nil.
func (c *ElectrumClient) request(ctx context.Context, method string,
	params []interface{}, result interface{}) error {

	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID()
	msg, err := json.Marshal(&jsonRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	ch := c.registerRequest(id)
	if err := c.send(append(msg, newline)); err != nil {
		c.cancel()
		return backendError(ErrTransport, "send "+method, err)
	}

	var resp *jsonResponse
	select {
	case <-ctx.Done():
		return backendError(ErrTransport, method, ctx.Err())
	case resp = <-ch:
	}
	if resp == nil { // channel closed, connection gone
		return backendError(ErrTransport, method,
			errors.New("connection terminated"))
	}
	if resp.Error != nil {
		return backendError(ErrRPC, method, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return backendError(ErrProtocol,
				"decode "+method+" result", err)
		}
	}
	return nil
}

// scriptHash returns the Electrum status-hash form of a script: the single
// sha256 of the script bytes in reversed hex.
func scriptHash(script []byte) string {
	h := chainhash.Hash(sha256.Sum256(script))
	return h.String()
}

// Tip returns the most recent header announced by the server.
func (c *ElectrumClient) Tip(ctx context.Context) (*BlockHeader, error) {
	// Drain queued notifications; only the latest one matters.
	var latest json.RawMessage
drain:
	for {
		select {
		case params := <-c.headerNtfns:
			latest = params
		default:
			break drain
		}
	}
	if latest != nil {
		// The notification payload is a one-element params array.
		var ntfns []struct {
			Height int32  `json:"height"`
			Hex    string `json:"hex"`
		}
		if err := json.Unmarshal(latest, &ntfns); err != nil || len(ntfns) == 0 {
			return nil, backendError(ErrProtocol,
				"decode header notification", err)
		}
		tip, err := decodeHeaderHex(ntfns[len(ntfns)-1].Hex)
		if err != nil {
			return nil, err
		}
		c.tipMtx.Lock()
		c.tip = tip
		c.tipMtx.Unlock()
	}

	c.tipMtx.Lock()
	defer c.tipMtx.Unlock()
	if c.tip == nil {
		return nil, backendError(ErrTransport, "tip",
			errors.New("no header received yet"))
	}
	tip := *c.tip
	return &tip, nil
}

// SubscribeScript watches the script on the server and returns its status
// fingerprint.  Re-subscribing on the same connection is answered locally by
// recomputing the status from history, since servers disagree on whether a
// duplicate subscription is an error.
func (c *ElectrumClient) SubscribeScript(ctx context.Context,
	script []byte) (string, error) {

	sh := scriptHash(script)

	c.subMtx.Lock()
	_, already := c.subscribed[sh]
	c.subMtx.Unlock()

	if !already {
		var status *string
		err := c.request(ctx, "blockchain.scripthash.subscribe",
			[]interface{}{sh}, &status)
		if err == nil {
			c.subMtx.Lock()
			c.subscribed[sh] = struct{}{}
			c.subMtx.Unlock()
			if status == nil {
				return "", nil
			}
			return *status, nil
		}
		if !IsKind(err, ErrRPC) {
			return "", err
		}
		// Fall through: treat a server-side "already subscribed" (or
		// similar) as a refresh.
	}

	history, err := c.scriptHistory(ctx, sh)
	if err != nil {
		return "", err
	}
	return statusFromHistory(history), nil
}

// statusFromHistory computes the Electrum status fingerprint of a history:
// the sha256 over the "txid:height:" concatenation, in plain (not reversed)
// hex, or the empty string for an empty history.
func statusFromHistory(history []History) string {
	if len(history) == 0 {
		return ""
	}
	sorted := make([]History, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := sorted[i].Height, sorted[j].Height
		// Unconfirmed entries sort last.
		if hi <= 0 {
			return false
		}
		if hj <= 0 {
			return true
		}
		return hi < hj
	})

	var buf []byte
	for _, h := range sorted {
		buf = append(buf, h.TxID.String()...)
		buf = append(buf, fmt.Sprintf(":%d:", h.Height)...)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int32  `json:"height"`
}

func (c *ElectrumClient) scriptHistory(ctx context.Context,
	scripthash string) ([]History, error) {

	var items []historyItem
	err := c.request(ctx, "blockchain.scripthash.get_history",
		[]interface{}{scripthash}, &items)
	if err != nil {
		return nil, err
	}

	history := make([]History, 0, len(items))
	for _, item := range items {
		txid, err := chainhash.NewHashFromStr(item.TxHash)
		if err != nil {
			return nil, backendError(ErrProtocol,
				"bad txid in history", err)
		}
		history = append(history, History{TxID: *txid, Height: item.Height})
	}
	return history, nil
}

// Histories returns each script's history, one list per script, in order.
func (c *ElectrumClient) Histories(ctx context.Context,
	scripts [][]byte) ([][]History, error) {

	result := make([][]History, 0, len(scripts))
	for _, script := range scripts {
		history, err := c.scriptHistory(ctx, scriptHash(script))
		if err != nil {
			return nil, err
		}
		result = append(result, history)
	}
	return result, nil
}

// Transactions fetches the full transactions for the given ids.  Any id
// unknown to the server fails the whole call.
func (c *ElectrumClient) Transactions(ctx context.Context,
	txids []chainhash.Hash) ([]*transaction.Transaction, error) {

	txs := make([]*transaction.Transaction, 0, len(txids))
	for i := range txids {
		var txHex string
		err := c.request(ctx, "blockchain.transaction.get",
			[]interface{}{txids[i].String()}, &txHex)
		if err != nil {
			return nil, err
		}
		tx, err := transaction.NewTxFromHex(txHex)
		if err != nil {
			return nil, backendError(ErrProtocol,
				"undecodable transaction "+txids[i].String(), err)
		}
		if tx.TxHash() != txids[i] {
			return nil, backendError(ErrProtocol,
				"server returned wrong transaction for "+
					txids[i].String(), nil)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Headers fetches the headers at the given heights, in order.
func (c *ElectrumClient) Headers(ctx context.Context,
	heights []uint32) ([]*BlockHeader, error) {

	headers := make([]*BlockHeader, 0, len(heights))
	for _, height := range heights {
		var headerHex string
		err := c.request(ctx, "blockchain.block.header",
			[]interface{}{height}, &headerHex)
		if err != nil {
			return nil, err
		}
		header, err := decodeHeaderHex(headerHex)
		if err != nil {
			return nil, err
		}
		if header.Height != height {
			return nil, backendError(ErrProtocol, fmt.Sprintf(
				"requested header %d, got %d", height,
				header.Height), nil)
		}
		headers = append(headers, header)
	}
	return headers, nil
}

// Broadcast submits the transaction and returns its txid as confirmed by
// the server.
func (c *ElectrumClient) Broadcast(ctx context.Context,
	tx *transaction.Transaction) (chainhash.Hash, error) {

	txHex, err := tx.ToHex()
	if err != nil {
		return chainhash.Hash{}, err
	}
	var txidStr string
	err = c.request(ctx, "blockchain.transaction.broadcast",
		[]interface{}{txHex}, &txidStr)
	if err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, backendError(ErrProtocol,
			"bad txid in broadcast result", err)
	}
	if *txid != tx.TxHash() {
		return chainhash.Hash{}, backendError(ErrProtocol,
			"server acknowledged a different txid", nil)
	}
	return *txid, nil
}

func decodeHeaderHex(headerHex string) (*BlockHeader, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, backendError(ErrProtocol, "bad header hex", err)
	}
	header, err := parseHeader(raw)
	if err != nil {
		return nil, backendError(ErrProtocol, "bad header", err)
	}
	return header, nil
}
