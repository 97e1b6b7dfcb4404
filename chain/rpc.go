// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/vulpemventures/go-elements/transaction"

	"github.com/elementsuite/elwallet/netparams"
)

// RPCConfig holds the parameters needed to connect an RPCClient to an
// elementsd node.
type RPCConfig struct {
	// Host is the host:port of the node's JSON-RPC listener.
	Host string

	// User and Pass are the node's rpcuser/rpcpassword credentials.
	User string
	Pass string

	// Net is the network the wallet expects the node to be on.
	Net *netparams.Params

	// Timeout bounds each RPC round trip.  Zero means a 30 second
	// default.
	Timeout time.Duration
}

// RPCClient talks JSON-RPC over HTTP to a trusted elementsd node.  The node
// has no address index, so the script subscription and history operations
// report ErrUnsupported; callers needing those must use an Electrum backend
// or pair the client with ZMQ notifications and their own scanning.
//
// RPCClient implements the Backend interface.
type RPCClient struct {
	cfg    RPCConfig
	client *http.Client
	url    string
	reqID  uint64
}

var _ Backend = (*RPCClient)(nil)

// NewRPCClient returns a client for the configured node.  No connection is
// made until the first call.
func NewRPCClient(cfg RPCConfig) *RPCClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RPCClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		url:    "http://" + cfg.Host,
	}
}

// Network returns the network parameters the client was configured for.
func (c *RPCClient) Network() *netparams.Params {
	return c.cfg.Net
}

func (c *RPCClient) call(ctx context.Context, method string,
	params []interface{}, result interface{}) error {

	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(&jsonRequest{
		JSONRPC: "1.0",
		ID:      atomic.AddUint64(&c.reqID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url,
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Pass)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return backendError(ErrTransport, method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxMessageSize))
	if err != nil {
		return backendError(ErrTransport, "read "+method+" response", err)
	}

	var resp jsonResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Auth failures and proxies produce non-JSON bodies.
		if httpResp.StatusCode != http.StatusOK {
			return backendError(ErrTransport, method, fmt.Errorf(
				"http status %s", httpResp.Status))
		}
		return backendError(ErrProtocol, "decode "+method+" response", err)
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

// Tip returns the node's current best header.
func (c *RPCClient) Tip(ctx context.Context) (*BlockHeader, error) {
	var bestHash string
	if err := c.call(ctx, "getbestblockhash", nil, &bestHash); err != nil {
		return nil, err
	}
	return c.headerByHash(ctx, bestHash)
}

func (c *RPCClient) headerByHash(ctx context.Context,
	blockHash string) (*BlockHeader, error) {

	var headerHex string
	err := c.call(ctx, "getblockheader",
		[]interface{}{blockHash, false}, &headerHex)
	if err != nil {
		return nil, err
	}
	return decodeHeaderHex(headerHex)
}

// SubscribeScript is not available over the node RPC interface.
func (c *RPCClient) SubscribeScript(ctx context.Context,
	script []byte) (string, error) {

	return "", backendError(ErrUnsupported,
		"script subscription requires an electrum backend", nil)
}

// Histories is not available over the node RPC interface; the node keeps no
// address index.
func (c *RPCClient) Histories(ctx context.Context,
	scripts [][]byte) ([][]History, error) {

	return nil, backendError(ErrUnsupported,
		"script histories require an electrum backend", nil)
}

// Transactions fetches the full transactions for the given ids.  The node
// must run with txindex=1 for transactions outside the wallet's own blocks.
func (c *RPCClient) Transactions(ctx context.Context,
	txids []chainhash.Hash) ([]*transaction.Transaction, error) {

	txs := make([]*transaction.Transaction, 0, len(txids))
	for i := range txids {
		var txHex string
		err := c.call(ctx, "getrawtransaction",
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
				"node returned wrong transaction for "+
					txids[i].String(), nil)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// Headers fetches the headers at the given heights, in order.
func (c *RPCClient) Headers(ctx context.Context,
	heights []uint32) ([]*BlockHeader, error) {

	headers := make([]*BlockHeader, 0, len(heights))
	for _, height := range heights {
		var blockHash string
		err := c.call(ctx, "getblockhash",
			[]interface{}{height}, &blockHash)
		if err != nil {
			return nil, err
		}
		header, err := c.headerByHash(ctx, blockHash)
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
// the node.
func (c *RPCClient) Broadcast(ctx context.Context,
	tx *transaction.Transaction) (chainhash.Hash, error) {

	txHex, err := tx.ToHex()
	if err != nil {
		return chainhash.Hash{}, err
	}
	var txidStr string
	err = c.call(ctx, "sendrawtransaction", []interface{}{txHex}, &txidStr)
	if err != nil {
		return chainhash.Hash{}, err
	}
	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return chainhash.Hash{}, backendError(ErrProtocol,
			"bad txid in sendrawtransaction result", err)
	}
	return *txid, nil
}
