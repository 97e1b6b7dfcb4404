// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

const (
	// hashBlockZMQCommand is the zmqpubhashblock topic published by
	// elementsd when a new block is connected.
	hashBlockZMQCommand = "hashblock"

	// seqNumLen is the length of the sequence number trailing each ZMQ
	// message part set.
	seqNumLen = 4

	defaultZMQReadDeadline = 5 * time.Second
)

// BlockNotifier subscribes to an elementsd zmqpubhashblock endpoint and
// reports the hash of every newly connected block.  It exists so an
// RPCClient-backed wallet can sync on block arrival instead of polling.
type BlockNotifier struct {
	conn *gozmq.Conn

	ntfns chan chainhash.Hash

	wg      sync.WaitGroup
	quit    chan struct{}
	started bool
}

// NewBlockNotifier connects to the given ZMQ host, for example
// "tcp://127.0.0.1:28332".
func NewBlockNotifier(zmqHost string) (*BlockNotifier, error) {
	conn, err := gozmq.Subscribe(zmqHost,
		[]string{hashBlockZMQCommand}, defaultZMQReadDeadline)
	if err != nil {
		return nil, backendError(ErrTransport,
			"subscribe for zmq block events", err)
	}

	return &BlockNotifier{
		conn:  conn,
		ntfns: make(chan chainhash.Hash, 8),
		quit:  make(chan struct{}),
	}, nil
}

// Start spins off the notification handler.
func (b *BlockNotifier) Start() {
	if b.started {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.blockEventHandler()
}

// Stop closes the ZMQ connection and waits for the handler to exit.
func (b *BlockNotifier) Stop() error {
	err := b.conn.Close()
	close(b.quit)
	b.wg.Wait()
	return err
}

// Notifications returns the channel on which new block hashes are delivered.
// Slow consumers may miss hashes; each delivery only means the chain moved.
func (b *BlockNotifier) Notifications() <-chan chainhash.Hash {
	return b.ntfns
}

// blockEventHandler reads hashblock events from the ZMQ socket.
//
// NOTE: This must be run as a goroutine.
func (b *BlockNotifier) blockEventHandler() {
	defer b.wg.Done()

	log.Infof("Started listening for block notifications via ZMQ on %s",
		b.conn.RemoteAddr())

	var (
		command [len(hashBlockZMQCommand)]byte
		seqNum  [seqNumLen]byte
		data    [chainhash.HashSize]byte
	)

	for {
		select {
		case <-b.quit:
			return
		default:
		}

		bufs, err := b.conn.Receive(
			[][]byte{command[:], data[:], seqNum[:]})
		if err != nil {
			// EOF is only returned once the connection has been
			// closed by Stop.
			if err == io.EOF {
				return
			}

			// Read deadlines fire regularly on a quiet chain.
			netErr, ok := err.(net.Error)
			if ok && netErr.Timeout() {
				continue
			}

			log.Errorf("Unable to receive ZMQ %v message: %v",
				hashBlockZMQCommand, err)
			continue
		}

		if string(bufs[0]) != hashBlockZMQCommand {
			log.Warnf("Unexpected ZMQ topic %q", bufs[0])
			continue
		}
		blockHash, err := chainhash.NewHash(bufs[1])
		if err != nil {
			log.Errorf("Invalid block hash in ZMQ event: %v", err)
			continue
		}

		select {
		case b.ntfns <- *blockHash:
		case <-b.quit:
			return
		default:
			// Dropping is fine, a pending delivery already tells
			// the consumer the chain moved.
		}
	}
}
