// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/ticker"

	"github.com/elementsuite/elwallet/chain"
	"github.com/elementsuite/elwallet/descriptor"
	"github.com/elementsuite/elwallet/wallet"
	"github.com/elementsuite/elwallet/wstore"
)

func main() {
	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())
	log.Infof("Network: %s", activeNet.Name)

	desc, err := descriptor.Parse(cfg.Descriptor, activeNet)
	if err != nil {
		log.Errorf("Invalid descriptor: %v", err)
		return err
	}

	// Each (descriptor, network) pair gets its own database, so one data
	// directory can serve several wallets.
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Errorf("Cannot create data directory: %v", err)
		return err
	}
	dbPath := filepath.Join(cfg.DataDir, desc.ID()[:12]+".db")
	store, err := wstore.Open(dbPath)
	if err != nil {
		log.Errorf("Cannot open wallet database %s: %v", dbPath, err)
		return err
	}
	defer store.Close()

	w, err := wallet.New(desc, store, wallet.Config{GapLimit: cfg.GapLimit})
	if err != nil {
		log.Errorf("Cannot construct wallet: %v", err)
		return err
	}

	if cfg.PrintAddress {
		derived, err := w.NewAddress()
		if err != nil {
			log.Errorf("Cannot derive address: %v", err)
			return err
		}
		fmt.Println(derived.Address)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	addInterruptHandler(cancel)

	// The elementsd RPC interface has no address index, so it can serve
	// tip tracking and broadcasting but not a full history sync.
	rpcOnly := cfg.RPCConnect != ""

	var backend chain.Backend
	if rpcOnly {
		backend = chain.NewRPCClient(chain.RPCConfig{
			Host: cfg.RPCConnect,
			User: cfg.RPCUser,
			Pass: cfg.RPCPass,
			Net:  activeNet,
		})
		log.Warnf("Node RPC backend configured: running in tip-tracking " +
			"mode, histories require an Electrum server")
	} else {
		url, err := chain.ParseElectrumURL(cfg.ElectrumServer)
		if err != nil {
			return err
		}
		ec, err := chain.ConnectElectrum(ctx, chain.ElectrumConfig{
			URL: url,
			Net: activeNet,
		})
		if err != nil {
			log.Errorf("Cannot connect to electrum server %s: %v",
				url.Host, err)
			return err
		}
		defer func() {
			ec.Shutdown()
			<-ec.Done()
		}()
		backend = ec
	}

	if cfg.PrintBalance {
		if rpcOnly {
			err := fmt.Errorf("--balance requires an electrum backend")
			log.Error(err)
			return err
		}
		if _, err := w.Sync(ctx, backend); err != nil {
			log.Errorf("Sync failed: %v", err)
			return err
		}
		balance, err := w.Balance()
		if err != nil {
			return err
		}
		for asset, value := range balance {
			fmt.Printf("%v: %d\n", asset, value)
		}
		return nil
	}

	// Block notifications make the RPC-only tip loop event driven instead
	// of purely periodic.
	var blockNtfns <-chan interface{}
	if rpcOnly && cfg.ZMQConnect != "" {
		notifier, err := chain.NewBlockNotifier(cfg.ZMQConnect)
		if err != nil {
			log.Errorf("Cannot subscribe to ZMQ block events: %v", err)
			return err
		}
		notifier.Start()
		defer notifier.Stop()

		ch := make(chan interface{})
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case hash := <-notifier.Notifications():
					log.Debugf("New block %v", hash)
					select {
					case ch <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		blockNtfns = ch
	}

	syncOnce := func() {
		if rpcOnly {
			if err := w.SyncTip(ctx, backend); err != nil {
				log.Warnf("Tip refresh failed: %v", err)
			}
			return
		}
		changed, err := w.Sync(ctx, backend)
		if err != nil {
			log.Warnf("Sync failed: %v", err)
			return
		}
		if changed {
			logBalances(w)
		}
	}

	syncOnce()
	syncTicker := ticker.New(time.Duration(cfg.SyncInterval) * time.Second)
	syncTicker.Resume()
	defer syncTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-syncTicker.Ticks():
				syncOnce()
			case <-blockNtfns:
				syncOnce()
			}
		}
	}()

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

func logBalances(w *wallet.Wallet) {
	balance, err := w.Balance()
	if err != nil {
		log.Warnf("Cannot read balance: %v", err)
		return
	}
	tip, err := w.Tip()
	if err != nil || tip == nil {
		return
	}
	for asset, value := range balance {
		log.Infof("Balance at height %d: %v = %d", tip.Height, asset, value)
	}
}
