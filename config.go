// Copyright (c) 2023-2024 The elwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/elementsuite/elwallet/chain"
	"github.com/elementsuite/elwallet/netparams"
)

const (
	defaultConfigFilename = "elwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "elwallet.log"
	defaultGapLimit       = 20
	defaultSyncIntervalS  = 60
)

var (
	elwalletHomeDir   = btcutil.AppDataDir("elwallet", false)
	defaultConfigFile = filepath.Join(elwalletHomeDir, defaultConfigFilename)
	defaultDataDir    = elwalletHomeDir
	defaultLogDir     = filepath.Join(elwalletHomeDir, defaultLogDirname)
)

// activeNet is the network the daemon runs on, selected by loadConfig.
var activeNet = &netparams.MainNetParams

type config struct {
	// General application behavior
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion    bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store wallet databases"`
	TestNet        bool   `long:"testnet" description:"Use the Liquid test network (default mainnet)"`
	RegressionTest bool   `long:"regtest" description:"Use a local Elements regression network (default mainnet)"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	LogDir         string `long:"logdir" description:"Directory to log output"`

	// Wallet options
	Descriptor   string `long:"descriptor" description:"Confidential output descriptor the wallet watches, e.g. ct(slip77(...),elwpkh(xpub.../0/*))"`
	GapLimit     uint32 `long:"gaplimit" description:"Unused address indices probed past the last used index during sync"`
	SyncInterval uint32 `long:"syncinterval" description:"Seconds between sync passes"`

	// Backend options
	ElectrumServer string `short:"e" long:"electrum" description:"Electrum server URL, tcp://host:port or ssl://host:port (default the network's public Blockstream server)"`
	RPCConnect     string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of an elementsd RPC server to use instead of an Electrum server (tip and broadcast only)"`
	RPCUser        string `short:"u" long:"rpcuser" description:"Username for elementsd authentication"`
	RPCPass        string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for elementsd authentication"`
	ZMQConnect     string `long:"zmqconnect" description:"ZMQ hashblock endpoint of elementsd, e.g. tcp://127.0.0.1:28332"`

	// One-shot operations
	PrintAddress bool `long:"address" description:"Derive and print the next receive address, then exit"`
	PrintBalance bool `long:"balance" description:"Run one sync pass, print balances by asset, then exit"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(elwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		DebugLevel:   defaultLogLevel,
		LogDir:       defaultLogDir,
		GapLimit:     defaultGapLimit,
		SyncInterval: defaultSyncIntervalS,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		appName := filepath.Base(os.Args[0])
		appName = strings.TrimSuffix(appName, filepath.Ext(appName))
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		// Missing config file is fine; defaults plus CLI flags apply.
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet {
		activeNet = &netparams.TestNetParams
		numNets++
	}
	if cfg.RegressionTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		err := fmt.Errorf("loadConfig: the testnet and regtest params " +
			"can't be used together -- choose one")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNet.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if cfg.Descriptor == "" {
		err := fmt.Errorf("loadConfig: no wallet descriptor configured " +
			"-- use --descriptor or set descriptor= in the config file")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.ElectrumServer != "" && cfg.RPCConnect != "" {
		err := fmt.Errorf("loadConfig: --electrum and --rpcconnect are " +
			"mutually exclusive")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.RPCConnect != "" {
		cfg.RPCConnect, err = ensurePort(cfg.RPCConnect, activeNet.RPCPort)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		if cfg.RPCUser == "" || cfg.RPCPass == "" {
			err := fmt.Errorf("loadConfig: --rpcconnect requires " +
				"--rpcuser and --rpcpass")
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	} else {
		if cfg.ElectrumServer == "" {
			cfg.ElectrumServer = activeNet.DefaultElectrumServer
		}
		// Reject malformed URLs now rather than at first connect.
		if _, err := chain.ParseElectrumURL(cfg.ElectrumServer); err != nil {
			err := fmt.Errorf("loadConfig: %v", err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	return &cfg, remainingArgs, nil
}

// ensurePort appends the default port when addr has none.
func ensurePort(addr, port string) (string, error) {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	addr = net.JoinHostPort(addr, port)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("loadConfig: invalid address %q: %v", addr, err)
	}
	return addr, nil
}
