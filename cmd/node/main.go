package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"safenet/internal/errs"
	"safenet/internal/logger"
	"safenet/internal/xor"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 invalid
// configuration, 3 bootstrap failure.
const (
	exitRuntime   = 1
	exitConfig    = 2
	exitBootstrap = 3
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfig)
	}

	logger.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		logger.Error("node failed", "error", err)

		switch {
		case errors.Is(err, errs.ErrConfig):
			os.Exit(exitConfig)
		case errors.Is(err, errBootstrap):
			os.Exit(exitBootstrap)
		default:
			os.Exit(exitRuntime)
		}
	}
}

// errBootstrap marks a failure to reach or join the network at start.
var errBootstrap = errors.New("bootstrap failed")

// run is the main entry point with error handling.
func run(cfg *Config) error {
	if err := cfg.loadIdentity(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo logs the node configuration at startup.
func printStartupInfo(cfg *Config) {
	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting node",
		"name", xor.NameFromBytes(pub),
		"listen", cfg.ListenAddr,
		"storage", cfg.StorageRoot,
		"contacts", len(cfg.BootstrapContacts),
	)
}
