package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"safenet/internal/errs"
	"safenet/internal/quorum"
)

// Config holds the node configuration.
type Config struct {
	// ListenAddr is the QUIC listen address.
	ListenAddr string

	// BootstrapContacts are comma-separated addresses of existing
	// nodes. Empty starts a fresh network.
	BootstrapContacts []string

	// StorageRoot is the directory for all persistent state.
	StorageRoot string

	// StorageCapacityBytes is the chunk store capacity.
	StorageCapacityBytes uint64

	// IdleTimeout closes silent connections.
	IdleTimeout time.Duration

	// MaxConcurrentStreams bounds streams per connection.
	MaxConcurrentStreams int64

	// KeepAlive is the QUIC ping period.
	KeepAlive time.Duration

	// ElderCount is the voting member count per section.
	ElderCount int

	// ReplicationFactor is the holder count per chunk.
	ReplicationFactor int

	// MinSectionSize is the member floor before a merge.
	MinSectionSize int

	// MaxSectionSize is the member cap before a split.
	MaxSectionSize int

	// JoinDifficulty is the resource-proof hardness in bits.
	JoinDifficulty int

	// LogLevel selects the minimum log level.
	LogLevel string

	// PrivateKey is the node's ed25519 identity key, loaded by
	// loadIdentity.
	PrivateKey ed25519.PrivateKey

	// BLSKey is the node's BLS share key, loaded by loadIdentity.
	BLSKey *quorum.KeyPair
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("node", flag.ContinueOnError)

	var contacts string
	var idleMs, keepAliveMs uint64

	fs.StringVar(&cfg.ListenAddr, "listen-addr", ":9000", "QUIC listen address")
	fs.StringVar(&contacts, "bootstrap-contacts", "", "comma-separated addresses of existing nodes")
	fs.StringVar(&cfg.StorageRoot, "storage-root", "./data", "persistent state directory")
	fs.Uint64Var(&cfg.StorageCapacityBytes, "storage-capacity-bytes", 8<<30, "chunk store capacity in bytes")
	fs.Uint64Var(&idleMs, "idle-timeout-ms", 120_000, "connection idle timeout in milliseconds")
	fs.Int64Var(&cfg.MaxConcurrentStreams, "max-concurrent-streams", 0, "streams per connection, 0 for the QUIC default")
	fs.Uint64Var(&keepAliveMs, "keep-alive-ms", 10_000, "QUIC keep-alive period in milliseconds")
	fs.IntVar(&cfg.ElderCount, "elder-count", 7, "voting members per section")
	fs.IntVar(&cfg.ReplicationFactor, "replication-factor", 4, "holders per chunk")
	fs.IntVar(&cfg.MinSectionSize, "min-section-size", 8, "member floor before a merge")
	fs.IntVar(&cfg.MaxSectionSize, "max-section-size", 16, "member cap before a split")
	fs.IntVar(&cfg.JoinDifficulty, "join-difficulty", 8, "resource-proof leading zero bits")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "minimum log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}

	if contacts != "" {
		for _, c := range strings.Split(contacts, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.BootstrapContacts = append(cfg.BootstrapContacts, c)
			}
		}
	}

	cfg.IdleTimeout = time.Duration(idleMs) * time.Millisecond
	cfg.KeepAlive = time.Duration(keepAliveMs) * time.Millisecond

	return cfg, cfg.validate()
}

// validate checks the configuration for contradictions.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen address is required", errs.ErrConfig)
	}

	if c.StorageRoot == "" {
		return fmt.Errorf("%w: storage root is required", errs.ErrConfig)
	}

	if c.StorageCapacityBytes == 0 {
		return fmt.Errorf("%w: storage capacity must be positive", errs.ErrConfig)
	}

	if c.ElderCount < 1 {
		return fmt.Errorf("%w: elder count must be at least 1", errs.ErrConfig)
	}

	if c.ReplicationFactor < 1 {
		return fmt.Errorf("%w: replication factor must be at least 1", errs.ErrConfig)
	}

	if c.MinSectionSize < c.ElderCount {
		return fmt.Errorf("%w: min section size %d below elder count %d",
			errs.ErrConfig, c.MinSectionSize, c.ElderCount)
	}

	if c.MaxSectionSize <= c.MinSectionSize {
		return fmt.Errorf("%w: max section size %d not above min %d",
			errs.ErrConfig, c.MaxSectionSize, c.MinSectionSize)
	}

	if c.JoinDifficulty < 0 || c.JoinDifficulty > 64 {
		return fmt.Errorf("%w: join difficulty %d out of range", errs.ErrConfig, c.JoinDifficulty)
	}

	return nil
}

// identityDir returns the key directory under the storage root.
func (c *Config) identityDir() string {
	return filepath.Join(c.StorageRoot, "identity")
}

// stateDir returns the section snapshot directory.
func (c *Config) stateDir() string {
	return filepath.Join(c.StorageRoot, "state")
}

// loadIdentity loads the node's long-term keys from identity/ or
// generates and persists fresh ones on first start.
func (c *Config) loadIdentity() error {
	dir := c.identityDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	edKey, err := loadOrGenerateKey(filepath.Join(dir, "node.key"), ed25519.PrivateKeySize, func() ([]byte, error) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	})
	if err != nil {
		return fmt.Errorf("load identity key: %w", err)
	}
	c.PrivateKey = ed25519.PrivateKey(edKey)

	seed, err := loadOrGenerateKey(filepath.Join(dir, "bls.seed"), 32, func() ([]byte, error) {
		s := make([]byte, 32)
		_, err := rand.Read(s)
		return s, err
	})
	if err != nil {
		return fmt.Errorf("load BLS seed: %w", err)
	}

	c.BLSKey, err = quorum.KeyFromSeed(seed)
	if err != nil {
		return fmt.Errorf("derive BLS key: %w", err)
	}

	return nil
}

// loadOrGenerateKey reads a key file or creates it with 0600 mode.
func loadOrGenerateKey(path string, size int, generate func() ([]byte, error)) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != size {
			return nil, fmt.Errorf("key file %s: got %d bytes, want %d", path, len(data), size)
		}

		return data, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	data, err = generate()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}

	return data, nil
}
