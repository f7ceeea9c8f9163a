package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevoDB/blockstore/pkg/telemetry"
	"github.com/cockroachdb/errors"
)

const (
	DefaultConfigFileName = "blockstore.json"
	CurrentConfigVersion  = 1

	MinBlockSize = 32
	MaxBlockSize = 64 * 1024

	DefaultBlockSize       = 512
	DefaultReserveBlocks   = 16
	DefaultMaxRecordLength = 16 * 1024 * 1024 // 16MB
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// SyncMode controls when the data file and journal are fsynced.
type SyncMode int

const (
	// SyncNone never calls fsync; durability is left to the OS.
	SyncNone SyncMode = iota
	// SyncCommit syncs the data file at transaction boundaries and the journal
	// once per journaled block, before the block it protects is rewritten.
	SyncCommit
	// SyncImmediate syncs each journal record and its bitmap bit separately and
	// syncs the data file after every mutation made outside a transaction.
	SyncImmediate
)

// String returns the name used in logs and telemetry attributes.
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncCommit:
		return "commit"
	case SyncImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Journal codecs understood by pkg/compress.
const (
	CodecNone   = "none"
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
)

// Byte orders for newly created files. Existing files keep the order they were
// written with.
const (
	ByteOrderLittle = "little"
	ByteOrderBig    = "big"
)

type Config struct {
	Version int `json:"version"`

	// Block layout
	BlockSize       int    `json:"block_size"`
	ReserveBlocks   int    `json:"reserve_blocks"`
	MaxRecordLength int    `json:"max_record_length"`
	ByteOrder       string `json:"byte_order"`

	// Journal
	JournalCodec string   `json:"journal_codec"`
	SyncMode     SyncMode `json:"sync_mode"`

	Telemetry telemetry.Config `json:"telemetry"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig() *Config {
	tel := telemetry.DefaultConfig()
	tel.Enabled = false

	return &Config{
		Version: CurrentConfigVersion,

		BlockSize:       DefaultBlockSize,
		ReserveBlocks:   DefaultReserveBlocks,
		MaxRecordLength: DefaultMaxRecordLength,
		ByteOrder:       ByteOrderLittle,

		JournalCodec: CodecZstd,
		SyncMode:     SyncImmediate,

		Telemetry: tel,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return errors.Newf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
		return errors.Newf("%w: block size must be between %d and %d", ErrInvalidConfig, MinBlockSize, MaxBlockSize)
	}

	if c.BlockSize%8 != 0 {
		return errors.Newf("%w: block size must be a multiple of 8", ErrInvalidConfig)
	}

	if c.ReserveBlocks <= 0 {
		return errors.Newf("%w: reserve blocks must be positive", ErrInvalidConfig)
	}

	if c.MaxRecordLength <= 0 {
		return errors.Newf("%w: max record length must be positive", ErrInvalidConfig)
	}

	switch c.ByteOrder {
	case ByteOrderLittle, ByteOrderBig:
	default:
		return errors.Newf("%w: unknown byte order %q", ErrInvalidConfig, c.ByteOrder)
	}

	switch c.JournalCodec {
	case CodecNone, CodecZstd, CodecSnappy:
	default:
		return errors.Newf("%w: unknown journal codec %q", ErrInvalidConfig, c.JournalCodec)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return errors.Newf("%w: unknown sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.Telemetry.Enabled {
		if err := c.Telemetry.Validate(); err != nil {
			return errors.Newf("%w: telemetry: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// LoadConfig reads a JSON configuration file. Fields missing from the file keep
// their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, errors.Wrap(err, "failed to read config")
	}

	cfg := NewDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Newf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to path, replacing any existing file atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory")
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}

	if err := os.Rename(tempPath, path); err != nil {
		return errors.Wrap(err, "failed to rename config")
	}

	return nil
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Snapshot returns a copy of the configuration that is safe to read without locking.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Version:         c.Version,
		BlockSize:       c.BlockSize,
		ReserveBlocks:   c.ReserveBlocks,
		MaxRecordLength: c.MaxRecordLength,
		ByteOrder:       c.ByteOrder,
		JournalCodec:    c.JournalCodec,
		SyncMode:        c.SyncMode,
		Telemetry:       c.Telemetry,
	}
}
