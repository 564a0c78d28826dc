package kv

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"

	"github.com/bootjp/tabletnode/compression"
)

var ErrInvalidConfig = errors.New("invalid config")

// ByteSize reads human readable sizes such as "64MiB" from TOML.
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Wrapf(err, "byte size %q", text)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Duration reads Go duration strings such as "30s" from TOML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", text)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

const (
	StoreBackendMemory = "memory"
	StoreBackendPebble = "pebble"
)

// MountConfig carries per-tablet store limits.
type MountConfig struct {
	MaxStoresPerTablet       int      `toml:"max-stores-per-tablet"`
	MaxOverlappingStoreCount int      `toml:"max-overlapping-store-count"`
	MaxEdenStoresPerTablet   int      `toml:"max-eden-stores-per-tablet"`
	MaxDynamicStoreRowCount  int      `toml:"max-dynamic-store-row-count"`
	MaxDynamicStorePoolSize  ByteSize `toml:"max-dynamic-store-pool-size"`
}

type ReplicaConfig struct {
	ID   ReplicaID   `toml:"id"`
	Mode ReplicaMode `toml:"mode"`
}

// TabletConfig declares a tablet the node mounts once it leads the cell.
type TabletConfig struct {
	ID                TabletID        `toml:"id"`
	TablePath         string          `toml:"table-path"`
	PoolTag           string          `toml:"pool-tag"`
	Atomicity         Atomicity       `toml:"atomicity"`
	CommitOrdering    CommitOrdering  `toml:"commit-ordering"`
	PhysicallyOrdered bool            `toml:"physically-ordered"`
	Replicated        bool            `toml:"replicated"`
	Replicas          []ReplicaConfig `toml:"replicas"`
	Mount             *MountConfig    `toml:"mount"`
}

type Config struct {
	ChangelogCodec           string              `toml:"changelog-codec"`
	ClientTimestampThreshold Duration            `toml:"client-timestamp-threshold"`
	Mount                    MountConfig         `toml:"mount"`
	DynamicMemoryLimit       ByteSize            `toml:"dynamic-memory-limit"`
	EnablePoolMemoryLimits   bool                `toml:"enable-pool-memory-limits"`
	PoolMemoryLimits         map[string]ByteSize `toml:"pool-memory-limits"`
	RowBlockedWaitTimeout    Duration            `toml:"row-blocked-wait-timeout"`
	MutationApplyTimeout     Duration            `toml:"mutation-apply-timeout"`
	StoreMaintenancePeriod   Duration            `toml:"store-maintenance-period"`
	EnableMutationLogging    bool                `toml:"enable-mutation-logging"`
	StoreBackend             string              `toml:"store-backend"`
	DataDir                  string              `toml:"data-dir"`
	Tablets                  []TabletConfig      `toml:"tablets"`
}

const (
	defaultClientTimestampThreshold = 60 * time.Second
	defaultRowBlockedWaitTimeout    = 10 * time.Second
	defaultMutationApplyTimeout     = 5 * time.Second
	defaultStoreMaintenancePeriod   = 10 * time.Second
	defaultDynamicMemoryLimit       = 1 << 30
	defaultMaxDynamicStorePoolSize  = 64 << 20
)

func NewDefaultConfig() *Config {
	return &Config{
		ChangelogCodec:           "lz4",
		ClientTimestampThreshold: NewDuration(defaultClientTimestampThreshold),
		Mount:                    DefaultMountConfig(),
		DynamicMemoryLimit:       defaultDynamicMemoryLimit,
		PoolMemoryLimits:         map[string]ByteSize{},
		RowBlockedWaitTimeout:    NewDuration(defaultRowBlockedWaitTimeout),
		MutationApplyTimeout:     NewDuration(defaultMutationApplyTimeout),
		StoreMaintenancePeriod:   NewDuration(defaultStoreMaintenancePeriod),
		EnableMutationLogging:    true,
		StoreBackend:             StoreBackendMemory,
	}
}

func DefaultMountConfig() MountConfig {
	return MountConfig{
		MaxStoresPerTablet:       10000,
		MaxOverlappingStoreCount: 400,
		MaxEdenStoresPerTablet:   100,
		MaxDynamicStoreRowCount:  1000000,
		MaxDynamicStorePoolSize:  defaultMaxDynamicStorePoolSize,
	}
}

// LoadConfig reads a TOML file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeConfig is LoadConfig for in-memory documents.
func DecodeConfig(doc string) (*Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.Decode(doc, cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m MountConfig) validate() error {
	switch {
	case m.MaxStoresPerTablet <= 0:
		return errors.Wrap(ErrInvalidConfig, "max-stores-per-tablet must be positive")
	case m.MaxOverlappingStoreCount <= 0:
		return errors.Wrap(ErrInvalidConfig, "max-overlapping-store-count must be positive")
	case m.MaxEdenStoresPerTablet <= 0:
		return errors.Wrap(ErrInvalidConfig, "max-eden-stores-per-tablet must be positive")
	case m.MaxDynamicStoreRowCount <= 0:
		return errors.Wrap(ErrInvalidConfig, "max-dynamic-store-row-count must be positive")
	case m.MaxDynamicStorePoolSize <= 0:
		return errors.Wrap(ErrInvalidConfig, "max-dynamic-store-pool-size must be positive")
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := compression.ParseCodecName(c.ChangelogCodec); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "changelog-codec: %v", err)
	}
	if c.ClientTimestampThreshold.Duration <= 0 {
		return errors.Wrap(ErrInvalidConfig, "client-timestamp-threshold must be positive")
	}
	if c.RowBlockedWaitTimeout.Duration <= 0 {
		return errors.Wrap(ErrInvalidConfig, "row-blocked-wait-timeout must be positive")
	}
	if c.MutationApplyTimeout.Duration <= 0 {
		return errors.Wrap(ErrInvalidConfig, "mutation-apply-timeout must be positive")
	}
	if err := c.Mount.validate(); err != nil {
		return err
	}
	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendPebble:
		if c.DataDir == "" {
			return errors.Wrap(ErrInvalidConfig, "data-dir is required for the pebble backend")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown store backend %q", c.StoreBackend)
	}
	seen := make(map[TabletID]struct{}, len(c.Tablets))
	for _, t := range c.Tablets {
		if _, ok := seen[t.ID]; ok {
			return errors.Wrapf(ErrInvalidConfig, "duplicate tablet %s", t.ID)
		}
		seen[t.ID] = struct{}{}
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a tablet declaration on its own. Strong commit ordering
// is only available to tablets written without row locks.
func (t TabletConfig) Validate() error {
	if t.Atomicity == 0 || t.CommitOrdering == 0 {
		return errors.Wrapf(ErrInvalidConfig, "tablet %s needs atomicity and commit-ordering", t.ID)
	}
	if t.CommitOrdering == CommitOrderingStrong && t.Atomicity == AtomicityFull && !t.PhysicallyOrdered && !t.Replicated {
		return errors.Wrapf(ErrInvalidConfig, "tablet %s: strong commit ordering needs an ordered or replicated tablet", t.ID)
	}
	if t.Mount != nil {
		if err := t.Mount.validate(); err != nil {
			return errors.Wrapf(err, "tablet %s", t.ID)
		}
	}
	return nil
}

// MountConfigFor returns the tablet's own limits or the node defaults.
func (c *Config) MountConfigFor(t TabletConfig) MountConfig {
	if t.Mount != nil {
		return *t.Mount
	}
	return c.Mount
}
