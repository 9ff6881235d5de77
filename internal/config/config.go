// Package config loads the optional ferry configuration file and folds it
// onto built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/bamsammich/ferry/internal/operation"
)

// Built-in defaults applied by Resolve.
const (
	DefaultCycleTimeout = 250 * time.Millisecond
	DefaultMinCycleWait = time.Millisecond
	DefaultKeepalive    = 30 * time.Second
)

// Config represents the optional ferry configuration file. Nil pointers
// are unset values.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Transfer TransferConfig `toml:"transfer"`
	SSH      SSHConfig      `toml:"ssh"`
}

// EngineConfig tunes the worker loop and the reads it serves.
type EngineConfig struct {
	CycleTimeout  *Duration `toml:"cycle_timeout"`
	MinCycleWait  *Duration `toml:"min_cycle_wait"`
	FutureTimeout *Duration `toml:"future_timeout"`
	ChunkSize     *int      `toml:"chunk_size"`
	BWLimit       *string   `toml:"bwlimit"`
}

// TransferConfig holds persistent transfer policy defaults.
type TransferConfig struct {
	TempSuffix         *string `toml:"temp_suffix"`
	Overwrite          *bool   `toml:"overwrite"`
	ReserveSpace       *bool   `toml:"reserve_space"`
	TryContinue        *bool   `toml:"try_continue"`
	InheritPermissions *bool   `toml:"inherit_permissions"`
	CleanupOnFailure   *bool   `toml:"cleanup_on_failure"`
	Journal            *bool   `toml:"journal"`
}

// SSHConfig holds connection defaults.
type SSHConfig struct {
	Port      *int      `toml:"port"`
	KeyFile   *string   `toml:"key_file"`
	Keepalive *Duration `toml:"keepalive"`
}

// Duration decodes TOML strings such as "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ferry", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file is a zero Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Settings is a fully resolved configuration.
type Settings struct {
	CycleTimeout time.Duration
	MinCycleWait time.Duration
	Transfer     operation.TransferOptions
	// BWLimit is the read limit in bytes per second; 0 is unlimited.
	BWLimit   int64
	Journal   bool
	SSHPort   int
	KeyFile   string
	Keepalive time.Duration
}

// Resolve folds c onto the built-in defaults.
func (c Config) Resolve() (Settings, error) {
	s := Settings{
		CycleTimeout: DefaultCycleTimeout,
		MinCycleWait: DefaultMinCycleWait,
		Transfer:     operation.DefaultTransferOptions(),
		Keepalive:    DefaultKeepalive,
	}

	e := c.Engine
	setDuration(&s.CycleTimeout, e.CycleTimeout)
	setDuration(&s.MinCycleWait, e.MinCycleWait)
	setDuration(&s.Transfer.FutureTimeout, e.FutureTimeout)
	if e.ChunkSize != nil {
		if *e.ChunkSize <= 0 {
			return Settings{}, fmt.Errorf("engine.chunk_size must be positive, got %d", *e.ChunkSize)
		}
		s.Transfer.ChunkSize = *e.ChunkSize
	}
	if e.BWLimit != nil {
		limit, err := ParseBWLimit(*e.BWLimit)
		if err != nil {
			return Settings{}, fmt.Errorf("engine.bwlimit: %w", err)
		}
		s.BWLimit = limit
	}
	if s.CycleTimeout <= 0 {
		return Settings{}, errors.New("engine.cycle_timeout must be positive")
	}

	t := c.Transfer
	if t.TempSuffix != nil {
		if *t.TempSuffix == "" {
			return Settings{}, errors.New("transfer.temp_suffix must not be empty")
		}
		s.Transfer.TempSuffix = *t.TempSuffix
	}
	setBool(&s.Transfer.Overwrite, t.Overwrite)
	setBool(&s.Transfer.ReserveSpace, t.ReserveSpace)
	setBool(&s.Transfer.TryContinue, t.TryContinue)
	setBool(&s.Transfer.InheritPermissions, t.InheritPermissions)
	setBool(&s.Transfer.CleanupOnFailure, t.CleanupOnFailure)
	setBool(&s.Journal, t.Journal)

	if c.SSH.Port != nil {
		s.SSHPort = *c.SSH.Port
	}
	if c.SSH.KeyFile != nil {
		s.KeyFile = *c.SSH.KeyFile
	}
	setDuration(&s.Keepalive, c.SSH.Keepalive)
	return s, nil
}

// ParseBWLimit parses a bandwidth limit such as "10M" or "512KiB" into
// bytes per second. An empty string or "0" means unlimited.
func ParseBWLimit(v string) (int64, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q: %w", v, err)
	}
	return int64(n), nil
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = src.Duration
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
