// Package muxconfig holds the on-disk configuration for a connection
// endpoint: identity key location, handshake mode, transport limits and
// directory persistence.
//
// Grounded on internal/config/config.go in the teacher: a nested JSON
// struct with a Default(), a Validate() that rejects inconsistent
// combinations, and Load/Save/Ensure helpers around it.
package muxconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/arlojansen/vmux/internal/protocol"
	"github.com/arlojansen/vmux/internal/util"
)

// Config is the full set of tunables for one endpoint of a connection.
type Config struct {
	Identity  Identity  `json:"identity"`
	Handshake Handshake `json:"handshake"`
	Transport Transport `json:"transport"`
	Directory Directory `json:"directory"`
	Trace     Trace     `json:"trace"`
}

// Identity locates the endpoint's persisted long-term keypair.
type Identity struct {
	KeyFile string `json:"key_file"`
	Role    uint8  `json:"role"`
}

// Handshake controls which handshake mode an endpoint offers.
type Handshake struct {
	TwoRound                  bool   `json:"two_round"`
	PresharedSecret           string `json:"preshared_secret"`
	AllowDirectoryToDirectory bool   `json:"allow_directory_to_directory"`
}

// Transport bounds outer-packet size and video congestion window depth.
type Transport struct {
	MTU                  int `json:"mtu"`
	CongestionWindowSize int `json:"congestion_window_size"`
}

// Directory configures the optional SQLite-backed resource catalog.
type Directory struct {
	PersistPath string `json:"persist_path"`
}

// Trace is the per-connection trace bitmask, carried as config so an
// endpoint can be started at a known verbosity without a code change.
type Trace struct {
	Mask uint32 `json:"mask"`
}

// Default returns the configuration a freshly initialized endpoint starts
// from: two-round handshake, a conservative MTU, and tracing off.
func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Role:    protocol.RoleSource,
		},
		Handshake: Handshake{
			TwoRound:                  true,
			PresharedSecret:           "",
			AllowDirectoryToDirectory: false,
		},
		Transport: Transport{
			MTU:                  1400,
			CongestionWindowSize: 32,
		},
		Directory: Directory{
			PersistPath: "",
		},
		Trace: Trace{
			Mask: 0,
		},
	}
}

// Validate rejects configurations that the core would otherwise fail on
// mid-connection, surfacing the mistake at startup instead.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	switch c.Identity.Role {
	case protocol.RoleSource, protocol.RoleSink, protocol.RoleProbe, protocol.RoleDirectory:
	default:
		return fmt.Errorf("identity.role %d is not one of source/sink/probe/directory", c.Identity.Role)
	}
	if c.Transport.MTU < 256 {
		return errors.New("transport.mtu must be at least 256")
	}
	if c.Transport.CongestionWindowSize <= 0 {
		return errors.New("transport.congestion_window_size must be > 0")
	}
	if c.Identity.Role == protocol.RoleDirectory && c.Handshake.AllowDirectoryToDirectory {
		// Nothing further to check here; a directory endpoint is always
		// permitted to mediate other directories once the flag is set.
	}
	return nil
}

// Load reads and validates a config file, filling in defaults for any
// field the JSON omits.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads the config at path, or creates one populated with defaults
// if none exists yet. Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}
	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
