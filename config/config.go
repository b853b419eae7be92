// Package config loads the TOML configuration for the bridge and
// device processes, using BurntSushi/toml the way the rest of this
// dependency's consuming repos decode their process config.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Bridge is the top-level configuration for the bridge process: which
// transport to listen on, how the operator channel is framed, and the
// per-op timeout/retry policy of spec §4.6.
type Bridge struct {
	Transport TransportConfig `toml:"transport"`
	Operator  OperatorConfig  `toml:"operator"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Ops       OpPolicy        `toml:"ops"`
	Devices   []DeviceEntry   `toml:"devices"`
}

// DeviceEntry maps an operator-facing device_id to the transport-level
// peer address the bridge sends frames to.
type DeviceEntry struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// Device is the top-level configuration for the device process: the
// persistent store location and the transport it listens on. The shared
// provisioning token is not part of this file; cmd/device reads it from
// an environment variable.
type Device struct {
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// TransportConfig selects and parameterizes the datagram Link a process
// binds to. Channel is a free-form identifier (SPEC_FULL.md's
// supplemented "configurable transport channel" feature), defaulting to
// "6". The reference UDP transport uses it only as a label in its logs,
// and the bridge reports it as the hello op's "chan" field; no traffic
// is multiplexed on it.
type TransportConfig struct {
	Kind    string `toml:"kind"`    // "udp" in the reference implementation
	Address string `toml:"address"`
	Channel string `toml:"channel"`
}

// OperatorConfig configures the bridge's line-delimited JSON control
// channel.
type OperatorConfig struct {
	Kind    string `toml:"kind"`    // "stdio" or "unix"
	Address string `toml:"address"` // socket path, when Kind == "unix"
}

// StoreConfig locates the device's bbolt-backed configuration store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig configures the op-go-logging backend.
type LoggingConfig struct {
	Level string `toml:"level"` // DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL
	File  string `toml:"file"`  // empty means stderr
}

// MetricsConfig configures the prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// OpTimeout is one operation's timeout/retry policy.
type OpTimeout struct {
	Timeout  DurationMS `toml:"timeout_ms"`
	Attempts int        `toml:"attempts"`
}

// OpPolicy gives each bridge-initiated operation its own timeout and
// retry budget, defaulted per spec §4.6 and overridable per deployment.
type OpPolicy struct {
	WriteConfig OpTimeout `toml:"write_config"`
	ReadConfig  OpTimeout `toml:"read_config"`
	Apply       OpTimeout `toml:"apply"`
	Reboot      OpTimeout `toml:"reboot"`
}

// DurationMS decodes a plain integer TOML field as a millisecond count.
type DurationMS int64

// AsDuration converts to a time.Duration.
func (d DurationMS) AsDuration() time.Duration {
	return time.Duration(d) * time.Millisecond
}

// DefaultOpPolicy matches spec §4.6's documented defaults.
func DefaultOpPolicy() OpPolicy {
	return OpPolicy{
		WriteConfig: OpTimeout{Timeout: 8000, Attempts: 3},
		ReadConfig:  OpTimeout{Timeout: 5000, Attempts: 2},
		Apply:       OpTimeout{Timeout: 3000, Attempts: 3},
		Reboot:      OpTimeout{Timeout: 4000, Attempts: 2},
	}
}

// LoadBridge decodes a Bridge config from path, filling in any fields
// the file omits with their documented defaults.
func LoadBridge(path string) (*Bridge, error) {
	cfg := Bridge{Ops: DefaultOpPolicy()}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: load bridge config %s: %w", path, err)
	}
	applyBridgeDefaults(&cfg)
	return &cfg, nil
}

// LoadDevice decodes a Device config from path.
func LoadDevice(path string) (*Device, error) {
	cfg := Device{}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: load device config %s: %w", path, err)
	}
	applyDeviceDefaults(&cfg)
	return &cfg, nil
}

func applyBridgeDefaults(cfg *Bridge) {
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "udp"
	}
	if cfg.Transport.Channel == "" {
		cfg.Transport.Channel = "6"
	}
	if cfg.Operator.Kind == "" {
		cfg.Operator.Kind = "stdio"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Ops == (OpPolicy{}) {
		cfg.Ops = DefaultOpPolicy()
	}
}

func applyDeviceDefaults(cfg *Device) {
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "udp"
	}
	if cfg.Transport.Channel == "" {
		cfg.Transport.Channel = "6"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "device.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
}
