// Package config loads socquery settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"socquery/battery"
	"socquery/ecus"
	"socquery/logging"
	"socquery/uds"
)

const (
	DriverArduino = "arduino"
	DriverVirtual = "virtual"

	EnvLogLevel = "SOCQUERY_LOG_LEVEL"
	EnvPort     = "SOCQUERY_PORT"
	EnvDriver   = "SOCQUERY_DRIVER"

	// DefaultSettle is how long the bus is left alone after the driver opens.
	DefaultSettle   = 1 * time.Second
	DefaultInterval = 30 * time.Second
)

var ErrInvalid = errors.New("invalid config")

type Simulator struct {
	BMSRaw     byte
	DisplayRaw byte
	DropEvery  int
}

type Config struct {
	ECU           string
	Address       uint16 // overrides the ECU's request id when non-zero
	SubAddress    *uint8
	Bus           uint8
	Timeout       time.Duration
	TotalTimeout  time.Duration // limit for an attempt stretched by response pending, zero means Timeout
	Retries       int
	Settle        time.Duration
	Interval      time.Duration
	Driver        string
	Port          string // empty means the first Arduino found
	MetricsAddr   string
	LogLevel      zerolog.Level
	TesterPresent bool
	Simulator     Simulator
}

type fileConfig struct {
	ECU           string `toml:"ecu"`
	Address       string `toml:"address"`
	SubAddress    int    `toml:"sub_address"`
	Bus           int    `toml:"bus"`
	Timeout       string `toml:"timeout"`
	TotalTimeout  string `toml:"total_timeout"`
	Retries       int    `toml:"retries"`
	Settle        string `toml:"settle"`
	Interval      string `toml:"interval"`
	Driver        string `toml:"driver"`
	Port          string `toml:"port"`
	MetricsAddr   string `toml:"metrics_addr"`
	LogLevel      string `toml:"log_level"`
	TesterPresent bool   `toml:"tester_present"`
	Simulator     struct {
		BMSRaw     int `toml:"bms_raw"`
		DisplayRaw int `toml:"display_raw"`
		DropEvery  int `toml:"drop_every"`
	} `toml:"simulator"`
}

func Default() Config {
	opts := battery.DefaultOptions()
	return Config{
		ECU:      ecus.DefaultECU,
		Timeout:  opts.Timeout,
		Retries:  opts.MaxRetries,
		Settle:   DefaultSettle,
		Interval: DefaultInterval,
		Driver:   DriverArduino,
		LogLevel: zerolog.InfoLevel,
		Simulator: Simulator{
			BMSRaw:     0xAB,
			DisplayRaw: 0xA8,
		},
	}
}

// Load reads path on top of the defaults and applies environment overrides. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("ecu") {
		c.ECU = strings.TrimSpace(raw.ECU)
	}
	if meta.IsDefined("address") {
		addr, err := parseID(raw.Address)
		if err != nil {
			return fmt.Errorf("parse address: %w", err)
		}
		c.Address = addr
	}
	if meta.IsDefined("sub_address") {
		if raw.SubAddress < 0 || raw.SubAddress > 0xFF {
			return fmt.Errorf("%w: sub_address %d out of range", ErrInvalid, raw.SubAddress)
		}
		sub := uint8(raw.SubAddress)
		c.SubAddress = &sub
	}
	if meta.IsDefined("bus") {
		if raw.Bus < 0 || raw.Bus > 0xFF {
			return fmt.Errorf("%w: bus %d out of range", ErrInvalid, raw.Bus)
		}
		c.Bus = uint8(raw.Bus)
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", raw.Timeout, &c.Timeout},
		{"total_timeout", raw.TotalTimeout, &c.TotalTimeout},
		{"settle", raw.Settle, &c.Settle},
		{"interval", raw.Interval, &c.Interval},
	} {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("retries") {
		c.Retries = raw.Retries
	}
	if meta.IsDefined("driver") {
		c.Driver = strings.ToLower(strings.TrimSpace(raw.Driver))
	}
	if meta.IsDefined("port") {
		c.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("metrics_addr") {
		c.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		level, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return fmt.Errorf("%w: log_level %q", ErrInvalid, raw.LogLevel)
		}
		c.LogLevel = level
	}
	if meta.IsDefined("tester_present") {
		c.TesterPresent = raw.TesterPresent
	}

	for _, b := range []struct {
		key string
		raw int
		dst *byte
	}{
		{"bms_raw", raw.Simulator.BMSRaw, &c.Simulator.BMSRaw},
		{"display_raw", raw.Simulator.DisplayRaw, &c.Simulator.DisplayRaw},
	} {
		if !meta.IsDefined("simulator", b.key) {
			continue
		}
		if b.raw < 0 || b.raw > 0xFF {
			return fmt.Errorf("%w: simulator.%s %d out of range", ErrInvalid, b.key, b.raw)
		}
		*b.dst = byte(b.raw)
	}
	if meta.IsDefined("simulator", "drop_every") {
		c.Simulator.DropEvery = raw.Simulator.DropEvery
	}
	return nil
}

func (c *Config) applyEnv() error {
	if raw, ok := os.LookupEnv(EnvLogLevel); ok {
		level, valid := logging.ParseLevel(raw)
		if !valid {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvLogLevel, raw)
		}
		c.LogLevel = level
	}
	if raw, ok := os.LookupEnv(EnvPort); ok {
		c.Port = strings.TrimSpace(raw)
	}
	if raw, ok := os.LookupEnv(EnvDriver); ok {
		c.Driver = strings.ToLower(strings.TrimSpace(raw))
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := ecus.Lookup(c.ECU); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Address > uds.MaxRequestID {
		return fmt.Errorf("%w: address 0x%X answers outside the 11-bit id range", ErrInvalid, c.Address)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if c.TotalTimeout < 0 {
		return fmt.Errorf("%w: total_timeout must not be negative", ErrInvalid)
	}
	if c.Retries < 1 {
		return fmt.Errorf("%w: retries must be at least 1", ErrInvalid)
	}
	if c.Settle < 0 {
		return fmt.Errorf("%w: settle must not be negative", ErrInvalid)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", ErrInvalid)
	}
	if c.Driver != DriverArduino && c.Driver != DriverVirtual {
		return fmt.Errorf("%w: driver %q, want %s or %s", ErrInvalid, c.Driver, DriverArduino, DriverVirtual)
	}
	if c.Simulator.DropEvery < 0 {
		return fmt.Errorf("%w: simulator.drop_every must not be negative", ErrInvalid)
	}
	return nil
}

// Target resolves the configured ECU, applying the address and sub-address overrides.
func (c Config) Target() (ecus.ECU, error) {
	ecu, err := ecus.Lookup(c.ECU)
	if err != nil {
		return ecus.ECU{}, err
	}
	ecu.Bus = c.Bus
	if c.Address != 0 {
		ecu.Address = uds.NewAddress(c.Address)
	}
	if c.SubAddress != nil {
		ecu.Address = uds.NewExtendedAddress(ecu.Address.ID, *c.SubAddress)
	}
	return ecu, nil
}

// Options are the query client settings.
func (c Config) Options() battery.Options {
	return battery.Options{Timeout: c.Timeout, MaxRetries: c.Retries}
}

func parseID(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
