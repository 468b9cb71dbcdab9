// Package config holds the small set of knobs the original runtime exposed
// on its CONFIG struct (common/config.hpp), plus a TOML loader for driver
// convenience grounded on runsc/config's flag/file handling.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/talismancer/arion/pkg/log"
)

// Config is the configuration record accepted by every Arion constructor
// (spec.md §6 "Configuration options").
type Config struct {
	// LogLevel selects the minimum severity emitted by the guest's logger.
	LogLevel log.Level
	// EnableSleepSyscalls, when false, makes clock_nanosleep return 0
	// immediately instead of blocking the host thread (spec.md §9 Open
	// Question: this runtime chooses to block the whole ArionGroup on the
	// host's clock_nanosleep when true, which is documented, not silently
	// diverged from).
	EnableSleepSyscalls bool
}

// Default returns the configuration the original runtime defaults to:
// INFO level logging, sleep syscalls disabled.
func Default() Config {
	return Config{LogLevel: log.Info, EnableSleepSyscalls: false}
}

// fileConfig is the on-disk TOML shape, kept separate from Config so the
// in-memory type isn't coupled to field-tag spelling.
type fileConfig struct {
	LogLvl              string `toml:"log_lvl"`
	EnableSleepSyscalls bool   `toml:"enable_sleep_syscalls"`
}

// LoadFile reads a TOML configuration file, the way runsc/config loads its
// flag defaults from a file before flag.Parse overrides them. Used by the
// cmd/arion CLI driver; the library constructor surface (spec.md §6) takes
// a Config value directly and never requires a file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	var fc fileConfig
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg := Default()
	if fc.LogLvl != "" {
		lvl, err := log.ParseLevel(fc.LogLvl)
		if err != nil {
			return Config{}, fmt.Errorf("config %q: %w", path, err)
		}
		cfg.LogLevel = lvl
	}
	cfg.EnableSleepSyscalls = fc.EnableSleepSyscalls
	return cfg, nil
}
