// Package config loads cache configuration from the TOML and INI
// files operators hand it, mirroring the teacher's split between a
// primary TOML-based config and a secondary ini.v1-based
// priority-weights file for legacy operator tooling.
package config

import (
	"reflect"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/pkg/errors"
)

// Cache holds every cache-wide tunable.
type Cache struct {
	BlockSize         int           `toml:"block_size"`
	UnloadThreshold   int           `toml:"unload_threshold"`
	FlushInterval     time.Duration `toml:"flush_interval"`
	WaitForFlush      bool          `toml:"wait_for_flush"`
	MaxDirtySize      int           `toml:"max_dirty_size"`
	PatchLogBlocks    int           `toml:"patch_log_blocks"`
	IOWorkers         int           `toml:"io_workers"`
	ReadAheadCapacity int           `toml:"read_ahead_capacity"`
}

// Default returns a Cache config with reasonable, documented
// defaults, usable without a config file (e.g. for tests and the demo
// command).
func Default() Cache {
	return Cache{
		BlockSize:         16384,
		UnloadThreshold:   1024,
		FlushInterval:     5 * time.Second,
		WaitForFlush:      false,
		MaxDirtySize:      512,
		PatchLogBlocks:    16,
		IOWorkers:         4,
		ReadAheadCapacity: 32,
	}
}

// LoadCache parses a TOML file into a Cache config, starting from
// Default() so a partial file only overrides what it mentions.
func LoadCache(path string) (Cache, error) {
	cfg := Default()
	tree, err := toml.LoadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: loading %s", path)
	}
	var loaded Cache
	if err := tree.Unmarshal(&loaded); err != nil {
		return cfg, errors.Wrapf(err, "config: parsing %s", path)
	}
	dst, src := reflect.ValueOf(&cfg).Elem(), reflect.ValueOf(loaded)
	for i := 0; i < dst.NumField(); i++ {
		if tree.Has(dst.Type().Field(i).Tag.Get("toml")) {
			dst.Field(i).Set(src.Field(i))
		}
	}
	return cfg, nil
}

// IOPriority is the legacy operator-facing priority-weights section,
// kept in a separate ini file the way the teacher's own config loader
// keeps distinct ini/toml files for distinct subsystems.
type IOPriority struct {
	ReadsWeight      int
	WritesWeight     int
	OutstandingLimit int
}

// DefaultIOPriority returns the built-in weights.
func DefaultIOPriority() IOPriority {
	return IOPriority{ReadsWeight: 1, WritesWeight: 1, OutstandingLimit: 16}
}

// LoadIOPriority reads the io_priority section of an ini file.
func LoadIOPriority(path string) (IOPriority, error) {
	p := DefaultIOPriority()
	f, err := ini.Load(path)
	if err != nil {
		return p, errors.Wrapf(err, "config: loading ini %s", path)
	}
	section := f.Section("io_priority")
	p.ReadsWeight = section.Key("reads").MustInt(p.ReadsWeight)
	p.WritesWeight = section.Key("writes").MustInt(p.WritesWeight)
	p.OutstandingLimit = section.Key("outstanding_limit").MustInt(p.OutstandingLimit)
	return p, nil
}
