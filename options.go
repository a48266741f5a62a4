package ixdb

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

type Options struct {
	// MapSize is the initial memory map size. If the database file is already
	// larger, Open fails.
	MapSize int64

	// NoSync skips fsync on commit. Commits become non-durable.
	NoSync bool

	// NoLock makes Open fail right away if another process holds the
	// database file lock, instead of waiting up to Timeout.
	NoLock bool

	// MaxTables limits the number of user tables. Zero means no limit.
	MaxTables int

	// WriteMap is accepted for configuration compatibility with mmap-writing
	// engines. Bolt always writes through the file descriptor.
	WriteMap bool

	ReadOnly bool

	// InMemory uses a transient in-memory engine; path must be empty.
	InMemory bool

	// Timeout is how long Open waits for the file lock. Defaults to 10s.
	Timeout time.Duration

	Logger  *slog.Logger
	Verbose bool

	// IsTesting trades durability for speed and turns dangling index entries
	// into errors instead of warnings.
	IsTesting bool

	// Derivers supplies the functions behind Custom derivations, by name.
	Derivers map[string]DeriveFunc
}

const defaultTimeout = 10 * time.Second

func (opt *Options) validate(path string) error {
	if opt.MapSize < 0 {
		return fmt.Errorf("negative map size %d", opt.MapSize)
	}
	if opt.MaxTables < 0 {
		return fmt.Errorf("negative max tables %d", opt.MaxTables)
	}
	if opt.Timeout < 0 {
		return fmt.Errorf("negative timeout %v", opt.Timeout)
	}
	if opt.InMemory && path != "" {
		return fmt.Errorf("in-memory database cannot have a path")
	}
	if !opt.InMemory && path == "" {
		return fmt.Errorf("path is required")
	}
	if opt.InMemory && opt.ReadOnly {
		return fmt.Errorf("in-memory database cannot be read-only")
	}
	return nil
}

// ParseOptions builds Options from a map of recognized settings:
//
//	map_size    int or size string ("512MiB")
//	sync        bool, default true
//	lock        bool, default true
//	max_tables  int
//	write_map   bool
//	read_only   bool
//	in_memory   bool
//	timeout     duration string ("5s") or seconds
//	verbose     bool
//
// Unknown keys and values of the wrong type are errors.
func ParseOptions(m map[string]any) (Options, error) {
	var opt Options
	for k, v := range m {
		var err error
		switch k {
		case "map_size":
			opt.MapSize, err = sizeOption(v)
		case "sync":
			var sync bool
			sync, err = boolOption(v)
			opt.NoSync = !sync
		case "lock":
			var lock bool
			lock, err = boolOption(v)
			opt.NoLock = !lock
		case "max_tables":
			var n int64
			n, err = intOption(v)
			opt.MaxTables = int(n)
		case "write_map":
			opt.WriteMap, err = boolOption(v)
		case "read_only":
			opt.ReadOnly, err = boolOption(v)
		case "in_memory":
			opt.InMemory, err = boolOption(v)
		case "timeout":
			opt.Timeout, err = durationOption(v)
		case "verbose":
			opt.Verbose, err = boolOption(v)
		default:
			err = fmt.Errorf("unknown option")
		}
		if err != nil {
			return Options{}, fmt.Errorf("option %s: %w", k, err)
		}
	}
	return opt, nil
}

// LoadOptions reads a YAML file with the keys understood by ParseOptions.
func LoadOptions(fn string) (Options, error) {
	raw, err := os.ReadFile(fn)
	if err != nil {
		return Options{}, err
	}
	var m map[string]any
	err = yaml.Unmarshal(raw, &m)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", fn, err)
	}
	opt, err := ParseOptions(m)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", fn, err)
	}
	return opt, nil
}

func boolOption(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func intOption(v any) (int64, error) {
	if n, ok := asInt(v); ok {
		return n, nil
	}
	switch v := v.(type) {
	case uint64:
		if v > 1<<62 {
			return 0, fmt.Errorf("value %d too large", v)
		}
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func sizeOption(v any) (int64, error) {
	if s, ok := v.(string); ok {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, err
		}
		if n > 1<<62 {
			return 0, fmt.Errorf("size %s too large", s)
		}
		return int64(n), nil
	}
	return intOption(v)
}

func durationOption(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		return time.ParseDuration(s)
	}
	n, err := intOption(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
