package pagestore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaydb/pagestore/internal/storage"
)

// Config holds the parsed configuration for a Store: where its backing
// files live, its flush policy, and the ambient knobs (page size, cache
// size, journaling, logging, compression) it opens with.
type Config struct {
	// Directory is the filesystem path the paged database lives under.
	// Required.
	Directory string

	// FlushDelay bounds how long a delayable UOW may wait for a matching
	// dequeue before the pipeline forces its flush. Negative disables
	// delay entirely (every UOW flushes immediately).
	FlushDelay time.Duration

	// PageSize is fixed for a database's lifetime: it is set when Directory
	// is first opened, and reopening with a different value fails.
	PageSize uint32

	// MaxCachedPages bounds each snapshot's decoded-object cache.
	MaxCachedPages int

	// JournalEnabled guards the commit-time root-page write with a
	// before-image rollback journal.
	JournalEnabled bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// CompressPages enables snappy compression of message bodies above a
	// size threshold (see internal/broker.NewMessageRecordCodec).
	CompressPages bool
}

// DefaultConfig returns a Config for directory with the same defaults the
// teacher's connection string parser used: journaling on, warn-level
// logging, the engine's default snapshot cache size.
func DefaultConfig(directory string) *Config {
	return &Config{
		Directory:      directory,
		FlushDelay:     50 * time.Millisecond,
		PageSize:       storage.DefaultPageSize,
		MaxCachedPages: storage.DefaultSnapshotCacheSize,
		JournalEnabled: true,
		LogLevel:       "warn",
		CompressPages:  false,
	}
}

// ParseConfig parses a DSN of the form:
//
//	/path/to/dir?flush_delay=50ms&page_size=4096&journal=true&log_level=info&compress=false&max_cached_pages=2000
//
// Only Directory (the path before the first '?') is required; every other
// field falls back to DefaultConfig's value.
func ParseConfig(dsn string) (*Config, error) {
	parts := strings.SplitN(dsn, "?", 2)
	if parts[0] == "" {
		return nil, fmt.Errorf("pagestore: directory is required in DSN %q", dsn)
	}

	cfg := DefaultConfig(parts[0])
	if len(parts) == 1 {
		return cfg, nil
	}

	query, err := url.ParseQuery(parts[1])
	if err != nil {
		return nil, fmt.Errorf("pagestore: invalid DSN query parameters: %w", err)
	}

	if v := query.Get("flush_delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("pagestore: invalid flush_delay %q: %w", v, err)
		}
		cfg.FlushDelay = d
	}

	if v := query.Get("page_size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("pagestore: invalid page_size %q: must be a positive integer", v)
		}
		cfg.PageSize = uint32(n)
	}

	if v := query.Get("max_cached_pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("pagestore: invalid max_cached_pages %q: must be a non-negative integer", v)
		}
		cfg.MaxCachedPages = n
	}

	if v := query.Get("journal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("pagestore: invalid journal %q: must be true or false", v)
		}
		cfg.JournalEnabled = b
	}

	if v := query.Get("compress"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("pagestore: invalid compress %q: must be true or false", v)
		}
		cfg.CompressPages = b
	}

	if v := strings.ToLower(query.Get("log_level")); v != "" {
		switch v {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = v
		default:
			return nil, fmt.Errorf("pagestore: invalid log_level %q: must be debug, info, warn, or error", v)
		}
	}

	return cfg, nil
}
