package pagestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_DirectoryOnly(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig("/var/lib/pagestore")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pagestore", cfg.Directory)
	assert.Equal(t, DefaultConfig("/var/lib/pagestore").FlushDelay, cfg.FlushDelay)
}

func TestParseConfig_AllFields(t *testing.T) {
	t.Parallel()

	dsn := "/data/pagestore?flush_delay=10ms&page_size=8192&journal=false&log_level=debug&compress=true&max_cached_pages=500"
	cfg, err := ParseConfig(dsn)
	require.NoError(t, err)

	assert.Equal(t, "/data/pagestore", cfg.Directory)
	assert.Equal(t, 10*time.Millisecond, cfg.FlushDelay)
	assert.Equal(t, uint32(8192), cfg.PageSize)
	assert.False(t, cfg.JournalEnabled)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.CompressPages)
	assert.Equal(t, 500, cfg.MaxCachedPages)
}

func TestParseConfig_MissingDirectoryFails(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig("?flush_delay=10ms")
	require.Error(t, err)
}

func TestParseConfig_InvalidFlushDelayFails(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig("/data?flush_delay=notaduration")
	require.Error(t, err)
}

func TestParseConfig_InvalidPageSizeFails(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig("/data?page_size=0")
	require.Error(t, err)
}

func TestParseConfig_InvalidLogLevelFails(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig("/data?log_level=loud")
	require.Error(t, err)
}

func TestDefaultConfig_JournalOnByDefault(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("/data")
	assert.True(t, cfg.JournalEnabled)
	assert.False(t, cfg.CompressPages)
	assert.Equal(t, "warn", cfg.LogLevel)
}
