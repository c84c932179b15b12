package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/juicydb/internal/dberr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "juicydb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 4096, cfg.Storage.PageSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  dir: /var/lib/juicydb
  page_size: 8192
  order: 16
  sync_writes: true
server:
  network: tcp
  addr: 127.0.0.1:7070
logger:
  level: debug
  encoding: json
  output_path: /var/log/juicydb.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/juicydb", cfg.Storage.Dir)
	assert.Equal(t, 8192, cfg.Storage.PageSize)
	assert.Equal(t, 16, cfg.Storage.Order)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, 64, cfg.Storage.CacheSize)
	assert.Equal(t, Server{Network: "tcp", Addr: "127.0.0.1:7070"}, cfg.Server)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Encoding)
	assert.Equal(t, 3, cfg.Logger.MaxBackups)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"page size not a power of two", "storage:\n  page_size: 3000\n"},
		{"page size too small", "storage:\n  page_size: 512\n"},
		{"order too small", "storage:\n  order: 2\n"},
		{"empty dir", "storage:\n  dir: \"\"\n"},
		{"unknown network", "server:\n  network: udp\n"},
		{"unknown level", "logger:\n  level: verbose\n"},
		{"unknown encoding", "logger:\n  encoding: xml\n"},
		{"not yaml", "storage: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, dberr.ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, dberr.ErrIO)
}

func TestPowerOfTwoRule(t *testing.T) {
	for _, n := range []int{1024, 2048, 65536} {
		s := Default()
		s.Storage.PageSize = n
		assert.NoError(t, s.Validate(), "page size %d", n)
	}
	for _, n := range []int{1536, 4095, 65535} {
		s := Default()
		s.Storage.PageSize = n
		assert.ErrorIs(t, s.Validate(), dberr.ErrConfig, "page size %d", n)
	}
}
