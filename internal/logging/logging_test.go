package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/config"
	"github.com/oda/juicydb/internal/dberr"
)

func TestNewWritesJSONToFile(t *testing.T) {
	cfg := config.Default().Logger
	cfg.Level = "info"
	cfg.Encoding = "json"
	cfg.OutputPath = filepath.Join(t.TempDir(), "juicydb.log")

	log, err := New(cfg)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("table created", zap.String("table", "users"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "table created", entry["msg"])
	assert.Equal(t, "users", entry["table"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default().Logger
	cfg.Level = "loud"
	_, err := New(cfg)
	assert.ErrorIs(t, err, dberr.ErrConfig)

	cfg = config.Default().Logger
	cfg.Encoding = "xml"
	_, err = New(cfg)
	assert.ErrorIs(t, err, dberr.ErrConfig)
}
