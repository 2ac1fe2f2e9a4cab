package monitoring

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbpoold/dbpoold/pkg/config"
)

func TestNewLogger_Levels(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		name  string
		level string
		debug bool
		want  zerolog.Level
	}{
		{"default", "", false, zerolog.InfoLevel},
		{"warn", "warn", false, zerolog.WarnLevel},
		{"debug_flag_overrides", "error", true, zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closer, err := NewLogger(config.LoggingConfig{Level: tt.level, Format: "json"}, tt.debug)
			require.NoError(t, err)
			defer closer.Close()

			assert.Equal(t, tt.want, logger.GetLevel())
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	path := filepath.Join(t.TempDir(), "logs", "dbpoold.log")
	logger, closer, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json", Output: path}, false)
	require.NoError(t, err)

	logger.Info().Int("idle", 3).Msg("Pool grown")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "Pool grown", entry["message"])
	assert.Equal(t, float64(3), entry["idle"])
	assert.Equal(t, ServiceName, entry["service"])
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "text")
	logger.Info().Msg("Pool sizer started")

	assert.Contains(t, buf.String(), "Pool sizer started")
	assert.NotContains(t, buf.String(), "{")
}
