package rslog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewZeroLogger_DefaultIsJSON(t *testing.T) {
	var buf bytes.Buffer

	logger := NewZeroLogger("", "info", false)
	l := logger.Output(&buf)
	l.Info().Msg("test message")

	out := buf.String()

	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"message":"test message"`)
}

func TestZeroDefaultLevelIsInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, Zero.GetLevel())
}

func TestParseLevel(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(zerolog.Disabled, parseLevel("disabled"))
	assert.Equal(zerolog.InfoLevel, parseLevel("nonsense"))
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reshard.log")

	logger := NewZeroLogger(path, "debug", false)
	logger.Debug().Str("operation", "op1").Msg("coordinator: advance")

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"operation":"op1"`))
}
