package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobal(t *testing.T) {
	prev, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(level)
	})
}

func TestInitJSONWithComponent(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer
	Init(Options{JSON: true, Out: &buf})

	logger := WithComponent("detector")
	logger.Info().Int("levels", 6).Msg("ready")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "detector", line["component"])
	assert.Equal(t, "ready", line["message"])
	assert.EqualValues(t, 6, line["levels"])
	assert.Contains(t, line, "time")
}

func TestInitVerboseLevel(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer

	Init(Options{JSON: true, Out: &buf})
	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	Init(Options{Verbose: true, JSON: true, Out: &buf})
	log.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitConsole(t *testing.T) {
	restoreGlobal(t)
	var buf bytes.Buffer
	Init(Options{Out: &buf})

	log.Info().Str("video", "P01_11").Msg("processed")
	assert.Contains(t, buf.String(), "processed")
	assert.Contains(t, buf.String(), "P01_11")
}

func TestNewLoggerFansOut(t *testing.T) {
	restoreGlobal(t)
	var a, b bytes.Buffer

	both := NewLogger(&a, &b)
	both.Info().Msg("twice")
	assert.Contains(t, a.String(), "twice")
	assert.Contains(t, b.String(), "twice")

	one := NewLogger(&a)
	one.Warn().Msg("once")
	assert.Contains(t, a.String(), "once")
	assert.NotContains(t, b.String(), "once")
}
