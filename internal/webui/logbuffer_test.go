package webui

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferCapturesZerolog(t *testing.T) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lb := NewLogBuffer(10)
	logger := zerolog.New(lb).With().Timestamp().Logger()

	logger.Warn().Str("component", "alerter").Str("key", "disk").Err(fmt.Errorf("boom")).Msg("Skipping metric for this tick")

	entries := lb.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "warn", e.Level)
	assert.Equal(t, "alerter", e.Component)
	assert.Equal(t, "disk", e.Key)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, "Skipping metric for this tick", e.Message)
	assert.False(t, e.Timestamp.IsZero())
}

func TestLogBufferWrapsAround(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, `{"level":"info","message":"m%d"}`+"\n", i)
	}

	entries := lb.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Message)
	assert.Equal(t, "m4", entries[2].Message)
}

func TestLogBufferRecentFiltersByLevel(t *testing.T) {
	lb := NewLogBuffer(10)
	var buf bytes.Buffer
	logger := zerolog.New(zerolog.MultiLevelWriter(lb, &buf))
	logger.Debug().Msg("d")
	logger.Info().Msg("i1")
	logger.Error().Msg("e")
	logger.Info().Msg("i2")

	assert.Len(t, lb.Recent(10, ""), 4)

	recent := lb.Recent(2, "info")
	require.Len(t, recent, 2)
	assert.Equal(t, "e", recent[0].Message)
	assert.Equal(t, "i2", recent[1].Message)

	errs := lb.Recent(10, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "e", errs[0].Message)
}

func TestLogBufferKeepsPlainText(t *testing.T) {
	lb := NewLogBuffer(2)
	fmt.Fprint(lb, "not json\n")
	e := lb.Entries()[0]
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "not json", e.Message)
}
