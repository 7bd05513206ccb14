package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

func TestZerologLogger_WritesFields(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output))

	logger.Info("billing event applied",
		goentitle.F("provider", goentitle.ProviderStripe),
		goentitle.F("consumed", 3),
		goentitle.F("error", errors.New("boom")))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(output.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "billing event applied", line["message"])
	assert.Equal(t, "stripe", line["provider"])
	assert.EqualValues(t, 3, line["consumed"])
	assert.Equal(t, "boom", line["error"])
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(*Logger)
		level string
	}{
		{"debug", func(l *Logger) { l.Debug("d") }, "debug"},
		{"info", func(l *Logger) { l.Info("i") }, "info"},
		{"warn", func(l *Logger) { l.Warn("w") }, "warn"},
		{"error", func(l *Logger) { l.Error("e") }, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			tt.log(NewLogger(zerolog.New(&output)))
			assert.Contains(t, output.String(), `"level":"`+tt.level+`"`)
		})
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	var output bytes.Buffer
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, output.Len())

	logger.Warn("shown")
	assert.NotZero(t, output.Len())
}
