package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" WaRn ", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.level))
		})
	}
}

func TestSetupFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	Setup("warn", &buf)

	Info().Msg("quiet message")
	assert.Empty(t, buf.String())

	Warn().Msg("loud message")
	assert.Contains(t, buf.String(), "loud message")
}

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	Setup("debug", &buf)

	l := Component("hue")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), "component=hue")
	assert.Contains(t, buf.String(), "hello")
}
