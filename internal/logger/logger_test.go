package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"", LogLevelInfo, false},
		{"DEBUG", LogLevelDebug, false},
		{" warn ", LogLevelWarning, false},
		{"error", LogLevelError, false},
		{"off", LogLevelNone, false},
		{"verbose", LogLevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerLevelsAndTags(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(log.New(&buf, "", 0), LogLevelWarning).WithTag("engine")

	l.Debugf("hidden %d", 1)
	l.Infof("hidden %d", 2)
	l.Warnf("shown %d", 3)
	l.Errorf("shown %d", 4)

	assert.Equal(t, "[engine] WARN: shown 3\n[engine] ERROR: shown 4\n", buf.String())
}

func TestLoggerUntaggedAndRetagged(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(log.New(&buf, "", 0), LogLevelDebug)

	base.Infof("plain")
	base.Debugf("detail %s", "x")
	base.WithTag("api").WithTag("metrics").Infof("listening")

	assert.Equal(t, "plain\nDEBUG: detail x\n[metrics] listening\n", buf.String())
}

func TestDiscardIsSilent(t *testing.T) {
	l := Discard()
	assert.Equal(t, LogLevelNone, l.Level())
	l.Errorf("dropped")
}
