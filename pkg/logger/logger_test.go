package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(l *StdLogger) *[]string {
	lines := &[]string{}
	l.printf = func(format string, args ...interface{}) {
		*lines = append(*lines, fmt.Sprintf(format, args...))
	}
	return lines
}

func TestStdLogger(t *testing.T) {
	t.Run("level filtering", func(t *testing.T) {
		l := NewStdLogger(false, NoticeLevel)
		lines := capture(l)

		l.Debug("debug %d", 1)
		l.Info("info %d", 2)
		l.Notice("notice %d", 3)
		l.Error("error %d", 4)

		require.Len(t, *lines, 2)
		assert.Equal(t, "[NOTICE] notice 3", (*lines)[0])
		assert.Equal(t, "[ERROR]  error 4", (*lines)[1])
	})

	t.Run("intent prefix", func(t *testing.T) {
		l := NewStdLogger(false, DebugLevel)
		lines := capture(l)

		l.InfoWithIntent(42, "executing %s", "plan")
		l.DebugWithIntent(0, "no prefix")

		require.Len(t, *lines, 2)
		assert.Equal(t, "[INFO]   [#42] executing plan", (*lines)[0])
		assert.Equal(t, "[DEBUG]  no prefix", (*lines)[1])
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{" notice ", NoticeLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
