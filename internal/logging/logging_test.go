package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env   string
		level string
		want  zapcore.Level
	}{
		{"production", "debug", zapcore.DebugLevel},
		{"development", "warn", zapcore.WarnLevel},
		{"production", "loud", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.env, tt.level)
		if err != nil {
			t.Fatalf("new logger: %v", err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Fatalf("%s/%s: expected %s enabled", tt.env, tt.level, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Fatalf("%s/%s: expected %s disabled", tt.env, tt.level, tt.want-1)
		}
	}
}
