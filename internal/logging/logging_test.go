package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/hashkv/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"trace", zapcore.InfoLevel, true},
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

func TestNew_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(config.LogConfig{
		Level:         "info",
		Path:          dir,
		EnableLogFile: true,
		Rotation:      config.RotationConfig{Kind: config.RotationSize, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	logger.Info("Server started")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Server started")
}

func TestNew_TimeRotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(config.LogConfig{
		Level:         "debug",
		Path:          dir,
		EnableLogFile: true,
		Rotation:      config.RotationConfig{Kind: config.RotationTime, Period: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	logger.Info("Before rotation")
	time.Sleep(100 * time.Millisecond)
	logger.Info("After rotation")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "rotated backups should sit next to the active file")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "verbose"})
	assert.Error(t, err)
}
