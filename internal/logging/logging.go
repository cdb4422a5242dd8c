package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devrev/hashkv/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileName is the name of the server log inside the configured directory
const LogFileName = "hashkv.log"

// Logger bundles the zap logger with the resources backing its file sink
type Logger struct {
	*zap.Logger
	file *lumberjack.Logger
	stop chan struct{}
}

// ParseLevel maps a configured level name onto a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// New builds a logger writing to stderr and, when enabled, to a rotated file
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	l := &Logger{}
	if cfg.EnableLogFile {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = newRotatingFile(cfg)
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(l.file), level))

		if cfg.Rotation.Kind == config.RotationTime {
			l.stop = make(chan struct{})
			go l.rotateEvery(cfg.Rotation.Period)
		}
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return l, nil
}

func newRotatingFile(cfg config.LogConfig) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Path, LogFileName),
		MaxAge:     cfg.Rotation.MaxAge,
		MaxBackups: cfg.Rotation.Backups,
		LocalTime:  true,
	}
	switch cfg.Rotation.Kind {
	case config.RotationSize:
		lj.MaxSize = cfg.Rotation.MaxSizeMB
	default:
		// lumberjack always rotates on size; push the threshold out of reach
		// so only explicit Rotate calls roll the file.
		lj.MaxSize = 1 << 20
	}
	return lj
}

func (l *Logger) rotateEvery(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.file.Rotate(); err != nil {
				l.Warn("Failed to rotate log file", zap.Error(err))
			}
		case <-l.stop:
			return
		}
	}
}

// Close flushes buffered entries and releases the log file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.stop != nil {
		close(l.stop)
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
