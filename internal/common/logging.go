package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the level and the optional rotating JSON log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Directory  string `yaml:"directory" toml:"directory"`
	FileName   string `yaml:"fileName" toml:"fileName"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

var (
	logMu   sync.RWMutex
	logger  = NewConsoleLogger(os.Stderr, zapcore.InfoLevel)
	rotator *lumberjack.Logger
)

// Logger returns the process-wide logger.
func Logger() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// SetLogger replaces the process-wide logger and returns the previous one.
func SetLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	logMu.Lock()
	defer logMu.Unlock()
	prev := logger
	logger = l
	return prev
}

func Logf(format string, args ...interface{}) {
	Logger().Sugar().Infof(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Logger().Sugar().Fatalf(format, args...)
}

func encoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = func(ts time.Time, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(ts.UTC().Format(time.RFC3339Nano))
	}
	config.EncodeDuration = func(d time.Duration, encoder zapcore.PrimitiveArrayEncoder) {
		encoder.AppendString(d.String())
	}
	return config
}

// NewConsoleLogger writes human-readable lines to w.
func NewConsoleLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	))
}

// ParseLevel accepts debug, info, warn and error; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return lvl, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// ConfigureLogging installs the process-wide logger: console lines on
// stderr and, when a directory is set, JSON lines through a rotating file.
func ConfigureLogging(cfg LogConfig) (*zap.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), lvl),
	}
	var rot *lumberjack.Logger
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := cfg.FileName
		if name == "" {
			name = "siomule.log"
		}
		rot = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Directory, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rot), lvl))
	}
	l := zap.New(zapcore.NewTee(cores...))

	logMu.Lock()
	prevRot := rotator
	logger, rotator = l, rot
	logMu.Unlock()
	if prevRot != nil {
		_ = prevRot.Close()
	}
	return l, nil
}

// CloseLogging flushes the logger and closes the rotating file, if any.
func CloseLogging() error {
	logMu.Lock()
	l, rot := logger, rotator
	rotator = nil
	logMu.Unlock()
	_ = l.Sync()
	if rot != nil {
		return rot.Close()
	}
	return nil
}
