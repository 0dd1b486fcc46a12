// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package logutil builds the zap loggers used across the heap.
//
// Loggers write human readable console lines or JSON records, to stderr or to
// a size-rotated file managed by lumberjack.
package logutil

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// LogConfig describes where and how to log.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max-size"`    // megabytes per file before rotation
	MaxDays    int    `toml:"max-days"`    // days to retain rotated files
	MaxBackups int    `toml:"max-backups"` // rotated files to retain
}

// DefaultLogConfig logs info and above to stderr in console format.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:   zapcore.InfoLevel.String(),
		Format:  FormatConsole,
		MaxSize: 512,
	}
}

// Validate checks the level and format names.
func (cfg *LogConfig) Validate() error {
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	switch strings.ToLower(cfg.Format) {
	case "", FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("log format %q: want %q or %q", cfg.Format, FormatConsole, FormatJSON)
	}
	if cfg.MaxSize < 0 || cfg.MaxDays < 0 || cfg.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

// Build constructs a logger from the configuration.
func (cfg *LogConfig) Build() (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	core := zapcore.NewCore(cfg.getEncoder(), cfg.getSyncer(), cfg.getLevel())
	return zap.New(core, cfg.getOptions()...), nil
}

func (cfg *LogConfig) getLevel() zap.AtomicLevel {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return zap.NewAtomicLevelAt(level)
}

func (cfg *LogConfig) getEncoder() zapcore.Encoder {
	return getLoggerEncoder(cfg.Format)
}

func (cfg *LogConfig) getSyncer() zapcore.WriteSyncer {
	if cfg.Filename == "" {
		return getConsoleSyncer()
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	})
}

func (cfg *LogConfig) getOptions() []zap.Option {
	return []zap.Option{zap.AddStacktrace(zapcore.FatalLevel), zap.AddCaller()}
}

func getLoggerEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if strings.ToLower(format) == FormatJSON {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getConsoleSyncer() zapcore.WriteSyncer {
	return zapcore.Lock(os.Stderr)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
