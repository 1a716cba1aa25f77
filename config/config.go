// This package defines a common config struct which can be used by any subsystem within rally.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug   bool
	RootDir string

	// ratchet protocol
	MaxSkip               uint
	MaxMessageKeys        int
	MessageKeyMaxAgeSec   uint64
	RequireOneTimePrekeys bool
	OneTimePrekeyCount    int

	// conversation quarantine
	ResendResetTimeoutSec uint64

	// certificates
	CertValiditySec      uint64
	CertRenewalLeewaySec uint64

	// workers
	RenewalIntervalSec    uint64
	CacheCleanIntervalSec uint64

	// bounded waits
	VerifyTimeoutMs int64

	LoggingPrefix string
	writer        io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxSkip(n uint) Option {
	return func(c *Config) {
		c.MaxSkip = n
	}
}

func WithMaxMessageKeys(n int) Option {
	return func(c *Config) {
		c.MaxMessageKeys = n
	}
}

func WithMessageKeyMaxAgeSec(n uint64) Option {
	return func(c *Config) {
		c.MessageKeyMaxAgeSec = n
	}
}

func WithRequireOneTimePrekeys(r bool) Option {
	return func(c *Config) {
		c.RequireOneTimePrekeys = r
	}
}

func WithResendResetTimeoutSec(n uint64) Option {
	return func(c *Config) {
		c.ResendResetTimeoutSec = n
	}
}

func WithCertValiditySec(n uint64) Option {
	return func(c *Config) {
		c.CertValiditySec = n
	}
}

func WithCertRenewalLeewaySec(n uint64) Option {
	return func(c *Config) {
		c.CertRenewalLeewaySec = n
	}
}

func WithRenewalIntervalSec(n uint64) Option {
	return func(c *Config) {
		c.RenewalIntervalSec = n
	}
}

func WithCacheCleanIntervalSec(n uint64) Option {
	return func(c *Config) {
		c.CacheCleanIntervalSec = n
	}
}

func WithVerifyTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.VerifyTimeoutMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                 os.Getenv("DEBUG") == "1",
		RootDir:               ".",
		MaxSkip:               1000,
		MaxMessageKeys:        2000,
		MessageKeyMaxAgeSec:   60 * 60 * 24 * 30,
		RequireOneTimePrekeys: false,
		OneTimePrekeyCount:    100,
		ResendResetTimeoutSec: 60 * 60,
		CertValiditySec:       60 * 60 * 24 * 365,
		CertRenewalLeewaySec:  60 * 60 * 24 * 30,
		RenewalIntervalSec:    60 * 60 * 24,
		CacheCleanIntervalSec: 60 * 60,
		VerifyTimeoutMs:       30000,
		LoggingPrefix:         "",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
