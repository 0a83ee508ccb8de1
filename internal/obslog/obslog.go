// Package obslog is the structured logging facade every other package logs
// through. It mirrors the call shape of the teacher's gosdk/logger package
// (Init once, then package-level Infow/Warnw/Errorw/Debugw with key/value
// pairs) but is backed directly by go.uber.org/zap's SugaredLogger.
package obslog

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zapcore.Level naming so config files can spell levels the
// way the teacher's logger.Config does ("debug", "info", "warn", "error").
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Encoding selects the zapcore encoder.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingConsole Encoding = "console"
)

// Config configures the package-level logger.
type Config struct {
	Level    Level    `json:"level" yaml:"level"`
	Encoding Encoding `json:"encoding" yaml:"encoding"`
}

var (
	mu      sync.Mutex
	sugared atomic.Pointer[zap.SugaredLogger]
)

func init() {
	sugared.Store(fallback())
}

func fallback() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Init installs the package-level logger for the given config. Safe to call
// more than once (e.g. across test packages); the last call wins.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	zcfg := zap.NewProductionConfig()
	switch cfg.Encoding {
	case EncodingConsole:
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	default:
		zcfg.Encoding = "json"
	}

	var lvl zapcore.Level
	switch cfg.Level {
	case LevelDebug:
		lvl = zapcore.DebugLevel
	case LevelWarn:
		lvl = zapcore.WarnLevel
	case LevelError:
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		os.Stderr.WriteString("obslog: failed to build logger: " + err.Error() + "\n")
		return err
	}

	sugared.Store(l.Sugar())
	return nil
}

func logger() *zap.SugaredLogger {
	return sugared.Load()
}

func Debugw(msg string, kv ...interface{}) { logger().Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { logger().Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { logger().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { logger().Errorw(msg, kv...) }

func Info(msg string)  { logger().Info(msg) }
func Warn(msg string)  { logger().Warn(msg) }
func Error(msg string) { logger().Error(msg) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return logger().Sync()
}
