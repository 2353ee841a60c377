// Package logging implements core.ILogger on zap. Lines go to stdout
// through the console encoder and, via the otelzap bridge, to whatever
// OTel logger provider is installed when the logger is built.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"taskfleet/internal/core"
)

// Level is a log severity threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[Level]string{
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zap.DebugLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// ParseLevel reads a level name case-insensitively. Unknown names come back
// as InfoLevel with an error so callers can choose between strict and
// tolerant handling.
func ParseLevel(name string) (Level, error) {
	upper := strings.ToUpper(name)
	for level, n := range levelNames {
		if n == upper {
			return level, nil
		}
	}
	return InfoLevel, fmt.Errorf("invalid log level: %s", name)
}

// ZapLogger adapts a zap sugared logger to core.ILogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ core.ILogger = (*ZapLogger)(nil)

// NewZapLogger builds the process logger at the given level. A level that
// does not parse falls back to INFO rather than failing startup. The OTel
// bridge core captures the logger provider installed at this moment, so
// telemetry setup has to happen first.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, _ := ParseLevel(levelStr)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level.zapLevel(),
	)
	bridgeCore := otelzap.NewCore("taskfleet",
		otelzap.WithLoggerProvider(global.GetLoggerProvider()))

	logger := zap.New(
		zapcore.NewTee(consoleCore, bridgeCore),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
	return &ZapLogger{sugar: logger.Sugar()}, nil
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.sugar.Debugw(msg, fields...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.sugar.Infow(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.sugar.Warnw(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.sugar.Errorw(msg, fields...) }
func (l *ZapLogger) Fatal(msg string, fields ...interface{}) { l.sugar.Fatalw(msg, fields...) }

// WithField returns a child logger carrying one extra field.
func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{sugar: l.sugar.With(key, value)}
}

// WithFields returns a child logger carrying every given field.
func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	kv := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &ZapLogger{sugar: l.sugar.With(kv...)}
}

// Sync flushes buffered entries. Stdout may reject the sync on some
// platforms; callers usually ignore the error at shutdown.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// loggerBox keeps atomic.Value happy when callers install logger
// implementations of differing concrete types.
type loggerBox struct {
	logger core.ILogger
}

// globalLogger holds the process-wide logger. It starts as a plain INFO
// logger so early code can log before bootstrap swaps the real one in.
var globalLogger atomic.Value

func init() {
	logger, _ := NewZapLogger("INFO")
	globalLogger.Store(loggerBox{logger: logger})
}

// SetGlobalLogger replaces the process-wide logger.
func SetGlobalLogger(logger core.ILogger) {
	globalLogger.Store(loggerBox{logger: logger})
}

// GetGlobalLogger returns the process-wide logger.
func GetGlobalLogger() core.ILogger {
	return globalLogger.Load().(loggerBox).logger
}

func Debug(msg string, fields ...interface{}) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...interface{}) { GetGlobalLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...interface{}) { GetGlobalLogger().Fatal(msg, fields...) }
