package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	loggerOnce   sync.Once
)

// InitializeLogger builds the process logger once: a console core on stdout
// and, when a log file is configured, a rotated JSON file core.
func InitializeLogger(cfg LoggerConfig) *zap.Logger {
	loggerOnce.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{
			zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(os.Stdout), level),
		}

		if cfg.LogFile != "" {
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(newEncoder("json"), fileWriter, level))
		}

		logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
		if cfg.ServiceName != "" {
			logger = logger.Named(cfg.ServiceName)
		}
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
	})
	return GetLogger()
}

// GetLogger returns the process logger, or a no-op logger before initialization.
func GetLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.ConsoleSeparator = "  "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// zapTLSLogger routes tls-client diagnostics into zap at debug level.
type zapTLSLogger struct {
	s *zap.SugaredLogger
}

func newTLSLogger(logger *zap.Logger) *zapTLSLogger {
	return &zapTLSLogger{s: logger.Named("tls").Sugar()}
}

func (l *zapTLSLogger) Debug(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *zapTLSLogger) Info(format string, args ...any)  { l.s.Debugf(format, args...) }
func (l *zapTLSLogger) Warn(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *zapTLSLogger) Error(format string, args ...any) { l.s.Errorf(format, args...) }

// redact hides everything but the edges of a secret for log output.
func redact(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s…%s", secret[:4], secret[len(secret)-4:])
}
