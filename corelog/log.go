// Package corelog wraps zap the way the teacher's logger package does,
// but as an injectable value instead of a single package-level global —
// the exchange core is meant to be embedded, and a test harness that
// spins up several engines in one process should not have them all
// write through one shared sink.
package corelog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the shortcut surface the rest of the core calls through.
type Logger struct {
	z *zap.Logger
}

// New builds a console-encoded, caller-annotated logger at debug level,
// matching the teacher's default encoder configuration.
func New(name string) *Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if name != "" {
		z = z.Named(name)
	}
	return &Logger{z: z}
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }

func (l *Logger) Infof(format string, args ...interface{})  { l.z.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Error(fmt.Sprintf(format, args...)) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debug(fmt.Sprintf(format, args...)) }
