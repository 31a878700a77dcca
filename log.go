package bdtree

import "go.uber.org/zap"

// Logger is the ambient logging seam carried in Config. No operation of the
// tree (lookups, cache, CAS retries, splits, merges, backend faults) writes
// to it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

type zapLogger struct {
	l *zap.Logger
}

func (z zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

// NewZapLogger adapts a *zap.Logger (e.g. zap.NewProduction()) to Logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zapLogger{l: l}
}

// NewNopLogger returns a Logger that discards everything; it is the default
// so a Tree constructed with DefaultConfig never touches zap's machinery.
func NewNopLogger() Logger { return zapLogger{l: zap.NewNop()} }
