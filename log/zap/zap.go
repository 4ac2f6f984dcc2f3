// Package zap adapts a *zap.Logger to herdsync.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/unkn0wn-root/herdsync"
)

var _ herdsync.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger "herdsync"; a nil l yields zap.NewNop.
func New(l *zap.Logger) ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return ZapLogger{L: l.Named("herdsync")}
}

func (z ZapLogger) Debug(msg string, f herdsync.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f herdsync.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f herdsync.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f herdsync.Fields) { z.L.Error(msg, zf(f)...) }

// zf emits fields in key order; error values keep zap's error encoding.
func zf(f herdsync.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		switch v := f[k].(type) {
		case nil:
			continue
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
