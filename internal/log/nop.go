package log

import "context"

type nopLogger struct{}

func (nopLogger) With(...any) Logger                           { return nopLogger{} }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }

// Nop discards everything. Used by tests and as the FromContext fallback.
func Nop() Logger { return nopLogger{} }
