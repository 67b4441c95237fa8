// Package logging provides the ambient structured-logging boundary used
// by every component, shaped like the teacher's root-level Logger
// interface: Info/Warn/Error/Debug(msg string, args ...any) of
// alternating key-value pairs.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the structured logging interface every component depends on.
// Implementations are expected to be safe for concurrent use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a production-configured zap logger writing JSON to stderr.
func NewZap() (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

// NewDevelopment builds a human-readable console logger, for local runs of
// cmd/overlayhost and cmd/controlapp.
func NewDevelopment() Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on an unconstructable sink; stderr
		// always works, so fall back rather than propagate.
		z = zap.NewNop()
	}
	return &zapLogger{sugar: z.Sugar()}
}

func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// Recorder is an in-memory Logger used by tests that want to assert on
// log output without a real sink. It mirrors the teacher's BDD-test style
// of recording calls for later assertions.
type Recorder struct {
	Entries []Entry
}

// Entry is one recorded log call.
type Entry struct {
	Level string
	Msg   string
	Args  []any
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Info(msg string, args ...any)  { r.Entries = append(r.Entries, Entry{"info", msg, args}) }
func (r *Recorder) Warn(msg string, args ...any)  { r.Entries = append(r.Entries, Entry{"warn", msg, args}) }
func (r *Recorder) Error(msg string, args ...any) { r.Entries = append(r.Entries, Entry{"error", msg, args}) }
func (r *Recorder) Debug(msg string, args ...any) { r.Entries = append(r.Entries, Entry{"debug", msg, args}) }

var _ Logger = (*Recorder)(nil)
var _ Logger = (*zapLogger)(nil)
