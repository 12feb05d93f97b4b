package main

import (
	"context"
	"os"
	"strings"

	"github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

const (
	logLevelEnv  = "CUSTODIAN_LOG_LEVEL"
	logFormatEnv = "CUSTODIAN_LOG_FORMAT"
)

// Logger is the structured logger used across the service. Key-value
// arguments are pairs, e.g. "ledgerID", id, "index", i.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and exits the process.
	Fatal(msg string, keysAndValues ...any)
	// Trace is discarded.
	Trace(msg string, keysAndValues ...any)
	// With returns a logger that adds key and value to every entry.
	With(key string, value any) Logger
	// NewSystem returns a logger named name that keeps the fields added with With.
	NewSystem(name string) Logger
}

// NewLoggerIPFS returns a go-log backed logger for the named subsystem.
func NewLoggerIPFS(name string) Logger {
	return &ipfsLogger{lg: namedSugar(name)}
}

type ipfsLogger struct {
	lg     *zap.SugaredLogger
	fields []any
}

// namedSugar skips one caller frame so entries point at the ipfsLogger caller.
func namedSugar(name string) *zap.SugaredLogger {
	return log.Logger(name).Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func (l *ipfsLogger) Trace(string, ...any) {}

func (l *ipfsLogger) Debug(msg string, keysAndValues ...any) { l.lg.Debugw(msg, keysAndValues...) }
func (l *ipfsLogger) Info(msg string, keysAndValues ...any)  { l.lg.Infow(msg, keysAndValues...) }
func (l *ipfsLogger) Warn(msg string, keysAndValues ...any)  { l.lg.Warnw(msg, keysAndValues...) }
func (l *ipfsLogger) Error(msg string, keysAndValues ...any) { l.lg.Errorw(msg, keysAndValues...) }
func (l *ipfsLogger) Fatal(msg string, keysAndValues ...any) { l.lg.Fatalw(msg, keysAndValues...) }

func (l *ipfsLogger) With(key string, value any) Logger {
	fields := make([]any, 0, len(l.fields)+2)
	fields = append(fields, l.fields...)
	fields = append(fields, key, value)
	return &ipfsLogger{lg: l.lg.With(key, value), fields: fields}
}

func (l *ipfsLogger) NewSystem(name string) Logger {
	return &ipfsLogger{lg: namedSugar(name).With(l.fields...), fields: l.fields}
}

type loggerContextKey struct{}

// SetContextLogger attaches lg to ctx.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger attached to ctx, or a logger named
// "noop" when there is none.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
			return l
		}
	}
	return NewLoggerIPFS("noop")
}

func logConfigFromEnv() log.Config {
	level, err := log.Parse(os.Getenv(logLevelEnv))
	if err != nil {
		level = log.LevelInfo
	}

	cfg := log.Config{Level: level, Stderr: true, Format: log.ColorizedOutput}
	switch strings.ToLower(os.Getenv(logFormatEnv)) {
	case "json":
		cfg.Format = log.JSONOutput
	case "plaintext", "text":
		cfg.Format = log.PlaintextOutput
	}
	return cfg
}

func init() {
	log.SetupLogging(logConfigFromEnv())
}
