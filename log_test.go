package main

import (
	"context"
	"testing"

	"github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
)

func TestLogConfigFromEnv(t *testing.T) {
	tcs := []struct {
		level, format  string
		expectedLevel  log.LogLevel
		expectedFormat log.LogFormat
	}{
		{"", "", log.LevelInfo, log.ColorizedOutput},
		{"debug", "json", log.LevelDebug, log.JSONOutput},
		{"warn", "TEXT", log.LevelWarn, log.PlaintextOutput},
		{"loud", "xml", log.LevelInfo, log.ColorizedOutput},
	}

	for _, tc := range tcs {
		t.Run(tc.level+"/"+tc.format, func(t *testing.T) {
			t.Setenv(logLevelEnv, tc.level)
			t.Setenv(logFormatEnv, tc.format)

			cfg := logConfigFromEnv()
			assert.Equal(t, tc.expectedLevel, cfg.Level)
			assert.Equal(t, tc.expectedFormat, cfg.Format)
			assert.True(t, cfg.Stderr)
		})
	}
}

func TestLoggerFields(t *testing.T) {
	lg := NewLoggerIPFS("root.test").With("ledgerID", "l1").With("index", 2)
	child := lg.NewSystem("child")

	assert.Equal(t, []any{"ledgerID", "l1", "index", 2}, lg.(*ipfsLogger).fields)
	assert.Equal(t, lg.(*ipfsLogger).fields, child.(*ipfsLogger).fields)

	ctx := SetContextLogger(context.Background(), lg)
	assert.Same(t, lg, LoggerFromContext(ctx))
	assert.NotNil(t, LoggerFromContext(context.Background()))
}
