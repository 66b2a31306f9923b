package raft

import (
	"go.uber.org/zap"
)

// LogLevel selects the verbosity of the engine's structured logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// NewLogger builds the *zap.SugaredLogger every component in this
// module logs through. Production config (JSON, sampled) is used
// outside LogLevelDebug; development config (console, unsampled)
// otherwise.
func NewLogger(level LogLevel) *zap.SugaredLogger {
	var cfg zap.Config
	if level == LogLevelDebug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case LogLevelDebug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case LogLevelInfo:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case LogLevelWarn:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case LogLevelError:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		// Building the configured logger should never fail for the
		// static configs above; fall back rather than take the
		// process down over a logging setup error.
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Identity is implemented by anything LogFields can stamp every log
// line with: a server id, current role, and current term.
type Identity interface {
	Id() ServerId
	RoleString() string
	CurrentTerm() Term
}

// LogFields prefixes a set of key/value pairs with the server's
// identity so every log line is attributable to a server/role/term
// without the caller repeating it.
func LogFields(id Identity, kv ...interface{}) []interface{} {
	fields := []interface{}{
		"server_id", id.Id().String(),
		"role", id.RoleString(),
		"term", uint64(id.CurrentTerm()),
	}
	return append(fields, kv...)
}
