package telemetry

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig controls the zap logger constructed by NewLogger.
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool   // console encoder instead of JSON
}

// NewLogger builds the logr.Logger every component's constructor takes,
// backed by zap and bridged through zapr so call sites never import zap
// directly.
func NewLogger(cfg LoggerConfig) (logr.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// WithRequestContext returns a logger bound to the request_id/trace_id
// fields every log line in the request path must carry.
func WithRequestContext(log logr.Logger, requestID, traceID string) logr.Logger {
	return log.WithValues("request_id", requestID, "trace_id", traceID)
}
