package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger for the
// classification service. JSON output, "timestamp" as the time key.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation scopes a logger to one named operation, tagging the
// session when the operation runs on behalf of one.
func WithOperation(logger *zap.Logger, operation, sessionID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	return logger.With(fields...)
}
