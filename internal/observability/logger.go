// Package observability adapts ledger operation events to zap and Prometheus.
package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	statusOK       = "ok"
	statusRejected = "rejected"
	messageOp      = "ledger operation"
)

// ZapOperationLogger writes one structured line per ledger operation.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns a logger that writes through logger. A nil
// logger discards everything.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int("attempts", entry.Attempts),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if !entry.HoldID.IsZero() {
		fields = append(fields, zap.String("hold_id", entry.HoldID.String()))
	}
	if !entry.RequestID.IsZero() {
		fields = append(fields, zap.String("request_id", entry.RequestID.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry.Status), messageOp, fields...)
}

func levelFor(status string) zapcore.Level {
	switch status {
	case statusOK:
		return zapcore.InfoLevel
	case statusRejected:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// FanOut forwards every operation to each logger in order.
type FanOut []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (loggers FanOut) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
