package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustHoldID(test *testing.T, raw string) ledger.HoldID {
	test.Helper()
	holdID, err := ledger.NewHoldID(raw)
	if err != nil {
		test.Fatalf("hold id: %v", err)
	}
	return holdID
}

func TestZapOperationLoggerLevelsAndFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.DebugLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	operationLogger.LogOperation(ctx, ledger.OperationLog{Operation: "hold", UserID: userID, HoldID: mustHoldID(test, "hold-1"), Amount: -25, Attempts: 1, Status: "ok"})
	operationLogger.LogOperation(ctx, ledger.OperationLog{Operation: "acquire_slot", UserID: userID, Attempts: 2, Status: "rejected", Error: ledger.ErrSlotLimitReached})
	operationLogger.LogOperation(ctx, ledger.OperationLog{Operation: "capture", Attempts: 1, Status: "error", Error: errors.New("boom")})

	entries := recorded.All()
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	expectedLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for index, entry := range entries {
		if entry.Level != expectedLevels[index] {
			test.Fatalf("entry %d: expected level %s, got %s", index, expectedLevels[index], entry.Level)
		}
		if entry.Message != messageOp {
			test.Fatalf("unexpected message %q", entry.Message)
		}
	}
	first := entries[0].ContextMap()
	if first["hold_id"] != "hold-1" || first["user_id"] != "user-1" || first["amount"] != int64(-25) {
		test.Fatalf("unexpected fields %v", first)
	}
	if _, ok := entries[2].ContextMap()["user_id"]; ok {
		test.Fatalf("zero user id must be omitted")
	}
	if entries[1].ContextMap()["error"] != ledger.ErrSlotLimitReached.Error() {
		test.Fatalf("expected error field, got %v", entries[1].ContextMap())
	}
}

func TestNewZapOperationLoggerAcceptsNil(test *testing.T) {
	test.Parallel()
	NewZapOperationLogger(nil).LogOperation(context.Background(), ledger.OperationLog{Operation: "grant", Status: "ok"})
}

func TestMetricsCountOperations(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	ctx := context.Background()

	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "capture", Amount: -30, Attempts: 1, Status: "ok"})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "capture", Amount: -20, Attempts: 2, Status: "ok"})
	metrics.LogOperation(ctx, ledger.OperationLog{Operation: "hold", Amount: -90, Attempts: 2, Status: "rejected"})

	families, err := registry.Gather()
	if err != nil {
		test.Fatalf("gather: %v", err)
	}
	if value := counterValue(families, "credits_operations_total", map[string]string{"operation": "capture", "status": "ok"}); value != 2 {
		test.Fatalf("expected 2 captures, got %v", value)
	}
	if value := counterValue(families, "credits_operations_total", map[string]string{"operation": "hold", "status": "rejected"}); value != 1 {
		test.Fatalf("expected 1 rejected hold, got %v", value)
	}
	if value := counterValue(families, "credits_credits_moved_total", map[string]string{"operation": "capture"}); value != 50 {
		test.Fatalf("expected 50 credits captured, got %v", value)
	}
	if value := counterValue(families, "credits_credits_moved_total", map[string]string{"operation": "hold"}); value != 0 {
		test.Fatalf("rejected operations must not move credits, got %v", value)
	}
}

func TestFanOutForwardsToEveryLogger(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	registry := prometheus.NewRegistry()
	fanOut := FanOut{NewZapOperationLogger(zap.New(core)), nil, NewMetrics(registry)}

	fanOut.LogOperation(context.Background(), ledger.OperationLog{Operation: "grant", Amount: 10, Attempts: 1, Status: "ok"})

	if recorded.Len() != 1 {
		test.Fatalf("expected one log line, got %d", recorded.Len())
	}
	families, err := registry.Gather()
	if err != nil {
		test.Fatalf("gather: %v", err)
	}
	if value := counterValue(families, "credits_operations_total", map[string]string{"operation": "grant", "status": "ok"}); value != 1 {
		test.Fatalf("expected one counted grant, got %v", value)
	}
}

func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matchesLabels(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, pair := range metric.GetLabel() {
		if labels[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}
