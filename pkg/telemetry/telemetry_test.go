// ABOUTME: Tests for core telemetry interface and no-op implementation functionality
// ABOUTME: Validates recording helpers, span creation and lifecycle on the no-op implementation

package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	tel.RecordHistogram(ctx, "test.histogram", 1.5, attribute.String("key", "value"))
	tel.RecordCounter(ctx, "test.counter", 10, attribute.String("key", "value"))

	spanCtx, span := tel.StartSpan(ctx, "test.span", attribute.String("test", "value"))
	if spanCtx == nil {
		t.Error("StartSpan returned nil context")
	}
	if span == nil {
		t.Fatal("StartSpan returned nil span")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
}

func TestNewForTesting(t *testing.T) {
	tel := NewForTesting()
	if _, ok := tel.(*NoopTelemetry); !ok {
		t.Errorf("expected *NoopTelemetry, got %T", tel)
	}
}

func TestRecordHelpers(t *testing.T) {
	tel := NewNoop()
	ctx := context.Background()

	RecordDuration(ctx, tel, "blockstore.test.duration", time.Now().Add(-time.Millisecond),
		attribute.String(AttrComponent, ComponentBlockFile))
	RecordBytes(ctx, tel, "blockstore.test.bytes", 4096,
		attribute.String(AttrOperationType, OpTypeWrite))
}

func TestConstantsAreDistinct(t *testing.T) {
	ops := []string{OpTypeWrite, OpTypeRead, OpTypeUpdate, OpTypeAppend, OpTypeDelete,
		OpTypeBegin, OpTypeCommit, OpTypeRollback, OpTypeRecover}
	seen := make(map[string]bool)
	for _, op := range ops {
		if op == "" || seen[op] {
			t.Errorf("operation type %q empty or duplicated", op)
		}
		seen[op] = true
	}

	components := []string{ComponentBlockFile, ComponentJournal, ComponentAllocator, ComponentGroup}
	seen = make(map[string]bool)
	for _, c := range components {
		if c == "" || seen[c] {
			t.Errorf("component %q empty or duplicated", c)
		}
		seen[c] = true
	}
}
