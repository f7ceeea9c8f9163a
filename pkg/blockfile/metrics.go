// ABOUTME: Block file telemetry metrics interface and implementation for tracking record and transaction operations
// ABOUTME: Provides instrumentation for operations, journaling, file growth, recovery and group commits

package blockfile

import (
	"context"
	"time"

	"github.com/KevoDB/blockstore/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the interface for block file telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records one public operation and the record bytes it moved.
	RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, err error)

	// RecordJournal records one block saved to the journal.
	RecordJournal(ctx context.Context, rawBytes, storedBytes int64, codec string)

	// RecordGrowth records the file growing by a batch of free blocks.
	RecordGrowth(ctx context.Context, blocks, bytes int64)

	// RecordTransaction records the end of a transaction.
	RecordTransaction(ctx context.Context, outcome string, duration time.Duration, blocks int)

	// RecordRecovery records side-car files resolved when a file is opened.
	RecordRecovery(ctx context.Context, outcome string, blocksRestored int64, duration time.Duration)

	// RecordCorruption records a corrupt structure found during an operation.
	RecordCorruption(ctx context.Context, op string, fileID string)

	// RecordGroupCommit records a completed group finalize.
	RecordGroupCommit(ctx context.Context, members int, duration time.Duration)
}

// fileMetrics implements Metrics using the telemetry interface.
type fileMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a new block file metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &fileMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *fileMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
	status := telemetry.StatusSuccess
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockFile),
		attribute.String(telemetry.AttrOperationType, op),
	}
	if err != nil {
		status = telemetry.StatusError
		attrs = append(attrs, attribute.String(telemetry.AttrErrorType, errorKind(err)))
	}
	attrs = append(attrs, attribute.String(telemetry.AttrStatus, status))

	m.tel.RecordHistogram(ctx, "blockstore.file.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "blockstore.file.operations.total", 1, attrs...)

	if err == nil && bytes > 0 {
		m.tel.RecordCounter(ctx, "blockstore.file.bytes", bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockFile),
			attribute.String(telemetry.AttrOperationType, op),
		)
	}
}

func (m *fileMetrics) RecordJournal(ctx context.Context, rawBytes, storedBytes int64, codec string) {
	m.tel.RecordCounter(ctx, "blockstore.file.journal.blocks", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrCodec, codec),
	)
	m.tel.RecordCounter(ctx, "blockstore.file.journal.bytes", storedBytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrCodec, codec),
	)
	if rawBytes > 0 {
		m.tel.RecordHistogram(ctx, "blockstore.file.journal.compression_ratio", float64(storedBytes)/float64(rawBytes),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
			attribute.String(telemetry.AttrCodec, codec),
		)
	}
}

func (m *fileMetrics) RecordGrowth(ctx context.Context, blocks, bytes int64) {
	m.tel.RecordCounter(ctx, "blockstore.file.alloc.reserved_blocks", blocks,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentAllocator),
	)
	m.tel.RecordCounter(ctx, "blockstore.file.alloc.growth_bytes", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentAllocator),
	)
}

func (m *fileMetrics) RecordTransaction(ctx context.Context, outcome string, duration time.Duration, blocks int) {
	m.tel.RecordHistogram(ctx, "blockstore.file.transaction.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrOperationType, outcome),
	)
	m.tel.RecordHistogram(ctx, "blockstore.file.transaction.blocks", float64(blocks),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrOperationType, outcome),
	)
}

func (m *fileMetrics) RecordRecovery(ctx context.Context, outcome string, blocksRestored int64, duration time.Duration) {
	m.tel.RecordCounter(ctx, "blockstore.file.recovery.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRecover),
		attribute.String(telemetry.AttrReason, outcome),
	)
	m.tel.RecordCounter(ctx, "blockstore.file.recovery.blocks_restored", blocksRestored,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
	)
	m.tel.RecordHistogram(ctx, "blockstore.file.recovery.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentJournal),
		attribute.String(telemetry.AttrReason, outcome),
	)
}

func (m *fileMetrics) RecordCorruption(ctx context.Context, op string, fileID string) {
	m.tel.RecordCounter(ctx, "blockstore.file.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentBlockFile),
		attribute.String(telemetry.AttrOperationType, op),
		attribute.String(telemetry.AttrFileID, fileID),
	)
}

func (m *fileMetrics) RecordGroupCommit(ctx context.Context, members int, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "blockstore.file.group.finalize.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentGroup),
	)
	m.tel.RecordCounter(ctx, "blockstore.file.group.members", int64(members),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentGroup),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *fileMetrics) Close() error {
	return nil
}

// noopMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopMetrics struct{}

func (n *noopMetrics) RecordOperation(ctx context.Context, op string, duration time.Duration, bytes int64, err error) {
}

func (n *noopMetrics) RecordJournal(ctx context.Context, rawBytes, storedBytes int64, codec string) {}

func (n *noopMetrics) RecordGrowth(ctx context.Context, blocks, bytes int64) {}

func (n *noopMetrics) RecordTransaction(ctx context.Context, outcome string, duration time.Duration, blocks int) {
}

func (n *noopMetrics) RecordRecovery(ctx context.Context, outcome string, blocksRestored int64, duration time.Duration) {
}

func (n *noopMetrics) RecordCorruption(ctx context.Context, op string, fileID string) {}

func (n *noopMetrics) RecordGroupCommit(ctx context.Context, members int, duration time.Duration) {}

// Close is a no-op.
func (n *noopMetrics) Close() error {
	return nil
}
