package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds the specified number of bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackAllocation records blocks handed out by the allocator
	TrackAllocation(blocks uint64)

	// TrackRelease records blocks returned to the allocator
	TrackRelease(blocks uint64)

	// TrackGrowth records one file extension of the given number of blocks
	TrackGrowth(blocks uint64)

	// TrackShrink records one tail truncation of the given number of bytes
	TrackShrink(bytes uint64)

	// TrackJournal records a journaled block and its raw and compressed sizes
	TrackJournal(rawBytes, storedBytes uint64)

	// StartRecovery initializes recovery statistics
	StartRecovery() time.Time

	// FinishRecovery completes recovery statistics
	FinishRecovery(startTime time.Time, outcome RecoveryOutcome, blocksRestored uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
