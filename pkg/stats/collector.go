package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Block file operation types
const (
	OpWrite      OperationType = "write"
	OpRead       OperationType = "read"
	OpUpdate     OperationType = "update"
	OpAppend     OperationType = "append"
	OpDelete     OperationType = "delete"
	OpReserve    OperationType = "reserve"
	OpTxBegin    OperationType = "tx_begin"
	OpTxCommit   OperationType = "tx_commit"
	OpTxRollback OperationType = "tx_rollback"
)

// RecoveryOutcome says what open-time recovery did with leftover side-car files.
type RecoveryOutcome string

const (
	RecoveryClean       RecoveryOutcome = "clean"
	RecoveryRolledBack  RecoveryOutcome = "rolled_back"
	RecoveryInvalidated RecoveryOutcome = "invalidated"
	RecoveryGroupCommit RecoveryOutcome = "group_committed"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex

	// Allocator
	blocksAllocated atomic.Uint64
	blocksReleased  atomic.Uint64
	fileExtensions  atomic.Uint64
	blocksReserved  atomic.Uint64
	truncations     atomic.Uint64
	bytesTruncated  atomic.Uint64

	// Journal
	blocksJournaled    atomic.Uint64
	journalRawBytes    atomic.Uint64
	journalStoredBytes atomic.Uint64

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex
}

// RecoveryStats tracks what the last open-time recovery did
type RecoveryStats struct {
	Recoveries       atomic.Uint64
	JournalsReplayed atomic.Uint64
	Invalidations    atomic.Uint64
	GroupCommits     atomic.Uint64
	BlocksRestored   atomic.Uint64
	LastDuration     atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, 0 until the first sample
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.TrackOperation(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current || tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackAllocation records blocks handed out by the allocator
func (c *AtomicCollector) TrackAllocation(blocks uint64) {
	c.blocksAllocated.Add(blocks)
}

// TrackRelease records blocks returned to the allocator
func (c *AtomicCollector) TrackRelease(blocks uint64) {
	c.blocksReleased.Add(blocks)
}

// TrackGrowth records one file extension
func (c *AtomicCollector) TrackGrowth(blocks uint64) {
	c.fileExtensions.Add(1)
	c.blocksReserved.Add(blocks)
}

// TrackShrink records one tail truncation
func (c *AtomicCollector) TrackShrink(bytes uint64) {
	c.truncations.Add(1)
	c.bytesTruncated.Add(bytes)
}

// TrackJournal records a journaled block
func (c *AtomicCollector) TrackJournal(rawBytes, storedBytes uint64) {
	c.blocksJournaled.Add(1)
	c.journalRawBytes.Add(rawBytes)
	c.journalStoredBytes.Add(storedBytes)
}

// StartRecovery marks the beginning of open-time recovery
func (c *AtomicCollector) StartRecovery() time.Time {
	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, outcome RecoveryOutcome, blocksRestored uint64) {
	c.recoveryStats.Recoveries.Add(1)
	switch outcome {
	case RecoveryRolledBack:
		c.recoveryStats.JournalsReplayed.Add(1)
	case RecoveryInvalidated:
		c.recoveryStats.Invalidations.Add(1)
	case RecoveryGroupCommit:
		c.recoveryStats.GroupCommits.Add(1)
	}
	c.recoveryStats.BlocksRestored.Add(blocksRestored)
	c.recoveryStats.LastDuration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()

	stats["alloc_blocks_allocated"] = c.blocksAllocated.Load()
	stats["alloc_blocks_released"] = c.blocksReleased.Load()
	stats["alloc_file_extensions"] = c.fileExtensions.Load()
	stats["alloc_blocks_reserved"] = c.blocksReserved.Load()
	stats["alloc_truncations"] = c.truncations.Load()
	stats["alloc_bytes_truncated"] = c.bytesTruncated.Load()

	stats["journal_blocks"] = c.blocksJournaled.Load()
	stats["journal_raw_bytes"] = c.journalRawBytes.Load()
	stats["journal_stored_bytes"] = c.journalStoredBytes.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"recoveries":        c.recoveryStats.Recoveries.Load(),
		"journals_replayed": c.recoveryStats.JournalsReplayed.Load(),
		"invalidations":     c.recoveryStats.Invalidations.Load(),
		"group_commits":     c.recoveryStats.GroupCommits.Load(),
		"blocks_restored":   c.recoveryStats.BlocksRestored.Load(),
	}
	if d := c.recoveryStats.LastDuration.Load(); d > 0 {
		recoveryStats["last_duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
