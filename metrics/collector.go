// Package metrics provides client-lifetime metrics collection.
//
// The Collector accumulates counters for one client instance. It is a
// leaf package with no internal dependencies. Buffer-level counters are
// absorbed from the buffer's stats snapshot at close (or on demand)
// rather than recorded live, avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Posts
	PostsAccepted int64
	PostsRejected int64

	// Flusher
	FlushCycles     int64
	FlushCycleFails int64

	// Transport
	TransportSuccess int64
	TransportFailure int64

	// Buffer (absorbed from buffer.Stats)
	RecordsAppended int64
	ChunksSealed    int64
	ChunksFlushed   int64
	BytesFlushed    int64
	BackupSaved     int64
	BackupRestored  int64

	// Dimensions (informational, set at construction)
	Mode    string
	Backend string
}

// Collector accumulates metrics during a client's lifetime.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	postsAccepted int64
	postsRejected int64

	flushCycles     int64
	flushCycleFails int64

	transportSuccess int64
	transportFailure int64

	recordsAppended int64
	chunksSealed    int64
	chunksFlushed   int64
	bytesFlushed    int64
	backupSaved     int64
	backupRestored  int64

	mode    string
	backend string
}

// NewCollector creates a Collector with dimension labels: the pool
// storage mode and the backup backend in use.
func NewCollector(mode, backend string) *Collector {
	return &Collector{mode: mode, backend: backend}
}

// IncPostAccepted records a successfully appended post.
func (c *Collector) IncPostAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.postsAccepted++
	c.mu.Unlock()
}

// IncPostRejected records a post that failed to append.
func (c *Collector) IncPostRejected() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.postsRejected++
	c.mu.Unlock()
}

// IncFlushCycle records one background flusher cycle.
func (c *Collector) IncFlushCycle() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flushCycles++
	c.mu.Unlock()
}

// IncFlushCycleFail records a background flusher cycle that returned an error.
func (c *Collector) IncFlushCycleFail() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flushCycleFails++
	c.mu.Unlock()
}

// IncTransportSuccess records a successful transport call (per-chunk).
func (c *Collector) IncTransportSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transportSuccess++
	c.mu.Unlock()
}

// IncTransportFailure records a failed transport call (per-chunk).
func (c *Collector) IncTransportFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.transportFailure++
	c.mu.Unlock()
}

// AbsorbBufferStats copies buffer counters into the collector.
// Called with the latest buffer stats snapshot; values are replaced, not
// added, so repeated absorption is safe.
func (c *Collector) AbsorbBufferStats(recordsAppended, chunksSealed, chunksFlushed, bytesFlushed, backupSaved, backupRestored int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.recordsAppended = recordsAppended
	c.chunksSealed = chunksSealed
	c.chunksFlushed = chunksFlushed
	c.bytesFlushed = bytesFlushed
	c.backupSaved = backupSaved
	c.backupRestored = backupRestored
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		PostsAccepted: c.postsAccepted,
		PostsRejected: c.postsRejected,

		FlushCycles:     c.flushCycles,
		FlushCycleFails: c.flushCycleFails,

		TransportSuccess: c.transportSuccess,
		TransportFailure: c.transportFailure,

		RecordsAppended: c.recordsAppended,
		ChunksSealed:    c.chunksSealed,
		ChunksFlushed:   c.chunksFlushed,
		BytesFlushed:    c.bytesFlushed,
		BackupSaved:     c.backupSaved,
		BackupRestored:  c.backupRestored,

		Mode:    c.mode,
		Backend: c.backend,
	}
}
