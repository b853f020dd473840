package buffer

import "sync"

// Stats is an immutable snapshot of buffer counters.
type Stats struct {
	// RecordsAppended is the number of successful appends.
	RecordsAppended int64
	// BytesAppended is the total encoded bytes written into chunks.
	BytesAppended int64
	// AppendErrors counts appends that failed (encoder, ceiling, cancel).
	AppendErrors int64
	// ChunksSealed counts chunks handed to the flush queue.
	ChunksSealed int64
	// ChunksFlushed counts chunks successfully transported.
	ChunksFlushed int64
	// BytesFlushed is the total bytes successfully transported.
	BytesFlushed int64
	// FlushCount counts Flush invocations.
	FlushCount int64
	// FlushFailures counts transport failures.
	FlushFailures int64
	// ChunksRequeued counts chunks kept after a transport failure.
	ChunksRequeued int64
	// BackupSaved counts chunks persisted on close.
	BackupSaved int64
	// BackupRestored counts chunks replayed on init.
	BackupRestored int64
	// BackupSkipped counts saved files that failed replay and were skipped.
	BackupSkipped int64

	// AllocatedBytes is the pool's outstanding plus cached capacity.
	AllocatedBytes int64
	// BufferedBytes is retention positions plus queued chunk bytes.
	BufferedBytes int64
}

// statsRecorder is an internal helper for thread-safe stats management.
// It takes its own mutex so call sites never have to order it against
// the buffer mutex.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

func (r *statsRecorder) incRecordsAppended(bytes int64) {
	r.mu.Lock()
	r.stats.RecordsAppended++
	r.stats.BytesAppended += bytes
	r.mu.Unlock()
}

func (r *statsRecorder) incChunksSealed() {
	r.mu.Lock()
	r.stats.ChunksSealed++
	r.mu.Unlock()
}

func (r *statsRecorder) incAppendErrors() {
	r.mu.Lock()
	r.stats.AppendErrors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) incChunksFlushed(bytes int64) {
	r.mu.Lock()
	r.stats.ChunksFlushed++
	r.stats.BytesFlushed += bytes
	r.mu.Unlock()
}

func (r *statsRecorder) incFlushFailures() {
	r.mu.Lock()
	r.stats.FlushFailures++
	r.mu.Unlock()
}

func (r *statsRecorder) incChunksRequeued() {
	r.mu.Lock()
	r.stats.ChunksRequeued++
	r.mu.Unlock()
}

func (r *statsRecorder) incBackupSaved() {
	r.mu.Lock()
	r.stats.BackupSaved++
	r.mu.Unlock()
}

func (r *statsRecorder) incBackupRestored() {
	r.mu.Lock()
	r.stats.BackupRestored++
	r.mu.Unlock()
}

func (r *statsRecorder) incBackupSkipped() {
	r.mu.Lock()
	r.stats.BackupSkipped++
	r.mu.Unlock()
}

// snapshot returns the counters with the given live gauge values filled in.
func (r *statsRecorder) snapshot(allocated, buffered int64) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.AllocatedBytes = allocated
	s.BufferedBytes = buffered
	return s
}
