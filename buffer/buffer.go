// Package buffer implements the tag-partitioned, chunked event buffer.
//
// Producers append tagged records; the buffer accumulates them into
// per-tag binary chunks drawn from a pooled, ceiling-bounded allocator,
// rotates chunks to a flush queue on size or age, and hands sealed chunks
// to a transporter. On Close unflushed chunks are persisted through the
// configured backup store; Init reloads them on startup.
//
// Concurrency model: any number of appender goroutines may call Append
// concurrently with a single flusher goroutine calling Flush. All
// retention state is guarded by one mutex; the transporter is always
// invoked without it.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/flume/backup"
	"github.com/justapithecus/flume/codec"
	"github.com/justapithecus/flume/log"
	"github.com/justapithecus/flume/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxBufferSize      = 512 * 1024 * 1024
	DefaultChunkInitialSize   = 1024 * 1024
	DefaultChunkExpandRatio   = 2.0
	DefaultChunkRetentionSize = 4 * 1024 * 1024
	DefaultChunkRetentionTime = time.Second
	DefaultFlushQueueSize     = 64
)

// Config configures a Buffer. Zero-valued fields take the defaults above.
type Config struct {
	// MaxBufferSize is the global memory ceiling in bytes for pooled
	// chunk capacity (outstanding plus cached).
	MaxBufferSize int64

	// ChunkInitialSize is the first allocation for a tag, in bytes.
	ChunkInitialSize int

	// ChunkExpandRatio is the growth factor applied when a chunk must
	// grow. Must be greater than 1.
	ChunkExpandRatio float64

	// ChunkRetentionSize is the size-based seal threshold in bytes.
	ChunkRetentionSize int

	// ChunkRetentionTime is the age-based seal threshold.
	ChunkRetentionTime time.Duration

	// FlushQueueSize bounds the primary flush queue, in chunks.
	FlushQueueSize int

	// HeapMode selects heap-backed regions instead of direct (mmap) ones.
	HeapMode bool

	// Store enables persistence of unflushed chunks across restarts.
	// Nil disables it: Close drops whatever was not transported.
	Store backup.Store

	// Logger is an optional logger. Nil disables logging.
	Logger *log.Logger
}

// DefaultConfig returns the default buffer configuration.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize:      DefaultMaxBufferSize,
		ChunkInitialSize:   DefaultChunkInitialSize,
		ChunkExpandRatio:   DefaultChunkExpandRatio,
		ChunkRetentionSize: DefaultChunkRetentionSize,
		ChunkRetentionTime: DefaultChunkRetentionTime,
		FlushQueueSize:     DefaultFlushQueueSize,
	}
}

// Buffer is the append/flush/close facade over the retention map, the
// buffer pool, the flush queues, and the backup store.
type Buffer struct {
	config  Config
	encoder codec.Encoder
	pool    *Pool
	store   backup.Store
	logger  *log.Logger
	stats   *statsRecorder

	mu     sync.Mutex
	chunks map[string]*chunk

	flushq  *flushQueue
	backupq *backupQueue
}

// New creates a Buffer from cfg and the record encoder.
func New(cfg Config, encoder codec.Encoder) (*Buffer, error) {
	if encoder == nil {
		return nil, fmt.Errorf("%w: encoder is required", ErrInvalidConfig)
	}
	defaults := DefaultConfig()
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = defaults.MaxBufferSize
	}
	if cfg.ChunkInitialSize == 0 {
		cfg.ChunkInitialSize = defaults.ChunkInitialSize
	}
	if cfg.ChunkExpandRatio == 0 {
		cfg.ChunkExpandRatio = defaults.ChunkExpandRatio
	}
	if cfg.ChunkRetentionSize == 0 {
		cfg.ChunkRetentionSize = defaults.ChunkRetentionSize
	}
	if cfg.ChunkRetentionTime == 0 {
		cfg.ChunkRetentionTime = defaults.ChunkRetentionTime
	}
	if cfg.FlushQueueSize == 0 {
		cfg.FlushQueueSize = defaults.FlushQueueSize
	}

	if cfg.MaxBufferSize < 0 || cfg.ChunkInitialSize < 0 || cfg.ChunkRetentionSize < 0 {
		return nil, fmt.Errorf("%w: sizes must be positive", ErrInvalidConfig)
	}
	if cfg.ChunkExpandRatio <= 1 {
		return nil, fmt.Errorf("%w: expand ratio %v must be greater than 1", ErrInvalidConfig, cfg.ChunkExpandRatio)
	}
	if cfg.ChunkInitialSize > cfg.ChunkRetentionSize {
		cfg.Logger.Warn("chunk initial size exceeds retention size; chunks seal before they fill their initial allocation", map[string]any{
			"initial_size":   cfg.ChunkInitialSize,
			"retention_size": cfg.ChunkRetentionSize,
		})
	}

	mode := ModeDirect
	if cfg.HeapMode {
		mode = ModeHeap
	}

	return &Buffer{
		config:  cfg,
		encoder: encoder,
		pool:    NewPool(cfg.MaxBufferSize, mode),
		store:   cfg.Store,
		logger:  cfg.Logger,
		stats:   newStatsRecorder(),
		chunks:  make(map[string]*chunk),
		flushq:  newFlushQueue(cfg.FlushQueueSize),
		backupq: newBackupQueue(),
	}, nil
}

// Append encodes the record under the given timestamp and writes it into
// the tag's retention chunk. Returns ErrBufferFull when the memory
// ceiling prevents the chunk from growing; nothing is written in that case.
func (b *Buffer) Append(ctx context.Context, tag string, ts codec.Timestamp, record map[string]any) error {
	entry, err := b.encoder.Encode(ts, record)
	if err != nil {
		b.stats.incAppendErrors()
		return fmt.Errorf("encode record: %w", err)
	}
	if err := b.appendChunk(ctx, tag, entry); err != nil {
		b.stats.incAppendErrors()
		return err
	}
	return nil
}

// AppendEncoded is Append for callers that already hold a msgpack-encoded
// record map; the bytes are spliced in after the timestamp verbatim.
func (b *Buffer) AppendEncoded(ctx context.Context, tag string, ts codec.Timestamp, encoded []byte) error {
	entry, err := b.encoder.EncodeRaw(ts, encoded)
	if err != nil {
		b.stats.incAppendErrors()
		return fmt.Errorf("encode record: %w", err)
	}
	if err := b.appendChunk(ctx, tag, entry); err != nil {
		b.stats.incAppendErrors()
		return err
	}
	return nil
}

// Flush runs a sweep (age-based, or everything when force is set) and
// drains the flush queue through the transporter.
//
// A transport failure keeps the chunk: it is re-enqueued on the primary
// queue, or pushed to the backup queue if the primary refuses, and the
// transport error is returned. Chunks left on the queue stay intact for
// the next flush. The loop checks ctx between chunks; a cancelled flush
// leaves a valid partially-drained state.
func (b *Buffer) Flush(ctx context.Context, tr transport.Transporter, force bool) error {
	b.stats.incFlush()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Seal eligible chunks up to the queue's capacity. When the queue
		// refuses a chunk the drain below frees a slot and the next
		// iteration resumes the sweep.
		swept := b.sweepAvailable(force)
		tc, ok := b.flushq.poll()
		if !ok {
			if swept {
				return nil
			}
			continue
		}

		if err := tr.Transport(ctx, tc.Tag(), tc.Bytes()); err != nil {
			b.stats.incFlushFailures()
			b.stats.incChunksRequeued()
			if !b.flushq.tryPut(tc) {
				b.backupq.push(tc)
			}
			return fmt.Errorf("transport tag %q: %w", tc.Tag(), err)
		}
		b.stats.incChunksFlushed(int64(tc.limit))
		b.pool.Release(tc.region)
	}
}

// Close persists all remaining chunks and releases every pooled region.
//
// Protocol: force-seal the retention map, drain the flush queue, drain
// the backup queue, saving each chunk through the backup store; then
// clear the map and drop the pool. Close is not cancellable. Per-chunk
// save failures are logged and do not stop the drain; the first one is
// returned after the protocol completes.
func (b *Buffer) Close() error {
	ctx := context.Background()

	b.mu.Lock()
	for tag, c := range b.chunks {
		if c != nil && c.pos > 0 {
			tc := &TaggedChunk{tag: tag, region: c.region, limit: c.pos}
			if !b.flushq.tryPut(tc) {
				b.backupq.push(tc)
			}
			b.stats.incChunksSealed()
		}
		delete(b.chunks, tag)
	}
	b.mu.Unlock()

	var firstErr error
	save := func(tc *TaggedChunk) {
		if b.store != nil {
			if err := b.store.Save(ctx, []string{tc.tag}, tc.Bytes()); err != nil {
				b.logger.Error("failed to save chunk on close", map[string]any{
					"tag":   tc.tag,
					"bytes": tc.limit,
					"error": err.Error(),
				})
				if firstErr == nil {
					firstErr = err
				}
			} else {
				b.stats.incBackupSaved()
			}
		} else {
			b.logger.Warn("dropping unflushed chunk on close: no backup store", map[string]any{
				"tag":   tc.tag,
				"bytes": tc.limit,
			})
		}
		b.pool.Release(tc.region)
	}

	for {
		tc, ok := b.flushq.poll()
		if !ok {
			break
		}
		save(tc)
	}
	for _, tc := range b.backupq.drain() {
		save(tc)
	}

	b.pool.ReleaseAll()
	return firstErr
}

// Init replays persisted chunks from the backup store through the
// ordinary append path, re-sealing and re-enqueueing them for flushing.
// A saved file that fails to open or append is logged and skipped; its
// file is kept for a later attempt. Successfully replayed files are
// removed.
func (b *Buffer) Init(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	saved, err := b.store.SavedBuffers(ctx)
	if err != nil {
		return fmt.Errorf("scan backups: %w", err)
	}

	for _, sb := range saved {
		err := sb.Open(ctx, func(params []string, data []byte) error {
			if len(params) != 1 {
				return fmt.Errorf("%w: expected 1 param, got %d", backup.ErrInvalidParams, len(params))
			}
			return b.appendChunk(ctx, params[0], data)
		})
		if err != nil {
			b.stats.incBackupSkipped()
			b.logger.Warn("backup replay failed, skipping file", map[string]any{
				"file":  sb.Name(),
				"error": err.Error(),
			})
			continue
		}
		b.stats.incBackupRestored()
		if err := sb.Remove(ctx); err != nil {
			b.logger.Warn("failed to remove replayed backup file", map[string]any{
				"file":  sb.Name(),
				"error": err.Error(),
			})
		}
	}
	return nil
}

// ClearBackups removes every persisted chunk unconditionally.
func (b *Buffer) ClearBackups(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	saved, err := b.store.SavedBuffers(ctx)
	if err != nil {
		return fmt.Errorf("scan backups: %w", err)
	}
	var firstErr error
	for _, sb := range saved {
		if err := sb.Remove(ctx); err != nil {
			b.logger.Warn("failed to remove backup file", map[string]any{
				"file":  sb.Name(),
				"error": err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// BufferUsage returns allocated capacity as a fraction of the ceiling,
// in [0, 1].
func (b *Buffer) BufferUsage() float64 {
	if b.config.MaxBufferSize == 0 {
		return 0
	}
	return float64(b.pool.AllocatedSize()) / float64(b.config.MaxBufferSize)
}

// AllocatedSize returns the pool's outstanding plus cached capacity.
func (b *Buffer) AllocatedSize() int64 {
	return b.pool.AllocatedSize()
}

// MaxBufferSize returns the configured memory ceiling.
func (b *Buffer) MaxBufferSize() int64 {
	return b.config.MaxBufferSize
}

// BufferedDataSize returns the readable bytes currently held: retention
// positions plus chunks waiting on the flush and backup queues.
func (b *Buffer) BufferedDataSize() int64 {
	b.mu.Lock()
	var retained int64
	for _, c := range b.chunks {
		if c != nil {
			retained += int64(c.pos)
		}
	}
	b.mu.Unlock()
	return retained + b.flushq.pendingBytes() + b.backupq.pendingBytes()
}

// Mode returns the pool's storage mode.
func (b *Buffer) Mode() Mode {
	return b.pool.Mode()
}

// Stats returns a snapshot of buffer counters and gauges.
func (b *Buffer) Stats() Stats {
	return b.stats.snapshot(b.AllocatedSize(), b.BufferedDataSize())
}
