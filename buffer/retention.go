package buffer

import (
	"context"
	"fmt"
	"time"
)

// chunk is the writable retention state for one tag: a pooled region, a
// write cursor, and the wall-clock time the region was allocated.
type chunk struct {
	region    *Region
	pos       int
	createdAt time.Time
}

func (c *chunk) remaining() int {
	return c.region.Capacity() - c.pos
}

func (c *chunk) write(data []byte) {
	copy(c.region.data[c.pos:], data)
	c.pos += len(data)
}

// TaggedChunk is a sealed, read-only chunk bound to its tag.
// The readable range is [0, limit); the underlying region is owned by
// whichever queue entry currently holds the chunk.
type TaggedChunk struct {
	tag    string
	region *Region
	limit  int
}

// Tag returns the routing key the chunk was accumulated under.
func (tc *TaggedChunk) Tag() string { return tc.tag }

// Bytes returns the sealed readable range. Callers must not retain the
// slice past the chunk's release.
func (tc *TaggedChunk) Bytes() []byte { return tc.region.data[:tc.limit] }

// appendChunk writes entry bytes into the tag's retention chunk, growing
// or allocating as needed, and seals the chunk once it crosses the
// retention-size threshold. This is the single write path shared by
// Append, AppendEncoded, and backup replay.
func (b *Buffer) appendChunk(ctx context.Context, tag string, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.chunks[tag]
	if c == nil || c.remaining() < len(data) {
		grown, err := b.growLocked(tag, c, len(data))
		if err != nil {
			return err
		}
		c = grown
	}

	c.write(data)
	b.stats.incRecordsAppended(int64(len(data)))

	if c.pos > b.config.ChunkRetentionSize {
		return b.sealLocked(ctx, tag, c)
	}
	return nil
}

// growLocked acquires a region sized for an additional need bytes,
// carrying over the current chunk's bytes when one exists. The existing
// chunk is left untouched if acquisition fails. Caller must hold b.mu.
func (b *Buffer) growLocked(tag string, current *chunk, need int) (*chunk, error) {
	target := b.config.ChunkInitialSize
	pos := 0
	if current != nil {
		target = int(float64(current.region.Capacity()) * b.config.ChunkExpandRatio)
		pos = current.pos
	}
	for target < pos+need {
		next := int(float64(target) * b.config.ChunkExpandRatio)
		if next <= target {
			// Tiny capacities can truncate back to themselves; jump
			// straight to the required size rather than looping.
			next = pos + need
		}
		target = next
	}

	region, ok := b.pool.Acquire(target)
	if !ok {
		return nil, fmt.Errorf("%w: tag %q needs %d bytes, allocated %d of %d",
			ErrBufferFull, tag, target, b.pool.AllocatedSize(), b.pool.MaxSize())
	}

	next := &chunk{region: region, createdAt: time.Now()}
	if current != nil {
		copy(region.data[:current.pos], current.region.data[:current.pos])
		next.pos = current.pos
		b.pool.Release(current.region)
	}
	b.chunks[tag] = next
	return next, nil
}

// sealLocked converts the tag's current chunk into a read-only
// TaggedChunk and enqueues it on the flush queue. The map entry is
// cleared only after the enqueue succeeds; on a cancelled enqueue the
// chunk stays writable so its records are not lost. Caller must hold b.mu.
func (b *Buffer) sealLocked(ctx context.Context, tag string, c *chunk) error {
	tc := &TaggedChunk{tag: tag, region: c.region, limit: c.pos}
	if err := b.flushq.put(ctx, tc); err != nil {
		return err
	}
	b.chunks[tag] = nil
	b.stats.incChunksSealed()
	return nil
}

// sweepAvailable scans the retention map and seals chunks past the
// retention age, or every non-empty chunk when force is set. Seals use
// non-blocking puts: the caller is the flush worker, and a blocking put
// against the queue it alone drains would deadlock. Returns false when
// the queue refused a chunk, meaning eligible chunks remain; the caller
// drains and calls again.
func (b *Buffer) sweepAvailable(force bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for tag, c := range b.chunks {
		if c == nil || c.pos == 0 {
			continue
		}
		if force || now.Sub(c.createdAt) > b.config.ChunkRetentionTime {
			tc := &TaggedChunk{tag: tag, region: c.region, limit: c.pos}
			if !b.flushq.tryPut(tc) {
				return false
			}
			b.chunks[tag] = nil
			b.stats.incChunksSealed()
		}
	}
	return true
}
