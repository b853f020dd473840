package buffer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/flume/backup"
	"github.com/justapithecus/flume/buffer"
	"github.com/justapithecus/flume/codec"
	"github.com/justapithecus/flume/transport"
)

// payloadEncoder returns record["payload"] verbatim, giving tests exact
// control over entry sizes and contents.
type payloadEncoder struct{}

func (payloadEncoder) Encode(_ codec.Timestamp, record map[string]any) ([]byte, error) {
	payload, ok := record["payload"].(string)
	if !ok {
		return nil, errors.New("payload must be a string")
	}
	return []byte(payload), nil
}

func (payloadEncoder) EncodeRaw(_ codec.Timestamp, encoded []byte) ([]byte, error) {
	return encoded, nil
}

func mustNewBuffer(t *testing.T, cfg buffer.Config, enc codec.Encoder) *buffer.Buffer {
	t.Helper()
	buf, err := buffer.New(cfg, enc)
	if err != nil {
		t.Fatalf("buffer.New failed: %v", err)
	}
	return buf
}

// appendPayload appends a payload-sized entry under the stub encoder.
func appendPayload(t *testing.T, buf *buffer.Buffer, tag, payload string) {
	t.Helper()
	err := buf.Append(context.Background(), tag, codec.Unix(0), map[string]any{"payload": payload})
	if err != nil {
		t.Fatalf("Append(%q) failed: %v", tag, err)
	}
}

func TestBuffer_AppendFlushDeliversEncoding(t *testing.T) {
	enc := codec.NewMsgpackEncoder()
	buf := mustNewBuffer(t, buffer.DefaultConfig(), enc)
	defer func() { _ = buf.Close() }()
	stub := transport.NewStubTransporter()
	ctx := context.Background()

	record := map[string]any{"k": "v"}
	if err := buf.Append(ctx, "web.access", codec.Unix(1700000000), record); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	deliveries := stub.Recorded()
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].Tag != "web.access" {
		t.Errorf("expected tag web.access, got %q", deliveries[0].Tag)
	}
	expected, err := enc.Encode(codec.Unix(1700000000), record)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(deliveries[0].Data, expected) {
		t.Errorf("delivered bytes differ from encoding:\n%x\n%x", deliveries[0].Data, expected)
	}
}

func TestBuffer_GrowthSequence(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   16,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 1_000_000,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	var expected []byte
	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf("entry-%02d-end", i) // 10 records of 12 bytes each
		if len(payload) != 12 {
			t.Fatalf("test payload must be 12 bytes, got %d", len(payload))
		}
		appendPayload(t, buf, "t", payload)
		expected = append(expected, payload...)
	}

	// Growth path 16 -> 32 -> 64 -> 128; released regions stay cached,
	// so the accounting is the sum of the doublings.
	if got := buf.AllocatedSize(); got != 16+32+64+128 {
		t.Errorf("expected allocated 240, got %d", got)
	}
	if got := buf.BufferedDataSize(); got != 120 {
		t.Errorf("expected 120 buffered bytes, got %d", got)
	}
	if got := buf.Stats().ChunksSealed; got != 0 {
		t.Errorf("expected no seal before forced flush, got %d", got)
	}

	stub := transport.NewStubTransporter()
	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(stub.Recorded()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(stub.Recorded()))
	}
	if !bytes.Equal(stub.BytesFor("t"), expected) {
		t.Error("delivered bytes do not match append order")
	}
}

func TestBuffer_GrowthNotSealBelowRetention(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   16,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 1024,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	// Larger than the chunk's remaining space but below the retention
	// threshold: exactly one growth, no seal.
	appendPayload(t, buf, "t", "0123456789")
	appendPayload(t, buf, "t", "0123456789abcdefghij")

	stats := buf.Stats()
	if stats.ChunksSealed != 0 {
		t.Errorf("expected no seal, got %d", stats.ChunksSealed)
	}
	if got := buf.BufferedDataSize(); got != 30 {
		t.Errorf("expected 30 buffered bytes, got %d", got)
	}
}

func TestBuffer_SealOnRetentionSize(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   64,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 100,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	// One append pushing position past the threshold seals exactly once.
	big := make([]byte, 101)
	for i := range big {
		big[i] = 'a'
	}
	appendPayload(t, buf, "t", string(big))
	if got := buf.Stats().ChunksSealed; got != 1 {
		t.Fatalf("expected 1 seal, got %d", got)
	}

	appendPayload(t, buf, "t", "after-seal")
	if got := buf.Stats().ChunksSealed; got != 1 {
		t.Errorf("expected still 1 seal, got %d", got)
	}

	stub := transport.NewStubTransporter()
	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	deliveries := stub.Recorded()
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if len(deliveries[0].Data) != 101 {
		t.Errorf("expected sealed chunk first, got %d bytes", len(deliveries[0].Data))
	}
	if string(deliveries[1].Data) != "after-seal" {
		t.Errorf("expected retained chunk second, got %q", deliveries[1].Data)
	}
}

func TestBuffer_BufferFullLeavesStateUntouched(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1024,
		ChunkInitialSize:   1000,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 2000,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()
	ctx := context.Background()

	appendPayload(t, buf, "t", "twelve-bytes")
	if got := buf.AllocatedSize(); got != 1000 {
		t.Fatalf("expected allocated 1000, got %d", got)
	}

	// Forcing a growth past the ceiling must fail without mutating the
	// existing chunk or the accounting.
	big := string(make([]byte, 989))
	err := buf.Append(ctx, "t", codec.Unix(0), map[string]any{"payload": big})
	if !errors.Is(err, buffer.ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	if got := buf.AllocatedSize(); got != 1000 {
		t.Errorf("expected allocated unchanged at 1000, got %d", got)
	}
	if got := buf.BufferedDataSize(); got != 12 {
		t.Errorf("expected buffered bytes unchanged at 12, got %d", got)
	}

	// The surviving chunk still flushes intact.
	stub := transport.NewStubTransporter()
	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := string(stub.BytesFor("t")); got != "twelve-bytes" {
		t.Errorf("expected surviving chunk to flush, got %q", got)
	}
}

func TestBuffer_AgeBasedSeal(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   64,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 1 << 16,
		ChunkRetentionTime: 50 * time.Millisecond,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()
	stub := transport.NewStubTransporter()
	ctx := context.Background()

	appendPayload(t, buf, "t", "aged-entry")

	// Young chunk: an unforced flush leaves it in retention.
	if err := buf.Flush(ctx, stub, false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(stub.Recorded()) != 0 {
		t.Fatalf("expected no delivery before retention time, got %d", len(stub.Recorded()))
	}

	time.Sleep(100 * time.Millisecond)
	if err := buf.Flush(ctx, stub, false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(stub.Recorded()) != 1 {
		t.Fatalf("expected 1 delivery after retention time, got %d", len(stub.Recorded()))
	}
	if got := string(stub.BytesFor("t")); got != "aged-entry" {
		t.Errorf("unexpected delivered bytes %q", got)
	}
}

func TestBuffer_FlushEmptyIsNoop(t *testing.T) {
	buf := mustNewBuffer(t, buffer.DefaultConfig(), codec.NewMsgpackEncoder())
	defer func() { _ = buf.Close() }()
	stub := transport.NewStubTransporter()

	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("expected no-op flush to succeed, got %v", err)
	}
	if len(stub.Recorded()) != 0 {
		t.Errorf("expected no deliveries, got %d", len(stub.Recorded()))
	}
}

func TestBuffer_TransportFailureDeliversExactlyOnce(t *testing.T) {
	buf := mustNewBuffer(t, buffer.DefaultConfig(), payloadEncoder{})
	defer func() { _ = buf.Close() }()
	stub := transport.NewStubTransporter()
	ctx := context.Background()

	appendPayload(t, buf, "t", "precious")

	downstream := errors.New("downstream unavailable")
	stub.SetError(downstream)
	err := buf.Flush(ctx, stub, true)
	if !errors.Is(err, downstream) {
		t.Fatalf("expected transport error to propagate, got %v", err)
	}
	if len(stub.Recorded()) != 0 {
		t.Fatalf("expected no recorded delivery on failure, got %d", len(stub.Recorded()))
	}

	// The chunk was kept; the next flush delivers it exactly once.
	stub.SetError(nil)
	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	if len(stub.Recorded()) != 1 {
		t.Fatalf("expected exactly 1 delivery after retry, got %d", len(stub.Recorded()))
	}
	if got := string(stub.BytesFor("t")); got != "precious" {
		t.Errorf("unexpected delivered bytes %q", got)
	}

	// Nothing left behind.
	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}
	if len(stub.Recorded()) != 1 {
		t.Errorf("chunk delivered more than once: %d deliveries", len(stub.Recorded()))
	}
}

func TestBuffer_PerTagOrderingAcrossSeals(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   16,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 8,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	var wantA, wantB []byte
	for i := 0; i < 10; i++ {
		a := fmt.Sprintf("a-entry-%02d", i)
		b := fmt.Sprintf("b-entry-%02d", i)
		appendPayload(t, buf, "tag.a", a)
		appendPayload(t, buf, "tag.b", b)
		wantA = append(wantA, a...)
		wantB = append(wantB, b...)
	}

	stub := transport.NewStubTransporter()
	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	// Every append sealed its own chunk; per-tag concatenation must
	// reproduce the append order even with tags interleaved.
	if !bytes.Equal(stub.BytesFor("tag.a"), wantA) {
		t.Error("tag.a bytes out of order")
	}
	if !bytes.Equal(stub.BytesFor("tag.b"), wantB) {
		t.Error("tag.b bytes out of order")
	}
}

func TestBuffer_SealBlockedOnFullQueueFailsAppend(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1 << 20,
		ChunkInitialSize:   16,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 8,
		FlushQueueSize:     1,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	appendPayload(t, buf, "t", "first-chunk") // seals, fills the queue

	// The next seal blocks on the bounded queue until the context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := buf.Append(ctx, "t", codec.Unix(0), map[string]any{"payload": "second-chunk"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	// The interrupted seal keeps the chunk writable; nothing is lost.
	stub := transport.NewStubTransporter()
	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := string(stub.BytesFor("t")); got != "first-chunksecond-chunk" {
		t.Errorf("expected both chunks delivered in order, got %q", got)
	}
}

func TestBuffer_FlushCancellationLeavesPartialState(t *testing.T) {
	buf := mustNewBuffer(t, buffer.DefaultConfig(), payloadEncoder{})
	defer func() { _ = buf.Close() }()

	appendPayload(t, buf, "t", "unflushed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := transport.NewStubTransporter()
	if err := buf.Flush(ctx, stub, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(stub.Recorded()) != 0 {
		t.Errorf("expected no deliveries under cancelled context, got %d", len(stub.Recorded()))
	}

	// The data survives for the next flush.
	if err := buf.Flush(context.Background(), stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := string(stub.BytesFor("t")); got != "unflushed" {
		t.Errorf("expected data to survive cancellation, got %q", got)
	}
}

func TestBuffer_AppendEncodedMatchesStructured(t *testing.T) {
	enc := codec.NewMsgpackEncoder()
	buf := mustNewBuffer(t, buffer.DefaultConfig(), enc)
	defer func() { _ = buf.Close() }()
	ctx := context.Background()

	raw, err := msgpack.Marshal(map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := buf.AppendEncoded(ctx, "t", codec.Unix(42), raw); err != nil {
		t.Fatalf("AppendEncoded failed: %v", err)
	}

	stub := transport.NewStubTransporter()
	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	expected, err := enc.EncodeRaw(codec.Unix(42), raw)
	if err != nil {
		t.Fatalf("EncodeRaw failed: %v", err)
	}
	if !bytes.Equal(stub.BytesFor("t"), expected) {
		t.Error("AppendEncoded bytes differ from EncodeRaw output")
	}
}

func TestBuffer_CloseInitRoundTrip(t *testing.T) {
	dir := t.TempDir()
	enc := codec.NewMsgpackEncoder()
	ctx := context.Background()

	newBuf := func() *buffer.Buffer {
		store, err := backup.NewFileStore(dir, "flume", nil)
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		cfg := buffer.DefaultConfig()
		cfg.Store = store
		return mustNewBuffer(t, cfg, enc)
	}

	// Accumulate across two tags, then shut down without flushing.
	first := newBuf()
	var wantWeb, wantApp []byte
	for i := 0; i < 5; i++ {
		web := map[string]any{"path": fmt.Sprintf("/page/%d", i)}
		app := map[string]any{"event": fmt.Sprintf("evt-%d", i)}
		if err := first.Append(ctx, "web.access", codec.Unix(int64(i)), web); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := first.Append(ctx, "app.events", codec.Unix(int64(i)), app); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		webEntry, _ := enc.Encode(codec.Unix(int64(i)), web)
		appEntry, _ := enc.Encode(codec.Unix(int64(i)), app)
		wantWeb = append(wantWeb, webEntry...)
		wantApp = append(wantApp, appEntry...)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A new instance over the same directory replays and delivers the
	// exact per-tag byte sequences.
	second := newBuf()
	if err := second.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	stub := transport.NewStubTransporter()
	if err := second.Flush(ctx, stub, true); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !bytes.Equal(stub.BytesFor("web.access"), wantWeb) {
		t.Error("web.access bytes did not survive the restart")
	}
	if !bytes.Equal(stub.BytesFor("app.events"), wantApp) {
		t.Error("app.events bytes did not survive the restart")
	}

	// Replayed files are removed individually on success.
	store, err := backup.NewFileStore(dir, "flume", nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	saved, err := store.SavedBuffers(ctx)
	if err != nil {
		t.Fatalf("SavedBuffers failed: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("expected backup dir to be empty after replay, got %d files", len(saved))
	}

	if err := second.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestBuffer_ClearBackups(t *testing.T) {
	dir := t.TempDir()
	store, err := backup.NewFileStore(dir, "flume", nil)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	cfg := buffer.DefaultConfig()
	cfg.Store = store
	buf := mustNewBuffer(t, cfg, codec.NewMsgpackEncoder())
	ctx := context.Background()

	if err := buf.Append(ctx, "t", codec.Unix(0), map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	saved, err := store.SavedBuffers(ctx)
	if err != nil {
		t.Fatalf("SavedBuffers failed: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("expected 1 saved file, got %d", len(saved))
	}

	fresh := mustNewBuffer(t, cfg, codec.NewMsgpackEncoder())
	defer func() { _ = fresh.Close() }()
	if err := fresh.ClearBackups(ctx); err != nil {
		t.Fatalf("ClearBackups failed: %v", err)
	}
	saved, err = store.SavedBuffers(ctx)
	if err != nil {
		t.Fatalf("SavedBuffers failed: %v", err)
	}
	if len(saved) != 0 {
		t.Errorf("expected empty backup dir, got %d files", len(saved))
	}
}

func TestBuffer_Introspection(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      1024,
		ChunkInitialSize:   256,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 512,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()

	if got := buf.MaxBufferSize(); got != 1024 {
		t.Errorf("expected max 1024, got %d", got)
	}
	if got := buf.BufferUsage(); got != 0 {
		t.Errorf("expected usage 0, got %f", got)
	}

	appendPayload(t, buf, "t", "0123456789")
	if got := buf.AllocatedSize(); got != 256 {
		t.Errorf("expected allocated 256, got %d", got)
	}
	if got := buf.BufferUsage(); got != 0.25 {
		t.Errorf("expected usage 0.25, got %f", got)
	}
	if got := buf.Mode(); got != buffer.ModeHeap {
		t.Errorf("expected heap mode, got %s", got)
	}
}

func TestBuffer_ConcurrentAppenders(t *testing.T) {
	cfg := buffer.Config{
		MaxBufferSize:      8 << 20,
		ChunkInitialSize:   1 << 10,
		ChunkExpandRatio:   2.0,
		ChunkRetentionSize: 4 << 10,
		HeapMode:           true,
	}
	buf := mustNewBuffer(t, cfg, payloadEncoder{})
	defer func() { _ = buf.Close() }()
	stub := transport.NewStubTransporter()
	ctx := context.Background()

	const goroutines = 4
	const perGoroutine = 200

	var wg sync.WaitGroup
	stop := make(chan struct{})
	flushDone := make(chan struct{})

	// A single flusher drains concurrently with the appenders.
	go func() {
		defer close(flushDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = buf.Flush(ctx, stub, false)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			tag := fmt.Sprintf("tag.%d", g)
			for i := 0; i < perGoroutine; i++ {
				payload := fmt.Sprintf("g%d-entry-%04d", g, i)
				err := buf.Append(ctx, tag, codec.Unix(0), map[string]any{"payload": payload})
				if err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(stop)
	<-flushDone

	if err := buf.Flush(ctx, stub, true); err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}

	// Per-tag byte streams must reproduce each goroutine's append order.
	for g := 0; g < goroutines; g++ {
		tag := fmt.Sprintf("tag.%d", g)
		var want []byte
		for i := 0; i < perGoroutine; i++ {
			want = append(want, fmt.Sprintf("g%d-entry-%04d", g, i)...)
		}
		if !bytes.Equal(stub.BytesFor(tag), want) {
			t.Errorf("%s: delivered bytes do not match append order", tag)
		}
	}
}

func TestNew_RejectsBadExpandRatio(t *testing.T) {
	cfg := buffer.DefaultConfig()
	cfg.ChunkExpandRatio = 0.5
	if _, err := buffer.New(cfg, codec.NewMsgpackEncoder()); !errors.Is(err, buffer.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := buffer.New(buffer.DefaultConfig(), nil); !errors.Is(err, buffer.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for nil encoder, got %v", err)
	}
}
