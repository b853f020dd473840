// Package client provides the high-level forwarder facade: post records,
// let a background flusher drive sealed chunks downstream, persist the
// rest on close.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/justapithecus/flume/backup"
	"github.com/justapithecus/flume/buffer"
	"github.com/justapithecus/flume/codec"
	"github.com/justapithecus/flume/config"
	"github.com/justapithecus/flume/log"
	"github.com/justapithecus/flume/metrics"
	"github.com/justapithecus/flume/transport"
)

// Version is the library version, surfaced by the CLI.
const Version = "0.2.0"

// closeFlushTimeout bounds the final forced flush during Close.
const closeFlushTimeout = 10 * time.Second

// Option customizes client construction.
type Option func(*options)

type options struct {
	transporter transport.Transporter
	store       backup.Store
	logger      *log.Logger
	modules     []codec.Module
}

// WithTransporter overrides the forward transport, e.g. with a stub for
// tests or a custom delivery path.
func WithTransporter(tr transport.Transporter) Option {
	return func(o *options) { o.transporter = tr }
}

// WithStore overrides the backup store built from the config.
func WithStore(store backup.Store) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEncoderModules passes encoder plugins through to the record encoder.
func WithEncoderModules(modules ...codec.Module) Option {
	return func(o *options) { o.modules = modules }
}

// Client is a buffered, tag-partitioned event forwarder.
//
// Post is safe for concurrent use. One background goroutine flushes the
// buffer on the configured interval; it doubles as the periodic trigger
// for age-based chunk rotation.
type Client struct {
	buffer      *buffer.Buffer
	transporter transport.Transporter
	interval    time.Duration
	logger      *log.Logger
	collector   *metrics.Collector

	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New builds a client from cfg, replays any persisted chunks, and starts
// the background flusher.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.store == nil {
		store, err := buildStore(ctx, cfg, o.logger)
		if err != nil {
			return nil, err
		}
		o.store = store
	}
	if o.transporter == nil {
		o.transporter = transport.NewForwardTransport(cfg.ForwardConfig(), o.logger.Named("forward"))
	}

	bufferCfg := cfg.BufferConfig()
	bufferCfg.Store = o.store
	bufferCfg.Logger = o.logger.Named("buffer")
	buf, err := buffer.New(bufferCfg, codec.NewMsgpackEncoder(o.modules...))
	if err != nil {
		return nil, err
	}

	if err := buf.Init(ctx); err != nil {
		return nil, fmt.Errorf("replay backups: %w", err)
	}

	interval := cfg.Flush.Interval.Duration
	if interval <= 0 {
		interval = config.DefaultFlushInterval
	}

	backend := cfg.Backup.Backend
	if backend == config.BackendNone {
		backend = "none"
	}
	c := &Client{
		buffer:      buf,
		transporter: o.transporter,
		interval:    interval,
		logger:      o.logger,
		collector:   metrics.NewCollector(string(buf.Mode()), backend),
		done:        make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c, nil
}

// buildStore constructs the backup store named by the config.
func buildStore(ctx context.Context, cfg config.Config, logger *log.Logger) (backup.Store, error) {
	prefix := cfg.Backup.Prefix
	if prefix == "" {
		prefix = config.DefaultBackupPrefix
	}
	switch cfg.Backup.Backend {
	case config.BackendNone:
		return nil, nil
	case config.BackendFile:
		return backup.NewFileStore(cfg.Backup.Dir, prefix, logger.Named("backup"))
	case config.BackendS3:
		return backup.NewS3Store(ctx, cfg.BackupS3Config(), prefix, logger.Named("backup"))
	default:
		return nil, fmt.Errorf("unknown backup backend %q", cfg.Backup.Backend)
	}
}

// flushLoop is the background flusher: an unforced flush per interval,
// which also rotates chunks past their retention age.
func (c *Client) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.collector.IncFlushCycle()
			if err := c.buffer.Flush(context.Background(), c.transporter, false); err != nil {
				c.collector.IncFlushCycleFail()
				c.logger.Warn("flush cycle failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Post appends a record under the current wall-clock time, as an event
// time with nanosecond precision.
func (c *Client) Post(ctx context.Context, tag string, record map[string]any) error {
	return c.PostWithTime(ctx, tag, time.Now(), record)
}

// PostWithTime appends a record under an explicit event time with
// nanosecond precision.
func (c *Client) PostWithTime(ctx context.Context, tag string, at time.Time, record map[string]any) error {
	err := c.buffer.Append(ctx, tag, codec.NewEventTime(at), record)
	if err != nil {
		c.collector.IncPostRejected()
		return err
	}
	c.collector.IncPostAccepted()
	return nil
}

// PostEncoded appends a pre-encoded record map under an integer-seconds
// timestamp, bypassing the encoder.
func (c *Client) PostEncoded(ctx context.Context, tag string, ts int64, encoded []byte) error {
	err := c.buffer.AppendEncoded(ctx, tag, codec.Unix(ts), encoded)
	if err != nil {
		c.collector.IncPostRejected()
		return err
	}
	c.collector.IncPostAccepted()
	return nil
}

// Flush forces every buffered record through the transporter.
func (c *Client) Flush(ctx context.Context) error {
	return c.buffer.Flush(ctx, c.transporter, true)
}

// ClearBackups removes every persisted chunk unconditionally.
func (c *Client) ClearBackups(ctx context.Context) error {
	return c.buffer.ClearBackups(ctx)
}

// BufferUsage returns allocated buffer capacity as a fraction of the
// ceiling, in [0, 1].
func (c *Client) BufferUsage() float64 {
	return c.buffer.BufferUsage()
}

// BufferStats returns the buffer's counter snapshot.
func (c *Client) BufferStats() buffer.Stats {
	return c.buffer.Stats()
}

// MaxBufferSize returns the configured memory ceiling.
func (c *Client) MaxBufferSize() int64 {
	return c.buffer.MaxBufferSize()
}

// Metrics returns the client metrics snapshot with the latest buffer
// counters absorbed.
func (c *Client) Metrics() metrics.Snapshot {
	c.absorbBufferStats()
	return c.collector.Snapshot()
}

func (c *Client) absorbBufferStats() {
	s := c.buffer.Stats()
	c.collector.AbsorbBufferStats(
		s.RecordsAppended, s.ChunksSealed, s.ChunksFlushed, s.BytesFlushed,
		s.BackupSaved, s.BackupRestored,
	)
}

// Close stops the flusher, attempts one final forced flush, and persists
// whatever could not be delivered. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		if err := c.buffer.Flush(ctx, c.transporter, true); err != nil {
			c.logger.Warn("final flush failed, persisting remaining chunks", map[string]any{
				"error": err.Error(),
			})
		}

		c.absorbBufferStats()
		c.closeErr = c.buffer.Close()
	})
	return c.closeErr
}
