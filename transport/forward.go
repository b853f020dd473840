package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/flume/log"
)

// DefaultDialTimeout bounds connection establishment when the config
// leaves it unset.
const DefaultDialTimeout = 5 * time.Second

// ForwardConfig configures a ForwardTransport.
type ForwardConfig struct {
	// Address is the host:port of the downstream forward endpoint.
	Address string

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// ForwardTransport delivers chunks to a Fluentd-compatible endpoint over
// TCP using the PackedForward envelope: a 2-element array of the tag and
// the chunk bytes, msgpack-encoded. The chunk bytes are already a
// concatenation of [timestamp, record] entries, so no re-encoding happens
// here.
//
// The connection is established lazily and kept open across calls; any
// write failure drops it so the next call redials.
type ForwardTransport struct {
	config ForwardConfig
	logger *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

// Verify ForwardTransport implements Transporter.
var _ Transporter = (*ForwardTransport)(nil)

// NewForwardTransport creates a transport for the given endpoint.
func NewForwardTransport(config ForwardConfig, logger *log.Logger) *ForwardTransport {
	if config.DialTimeout == 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	return &ForwardTransport{config: config, logger: logger}
}

// Transport sends one chunk. Calls are serialized; the forward protocol
// has no interleaving for a single connection.
func (t *ForwardTransport) Transport(ctx context.Context, tag string, data []byte) error {
	envelope, err := encodeEnvelope(tag, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connectLocked(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.config.Address, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}

	if _, err := conn.Write(envelope); err != nil {
		t.dropLocked()
		return fmt.Errorf("write %s: %w", t.config.Address, err)
	}
	return nil
}

// Close drops the connection if one is open.
func (t *ForwardTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *ForwardTransport) connectLocked(ctx context.Context) (net.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.config.Address)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("connected", map[string]any{"address": t.config.Address})
	t.conn = conn
	return conn, nil
}

func (t *ForwardTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.logger.Warn("connection dropped, will redial", map[string]any{"address": t.config.Address})
}

// encodeEnvelope builds the PackedForward frame ["tag", <chunk bytes>].
func encodeEnvelope(tag string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := enc.EncodeString(tag); err != nil {
		return nil, fmt.Errorf("encode envelope tag: %w", err)
	}
	if err := enc.EncodeBytes(data); err != nil {
		return nil, fmt.Errorf("encode envelope chunk: %w", err)
	}
	return buf.Bytes(), nil
}
