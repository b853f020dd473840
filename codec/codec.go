// Package codec encodes tagged records into the self-delimiting chunk format.
//
// Each record is encoded as a 2-element heterogeneous array [timestamp, record].
// A chunk is the plain concatenation of these per-record encodings; the
// downstream transporter wraps the whole chunk in its outer envelope.
//
// Timestamps are either integer Unix seconds or an EventTime carrying
// nanosecond precision (msgpack extension type 0, the Fluentd wire convention).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// eventTimeExtID is the msgpack extension type id for EventTime.
const eventTimeExtID = 0

func init() {
	msgpack.RegisterExt(eventTimeExtID, (*EventTime)(nil))
}

// Timestamp is the per-record time value. Exactly one representation is
// used on the wire: integer seconds (Unix) or an EventTime extension value.
type Timestamp interface {
	encodeTo(enc *msgpack.Encoder) error
}

// Unix is a timestamp in whole seconds since the epoch.
type Unix int64

func (u Unix) encodeTo(enc *msgpack.Encoder) error {
	return enc.EncodeInt(int64(u))
}

// EventTime is a timestamp with nanosecond precision.
// On the wire it is msgpack extension type 0: 4 bytes of big-endian
// seconds followed by 4 bytes of big-endian nanoseconds.
type EventTime struct {
	time.Time
}

// NewEventTime creates an EventTime from t.
func NewEventTime(t time.Time) EventTime {
	return EventTime{Time: t}
}

// MarshalMsgpack implements msgpack.Marshaler.
func (et EventTime) MarshalMsgpack() ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[:4], uint32(et.Unix()))
	binary.BigEndian.PutUint32(b[4:], uint32(et.Nanosecond()))
	return b, nil
}

// UnmarshalMsgpack implements msgpack.Unmarshaler.
func (et *EventTime) UnmarshalMsgpack(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("invalid event time payload length: %d", len(b))
	}
	sec := binary.BigEndian.Uint32(b[:4])
	nsec := binary.BigEndian.Uint32(b[4:])
	et.Time = time.Unix(int64(sec), int64(nsec))
	return nil
}

func (et EventTime) encodeTo(enc *msgpack.Encoder) error {
	return enc.Encode(&et)
}

// Encoder turns one record into its chunk byte representation.
//
// Implementations must produce self-delimiting output: the concatenation
// of successive Encode results must be decodable as a stream.
type Encoder interface {
	// Encode encodes [ts, record] and returns the bytes.
	Encode(ts Timestamp, record map[string]any) ([]byte, error)

	// EncodeRaw encodes [ts, <encoded>] where encoded is a pre-encoded
	// record map pasted verbatim after the timestamp.
	EncodeRaw(ts Timestamp, encoded []byte) ([]byte, error)
}

// Module customizes the msgpack encoder before records are written.
// Modules are opaque to the buffer engine; they are applied in order
// at encode time.
type Module interface {
	Configure(enc *msgpack.Encoder)
}

// CompactInts configures the encoder to use the smallest integer
// representation that fits each value.
type CompactInts struct{}

// Configure implements Module.
func (CompactInts) Configure(enc *msgpack.Encoder) {
	enc.UseCompactInts(true)
}

// CompactFloats configures the encoder to encode a float whose value is
// a whole number as the smallest integer representation that fits it.
// Other floats keep their full float64 encoding; nothing is narrowed to
// float32.
type CompactFloats struct{}

// Configure implements Module.
func (CompactFloats) Configure(enc *msgpack.Encoder) {
	enc.UseCompactFloats(true)
}

// MsgpackEncoder is the default Encoder.
//
// Map keys are sorted so that a given record always encodes to the same
// bytes regardless of map iteration order.
type MsgpackEncoder struct {
	modules []Module
}

// NewMsgpackEncoder creates an encoder with the given modules applied
// to every record encoding.
func NewMsgpackEncoder(modules ...Module) *MsgpackEncoder {
	return &MsgpackEncoder{modules: modules}
}

// Verify MsgpackEncoder implements Encoder.
var _ Encoder = (*MsgpackEncoder)(nil)

func (e *MsgpackEncoder) newEncoder(buf *bytes.Buffer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	for _, m := range e.modules {
		m.Configure(enc)
	}
	return enc
}

// Encode encodes [ts, record] as msgpack.
func (e *MsgpackEncoder) Encode(ts Timestamp, record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := e.newEncoder(&buf)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, fmt.Errorf("encode entry header: %w", err)
	}
	if err := ts.encodeTo(enc); err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeRaw encodes [ts, <encoded>], splicing the pre-encoded record map
// in verbatim. The caller is responsible for encoded being a valid
// msgpack map; no validation is performed here.
func (e *MsgpackEncoder) EncodeRaw(ts Timestamp, encoded []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := e.newEncoder(&buf)
	if err := enc.EncodeArrayLen(2); err != nil {
		return nil, fmt.Errorf("encode entry header: %w", err)
	}
	if err := ts.encodeTo(enc); err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}
	// The msgpack encoder writes through to buf with no internal
	// buffering, so the raw map can be appended directly.
	buf.Write(encoded)
	return buf.Bytes(), nil
}
