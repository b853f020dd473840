// Package transport delivers sealed chunk bytes downstream.
package transport

import (
	"context"
	"sync"
)

// Transporter delivers one sealed chunk. Implementations must not retain
// data after Transport returns.
type Transporter interface {
	Transport(ctx context.Context, tag string, data []byte) error
}

// Delivery is one recorded Transport call.
type Delivery struct {
	Tag  string
	Data []byte
}

// StubTransporter records deliveries for testing.
type StubTransporter struct {
	mu sync.Mutex

	// Deliveries stores all transported chunks for inspection.
	// Data is copied; entries stay valid after the chunk is released.
	Deliveries []Delivery

	// ErrorOnTransport, if non-nil, is returned by Transport instead of
	// recording the chunk.
	ErrorOnTransport error
}

// NewStubTransporter creates a new stub transporter.
func NewStubTransporter() *StubTransporter {
	return &StubTransporter{}
}

// Verify StubTransporter implements Transporter.
var _ Transporter = (*StubTransporter)(nil)

// Transport records the chunk without delivering it.
func (s *StubTransporter) Transport(_ context.Context, tag string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrorOnTransport != nil {
		return s.ErrorOnTransport
	}
	s.Deliveries = append(s.Deliveries, Delivery{
		Tag:  tag,
		Data: append([]byte(nil), data...),
	})
	return nil
}

// SetError configures the error returned by subsequent Transport calls.
// Pass nil to resume recording.
func (s *StubTransporter) SetError(err error) {
	s.mu.Lock()
	s.ErrorOnTransport = err
	s.mu.Unlock()
}

// Recorded returns a snapshot of all deliveries.
func (s *StubTransporter) Recorded() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.Deliveries...)
}

// BytesFor concatenates the delivered bytes for one tag, in delivery order.
func (s *StubTransporter) BytesFor(tag string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, d := range s.Deliveries {
		if d.Tag == tag {
			out = append(out, d.Data...)
		}
	}
	return out
}
