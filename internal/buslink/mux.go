package buslink

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nanographs/scan-generator/internal/monitoring"
)

// ErrWriteFailed is returned when a command write does not reach the port.
var ErrWriteFailed = fmt.Errorf("failed to write to instrument link")

// readChunkSize is the receive buffer handed to each port Read.
const readChunkSize = 4096

// Mux fans the instrument's outbound byte stream out to multiple
// subscribers and serializes command writes to the single port. Chunk
// boundaries carry no meaning: subscribers must treat the stream as a
// continuous byte sequence (frame.Builder does).
type Mux struct {
	port         Port
	subscribers  map[string]chan []byte
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewMux wraps a port in a multiplexer.
func NewMux(port Port) *Mux {
	return &Mux{
		port:        port,
		subscribers: make(map[string]chan []byte),
	}
}

// Subscribe creates a new channel receiving copies of every chunk read from
// the port. The returned ID identifies the channel for Unsubscribe.
func (m *Mux) Subscribe() (string, chan []byte) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	id := uuid.NewString()
	c := make(chan []byte, 64)
	m.subscribers[id] = c
	return id, c
}

// Unsubscribe removes a channel from the list of subscribers.
func (m *Mux) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if c, ok := m.subscribers[id]; ok {
		close(c)
		delete(m.subscribers, id)
	}
}

// Send writes one encoded command sequence to the port, whole or not at all
// from the caller's perspective.
func (m *Mux) Send(cmd []byte) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	for len(cmd) > 0 {
		n, err := m.port.Write(cmd)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		cmd = cmd[n:]
	}
	return nil
}

// Monitor reads from the port and broadcasts chunks to subscribers until
// the context is cancelled or the port fails. Slow subscribers drop chunks
// rather than stalling the pump; the frame builder tolerates byte loss at
// the cost of one partial frame.
func (m *Mux) Monitor(ctx context.Context) error {
	// Closing the port is the only reliable way to unblock a pending Read.
	go func() {
		<-ctx.Done()
		m.closingMu.Lock()
		m.closing = true
		m.closingMu.Unlock()
		m.port.Close()
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := m.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.broadcast(chunk)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.closingMu.Lock()
			closing := m.closing
			m.closingMu.Unlock()
			if closing {
				return context.Canceled
			}
			return fmt.Errorf("instrument link read failed: %w", err)
		}
	}
}

func (m *Mux) broadcast(chunk []byte) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, c := range m.subscribers {
		select {
		case c <- chunk:
		default:
			monitoring.Logf("buslink: subscriber %s is slow, dropping %d bytes", id, len(chunk))
		}
	}
}

// Close closes all subscriber channels and the underlying port.
func (m *Mux) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	for id, c := range m.subscribers {
		close(c)
		delete(m.subscribers, id)
	}
	m.subscriberMu.Unlock()

	return m.port.Close()
}
