package buslink

import (
	"fmt"
	"sync"
	"time"

	"github.com/nanographs/scan-generator/internal/beam"
)

// simIdleBudget is how many ticks a blocked Read advances the pipeline
// before concluding that no more output is coming for now.
const simIdleBudget = 100000

// SimPort runs the scan pipeline in-process behind the Port interface.
// Writes enqueue command bytes; Reads advance the pipeline clock until image
// bytes appear. It stands in for the instrument in dev mode and tests.
type SimPort struct {
	mu       sync.Mutex
	pipeline *beam.Pipeline
	pending  []byte
	closed   bool
}

// NewSimPort creates a simulated instrument link. The pipeline should be
// configured with a loopback mode so that conversions produce data.
func NewSimPort(p *beam.Pipeline) *SimPort {
	return &SimPort{pipeline: p}
}

// Write enqueues command bytes for the simulated pipeline.
func (s *SimPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("sim port is closed")
	}
	s.pipeline.WriteCommands(p)
	return len(p), nil
}

// Read advances the pipeline until it produces image bytes, then returns
// them. When the pipeline is idle with no output pending, Read sleeps
// briefly and retries, so it blocks like a real port.
func (s *SimPort) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, fmt.Errorf("sim port is closed")
		}

		if len(s.pending) == 0 {
			for i := 0; i < simIdleBudget && !s.pipeline.Idle(); i++ {
				s.pipeline.Step()
				if s.pipeline.Pending() >= len(p) || s.pipeline.FlushRequested() {
					break
				}
			}
			s.pending = s.pipeline.ReadImage()
		}

		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// Close shuts the simulated link down; pending Reads fail.
func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
