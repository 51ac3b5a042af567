// Package beam implements the real-time command/stream pipeline that turns a
// host-issued byte stream of scan commands into cycle-accurate DAC/ADC bus
// transactions and turns the returned samples back into an ordered pixel byte
// stream.
//
// The package models the pipeline as a synchronous dataflow machine: every
// stage advances in lock-step on one global tick, and stages exchange data
// over Stream wires using a valid/ready handshake. A transfer happens only on
// a tick where both valid and ready are asserted, so a slow consumer stalls
// its producer structurally; no stage ever drops or reorders an item.
package beam

// Stream is one unidirectional wire bundle between a producer and a consumer.
// The producer drives Data, Valid and Flush; the consumer drives Ready. Data
// must be held stable while Valid is asserted without Ready. Flush is
// orthogonal to the handshake: it asks the consumer to emit any internally
// buffered partial output without carrying an item of its own.
type Stream[T comparable] struct {
	Data  T
	Valid bool
	Ready bool
	Flush bool
}

// fire reports whether a transfer completes on the current tick.
func (s *Stream[T]) fire() bool { return s.Valid && s.Ready }

// drive sets the producer-side signals, reporting whether anything changed.
func (s *Stream[T]) drive(valid bool, data T) bool {
	changed := s.Valid != valid || s.Data != data
	s.Valid = valid
	s.Data = data
	return changed
}

// driveReady sets the consumer-side ready signal.
func (s *Stream[T]) driveReady(ready bool) bool {
	changed := s.Ready != ready
	s.Ready = ready
	return changed
}

// driveFlush sets the producer-side flush signal.
func (s *Stream[T]) driveFlush(flush bool) bool {
	changed := s.Flush != flush
	s.Flush = flush
	return changed
}

// connect forwards src to dst combinationally: valid, data and flush flow
// from src to dst while ready flows back from dst to src. Used where one
// stream is selected onto another, e.g. the raster/vector coordinate mux.
func connect[T comparable](src, dst *Stream[T]) bool {
	changed := dst.drive(src.Valid, src.Data)
	changed = dst.driveFlush(src.Flush) || changed
	changed = src.driveReady(dst.Ready) || changed
	return changed
}

// component is one synchronous stage of the pipeline.
//
// Settle drives the stage's combinational outputs from its registered state
// and the current wire values, returning whether any wire changed. The engine
// re-runs Settle over all stages until the wires reach a fixpoint, so a
// Settle implementation must recompute every output it owns from scratch on
// each call. Tick then advances registered state on the clock edge using the
// settled wire values.
type component interface {
	Settle() bool
	Tick()
}

// maxSettleRounds bounds the fixpoint iteration. The handshake signal chains
// are acyclic (valid flows downstream, ready flows upstream), so settling
// takes at most one round per stage; exceeding the bound means a
// combinational loop was wired up, which is a programming error.
const maxSettleRounds = 32

func settle(comps []component) {
	for round := 0; ; round++ {
		changed := false
		for _, c := range comps {
			if c.Settle() {
				changed = true
			}
		}
		if !changed {
			return
		}
		if round >= maxSettleRounds {
			panic("beam: combinational loop: settle did not converge")
		}
	}
}

// step advances the whole machine by one tick: settle all combinational
// signals, then clock every stage's registers.
func step(comps []component) {
	settle(comps)
	for _, c := range comps {
		c.Tick()
	}
}
