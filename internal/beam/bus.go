package beam

import "fmt"

// BusSignals models the shared DAC/ADC bus pins for one tick. The bus
// controller drives everything except DataIn and OvfIn, which belong to
// whatever sits on the instrument side (hardware glue or the loopback
// adapter in simulation).
type BusSignals struct {
	AdcClk bool
	AdcOE  bool

	DacClk    bool
	DacXLatch bool
	DacYLatch bool

	DataIn  uint16
	OvfIn   bool
	DataOut uint16
	DataOE  bool
}

type busState int

const (
	busAdcWait busState = iota
	busAdcRead
	busXWrite
	busYWrite
)

// minAdcPeriod is the smallest ADC period (in ticks) that leaves room for
// the four-state DAC-write/ADC-read round trip.
const minAdcPeriod = 4

// BusController owns the shared DAC/ADC bus exclusively. A free-running
// divide-by-N counter toggles the shared converter clock every halfPeriod
// ticks; each rising edge starts one AdcWait -> AdcRead -> XWrite -> YWrite
// round. The ADC conversion starts together with the DAC update, so the
// whole ADC period is available for DAC-scope-ADC propagation.
//
// Conversion results surface on the bus latency rounds after the request
// that caused them. The controller keeps a latency-deep shift queue of
// accept/discard flags: a round that latched a new DAC request pushes
// "accept" (with the request's Last flag), a round that could not pushes
// "discard", and a sample is delivered downstream only when the oldest queue
// entry says accept. Discarded conversions are consumed from the bus but
// never surfaced.
//
// Each accepted conversion reserves a return FIFO slot up front, so a new
// request is latched only while the FIFO can hold it plus every conversion
// still in the queue. A stalled consumer therefore halts the request side
// instead of overflowing the return path.
type BusController struct {
	DacIn  *Stream[BusRequest]
	AdcOut *Stream[AdcSample]
	Bus    *BusSignals

	halfPeriod int
	latency    int

	state   busState
	cycles  int
	clk     bool
	latched BusRequest
	accept  []bool // index 0 = newest round
	last    []bool
	fifo    []AdcSample // buffered return path, capacity latency

	// settled combinational decisions, consumed by Tick
	takeDac  bool
	fifoPush bool
}

// NewBusController wires a controller to the given request/sample streams
// and bus pins. adcHalfPeriod is in ticks; the resulting period must cover
// the four-state round trip.
func NewBusController(dacIn *Stream[BusRequest], adcOut *Stream[AdcSample], bus *BusSignals, adcHalfPeriod, adcLatency int) (*BusController, error) {
	if adcHalfPeriod*2 < minAdcPeriod {
		return nil, fmt.Errorf("adc half period %d too small: period must be at least %d ticks", adcHalfPeriod, minAdcPeriod)
	}
	if adcLatency < 1 {
		return nil, fmt.Errorf("adc latency %d must be at least 1", adcLatency)
	}
	return &BusController{
		DacIn:      dacIn,
		AdcOut:     adcOut,
		Bus:        bus,
		halfPeriod: adcHalfPeriod,
		latency:    adcLatency,
		accept:     make([]bool, adcLatency),
		last:       make([]bool, adcLatency),
		fifo:       make([]AdcSample, 0, adcLatency),
	}, nil
}

// canAccept reports whether a new request may be latched: the return FIFO
// must have room for it on top of every conversion already in flight.
func (b *BusController) canAccept() bool {
	reserved := 0
	for _, a := range b.accept {
		if a {
			reserved++
		}
	}
	return len(b.fifo)+reserved < b.latency
}

func (b *BusController) Settle() bool {
	bus := b.Bus
	var out BusSignals
	out.DataIn = bus.DataIn
	out.OvfIn = bus.OvfIn
	out.AdcClk = b.clk
	out.DacClk = b.clk

	b.takeDac = false
	b.fifoPush = false
	ready := false

	switch b.state {
	case busAdcWait:
		// Assert output-enable as soon as the rising edge is seen so the bus
		// has time to stabilize before sampling.
		out.AdcOE = b.clk && b.cycles == 0
	case busAdcRead:
		out.AdcOE = true
		b.takeDac = b.DacIn.Valid && b.canAccept()
		ready = b.takeDac
		b.fifoPush = b.accept[b.latency-1]
	case busXWrite:
		out.DataOut = b.latched.X & CoordMask
		out.DataOE = true
		out.DacXLatch = true
	case busYWrite:
		out.DataOut = b.latched.Y & CoordMask
		out.DataOE = true
		out.DacYLatch = true
	}

	changed := *bus != out
	*bus = out
	changed = b.DacIn.driveReady(ready) || changed

	var front AdcSample
	if len(b.fifo) > 0 {
		front = b.fifo[0]
	}
	changed = b.AdcOut.drive(len(b.fifo) > 0, front) || changed
	return changed
}

func (b *BusController) Tick() {
	clk, cycles := b.clk, b.cycles

	// Free-running converter clock divider.
	if cycles == b.halfPeriod-1 {
		b.cycles = 0
		b.clk = !clk
	} else {
		b.cycles = cycles + 1
	}

	// Drain the delivered sample before a possible push in the same tick.
	if b.AdcOut.fire() {
		b.fifo = b.fifo[:copy(b.fifo, b.fifo[1:])]
	}

	switch b.state {
	case busAdcWait:
		if clk && cycles == 0 {
			b.state = busAdcRead
		}

	case busAdcRead:
		if b.fifoPush {
			b.fifo = append(b.fifo, AdcSample{
				Code:     b.Bus.DataIn & CoordMask,
				Overflow: b.Bus.OvfIn,
				Last:     b.last[b.latency-1],
			})
		}

		// Shift the accept/discard queue: oldest entry falls off, this
		// round's decision enters at the newest slot.
		copy(b.accept[1:], b.accept[:b.latency-1])
		copy(b.last[1:], b.last[:b.latency-1])
		if b.takeDac {
			b.latched = b.DacIn.Data
			b.accept[0] = true
			b.last[0] = b.DacIn.Data.Last
		} else {
			b.accept[0] = false
			b.last[0] = false
		}
		b.state = busXWrite

	case busXWrite:
		b.state = busYWrite

	case busYWrite:
		b.state = busAdcWait
	}
}

// LoopbackAdapter stands in for the instrument in simulation. It mirrors the
// pipelined behaviour of the real converter chain: each completed ADC read
// (output-enable falling edge) shifts one echo value into a latency-deep
// register whose oldest entry drives the bus data-in lines, so echoed data
// arrives exactly adcLatency conversions after the request that produced it.
type LoopbackAdapter struct {
	Bus *BusSignals

	// Source supplies the value echoed for the conversion starting this
	// round.
	Source func() uint16

	latency int
	prevOE  bool
	pending uint16   // echo value sampled at settle time
	shift   []uint16 // index 0 = newest
}

// NewLoopbackAdapter attaches a loopback echo to the bus with the given
// pipeline depth.
func NewLoopbackAdapter(bus *BusSignals, source func() uint16, adcLatency int) *LoopbackAdapter {
	return &LoopbackAdapter{
		Bus:     bus,
		Source:  source,
		latency: adcLatency,
		shift:   make([]uint16, adcLatency),
	}
}

func (l *LoopbackAdapter) Settle() bool {
	// Sample the echo source while registers are stable. Tick must not call
	// Source itself: by then earlier stages may already have clocked their
	// registers forward.
	l.pending = l.Source()
	oldest := l.shift[l.latency-1] & CoordMask
	changed := l.Bus.DataIn != oldest || l.Bus.OvfIn
	l.Bus.DataIn = oldest
	l.Bus.OvfIn = false
	return changed
}

func (l *LoopbackAdapter) Tick() {
	falling := l.prevOE && !l.Bus.AdcOE
	l.prevOE = l.Bus.AdcOE
	if !falling {
		return
	}
	for i := l.latency - 1; i > 0; i-- {
		l.shift[i] = l.shift[i-1]
	}
	l.shift[0] = l.pending
}
