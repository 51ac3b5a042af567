package beam

// BusRequest is one physical bus transaction request: the DAC codes to
// drive, with Last marking the final tick of an averaging window.
type BusRequest struct {
	X, Y uint16
	Last bool
}

// AdcSample is one raw conversion result returned from the bus.
type AdcSample struct {
	Code     uint16
	Overflow bool
	Last     bool
}

type expandState int

const (
	expandWait expandState = iota
	expandGenerate
)

type averageState int

const (
	avgStart averageState = iota
	avgRun
	avgHold
)

// Supersampler expands each logical pixel into Dwell+1 identical bus
// transactions and condenses the returned per-tick samples back into one
// value per pixel.
//
// The two halves run as independent state machines. Expansion tags the final
// transaction of each window with Last; averaging folds samples with
// avg = (avg + sample) >> 1, a single-pole exponential filter seeded by the
// first sample, and releases the result when the Last-tagged sample arrives.
type Supersampler struct {
	DacIn  *Stream[DacSample] // logical pixels in
	AdcOut *Stream[uint16]    // averaged samples out

	SuperDac *Stream[BusRequest] // expanded requests to the bus
	SuperAdc *Stream[AdcSample]  // raw samples back from the bus

	genState   expandState
	cur        DacSample
	dwellCount uint16

	avgState averageState
	avg      uint16
}

// NewSupersampler wires a supersampler between the logical pixel streams and
// the physical bus streams.
func NewSupersampler(dacIn *Stream[DacSample], adcOut *Stream[uint16], superDac *Stream[BusRequest], superAdc *Stream[AdcSample]) *Supersampler {
	return &Supersampler{DacIn: dacIn, AdcOut: adcOut, SuperDac: superDac, SuperAdc: superAdc}
}

// Current returns the logical pixel being expanded. The loopback adapter
// uses it to synthesize echo data in simulation.
func (s *Supersampler) Current() DacSample { return s.cur }

func (s *Supersampler) Settle() bool {
	changed := s.DacIn.driveReady(s.genState == expandWait)
	changed = s.SuperDac.drive(s.genState == expandGenerate, BusRequest{
		X:    s.cur.X,
		Y:    s.cur.Y,
		Last: s.dwellCount == s.cur.Dwell,
	}) || changed

	changed = s.SuperAdc.driveReady(s.avgState == avgStart || s.avgState == avgRun) || changed
	changed = s.AdcOut.drive(s.avgState == avgHold, s.avg) || changed
	return changed
}

func (s *Supersampler) Tick() {
	switch s.genState {
	case expandWait:
		if s.DacIn.fire() {
			s.cur = s.DacIn.Data
			s.dwellCount = 0
			s.genState = expandGenerate
		}
	case expandGenerate:
		if s.SuperDac.fire() {
			if s.dwellCount == s.cur.Dwell {
				s.genState = expandWait
			} else {
				s.dwellCount++
			}
		}
	}

	switch s.avgState {
	case avgStart:
		if s.SuperAdc.fire() {
			s.avg = s.SuperAdc.Data.Code
			if s.SuperAdc.Data.Last {
				s.avgState = avgHold
			} else {
				s.avgState = avgRun
			}
		}
	case avgRun:
		if s.SuperAdc.fire() {
			s.avg = (s.avg + s.SuperAdc.Data.Code) >> 1
			if s.SuperAdc.Data.Last {
				s.avgState = avgHold
			}
		}
	case avgHold:
		if s.AdcOut.fire() {
			s.avgState = avgStart
		}
	}
}
