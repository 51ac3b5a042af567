package beam

// DacSample is one logical pixel request: a beam position plus the dwell
// time to spend there.
type DacSample struct {
	X, Y  uint16
	Dwell uint16
}

// rasterState enumerates the scanner phases.
type rasterState int

const (
	rasterAwaitRegion rasterState = iota
	rasterScan
)

// RasterScanner walks a Region in row-major order, pairing each accepted
// dwell value with the next coordinate. Positions are tracked in UQ14.8
// fixed point per axis; the integer part of each accumulator is presented on
// DacOut. XStep is applied on both axes so pixels stay square.
//
// Exactly XCount*YCount coordinates are produced per region unless Abort is
// asserted, which returns the scanner to rasterAwaitRegion and discards the
// remaining row/column state. The pixel transferring on the abort tick still
// completes; no later pixel does.
type RasterScanner struct {
	RegionIn *Stream[Region]
	DwellIn  *Stream[uint16]
	DacOut   *Stream[DacSample]

	// Abort is a single-tick input sampled in every Scan tick. Driven by the
	// executor while handling a Control.Abort command.
	Abort bool

	state  rasterState
	region Region
	xAccum uint32 // UQ14.8
	yAccum uint32 // UQ14.8
	xCount uint16
	yCount uint16
}

// NewRasterScanner wires a scanner between the given region, dwell and
// coordinate streams.
func NewRasterScanner(region *Stream[Region], dwell *Stream[uint16], out *Stream[DacSample]) *RasterScanner {
	return &RasterScanner{RegionIn: region, DwellIn: dwell, DacOut: out}
}

func (r *RasterScanner) Settle() bool {
	scanning := r.state == rasterScan
	changed := r.RegionIn.driveReady(!scanning)

	// While scanning, the dwell stream is passed through to the coordinate
	// output: a dwell transfer and a coordinate transfer are the same event.
	valid := scanning && r.DwellIn.Valid
	changed = r.DacOut.drive(valid, DacSample{
		X:     uint16(r.xAccum>>FracBits) & CoordMask,
		Y:     uint16(r.yAccum>>FracBits) & CoordMask,
		Dwell: r.DwellIn.Data,
	}) || changed
	changed = r.DwellIn.driveReady(scanning && r.DacOut.Ready) || changed
	return changed
}

func (r *RasterScanner) Tick() {
	switch r.state {
	case rasterAwaitRegion:
		if !r.RegionIn.fire() {
			return
		}
		reg := r.RegionIn.Data
		if reg.XCount == 0 || reg.YCount == 0 {
			// An empty region produces nothing; stay ready for the next one.
			return
		}
		r.region = reg
		r.xAccum = uint32(reg.XStart&CoordMask) << FracBits
		r.yAccum = uint32(reg.YStart&CoordMask) << FracBits
		r.xCount = 0
		r.yCount = 0
		r.state = rasterScan

	case rasterScan:
		if r.Abort {
			r.state = rasterAwaitRegion
			return
		}
		if !r.DwellIn.fire() {
			return
		}
		if r.xCount == r.region.XCount-1 {
			// Row complete: rewind X, advance Y by the shared step.
			r.xAccum = uint32(r.region.XStart&CoordMask) << FracBits
			r.xCount = 0
			if r.yCount == r.region.YCount-1 {
				r.state = rasterAwaitRegion
				return
			}
			r.yAccum += uint32(r.region.XStep)
			r.yCount++
			return
		}
		r.xAccum += uint32(r.region.XStep)
		r.xCount++
	}
}
