package beam

import "fmt"

type execState int

const (
	execFetch execState = iota
	execExecute
)

type mergeState int

const (
	mergeImaging mergeState = iota
	mergeWriteMarker
	mergeWriteCookie
)

// CommandExecutor dispatches decoded commands into the scan pipeline and
// merges averaged samples with synchronization markers on the outbound image
// word stream.
//
// Two cooperating state machines share the latched current command. The
// command FSM (Fetch/Execute) routes each command to the raster scanner, the
// direct vector path or the control inputs. The output-merge FSM
// (Imaging/WriteMarker/WriteCookie) forwards averaged samples and, when a
// synchronization is pending and the pipeline has drained, diverts to emit
// the marker word and the cookie. The two machines coordinate only through
// the sync request/acknowledge signals and the in-flight pixel counter.
//
// A Synchronize command is a total-order barrier: the command FSM stalls in
// Execute until every previously submitted pixel has retired, and only then
// latches the new raster/vector mode. The coordinate source feeding the
// supersampler is therefore re-selected at most once per barrier.
type CommandExecutor struct {
	CmdIn  *Stream[Command]
	ImgOut *Stream[uint16]

	scanner *RasterScanner
	ss      *Supersampler

	// vector is the internal producer stream carrying VectorPixel
	// coordinates straight to the supersampler, bypassing the scanner.
	vector Stream[DacSample]

	execState    execState
	mergeState   mergeState
	cmd          Command
	rasterMode   bool
	runRemaining uint16
	inFlight     int
	inFlightCap  int

	// settled combinational pulses, consumed by Tick
	syncReq bool
	syncAck bool
	submit  bool
	retire  bool
}

// NewCommandExecutor wires an executor between the command stream, the
// scanner/supersampler pair and the outbound image word stream.
// inFlightCap bounds the pixel accounting counter; it must exceed the
// pipeline depth (ADC latency plus the averaging window in flight) so that
// hitting it always indicates a bookkeeping bug rather than backpressure.
func NewCommandExecutor(cmdIn *Stream[Command], imgOut *Stream[uint16], scanner *RasterScanner, ss *Supersampler, inFlightCap int) *CommandExecutor {
	return &CommandExecutor{
		CmdIn:       cmdIn,
		ImgOut:      imgOut,
		scanner:     scanner,
		ss:          ss,
		inFlightCap: inFlightCap,
	}
}

// InFlight returns the number of submitted pixels not yet retired.
func (e *CommandExecutor) InFlight() int { return e.inFlight }

// RasterMode reports the currently latched coordinate source mode.
func (e *CommandExecutor) RasterMode() bool { return e.rasterMode }

// Idle reports whether the executor has no command in progress and no
// pixels in flight.
func (e *CommandExecutor) Idle() bool {
	return e.execState == execFetch && e.mergeState == mergeImaging && e.inFlight == 0
}

func (e *CommandExecutor) Settle() bool {
	e.syncReq = false
	e.syncAck = false
	e.submit = false
	e.retire = false

	changed := e.CmdIn.driveReady(e.execState == execFetch)

	// Default drives for everything the executor owns; the Execute cases
	// below override as needed.
	abort := false
	regionValid := false
	dwellValid := false
	var dwell uint16
	vectorValid := false
	var vectorData DacSample
	regionFlush := false
	vectorFlush := false
	imgFlush := false

	if e.execState == execExecute {
		switch e.cmd.Type {
		case CmdSynchronize:
			e.syncReq = true

		case CmdRasterRegion:
			regionValid = true

		case CmdRasterPixel:
			dwellValid = true
			dwell = e.cmd.Dwell
			e.submit = e.scanner.DwellIn.Ready

		case CmdRasterPixelRun:
			dwellValid = e.runRemaining > 0
			dwell = e.cmd.Dwell
			e.submit = dwellValid && e.scanner.DwellIn.Ready

		case CmdVectorPixel:
			vectorValid = true
			vectorData = DacSample{X: e.cmd.X, Y: e.cmd.Y, Dwell: e.cmd.Dwell}
			e.submit = e.vector.Ready

		case CmdControl:
			switch e.cmd.Instruction {
			case CtrlAbort:
				abort = true
			case CtrlFlush:
				if e.rasterMode {
					regionFlush = true
				} else {
					vectorFlush = true
				}
				imgFlush = true
			}
		}
	}

	changed = changedBool(&e.scanner.Abort, abort) || changed
	changed = e.scanner.RegionIn.drive(regionValid, e.cmd.Region) || changed
	changed = e.scanner.RegionIn.driveFlush(regionFlush) || changed
	changed = e.scanner.DwellIn.drive(dwellValid, dwell) || changed
	changed = e.vector.drive(vectorValid, vectorData) || changed
	changed = e.vector.driveFlush(vectorFlush) || changed

	// Coordinate source mux: selected once per barrier by rasterMode. The
	// deselected source sees ready deasserted so it stalls cleanly.
	if e.rasterMode {
		changed = connect(e.scanner.DacOut, e.ss.DacIn) || changed
		changed = e.vector.driveReady(false) || changed
	} else {
		changed = connect(&e.vector, e.ss.DacIn) || changed
		changed = e.scanner.DacOut.driveReady(false) || changed
	}

	// Output-merge FSM combinational outputs.
	switch e.mergeState {
	case mergeImaging:
		changed = e.ImgOut.drive(e.ss.AdcOut.Valid, e.ss.AdcOut.Data) || changed
		changed = e.ss.AdcOut.driveReady(e.ImgOut.Ready) || changed
		e.retire = e.ss.AdcOut.Valid && e.ImgOut.Ready
	case mergeWriteMarker:
		changed = e.ImgOut.drive(true, SyncMarker) || changed
		changed = e.ss.AdcOut.driveReady(false) || changed
	case mergeWriteCookie:
		changed = e.ImgOut.drive(true, e.cmd.Cookie) || changed
		changed = e.ss.AdcOut.driveReady(false) || changed
		e.syncAck = e.ImgOut.Ready
	}
	changed = e.ImgOut.driveFlush(imgFlush) || changed

	return changed
}

func (e *CommandExecutor) Tick() {
	switch e.execState {
	case execFetch:
		if e.CmdIn.fire() {
			e.cmd = e.CmdIn.Data
			if e.cmd.Type == CmdRasterPixelRun {
				e.runRemaining = e.cmd.RunLength
			}
			e.execState = execExecute
		}

	case execExecute:
		switch e.cmd.Type {
		case CmdSynchronize:
			if e.syncAck {
				e.rasterMode = e.cmd.RasterMode
				e.execState = execFetch
			}

		case CmdRasterRegion:
			if e.scanner.RegionIn.fire() {
				e.execState = execFetch
			}

		case CmdRasterPixel:
			if e.scanner.DwellIn.fire() {
				e.execState = execFetch
			}

		case CmdRasterPixelRun:
			if e.runRemaining == 0 {
				e.execState = execFetch
				break
			}
			if e.scanner.DwellIn.fire() {
				e.runRemaining--
				if e.runRemaining == 0 {
					e.execState = execFetch
				}
			}

		case CmdVectorPixel:
			if e.vector.fire() {
				e.execState = execFetch
			}

		case CmdControl:
			e.execState = execFetch

		default:
			// The decoder never emits other types.
			e.execState = execFetch
		}
	}

	switch e.mergeState {
	case mergeImaging:
		if e.inFlight == 0 && e.syncReq {
			e.mergeState = mergeWriteMarker
		}
	case mergeWriteMarker:
		if e.ImgOut.fire() {
			e.mergeState = mergeWriteCookie
		}
	case mergeWriteCookie:
		if e.ImgOut.fire() {
			e.mergeState = mergeImaging
		}
	}

	if e.submit {
		e.inFlight++
	}
	if e.retire {
		e.inFlight--
	}
	if e.inFlight < 0 || e.inFlight > e.inFlightCap {
		panic(fmt.Sprintf("beam: in-flight pixel counter out of range: %d (cap %d)", e.inFlight, e.inFlightCap))
	}
}

func changedBool(dst *bool, v bool) bool {
	changed := *dst != v
	*dst = v
	return changed
}
