package beam

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testTickBudget = 1_000_000

func writeCommands(t *testing.T, p *Pipeline, cmds ...Command) {
	t.Helper()
	for _, c := range cmds {
		p.WriteCommands(mustEncode(t, c))
	}
}

func runToIdle(t *testing.T, p *Pipeline) []byte {
	t.Helper()
	if n := p.RunUntilIdle(testTickBudget); n == testTickBudget {
		t.Fatalf("pipeline did not go idle within %d ticks", testTickBudget)
	}
	return p.ReadImage()
}

func toWords(t *testing.T, b []byte) []uint16 {
	t.Helper()
	if len(b)%2 != 0 {
		t.Fatalf("image stream has odd length %d", len(b))
	}
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return words
}

func rasterScanCommands(cookie, xCount, yCount, dwell uint16) []Command {
	return []Command{
		{Type: CmdSynchronize, Cookie: cookie, RasterMode: true},
		{Type: CmdRasterRegion, Region: Region{
			XCount: xCount, XStep: 1 << FracBits,
			YCount: yCount, YStep: 1 << FracBits,
		}},
		{Type: CmdRasterPixelRun, RunLength: xCount * yCount, Dwell: dwell},
	}
}

// TestRasterScanCompleteness runs a 4x2 region against the X-echo loopback
// and checks that exactly XCount*YCount pixels come back, in row-major order,
// behind the synchronization marker.
func TestRasterScanCompleteness(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p, rasterScanCommands(0x0A0B, 4, 2, 2)...)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{
		SyncMarker, 0x0A0B,
		0, 1, 2, 3,
		0, 1, 2, 3,
	}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

// TestFractionalStepCoordinates checks the UQ8.8 accumulator: a step of 1.5
// DAC codes per pixel truncates to integer codes 0,1,3,4.
func TestFractionalStepCoordinates(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	step, err := FixedPoint8x8(1.5)
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, p,
		Command{Type: CmdSynchronize, Cookie: 1, RasterMode: true},
		Command{Type: CmdRasterRegion, Region: Region{XCount: 4, XStep: step, YCount: 1, YStep: step}},
		Command{Type: CmdRasterPixelRun, RunLength: 4, Dwell: 0},
	)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{SyncMarker, 1, 0, 1, 3, 4}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

// TestSynchronizeBarrier checks the ordering property: a marker written after
// a scan appears strictly after every pixel of that scan, and the cookie
// follows its marker immediately.
func TestSynchronizeBarrier(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	cmds := rasterScanCommands(0x0101, 4, 2, 1)
	cmds = append(cmds, Command{Type: CmdSynchronize, Cookie: 0x0202, RasterMode: true})
	writeCommands(t, p, cmds...)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{
		SyncMarker, 0x0101,
		0, 1, 2, 3,
		0, 1, 2, 3,
		SyncMarker, 0x0202,
	}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

// TestVectorMode drives explicit coordinates through the vector path.
func TestVectorMode(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p,
		Command{Type: CmdSynchronize, Cookie: 7, RasterMode: false},
		Command{Type: CmdVectorPixel, X: 100, Y: 200, Dwell: 0},
		Command{Type: CmdVectorPixel, X: 3000, Y: 1, Dwell: 2},
	)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{SyncMarker, 7, 100, 3000}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

// TestAbortTruncatesScan submits 3 of a region's 8 pixels and then aborts.
// The pixels already submitted complete and are delivered; the region ends.
func TestAbortTruncatesScan(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p,
		Command{Type: CmdSynchronize, Cookie: 0x0042, RasterMode: true},
		Command{Type: CmdRasterRegion, Region: Region{XCount: 4, XStep: 1 << FracBits, YCount: 2, YStep: 1 << FracBits}},
	)
	p.WriteCommands(EncodeRasterPixels([]uint16{1, 1, 1}))
	writeCommands(t, p,
		Command{Type: CmdControl, Instruction: CtrlAbort},
	)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{SyncMarker, 0x0042, 0, 1, 2}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}

	// The scanner must be back at region intake: a fresh region scans from
	// its own origin rather than resuming the aborted one.
	writeCommands(t, p,
		Command{Type: CmdRasterRegion, Region: Region{XCount: 2, XStep: 1 << FracBits, YCount: 1, YStep: 1 << FracBits}},
		Command{Type: CmdRasterPixelRun, RunLength: 2, Dwell: 0},
	)
	words = toWords(t, runToIdle(t, p))
	want = []uint16{0, 1}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("post-abort scan mismatch (-want +got):\n%s", diff)
	}
}

// TestDwellEchoAveraging scans with the dwell-echo loopback: every sample in
// a window equals the dwell time, so the averaged pixel must equal it exactly
// for any window length.
func TestDwellEchoAveraging(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoDwell})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p, rasterScanCommands(1, 2, 1, 9)...)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{SyncMarker, 1, 9, 9}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

// TestBackpressureLosslessness runs a scan whose output exceeds a tiny host
// FIFO. The pipeline must stall rather than drop: draining the FIFO
// incrementally yields the identical stream an unconstrained run produces.
func TestBackpressureLosslessness(t *testing.T) {
	reference, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, reference, rasterScanCommands(3, 8, 4, 0)...)
	want := toWords(t, runToIdle(t, reference))

	p, err := New(Config{Loopback: LoopbackEchoX, FIFODepth: 4})
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, p, rasterScanCommands(3, 8, 4, 0)...)

	var got []byte
	for i := 0; i < testTickBudget; i++ {
		if p.Idle() {
			break
		}
		p.Run(17)
		got = append(got, p.ReadImage()...)
	}
	got = append(got, p.ReadImage()...)

	if diff := cmp.Diff(want, toWords(t, got)); diff != "" {
		t.Errorf("throttled stream diverged from reference (-want +got):\n%s", diff)
	}
}

// TestBackpressureStallAndResume holds the host sink full for a long stretch
// mid-scan before draining at all. The stall must halt the pipeline cleanly;
// once draining resumes the stream matches an unconstrained run word for
// word and the pipeline still reaches idle.
func TestBackpressureStallAndResume(t *testing.T) {
	reference, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, reference, rasterScanCommands(6, 8, 4, 0)...)
	want := toWords(t, runToIdle(t, reference))

	p, err := New(Config{Loopback: LoopbackEchoX, FIFODepth: 4})
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, p, rasterScanCommands(6, 8, 4, 0)...)

	p.Run(100_000)
	if got := p.Pending(); got != 4 {
		t.Fatalf("sink holds %d bytes during the stall, want 4", got)
	}

	got := p.ReadImage()
	for i := 0; i < testTickBudget && !p.Idle(); i++ {
		p.Run(17)
		got = append(got, p.ReadImage()...)
	}
	if !p.Idle() {
		t.Fatalf("pipeline did not go idle after draining resumed")
	}
	got = append(got, p.ReadImage()...)

	if diff := cmp.Diff(want, toWords(t, got)); diff != "" {
		t.Errorf("stalled stream diverged from reference (-want +got):\n%s", diff)
	}
}

// TestBusExclusivity steps a scan tick by tick and checks the bus pin
// invariants: ADC output-enable never overlaps a DAC write, and the two DAC
// latches never fire together.
func TestBusExclusivity(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}
	writeCommands(t, p, rasterScanCommands(5, 4, 4, 1)...)

	for i := 0; i < testTickBudget; i++ {
		if p.Idle() {
			return
		}
		p.Step()
		bus := p.Bus
		if bus.AdcOE && (bus.DacXLatch || bus.DacYLatch || bus.DataOE) {
			t.Fatalf("tick %d: ADC read overlaps DAC write: %+v", i, *bus)
		}
		if bus.DacXLatch && bus.DacYLatch {
			t.Fatalf("tick %d: both DAC latches asserted: %+v", i, *bus)
		}
	}
	t.Fatalf("pipeline did not go idle within %d ticks", testTickBudget)
}

// TestFlushPropagates checks that a Control flush reaches the outbound byte
// stream so the host can push out a partial buffer.
func TestFlushPropagates(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p, Command{Type: CmdControl, Instruction: CtrlFlush})
	if n := p.RunUntilIdle(testTickBudget); n == testTickBudget {
		t.Fatalf("pipeline did not go idle within %d ticks", testTickBudget)
	}
	if !p.FlushRequested() {
		t.Error("flush did not propagate to the byte sink")
	}
	p.ReadImage()
	if p.FlushRequested() {
		t.Error("flush flag not cleared by ReadImage")
	}
}

// TestEmptyRegionIgnored checks that a zero-area region produces nothing and
// does not wedge the scanner.
func TestEmptyRegionIgnored(t *testing.T) {
	p, err := New(Config{Loopback: LoopbackEchoX})
	if err != nil {
		t.Fatal(err)
	}

	writeCommands(t, p,
		Command{Type: CmdSynchronize, Cookie: 2, RasterMode: true},
		Command{Type: CmdRasterRegion, Region: Region{XCount: 0, YCount: 4, XStep: 1 << FracBits}},
		Command{Type: CmdRasterRegion, Region: Region{XCount: 2, XStep: 1 << FracBits, YCount: 1, YStep: 1 << FracBits}},
		Command{Type: CmdRasterPixelRun, RunLength: 2, Dwell: 0},
	)
	words := toWords(t, runToIdle(t, p))

	want := []uint16{SyncMarker, 2, 0, 1}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Errorf("image stream mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{AdcHalfPeriod: 1}); err == nil {
		t.Error("expected error for ADC half period below the bus round trip")
	}
	if _, err := NewBusController(&Stream[BusRequest]{}, &Stream[AdcSample]{}, &BusSignals{}, 3, 0); err == nil {
		t.Error("expected error for zero ADC latency")
	}
}
