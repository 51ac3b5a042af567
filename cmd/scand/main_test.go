package main

import (
	"net/url"
	"testing"

	"github.com/nanographs/scan-generator/internal/beam"
)

func TestBuildScanCommands(t *testing.T) {
	b, err := buildScanCommands(7, 4, 2, 3)
	if err != nil {
		t.Fatalf("buildScanCommands: %v", err)
	}

	// Synchronize (4) + RasterRegion (13) + one run (5) + flush (2).
	if len(b) != 24 {
		t.Errorf("encoded length = %d, want 24", len(b))
	}
	if beam.CommandType(b[0]) != beam.CmdSynchronize {
		t.Errorf("first command tag = %d, want Synchronize", b[0])
	}
}

func TestBuildScanCommandsSplitsLargeRuns(t *testing.T) {
	// 512x512 = 262144 pixels needs five runs (4x 65535 + 4004).
	b, err := buildScanCommands(1, 512, 512, 2)
	if err != nil {
		t.Fatalf("buildScanCommands: %v", err)
	}

	runs := 0
	for i := 0; i < len(b); {
		switch beam.CommandType(b[i]) {
		case beam.CmdSynchronize:
			i += 4
		case beam.CmdRasterRegion:
			i += 13
		case beam.CmdRasterPixelRun:
			runs++
			i += 5
		case beam.CmdControl:
			i += 2
		default:
			t.Fatalf("unexpected tag %d at offset %d", b[i], i)
		}
	}
	if runs != 5 {
		t.Errorf("encoded %d runs, want 5", runs)
	}
}

func TestQueryUint16(t *testing.T) {
	q := url.Values{}
	q.Set("x", "100")
	q.Set("bad", "zero")
	q.Set("big", "70000")
	q.Set("over", "9000")

	if got := queryUint16(q, "x", 50, 16384); got != 100 {
		t.Errorf("x = %d, want 100", got)
	}
	if got := queryUint16(q, "missing", 50, 16384); got != 50 {
		t.Errorf("missing = %d, want fallback 50", got)
	}
	if got := queryUint16(q, "bad", 50, 16384); got != 50 {
		t.Errorf("bad = %d, want fallback 50", got)
	}
	if got := queryUint16(q, "big", 50, 16384); got != 50 {
		t.Errorf("big = %d, want fallback 50", got)
	}
	if got := queryUint16(q, "over", 50, 8192); got != 8192 {
		t.Errorf("over = %d, want clamp 8192", got)
	}
}

func TestLoopbackMode(t *testing.T) {
	if got := loopbackMode("dwell"); got != beam.LoopbackEchoDwell {
		t.Errorf("dwell = %v, want LoopbackEchoDwell", got)
	}
	if got := loopbackMode("off"); got != beam.LoopbackOff {
		t.Errorf("off = %v, want LoopbackOff", got)
	}
	if got := loopbackMode("x"); got != beam.LoopbackEchoX {
		t.Errorf("x = %v, want LoopbackEchoX", got)
	}
	if got := loopbackMode(""); got != beam.LoopbackEchoX {
		t.Errorf("empty = %v, want LoopbackEchoX", got)
	}
}
