// Package frame assembles the instrument's outbound pixel word stream into
// complete raster frames.
//
// The wire format is a sequence of big-endian 16-bit words: averaged ADC
// samples in scan order, interleaved with synchronization markers. A marker
// is the literal word 0xFFFF immediately followed by the cookie of the
// Synchronize command it acknowledges. ADC samples are 14-bit codes, so the
// marker word is unambiguous.
package frame

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanographs/scan-generator/internal/beam"
)

// Frame is one complete raster scan.
type Frame struct {
	FrameID     string    // unique identifier for this frame
	Cookie      uint16    // synchronization cookie the scan was started under
	XCount      int       // pixels per row
	YCount      int       // rows
	Pixels      []uint16  // row-major averaged ADC samples, len == XCount*YCount
	Partial     bool      // true when the frame was cut short by a flush
	StartedAt   time.Time // wall-clock time of the first pixel
	CompletedAt time.Time // wall-clock time of the last pixel
}

// BuilderConfig holds configuration for a Builder.
type BuilderConfig struct {
	XCount  int          // pixels per row of the announced region
	YCount  int          // rows of the announced region
	OnFrame func(*Frame) // callback invoked with each completed frame
}

type builderState int

const (
	// builderPixels accumulates pixel words.
	builderPixels builderState = iota
	// builderCookie expects the cookie word following a sync marker.
	builderCookie
)

// Builder assembles outbound bytes into frames. Feed may be called from the
// receive path with arbitrary chunk boundaries; byte-to-word assembly and
// frame state are carried across calls.
type Builder struct {
	mu      sync.Mutex
	xCount  int
	yCount  int
	onFrame func(*Frame)

	haveHigh bool
	high     byte

	state  builderState
	cookie uint16
	pixels []uint16
	start  time.Time

	frameCount int64
	now        func() time.Time
}

// NewBuilder creates a Builder for the given region geometry.
func NewBuilder(config BuilderConfig) *Builder {
	return &Builder{
		xCount:  config.XCount,
		yCount:  config.YCount,
		onFrame: config.OnFrame,
		now:     time.Now,
	}
}

// SetRegion changes the expected frame geometry. Any partially accumulated
// frame is discarded; call Flush first to keep it.
func (b *Builder) SetRegion(xCount, yCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.xCount = xCount
	b.yCount = yCount
	b.pixels = nil
}

// FrameCount returns the number of frames completed so far.
func (b *Builder) FrameCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frameCount
}

// Feed consumes a chunk of outbound bytes.
func (b *Builder) Feed(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, by := range data {
		if !b.haveHigh {
			b.high = by
			b.haveHigh = true
			continue
		}
		b.haveHigh = false
		word := uint16(b.high)<<8 | uint16(by)
		b.feedWord(word)
	}
}

func (b *Builder) feedWord(word uint16) {
	switch b.state {
	case builderPixels:
		if word == beam.SyncMarker {
			// A marker before the region filled means the scan was cut
			// short. Emit the accumulated pixels as a partial frame so they
			// do not shear into the next one.
			if len(b.pixels) > 0 {
				b.finalize(true)
			}
			b.state = builderCookie
			return
		}
		if len(b.pixels) == 0 {
			b.start = b.now()
			b.pixels = make([]uint16, 0, b.xCount*b.yCount)
		}
		b.pixels = append(b.pixels, word)
		if len(b.pixels) >= b.xCount*b.yCount {
			b.finalize(false)
		}

	case builderCookie:
		b.cookie = word
		b.state = builderPixels
	}
}

// Flush finalizes any partially accumulated frame, marking it partial.
func (b *Builder) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pixels) > 0 {
		b.finalize(true)
	}
}

// finalize emits the accumulated pixels as a frame. Caller holds b.mu.
func (b *Builder) finalize(partial bool) {
	f := &Frame{
		FrameID:     uuid.NewString(),
		Cookie:      b.cookie,
		XCount:      b.xCount,
		YCount:      b.yCount,
		Pixels:      b.pixels,
		Partial:     partial,
		StartedAt:   b.start,
		CompletedAt: b.now(),
	}
	b.pixels = nil
	b.frameCount++
	if b.onFrame != nil {
		b.onFrame(f)
	}
}
