package beam

import (
	"encoding/binary"
	"fmt"
)

// Wire protocol constants. All multi-byte fields are big-endian.
const (
	// CoordBits is the resolution of the DAC/ADC codes.
	CoordBits = 14
	// CoordMask truncates a 16-bit wire value to a 14-bit bus code.
	CoordMask = 1<<CoordBits - 1
	// MaxCount is the largest pixel count accepted per raster axis.
	MaxCount = 1 << CoordBits

	// FracBits is the number of fractional bits in a raster step value
	// (UQ8.8 fixed point).
	FracBits = 8

	// SyncMarker is the 16-bit word written to the image stream immediately
	// before a synchronization cookie.
	SyncMarker = 0xFFFF
)

// CommandType is the tag byte that starts every encoded command.
type CommandType uint8

const (
	CmdSynchronize CommandType = iota
	CmdRasterRegion
	CmdRasterPixel
	CmdRasterPixelRun
	CmdVectorPixel
	CmdControl

	numCommandTypes
)

func (t CommandType) String() string {
	switch t {
	case CmdSynchronize:
		return "Synchronize"
	case CmdRasterRegion:
		return "RasterRegion"
	case CmdRasterPixel:
		return "RasterPixel"
	case CmdRasterPixelRun:
		return "RasterPixelRun"
	case CmdVectorPixel:
		return "VectorPixel"
	case CmdControl:
		return "Control"
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// ControlInstruction selects the action of a Control command.
type ControlInstruction uint8

const (
	CtrlAbort ControlInstruction = 1
	CtrlFlush ControlInstruction = 2
)

// Region describes one rectangular raster scan. Start positions are 14-bit
// DAC codes, counts are pixels per axis, and steps are UQ8.8 fixed-point DAC
// code increments. The scanner reuses XStep for both axes so that pixels stay
// square; YStep travels on the wire for forward compatibility.
type Region struct {
	XStart uint16
	XCount uint16
	XStep  uint16
	YStart uint16
	YCount uint16
	YStep  uint16
}

// Command is the decoded form of one host instruction. Type selects which of
// the remaining fields are meaningful, mirroring the tagged wire encoding.
type Command struct {
	Type CommandType

	// Synchronize
	Cookie     uint16
	RasterMode bool

	// RasterRegion
	Region Region

	// RasterPixel, RasterPixelRun, VectorPixel
	Dwell uint16

	// RasterPixelRun
	RunLength uint16

	// VectorPixel
	X, Y uint16

	// Control
	Instruction ControlInstruction
}

// payloadSize returns the number of payload bytes following the tag byte.
// For CmdRasterPixel this is the size of the leading count field; the dwell
// words that follow are counted separately by the decoder.
func payloadSize(t CommandType) int {
	switch t {
	case CmdSynchronize:
		return 3
	case CmdRasterRegion:
		return 12
	case CmdRasterPixel:
		return 2
	case CmdRasterPixelRun:
		return 4
	case CmdVectorPixel:
		return 6
	case CmdControl:
		return 1
	}
	return 0
}

// FixedPoint8x8 converts a step size in DAC codes per pixel to the UQ8.8
// wire representation, truncating toward zero. Steps of 256 codes or more do
// not fit the format.
func FixedPoint8x8(step float64) (uint16, error) {
	if step < 0 || step >= 256 {
		return 0, fmt.Errorf("step %v out of range for UQ8.8", step)
	}
	return uint16(step * (1 << FracBits)), nil
}

// Encode serializes a single command into its wire representation. Batched
// raster pixels have no single-command form; use EncodeRasterPixels for
// those. A RasterPixel command encodes as a batch of one.
func (c Command) Encode() ([]byte, error) {
	switch c.Type {
	case CmdSynchronize:
		flags := byte(0)
		if c.RasterMode {
			flags = 1
		}
		b := make([]byte, 4)
		b[0] = byte(CmdSynchronize)
		binary.BigEndian.PutUint16(b[1:], c.Cookie)
		b[3] = flags
		return b, nil

	case CmdRasterRegion:
		r := c.Region
		if r.XCount > MaxCount || r.YCount > MaxCount {
			return nil, fmt.Errorf("raster region %dx%d exceeds %d pixels per axis", r.XCount, r.YCount, MaxCount)
		}
		b := make([]byte, 13)
		b[0] = byte(CmdRasterRegion)
		binary.BigEndian.PutUint16(b[1:], r.XStart)
		binary.BigEndian.PutUint16(b[3:], r.XCount)
		binary.BigEndian.PutUint16(b[5:], r.XStep)
		binary.BigEndian.PutUint16(b[7:], r.YStart)
		binary.BigEndian.PutUint16(b[9:], r.YCount)
		binary.BigEndian.PutUint16(b[11:], r.YStep)
		return b, nil

	case CmdRasterPixel:
		return EncodeRasterPixels([]uint16{c.Dwell}), nil

	case CmdRasterPixelRun:
		b := make([]byte, 5)
		b[0] = byte(CmdRasterPixelRun)
		binary.BigEndian.PutUint16(b[1:], c.RunLength)
		binary.BigEndian.PutUint16(b[3:], c.Dwell)
		return b, nil

	case CmdVectorPixel:
		if c.X > CoordMask || c.Y > CoordMask {
			return nil, fmt.Errorf("vector pixel (%d,%d) exceeds %d-bit DAC range", c.X, c.Y, CoordBits)
		}
		b := make([]byte, 7)
		b[0] = byte(CmdVectorPixel)
		binary.BigEndian.PutUint16(b[1:], c.X)
		binary.BigEndian.PutUint16(b[3:], c.Y)
		binary.BigEndian.PutUint16(b[5:], c.Dwell)
		return b, nil

	case CmdControl:
		if c.Instruction != CtrlAbort && c.Instruction != CtrlFlush {
			return nil, fmt.Errorf("unknown control instruction %d", c.Instruction)
		}
		return []byte{byte(CmdControl), byte(c.Instruction)}, nil
	}
	return nil, fmt.Errorf("unknown command type %d", c.Type)
}

// EncodeRasterPixels serializes a batch of per-pixel dwell times as one wire
// record. The decoder fans the batch out into one RasterPixel command per
// dwell value.
func EncodeRasterPixels(dwells []uint16) []byte {
	b := make([]byte, 3+2*len(dwells))
	b[0] = byte(CmdRasterPixel)
	binary.BigEndian.PutUint16(b[1:], uint16(len(dwells)))
	for i, d := range dwells {
		binary.BigEndian.PutUint16(b[3+2*i:], d)
	}
	return b
}
