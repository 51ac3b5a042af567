package beam

import (
	"encoding/binary"
	"fmt"
)

// decoderState enumerates the phases of the command wire protocol.
type decoderState int

const (
	// decTag waits for the tag byte that opens a command.
	decTag decoderState = iota
	// decBody accumulates the fixed-size payload that follows the tag.
	decBody
	// decDwell accumulates one 16-bit dwell value of a raster pixel batch.
	decDwell
	// decSubmit holds a completed command on CmdOut until it is accepted.
	decSubmit
)

// CommandDecoder turns the host command byte stream into typed Command
// values. Bytes are consumed one per tick while ByteIn is valid; a completed
// command is held stable on CmdOut until the executor accepts it, so at most
// one command is in flight at a time.
//
// A raster pixel batch record (count followed by count dwell words) fans out
// into count independent RasterPixel commands.
//
// The wire protocol has no framing to recover from a corrupt stream, so an
// unrecognized tag byte is treated as a protocol violation rather than a
// stall: the byte is consumed and counted, and decoding resumes at the next
// byte.
type CommandDecoder struct {
	ByteIn *Stream[byte]
	CmdOut *Stream[Command]

	state     decoderState
	tag       CommandType
	buf       [12]byte
	need      int
	idx       int
	cmd       Command
	remaining uint16 // dwell words left in the current raster pixel batch

	// ErrCount and LastErr record protocol violations. They are diagnostic
	// only; the decoder keeps running.
	ErrCount int
	LastErr  error
}

// NewCommandDecoder wires a decoder between the given byte and command
// streams.
func NewCommandDecoder(in *Stream[byte], out *Stream[Command]) *CommandDecoder {
	return &CommandDecoder{ByteIn: in, CmdOut: out}
}

func (d *CommandDecoder) Settle() bool {
	accepting := d.state == decTag || d.state == decBody || d.state == decDwell
	changed := d.ByteIn.driveReady(accepting)
	changed = d.CmdOut.drive(d.state == decSubmit, d.cmd) || changed
	return changed
}

func (d *CommandDecoder) Tick() {
	switch d.state {
	case decTag:
		if !d.ByteIn.fire() {
			return
		}
		tag := CommandType(d.ByteIn.Data)
		if tag >= numCommandTypes {
			d.ErrCount++
			d.LastErr = fmt.Errorf("unrecognized command tag 0x%02x", d.ByteIn.Data)
			return
		}
		d.tag = tag
		d.cmd = Command{Type: tag}
		d.need = payloadSize(tag)
		d.idx = 0
		d.state = decBody

	case decBody:
		if !d.ByteIn.fire() {
			return
		}
		d.buf[d.idx] = d.ByteIn.Data
		d.idx++
		if d.idx < d.need {
			return
		}
		if d.tag == CmdRasterPixel {
			// The fixed payload of a raster pixel record is only the batch
			// count; the dwell words follow one at a time.
			d.remaining = binary.BigEndian.Uint16(d.buf[0:2])
			d.idx = 0
			if d.remaining == 0 {
				d.state = decTag
			} else {
				d.state = decDwell
			}
			return
		}
		d.parseBody()
		d.state = decSubmit

	case decDwell:
		if !d.ByteIn.fire() {
			return
		}
		d.buf[d.idx] = d.ByteIn.Data
		d.idx++
		if d.idx < 2 {
			return
		}
		d.cmd = Command{Type: CmdRasterPixel, Dwell: binary.BigEndian.Uint16(d.buf[0:2])}
		d.state = decSubmit

	case decSubmit:
		if !d.CmdOut.fire() {
			return
		}
		if d.tag == CmdRasterPixel && d.remaining > 1 {
			d.remaining--
			d.idx = 0
			d.state = decDwell
			return
		}
		d.remaining = 0
		d.state = decTag
	}
}

// parseBody decodes the accumulated payload bytes into d.cmd according to
// the latched tag. Field layouts follow the wire protocol table: all fields
// big-endian, in declaration order.
func (d *CommandDecoder) parseBody() {
	b := d.buf[:]
	switch d.tag {
	case CmdSynchronize:
		d.cmd.Cookie = binary.BigEndian.Uint16(b[0:2])
		d.cmd.RasterMode = b[2]&1 != 0

	case CmdRasterRegion:
		d.cmd.Region = Region{
			XStart: binary.BigEndian.Uint16(b[0:2]),
			XCount: binary.BigEndian.Uint16(b[2:4]),
			XStep:  binary.BigEndian.Uint16(b[4:6]),
			YStart: binary.BigEndian.Uint16(b[6:8]),
			YCount: binary.BigEndian.Uint16(b[8:10]),
			YStep:  binary.BigEndian.Uint16(b[10:12]),
		}

	case CmdRasterPixelRun:
		d.cmd.RunLength = binary.BigEndian.Uint16(b[0:2])
		d.cmd.Dwell = binary.BigEndian.Uint16(b[2:4])

	case CmdVectorPixel:
		d.cmd.X = binary.BigEndian.Uint16(b[0:2]) & CoordMask
		d.cmd.Y = binary.BigEndian.Uint16(b[2:4]) & CoordMask
		d.cmd.Dwell = binary.BigEndian.Uint16(b[4:6])

	case CmdControl:
		d.cmd.Instruction = ControlInstruction(b[0])
	}
}
