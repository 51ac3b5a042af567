package beam

type serializerState int

const (
	serHigh serializerState = iota
	serLow
)

// ImageSerializer splits each 16-bit image word into two bytes, most
// significant byte first. A flush request on the word stream propagates to
// the byte stream without consuming a word, so partially filled host buffers
// can be pushed out early.
type ImageSerializer struct {
	WordIn  *Stream[uint16]
	ByteOut *Stream[byte]

	state serializerState
	low   byte
}

// NewImageSerializer wires a serializer between the image word stream and
// the outbound byte stream.
func NewImageSerializer(in *Stream[uint16], out *Stream[byte]) *ImageSerializer {
	return &ImageSerializer{WordIn: in, ByteOut: out}
}

func (s *ImageSerializer) Settle() bool {
	var changed bool
	switch s.state {
	case serHigh:
		changed = s.ByteOut.drive(s.WordIn.Valid, byte(s.WordIn.Data>>8))
		changed = s.WordIn.driveReady(s.ByteOut.Ready) || changed
	case serLow:
		changed = s.ByteOut.drive(true, s.low)
		changed = s.WordIn.driveReady(false) || changed
	}
	changed = s.ByteOut.driveFlush(s.WordIn.Flush) || changed
	return changed
}

func (s *ImageSerializer) Tick() {
	switch s.state {
	case serHigh:
		if s.WordIn.fire() {
			s.low = byte(s.WordIn.Data)
			s.state = serLow
		}
	case serLow:
		if s.ByteOut.fire() {
			s.state = serHigh
		}
	}
}
