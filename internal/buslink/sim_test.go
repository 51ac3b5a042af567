package buslink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanographs/scan-generator/internal/beam"
	"github.com/nanographs/scan-generator/internal/frame"
)

func TestSimPortScanRoundTrip(t *testing.T) {
	pipeline, err := beam.New(beam.Config{Loopback: beam.LoopbackEchoX})
	require.NoError(t, err)
	port := NewSimPort(pipeline)

	cmds := []beam.Command{
		{Type: beam.CmdSynchronize, Cookie: 0x0C0D, RasterMode: true},
		{Type: beam.CmdRasterRegion, Region: beam.Region{
			XCount: 2, XStep: 1 << beam.FracBits,
			YCount: 2, YStep: 1 << beam.FracBits,
		}},
		{Type: beam.CmdRasterPixelRun, RunLength: 4, Dwell: 1},
	}
	for _, c := range cmds {
		b, err := c.Encode()
		require.NoError(t, err)
		n, err := port.Write(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
	}

	var captured *frame.Frame
	builder := frame.NewBuilder(frame.BuilderConfig{
		XCount:  2,
		YCount:  2,
		OnFrame: func(f *frame.Frame) { captured = f },
	})

	// Marker + cookie + 4 pixels = 12 bytes.
	buf := make([]byte, 64)
	for total := 0; total < 12; {
		n, err := port.Read(buf)
		require.NoError(t, err)
		builder.Feed(buf[:n])
		total += n
	}

	require.NotNil(t, captured, "no frame assembled from sim port output")
	require.Equal(t, uint16(0x0C0D), captured.Cookie)
	require.Equal(t, []uint16{0, 1, 0, 1}, captured.Pixels)
}

func TestSimPortClosed(t *testing.T) {
	pipeline, err := beam.New(beam.Config{})
	require.NoError(t, err)
	port := NewSimPort(pipeline)

	require.NoError(t, port.Close())

	_, err = port.Write([]byte{0})
	require.Error(t, err)
	_, err = port.Read(make([]byte, 8))
	require.Error(t, err)
}
