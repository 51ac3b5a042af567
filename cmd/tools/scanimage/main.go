// Command scanimage runs one raster scan against the simulated instrument
// and writes the captured frame as a PGM image. Useful for eyeballing
// pipeline behaviour without the daemon.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nanographs/scan-generator/internal/beam"
	"github.com/nanographs/scan-generator/internal/frame"
	"github.com/nanographs/scan-generator/internal/scandb"
)

var (
	xCount   = flag.Int("x", 256, "Pixels per row")
	yCount   = flag.Int("y", 256, "Rows")
	dwell    = flag.Int("dwell", 2, "Dwell time per pixel in ADC cycles")
	loopback = flag.String("loopback", "x", "Simulated echo: x or dwell")
	output   = flag.String("o", "scan.pgm", "Output PGM file")
	dbFile   = flag.String("db", "", "Optionally record the frame to this database")
	maxTicks = flag.Int("max-ticks", 200_000_000, "Tick budget before giving up")
)

func main() {
	flag.Parse()

	if *xCount < 1 || *xCount > beam.MaxCount || *yCount < 1 || *yCount > beam.MaxCount {
		log.Fatalf("region %dx%d out of range (max %d per axis)", *xCount, *yCount, beam.MaxCount)
	}

	mode := beam.LoopbackEchoX
	if *loopback == "dwell" {
		mode = beam.LoopbackEchoDwell
	}

	pipeline, err := beam.New(beam.Config{Loopback: mode})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	var captured *frame.Frame
	builder := frame.NewBuilder(frame.BuilderConfig{
		XCount:  *xCount,
		YCount:  *yCount,
		OnFrame: func(f *frame.Frame) { captured = f },
	})

	for _, c := range scanCommands(*xCount, *yCount, *dwell) {
		b, err := c.Encode()
		if err != nil {
			log.Fatalf("failed to encode %s command: %v", c.Type, err)
		}
		pipeline.WriteCommands(b)
	}

	spent := drive(pipeline, builder, *maxTicks)
	if captured == nil {
		builder.Flush()
	}
	if captured == nil {
		log.Fatalf("no frame captured after %d ticks", spent)
	}

	log.Printf("captured frame %s in %d ticks (partial=%v)", captured.FrameID, pipeline.Ticks(), captured.Partial)

	if err := writePGM(*output, captured); err != nil {
		log.Fatalf("failed to write image: %v", err)
	}
	log.Printf("wrote %s", *output)

	if *dbFile != "" {
		db, err := scandb.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		sessionID, err := db.StartSession("tool", "scanimage")
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		if err := db.RecordFrame(sessionID, captured); err != nil {
			log.Fatalf("failed to record frame: %v", err)
		}
		if err := db.EndSession(sessionID); err != nil {
			log.Fatalf("failed to end session: %v", err)
		}
		log.Printf("recorded frame %s to %s", captured.FrameID, *dbFile)
	}
}

// scanCommands builds the command sequence for one full raster scan,
// chunking the pixel count into maximum-length runs and ending with a flush.
func scanCommands(xCount, yCount, dwell int) []beam.Command {
	cmds := []beam.Command{
		{Type: beam.CmdSynchronize, Cookie: 0x1234, RasterMode: true},
		{Type: beam.CmdRasterRegion, Region: beam.Region{
			XCount: uint16(xCount),
			XStep:  1 << beam.FracBits,
			YCount: uint16(yCount),
			YStep:  1 << beam.FracBits,
		}},
	}
	total := xCount * yCount
	for total > 0 {
		run := total
		if run > 0xFFFF {
			run = 0xFFFF
		}
		cmds = append(cmds, beam.Command{Type: beam.CmdRasterPixelRun, RunLength: uint16(run), Dwell: uint16(dwell)})
		total -= run
	}
	return append(cmds, beam.Command{Type: beam.CmdControl, Instruction: beam.CtrlFlush})
}

// driveChunk bounds how long the pipeline runs between output drains. The
// host FIFO holds far fewer bytes than a frame, so the pipeline stalls
// unless the reader keeps up.
const driveChunk = 4096

// drive steps the pipeline until it goes idle or the tick budget runs out,
// feeding outbound bytes to the builder between chunks. It returns the
// number of ticks consumed.
func drive(p *beam.Pipeline, builder *frame.Builder, budget int) int {
	spent := 0
	for spent < budget {
		chunk := driveChunk
		if rest := budget - spent; chunk > rest {
			chunk = rest
		}
		n := p.RunUntilIdle(chunk)
		spent += n
		builder.Feed(p.ReadImage())
		if n < chunk {
			break
		}
	}
	return spent
}

// writePGM writes the frame as a 16-bit binary PGM (P5).
func writePGM(path string, f *frame.Frame) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := fmt.Fprintf(out, "P5\n%d %d\n%d\n", f.XCount, f.YCount, beam.CoordMask); err != nil {
		return err
	}
	buf := make([]byte, 2*len(f.Pixels))
	for i, p := range f.Pixels {
		buf[2*i] = byte(p >> 8)
		buf[2*i+1] = byte(p)
	}
	if _, err := out.Write(buf); err != nil {
		return err
	}
	return nil
}
