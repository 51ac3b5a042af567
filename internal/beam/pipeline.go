package beam

// LoopbackMode selects what the simulated instrument echoes back for each
// conversion when no real hardware is attached.
type LoopbackMode int

const (
	// LoopbackOff leaves the bus data-in lines to external code (tests or
	// hardware glue drive BusSignals.DataIn directly).
	LoopbackOff LoopbackMode = iota
	// LoopbackEchoX echoes the X DAC code of the pixel being sampled, so a
	// raster scan images its own X coordinates.
	LoopbackEchoX
	// LoopbackEchoDwell echoes the dwell time of the pixel being sampled.
	LoopbackEchoDwell
)

// Config holds the pipeline's construction parameters.
type Config struct {
	// AdcHalfPeriod is the converter clock half period in ticks.
	// Default 3; the full period must be at least 4 ticks.
	AdcHalfPeriod int
	// AdcLatency is the conversion pipeline depth in ADC rounds. Default 6.
	AdcLatency int
	// FIFODepth is the host-side byte FIFO depth. Default 512.
	FIFODepth int
	// InFlightLimit bounds the pixel accounting counter. Default 16.
	InFlightLimit int
	// Loopback selects the simulated instrument echo. Default LoopbackOff.
	Loopback LoopbackMode
}

func (c Config) withDefaults() Config {
	if c.AdcHalfPeriod == 0 {
		c.AdcHalfPeriod = 3
	}
	if c.AdcLatency == 0 {
		c.AdcLatency = 6
	}
	if c.FIFODepth == 0 {
		c.FIFODepth = 512
	}
	if c.InFlightLimit == 0 {
		c.InFlightLimit = 16
	}
	return c
}

// byteSource feeds host command bytes into the decoder, one per transfer.
type byteSource struct {
	Out *Stream[byte]
	buf []byte
}

func (s *byteSource) Settle() bool {
	var front byte
	if len(s.buf) > 0 {
		front = s.buf[0]
	}
	return s.Out.drive(len(s.buf) > 0, front)
}

func (s *byteSource) Tick() {
	if s.Out.fire() {
		s.buf = s.buf[1:]
	}
}

// byteSink collects outbound image bytes for the host. When full it
// deasserts ready and the whole pipeline stalls behind it without loss. A
// flush request latches a pending-flush flag for the host side to act on.
type byteSink struct {
	In    *Stream[byte]
	depth int
	buf   []byte
	flush bool
}

func (s *byteSink) Settle() bool {
	return s.In.driveReady(len(s.buf) < s.depth)
}

func (s *byteSink) Tick() {
	if s.In.fire() {
		s.buf = append(s.buf, s.In.Data)
	}
	if s.In.Flush {
		s.flush = true
	}
}

// Pipeline assembles the full scan core: command bytes in, image bytes out.
//
//	bytes -> CommandDecoder -> CommandExecutor -> {RasterScanner | vector}
//	      -> Supersampler -> BusController -> bus -> BusController
//	      -> Supersampler -> CommandExecutor -> ImageSerializer -> bytes
//
// The pipeline is single-threaded by construction: callers enqueue command
// bytes, advance the clock with Step or Run, and drain image bytes. Wrap it
// in a mux (internal/buslink) for concurrent use.
type Pipeline struct {
	Decoder    *CommandDecoder
	Executor   *CommandExecutor
	Scanner    *RasterScanner
	Sampler    *Supersampler
	Controller *BusController
	Serializer *ImageSerializer
	Bus        *BusSignals

	src   *byteSource
	sink  *byteSink
	comps []component
	ticks uint64
}

// New constructs a pipeline from the given configuration.
func New(cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	var (
		cmdBytes  Stream[byte]
		cmds      Stream[Command]
		regionIn  Stream[Region]
		dwellIn   Stream[uint16]
		dacOut    Stream[DacSample]
		ssDacIn   Stream[DacSample]
		ssAdcOut  Stream[uint16]
		superDac  Stream[BusRequest]
		superAdc  Stream[AdcSample]
		imgWords  Stream[uint16]
		imgBytes  Stream[byte]
		busignals BusSignals
	)

	p := &Pipeline{Bus: &busignals}
	p.src = &byteSource{Out: &cmdBytes}
	p.sink = &byteSink{In: &imgBytes, depth: cfg.FIFODepth}
	p.Decoder = NewCommandDecoder(&cmdBytes, &cmds)
	p.Scanner = NewRasterScanner(&regionIn, &dwellIn, &dacOut)
	p.Sampler = NewSupersampler(&ssDacIn, &ssAdcOut, &superDac, &superAdc)
	p.Executor = NewCommandExecutor(&cmds, &imgWords, p.Scanner, p.Sampler, cfg.InFlightLimit)

	ctrl, err := NewBusController(&superDac, &superAdc, &busignals, cfg.AdcHalfPeriod, cfg.AdcLatency)
	if err != nil {
		return nil, err
	}
	p.Controller = ctrl
	p.Serializer = NewImageSerializer(&imgWords, &imgBytes)

	p.comps = []component{
		p.src,
		p.Decoder,
		p.Executor,
		p.Scanner,
		p.Sampler,
		p.Controller,
		p.Serializer,
		p.sink,
	}

	switch cfg.Loopback {
	case LoopbackEchoX:
		p.comps = append(p.comps, NewLoopbackAdapter(&busignals, func() uint16 {
			return p.Sampler.Current().X
		}, cfg.AdcLatency))
	case LoopbackEchoDwell:
		p.comps = append(p.comps, NewLoopbackAdapter(&busignals, func() uint16 {
			return p.Sampler.Current().Dwell
		}, cfg.AdcLatency))
	}

	return p, nil
}

// WriteCommands enqueues command bytes for the decoder.
func (p *Pipeline) WriteCommands(b []byte) {
	p.src.buf = append(p.src.buf, b...)
}

// Step advances the pipeline by one tick.
func (p *Pipeline) Step() {
	step(p.comps)
	p.ticks++
}

// Run advances the pipeline by n ticks.
func (p *Pipeline) Run(n int) {
	for i := 0; i < n; i++ {
		p.Step()
	}
}

// ReadImage drains and returns all buffered outbound image bytes, clearing
// any pending flush.
func (p *Pipeline) ReadImage() []byte {
	out := p.sink.buf
	p.sink.buf = nil
	p.sink.flush = false
	return out
}

// Pending returns the number of buffered outbound image bytes.
func (p *Pipeline) Pending() int { return len(p.sink.buf) }

// FlushRequested reports whether a flush reached the outbound byte stream
// since the last ReadImage.
func (p *Pipeline) FlushRequested() bool { return p.sink.flush }

// Ticks returns the number of elapsed clock ticks.
func (p *Pipeline) Ticks() uint64 { return p.ticks }

// Idle reports whether all enqueued command bytes have been consumed, no
// command or pixel is in progress and nothing is waiting on the image word
// path. Buffered outbound bytes are still available via ReadImage.
func (p *Pipeline) Idle() bool {
	return len(p.src.buf) == 0 &&
		p.Decoder.state == decTag &&
		p.Executor.Idle() &&
		p.Serializer.state == serHigh
}

// RunUntilIdle steps the pipeline until Idle or until maxTicks elapse,
// returning the number of ticks consumed.
func (p *Pipeline) RunUntilIdle(maxTicks int) int {
	for i := 0; i < maxTicks; i++ {
		if p.Idle() {
			return i
		}
		p.Step()
	}
	return maxTicks
}
