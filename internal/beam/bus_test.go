package beam

import "testing"

// requestFeeder offers a fixed number of Last-tagged requests with
// incrementing X codes and counts how many were latched.
type requestFeeder struct {
	Out      *Stream[BusRequest]
	left     int
	next     uint16
	accepted int
}

func (f *requestFeeder) Settle() bool {
	return f.Out.drive(f.left > 0, BusRequest{X: f.next, Last: true})
}

func (f *requestFeeder) Tick() {
	if f.Out.fire() {
		f.accepted++
		f.next++
		f.left--
	}
}

// stallableSink consumes samples only while open.
type stallableSink struct {
	In   *Stream[AdcSample]
	open bool
	got  []AdcSample
}

func (s *stallableSink) Settle() bool { return s.In.driveReady(s.open) }

func (s *stallableSink) Tick() {
	if s.In.fire() {
		s.got = append(s.got, s.In.Data)
	}
}

// TestBusControllerStalledConsumer offers more requests than the return FIFO
// holds while the consumer refuses every sample, then opens the consumer.
// Every latched request must surface exactly once: the controller may not
// latch a request it cannot guarantee a FIFO slot for.
func TestBusControllerStalledConsumer(t *testing.T) {
	const latency = 6

	var dacIn Stream[BusRequest]
	var adcOut Stream[AdcSample]
	var bus BusSignals
	ctrl, err := NewBusController(&dacIn, &adcOut, &bus, 3, latency)
	if err != nil {
		t.Fatal(err)
	}
	feeder := &requestFeeder{Out: &dacIn, left: 2 * latency}
	sink := &stallableSink{In: &adcOut}
	comps := []component{feeder, ctrl, sink}

	for i := 0; i < 5000; i++ {
		step(comps)
	}
	if feeder.accepted == 0 {
		t.Fatal("no requests latched while the consumer stalled")
	}
	if feeder.accepted > latency {
		t.Fatalf("latched %d requests during the stall, FIFO holds only %d", feeder.accepted, latency)
	}
	if len(sink.got) != 0 {
		t.Fatalf("consumer received %d samples while stalled", len(sink.got))
	}

	sink.open = true
	for i := 0; i < 5000 && len(sink.got) < 2*latency; i++ {
		step(comps)
	}

	if feeder.left != 0 {
		t.Errorf("feeder still holds %d requests after drain", feeder.left)
	}
	if len(sink.got) != feeder.accepted {
		t.Fatalf("delivered %d samples for %d latched requests", len(sink.got), feeder.accepted)
	}
	for i, s := range sink.got {
		if !s.Last {
			t.Errorf("sample %d lost its Last tag", i)
		}
	}
}
