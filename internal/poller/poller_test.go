package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-bridge/internal/codec"
	"modbus-bridge/internal/mapping"
	"modbus-bridge/internal/transport"
)

// sink collects poller events from its own goroutine so tests can poll
// the counts race-free.
type sink struct {
	mu     sync.Mutex
	events []Event
	stop   chan struct{}
}

func newSink(events <-chan Event) *sink {
	s := &sink{stop: make(chan struct{})}
	go func() {
		for {
			select {
			case ev := <-events:
				s.mu.Lock()
				s.events = append(s.events, ev)
				s.mu.Unlock()
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

func (s *sink) close() { close(s.stop) }

func (s *sink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *sink) values() []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Kind == EventValueChanged {
			out = append(out, ev)
		}
	}
	return out
}

func (s *sink) lastStatus() (mapping.Status, bool) {
	var status mapping.Status
	found := false
	for _, ev := range s.all() {
		if ev.Kind == EventStatusChanged {
			status = ev.Status
			found = true
		}
	}
	return status, found
}

func newDevice(key string, slave uint8, defs ...mapping.Definition) *mapping.SlaveDevice {
	mappings := make([]*mapping.Mapping, 0, len(defs))
	for _, d := range defs {
		mappings = append(mappings, mapping.New(d))
	}
	return mapping.NewSlaveDevice(key, slave, mappings)
}

func holdingU16(ref string, address uint16) mapping.Definition {
	return mapping.Definition{
		Reference:     ref,
		Name:          ref,
		RegisterType:  mapping.HoldingRegister,
		OutputType:    codec.UInt16,
		Address:       address,
		RegisterCount: 1,
	}
}

func TestPollerEmitsChangesOnce(t *testing.T) {
	tr := transport.NewMock()
	tr.Holding[10] = 0x0042
	dev := newDevice("dev-1", 1, holdingU16("t", 10))
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	s := newSink(p.Events())
	defer s.close()

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return len(s.values()) == 1 }, time.Second, time.Millisecond)
	first := s.values()[0]
	assert.Equal(t, uint64(0x42), first.Value.Uint)
	assert.Equal(t, "dev-1", first.DeviceKey)
	assert.Equal(t, "t", first.Mapping.Reference)

	// Unchanged registers produce no further events.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, s.values(), 1)

	tr.SetHolding(10, 0x0050)
	require.Eventually(t, func() bool { return len(s.values()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0x50), s.values()[1].Value.Uint)
}

func TestPollerWritesDefaultsBeforeFirstRead(t *testing.T) {
	tr := transport.NewMock()
	dev := newDevice("dev-1", 1, holdingU16("d", 7))
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	p.Enqueue(WriteRequest{Device: dev, Mapping: dev.Mappings[0], Value: "250"})

	s := newSink(p.Events())
	defer s.close()

	p.Start()
	require.Eventually(t, func() bool { return len(s.values()) >= 1 }, time.Second, time.Millisecond)
	p.Stop()

	// The default write happened exactly once, before the first read,
	// so the first observation reflects the post-default state.
	writes := tr.RecordedWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, uint16(7), writes[0].Address)
	assert.Equal(t, []uint16{250}, writes[0].Words)
	assert.Equal(t, uint64(250), s.values()[0].Value.Uint)
}

func TestPollerRepeatWrite(t *testing.T) {
	tr := transport.NewMock()
	dv := "50"
	def := holdingU16("r", 4)
	def.DefaultValue = &dv
	def.RepeatInterval = 20 * time.Millisecond
	dev := newDevice("dev-1", 1, def)
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	p.Enqueue(WriteRequest{Device: dev, Mapping: dev.Mappings[0], Value: "50"})
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return len(tr.RecordedWrites()) >= 3
	}, time.Second, time.Millisecond)

	for _, w := range tr.RecordedWrites() {
		assert.Equal(t, []uint16{50}, w.Words)
		assert.Equal(t, uint16(4), w.Address)
	}
}

func TestPollerGroupFailureMarksInvalid(t *testing.T) {
	tr := transport.NewMock()
	tr.Holding[1] = 9
	dev := newDevice("dev-1", 1, holdingU16("a", 1))
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	s := newSink(p.Events())
	defer s.close()

	p.Start()
	require.Eventually(t, func() bool { return len(s.values()) == 1 }, time.Second, time.Millisecond)

	tr.SetReadErr(&transport.Error{Kind: transport.KindTimeout})
	require.Eventually(t, func() bool {
		status, ok := s.lastStatus()
		return ok && status == mapping.StatusDisconnected
	}, time.Second, time.Millisecond)
	p.Stop()

	// Members went invalid for the cycle but kept the last value.
	assert.False(t, dev.Mappings[0].Valid())
	last, ok := dev.Mappings[0].LastValue()
	require.True(t, ok)
	assert.Equal(t, uint64(9), last.Uint)
	assert.Equal(t, mapping.StatusDisconnected, dev.Status())

	// Recovery re-validates without re-emitting the unchanged value.
	tr.SetReadErr(nil)
	p.Start()
	require.Eventually(t, func() bool {
		status, ok := s.lastStatus()
		return ok && status == mapping.StatusConnected
	}, time.Second, time.Millisecond)
	p.Stop()

	assert.True(t, dev.Mappings[0].Valid())
	assert.Len(t, s.values(), 1)
}

func TestPollerAtMostOneWritePerCyclePerMapping(t *testing.T) {
	tr := transport.NewMock()
	dev := newDevice("dev-1", 1, holdingU16("a", 3))
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	// Two writes for the same mapping: the second is deferred to the
	// next cycle instead of coalescing into the same one.
	p.Enqueue(WriteRequest{Device: dev, Mapping: dev.Mappings[0], Value: "10"})
	p.Enqueue(WriteRequest{Device: dev, Mapping: dev.Mappings[0], Value: "20"})

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool { return len(tr.RecordedWrites()) == 2 }, time.Second, time.Millisecond)
	writes := tr.RecordedWrites()
	assert.Equal(t, []uint16{10}, writes[0].Words)
	assert.Equal(t, []uint16{20}, writes[1].Words)
}

func TestPollerStartStopIdempotent(t *testing.T) {
	tr := transport.NewMock()
	dev := newDevice("dev-1", 1, holdingU16("a", 1))
	p := New(tr, []*mapping.SlaveDevice{dev}, 5*time.Millisecond)

	p.Start()
	p.Start()
	assert.True(t, p.Running())

	p.Stop()
	p.Stop()
	assert.False(t, p.Running())

	// No events after Stop returned.
	for len(p.Events()) > 0 {
		<-p.Events()
	}
	time.Sleep(30 * time.Millisecond)
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event after stop: %+v", ev)
	default:
	}
}

func TestPollerSetsSlavePerDevice(t *testing.T) {
	tr := transport.NewMock()
	tr.Holding[1] = 1
	devA := newDevice("dev-a", 3, holdingU16("a", 1))
	devB := newDevice("dev-b", 7, holdingU16("b", 1))
	p := New(tr, []*mapping.SlaveDevice{devA, devB}, 5*time.Millisecond)

	s := newSink(p.Events())
	defer s.close()

	p.Start()
	require.Eventually(t, func() bool { return len(s.values()) >= 2 }, time.Second, time.Millisecond)
	p.Stop()

	// Devices are polled in definition order; the last addressed slave
	// belongs to the second device.
	assert.Equal(t, uint8(7), tr.Slave())
	assert.Equal(t, mapping.StatusConnected, devA.Status())
	assert.Equal(t, mapping.StatusConnected, devB.Status())
}
