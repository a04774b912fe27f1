// Package poller runs the single background task that owns the fieldbus
// transport: it walks the register groups of every slave, dispatches read
// words into the mappings, performs the cycle's writes, and emits change
// and status events for the bridge to consume. No other goroutine touches
// the transport while the poller runs.
package poller

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/codec"
	"modbus-bridge/internal/logger"
	"modbus-bridge/internal/mapping"
	"modbus-bridge/internal/transport"
)

// Reconnect backoff bounds.
const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// EventKind discriminates poller events.
type EventKind int

const (
	EventValueChanged EventKind = iota
	EventStatusChanged
)

// Event is one observation surfaced to the bridge: a mapping value change
// or a slave status transition.
type Event struct {
	Kind      EventKind
	DeviceKey string
	Mapping   *mapping.Mapping // value events only
	Value     codec.Value      // value events only
	Status    mapping.Status   // status events only
}

// WriteRequest is a pending device write routed through the poller so all
// transport access stays on its goroutine.
type WriteRequest struct {
	Device  *mapping.SlaveDevice
	Mapping *mapping.Mapping
	Value   string
}

// Poller owns the transport and schedules all fieldbus traffic.
type Poller struct {
	tr      transport.Transport
	devices []*mapping.SlaveDevice
	period  time.Duration

	events chan Event
	writes chan WriteRequest

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a poller over the given devices. period is the register read
// period, measured edge to edge.
func New(tr transport.Transport, devices []*mapping.SlaveDevice, period time.Duration) *Poller {
	p := &Poller{
		tr:      tr,
		devices: devices,
		period:  period,
		events:  make(chan Event, 256),
		writes:  make(chan WriteRequest, 256),
	}
	for _, dev := range devices {
		dev.OnStatusChange(p.emitStatus)
	}
	return p
}

// Events is the stream of value changes and status transitions. The
// channel stays open across restarts.
func (p *Poller) Events() <-chan Event { return p.events }

// Enqueue schedules a device write for the next cycle. Best effort: a full
// queue drops the request with a warning rather than blocking the caller.
func (p *Poller) Enqueue(req WriteRequest) {
	select {
	case p.writes <- req:
	default:
		logger.Warn("write queue full, dropping request",
			zap.String("device", req.Device.Key),
			zap.String("reference", req.Mapping.Reference))
	}
}

// Start launches the poll loop. Idempotent: a running poller is left
// untouched. Writes already enqueued are performed before the first read
// cycle, in queue order.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(p.stopCh, p.doneCh)
}

// Stop halts the loop and joins it. Idempotent. After Stop returns no
// further events are emitted and the transport has no user.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	backoff := backoffInitial
	firstCycle := true

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		cycleStart := time.Now()

		if !p.tr.IsConnected() {
			if err := p.tr.Connect(); err != nil {
				logger.Warn("fieldbus connect failed",
					zap.Error(err), zap.Duration("retry_in", backoff))
				if !p.sleep(stopCh, backoff) {
					return
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			logger.Info("fieldbus connected")
			backoff = backoffInitial
		}

		// Startup ordering: pending writes (the effective defaults the
		// bridge seeded) go out before the first read cycle completes.
		written := make(map[*mapping.Mapping]bool)
		if firstCycle {
			p.drainWrites(stopCh, written)
			firstCycle = false
		}

		now := time.Now()
		for _, dev := range p.devices {
			if stopped(stopCh) {
				return
			}
			p.tr.SetSlave(dev.SlaveID)
			ok := true
			for _, group := range dev.Groups {
				if stopped(stopCh) {
					return
				}
				if !p.readGroup(stopCh, dev, group, now) {
					ok = false
				}
			}
			dev.ReportCycle(ok)
		}

		// Reads are done; now this cycle's writes.
		for _, dev := range p.devices {
			if stopped(stopCh) {
				return
			}
			for _, m := range dev.Mappings {
				if written[m] {
					continue
				}
				value, due := m.RepeatDue(now)
				if !due {
					continue
				}
				p.tr.SetSlave(dev.SlaveID)
				if err := m.Write(p.tr, value, now); err != nil {
					logger.Warn("repeat write failed",
						zap.String("device", dev.Key),
						zap.String("reference", m.Reference),
						zap.Error(err))
				}
				written[m] = true
			}
		}
		p.drainWrites(stopCh, written)

		elapsed := time.Since(cycleStart)
		if elapsed > p.period {
			logger.Debug("poll cycle overran its period",
				zap.Duration("elapsed", elapsed), zap.Duration("period", p.period))
			continue
		}
		if !p.sleep(stopCh, p.period-elapsed) {
			return
		}
	}
}

// readGroup issues one bulk read and dispatches the words to the member
// mappings in address order. A failed read marks every member invalid for
// the cycle; values are retained.
func (p *Poller) readGroup(stopCh chan struct{}, dev *mapping.SlaveDevice, group *mapping.Group, now time.Time) bool {
	words, err := p.readGroupWords(group)
	if err != nil {
		logger.Warn("group read failed",
			zap.String("device", dev.Key),
			zap.Stringer("register_type", group.RegisterType),
			zap.Uint16("address", group.StartAddress),
			zap.Uint16("count", group.Count),
			zap.Stringer("kind", transport.KindOf(err)),
			zap.Error(err))
		for _, m := range group.Mappings {
			m.MarkInvalid()
		}
		return false
	}
	for _, m := range group.Mappings {
		value, changed := m.UpdateFromWords(group.Slice(words, m), now)
		if !changed {
			continue
		}
		p.emit(stopCh, Event{
			Kind:      EventValueChanged,
			DeviceKey: dev.Key,
			Mapping:   m,
			Value:     value,
		})
	}
	return true
}

func (p *Poller) readGroupWords(group *mapping.Group) ([]uint16, error) {
	if group.RegisterType.IsBit() {
		var bits []bool
		var err error
		if group.RegisterType == mapping.Coil {
			bits, err = p.tr.ReadCoils(group.StartAddress, group.Count)
		} else {
			bits, err = p.tr.ReadDiscreteInputs(group.StartAddress, group.Count)
		}
		if err != nil {
			return nil, err
		}
		words := make([]uint16, len(bits))
		for i, b := range bits {
			if b {
				words[i] = 1
			}
		}
		return words, nil
	}
	if group.RegisterType == mapping.HoldingRegister {
		return p.tr.ReadHolding(group.StartAddress, group.Count)
	}
	return p.tr.ReadInput(group.StartAddress, group.Count)
}

// drainWrites performs the queued writes, at most one per mapping per
// cycle. A second request for an already-written mapping is deferred to
// the next cycle.
func (p *Poller) drainWrites(stopCh chan struct{}, written map[*mapping.Mapping]bool) {
	var deferred []WriteRequest
	defer func() {
		for _, req := range deferred {
			p.Enqueue(req)
		}
	}()
	for {
		select {
		case <-stopCh:
			return
		case req := <-p.writes:
			if written[req.Mapping] {
				deferred = append(deferred, req)
				continue
			}
			p.tr.SetSlave(req.Device.SlaveID)
			now := time.Now()
			if err := req.Mapping.Write(p.tr, req.Value, now); err != nil {
				logger.Warn("device write failed",
					zap.String("device", req.Device.Key),
					zap.String("reference", req.Mapping.Reference),
					zap.Error(err))
				continue
			}
			written[req.Mapping] = true
		default:
			return
		}
	}
}

func (p *Poller) emit(stopCh chan struct{}, ev Event) {
	select {
	case p.events <- ev:
	case <-stopCh:
	}
}

func (p *Poller) emitStatus(key string, status mapping.Status) {
	// Fired from the poll goroutine via SlaveDevice.ReportCycle; best
	// effort so a stalled consumer cannot wedge the loop mid-callback.
	select {
	case p.events <- Event{Kind: EventStatusChanged, DeviceKey: key, Status: status}:
	default:
		logger.Warn("event queue full, dropping status event", zap.String("device", key))
	}
}

func (p *Poller) sleep(stopCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}
