// Package bridge wires the fieldbus side (mappings, groups, poller) to the
// platform side (registration, readings, inbound feed updates) and owns
// the connection/registration lifecycle that gates the poller.
package bridge

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/history"
	"modbus-bridge/internal/logger"
	"modbus-bridge/internal/mapping"
	"modbus-bridge/internal/persistence"
	"modbus-bridge/internal/platform"
	"modbus-bridge/internal/poller"
	"modbus-bridge/internal/transport"
)

// Persistence file names, one per side-policy. The names are part of the
// on-disk contract.
const (
	defaultValuesFile = "default-values.json"
	repeatWritesFile  = "repeat-writes.json"
	safeModeFile      = "safe-mode.json"
)

// Options carries the collaborators and settings the bridge integrates.
type Options struct {
	Client         platform.Client
	Transport      transport.Transport
	ReadPeriod     time.Duration
	PersistenceDir string
	TCPMode        bool
	Archive        *history.Archive // optional
}

// Bridge is the stateful core connecting the fieldbus devices to the
// platform session.
type Bridge struct {
	client  platform.Client
	tr      transport.Transport
	poller  *poller.Poller
	archive *history.Archive

	devices        []*mapping.SlaveDevice
	deviceNames    map[string]string // key → display name
	keyBySlave     map[uint8]string
	deviceByKey    map[string]*mapping.SlaveDevice
	mappingByFQRef map[string]*mapping.Mapping

	defaultStore *persistence.Store
	repeatStore  *persistence.Store
	safeStore    *persistence.Store

	// mu guards the override tables and the lifecycle flags.
	mu               sync.Mutex
	defaultOverrides map[string]string
	repeatOverrides  map[string]string
	safeOverrides    map[string]string
	connected        bool
	registered       bool
	pendingAck       map[string]bool

	pumpStop chan struct{}
	pumpDone chan struct{}
	started  bool
}

// New assembles the bridge from the devices configuration. Devices that
// fail their individual checks are skipped with a warning; an empty result
// set is a startup error.
func New(devCfg config.DevicesConfig, opts Options) (*Bridge, error) {
	if opts.TCPMode && len(devCfg.Devices) > 1 {
		return nil, fmt.Errorf("exactly one device is supported in TCP mode, got %d", len(devCfg.Devices))
	}

	b := &Bridge{
		client:           opts.Client,
		tr:               opts.Transport,
		archive:          opts.Archive,
		deviceNames:      make(map[string]string),
		keyBySlave:       make(map[uint8]string),
		deviceByKey:      make(map[string]*mapping.SlaveDevice),
		mappingByFQRef:   make(map[string]*mapping.Mapping),
		defaultStore:     persistence.NewStore(filepath.Join(opts.PersistenceDir, defaultValuesFile)),
		repeatStore:      persistence.NewStore(filepath.Join(opts.PersistenceDir, repeatWritesFile)),
		safeStore:        persistence.NewStore(filepath.Join(opts.PersistenceDir, safeModeFile)),
		defaultOverrides: make(map[string]string),
		repeatOverrides:  make(map[string]string),
		safeOverrides:    make(map[string]string),
		pendingAck:       make(map[string]bool),
	}

	for _, rec := range devCfg.Devices {
		if rec.SlaveID == 0 {
			logger.Warn("device is missing a slave address, skipping",
				zap.String("device", rec.Name))
			continue
		}
		if existing, ok := b.keyBySlave[rec.SlaveID]; ok {
			logger.Warn("device has a conflicting slave address, skipping",
				zap.String("device", rec.Name),
				zap.String("conflicts_with", existing))
			continue
		}
		tpl, ok := devCfg.TemplateByName(rec.Template)
		if !ok {
			logger.Warn("device references an unknown template, skipping",
				zap.String("device", rec.Name),
				zap.String("template", rec.Template))
			continue
		}

		mappings, err := instantiate(tpl)
		if err != nil {
			logger.Warn("device template has an invalid mapping, skipping device",
				zap.String("device", rec.Name), zap.Error(err))
			continue
		}

		dev := mapping.NewSlaveDevice(rec.Key, rec.SlaveID, mappings)
		b.devices = append(b.devices, dev)
		b.deviceNames[rec.Key] = rec.Name
		b.keyBySlave[rec.SlaveID] = rec.Key
		b.deviceByKey[rec.Key] = dev
		for _, m := range mappings {
			b.mappingByFQRef[persistence.FQRef(rec.Key, m.Reference)] = m
		}
	}

	if len(b.devices) == 0 {
		return nil, fmt.Errorf("no valid devices left after validation")
	}

	b.loadOverrides()
	b.poller = poller.New(opts.Transport, b.devices, opts.ReadPeriod)
	return b, nil
}

func instantiate(tpl config.Template) ([]*mapping.Mapping, error) {
	mappings := make([]*mapping.Mapping, 0, len(tpl.Mappings))
	for _, mc := range tpl.Mappings {
		def, err := mc.Definition()
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping.New(def))
	}
	return mappings, nil
}

// loadOverrides rebuilds the running override tables: persisted value if
// present, template value otherwise. Persisted overrides win on reload.
func (b *Bridge) loadOverrides() {
	persistedDefaults := b.defaultStore.LoadAll()
	persistedRepeats := b.repeatStore.LoadAll()
	persistedSafe := b.safeStore.LoadAll()

	for _, dev := range b.devices {
		for _, m := range dev.Mappings {
			fqref := persistence.FQRef(dev.Key, m.Reference)

			if v, ok := persistedDefaults[fqref]; ok {
				b.defaultOverrides[fqref] = v
			} else if m.DefaultValue != nil {
				b.defaultOverrides[fqref] = *m.DefaultValue
			}

			if v, ok := persistedRepeats[fqref]; ok {
				b.repeatOverrides[fqref] = v
				if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
					m.SetRepeatInterval(time.Duration(ms) * time.Millisecond)
				} else {
					logger.Warn("ignoring unparsable persisted repeat interval",
						zap.String("reference", fqref), zap.String("value", v))
				}
			} else if m.RepeatInterval > 0 {
				b.repeatOverrides[fqref] = strconv.FormatInt(m.RepeatInterval.Milliseconds(), 10)
			}

			if v, ok := persistedSafe[fqref]; ok {
				b.safeOverrides[fqref] = v
			} else if m.SafeModeValue != nil {
				b.safeOverrides[fqref] = *m.SafeModeValue
			}
		}
	}
}

// Start installs the platform callbacks, opens the platform session,
// registers the devices, seeds the initial default writes, and publishes
// the synthetic side-policy readings. The poller itself starts once the
// session is connected and registration is acknowledged.
func (b *Bridge) Start() error {
	if b.started {
		return nil
	}
	b.started = true

	b.mu.Lock()
	for _, dev := range b.devices {
		b.pendingAck[dev.Key] = true
	}
	b.mu.Unlock()

	b.client.OnFeedUpdate(b.handleFeedUpdate)
	b.client.OnParameterUpdate(b.handleParameterUpdate)
	b.client.OnStatus(b.handlePlatformStatus)
	b.client.OnRegistrationAck(b.handleRegistrationAck)

	b.pumpStop = make(chan struct{})
	b.pumpDone = make(chan struct{})
	go b.pumpEvents()

	b.seedDefaultWrites()

	if err := b.client.Connect(); err != nil {
		return fmt.Errorf("platform session: %w", err)
	}

	registrations := make([]platform.DeviceRegistration, 0, len(b.devices))
	for _, dev := range b.devices {
		registrations = append(registrations, makeRegistration(dev, b.deviceNames[dev.Key]))
	}
	if err := b.client.RegisterDevices(registrations); err != nil {
		return fmt.Errorf("register devices: %w", err)
	}

	b.publishSidePolicyReadings()
	return nil
}

// Stop halts the poller, the event pump, and both external sessions.
func (b *Bridge) Stop() {
	if !b.started {
		return
	}
	b.started = false

	b.poller.Stop()
	close(b.pumpStop)
	<-b.pumpDone

	if err := b.tr.Disconnect(); err != nil {
		logger.Warn("fieldbus disconnect failed", zap.Error(err))
	}
	b.client.Disconnect()
	if b.archive != nil {
		if err := b.archive.Close(); err != nil {
			logger.Warn("history archive close failed", zap.Error(err))
		}
	}
}

// seedDefaultWrites enqueues every mapping's effective default value, in
// address-ascending order per device, so the poller performs them before
// its first read cycle.
func (b *Bridge) seedDefaultWrites() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dev := range b.devices {
		ordered := make([]*mapping.Mapping, len(dev.Mappings))
		copy(ordered, dev.Mappings)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Address < ordered[j].Address
		})
		for _, m := range ordered {
			value, ok := b.defaultOverrides[persistence.FQRef(dev.Key, m.Reference)]
			if !ok {
				continue
			}
			if !m.RegisterType.Writable() {
				continue
			}
			b.poller.Enqueue(poller.WriteRequest{Device: dev, Mapping: m, Value: value})
		}
	}
}

// publishSidePolicyReadings mirrors the current effective side-policy
// values to the platform through the synthetic control feeds.
func (b *Bridge) publishSidePolicyReadings() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dev := range b.devices {
		var readings []platform.Reading
		for _, m := range dev.Mappings {
			fqref := persistence.FQRef(dev.Key, m.Reference)
			if v, ok := b.defaultOverrides[fqref]; ok {
				readings = append(readings, platform.StringReading(DefaultValueRef(m.Reference), v))
			}
			if v, ok := b.repeatOverrides[fqref]; ok {
				readings = append(readings, platform.StringReading(RepeatWriteRef(m.Reference), v))
			}
			if v, ok := b.safeOverrides[fqref]; ok {
				readings = append(readings, platform.StringReading(SafeModeRef(m.Reference), v))
			}
		}
		if len(readings) == 0 {
			continue
		}
		if err := b.client.PublishReadings(dev.Key, readings); err != nil {
			logger.Warn("failed to publish side-policy readings",
				zap.String("device", dev.Key), zap.Error(err))
		}
	}
}

// pumpEvents consumes the poller's change and status events and routes
// them out to the platform.
func (b *Bridge) pumpEvents() {
	defer close(b.pumpDone)
	for {
		select {
		case <-b.pumpStop:
			return
		case ev := <-b.poller.Events():
			switch ev.Kind {
			case poller.EventValueChanged:
				b.emitValue(ev)
			case poller.EventStatusChanged:
				logger.Info("slave status changed",
					zap.String("device", ev.DeviceKey),
					zap.Stringer("status", ev.Status))
				if b.archive != nil {
					b.archive.Add(history.Record{
						DeviceKey: ev.DeviceKey,
						Reference: "",
						Value:     ev.Status.String(),
						Kind:      "status",
						Timestamp: time.Now(),
					})
				}
			}
		}
	}
}

func (b *Bridge) emitValue(ev poller.Event) {
	m := ev.Mapping
	if m.MappingType == mapping.Attribute {
		attr := platform.Attribute{
			Name:     m.Name,
			DataType: dataTypeOf(&m.Definition),
			Value:    ev.Value.String(),
		}
		if err := b.client.PublishAttribute(ev.DeviceKey, attr); err != nil {
			logger.Warn("failed to publish attribute",
				zap.String("device", ev.DeviceKey),
				zap.String("reference", m.Reference),
				zap.Error(err))
		}
	} else {
		reading := platform.NewReading(m.Reference, ev.Value)
		if err := b.client.PublishReadings(ev.DeviceKey, []platform.Reading{reading}); err != nil {
			logger.Warn("failed to publish reading",
				zap.String("device", ev.DeviceKey),
				zap.String("reference", m.Reference),
				zap.Error(err))
		}
	}
	if b.archive != nil {
		kind := "reading"
		if m.MappingType == mapping.Attribute {
			kind = "attribute"
		}
		b.archive.Add(history.Record{
			DeviceKey: ev.DeviceKey,
			Reference: m.Reference,
			Value:     ev.Value.String(),
			Kind:      kind,
			Timestamp: time.Now(),
		})
	}
}

// PollerRunning reports whether the poll loop is active. Exposed for the
// lifecycle tests.
func (b *Bridge) PollerRunning() bool { return b.poller.Running() }
