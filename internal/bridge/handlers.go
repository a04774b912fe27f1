package bridge

import (
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/logger"
	"modbus-bridge/internal/mapping"
	"modbus-bridge/internal/persistence"
	"modbus-bridge/internal/platform"
	"modbus-bridge/internal/poller"
)

// handleFeedUpdate classifies every inbound reading: the three control
// prefixes mutate side-policy values, anything else is a direct device
// write.
func (b *Bridge) handleFeedUpdate(deviceKey string, readings []platform.Reading) {
	dev, ok := b.deviceByKey[deviceKey]
	if !ok {
		logger.Error("feed update for unknown device", zap.String("device", deviceKey))
		return
	}

	for _, reading := range readings {
		value := reading.ValueString()

		if ref, isDefault := unwrap(reading.Reference, prefixDefaultValue); isDefault {
			b.handleDefaultValueUpdate(dev, ref, value)
			continue
		}
		if ref, isRepeat := unwrap(reading.Reference, prefixRepeatWrite); isRepeat {
			b.handleRepeatWriteUpdate(dev, ref, value)
			continue
		}
		if ref, isSafe := unwrap(reading.Reference, prefixSafeMode); isSafe {
			b.handleSafeModeUpdate(dev, ref, value)
			continue
		}

		m, ok := dev.MappingByReference(reading.Reference)
		if !ok {
			logger.Error("feed update for unknown reference",
				zap.String("device", deviceKey),
				zap.String("reference", reading.Reference))
			continue
		}
		logger.Info("handling actuation",
			zap.String("device", deviceKey),
			zap.String("reference", reading.Reference),
			zap.String("value", value))
		b.poller.Enqueue(poller.WriteRequest{Device: dev, Mapping: m, Value: value})
	}
}

// handleDefaultValueUpdate stores a new default value. Defaults apply only
// at start, so no device write happens now.
func (b *Bridge) handleDefaultValueUpdate(dev *mapping.SlaveDevice, reference, value string) {
	if _, ok := dev.MappingByReference(reference); !ok {
		logger.Error("default value update for unknown reference",
			zap.String("device", dev.Key), zap.String("reference", reference))
		return
	}
	fqref := persistence.FQRef(dev.Key, reference)
	b.mu.Lock()
	b.defaultOverrides[fqref] = value
	b.mu.Unlock()
	if err := b.defaultStore.Put(fqref, value); err != nil {
		logger.Warn("failed to persist default value",
			zap.String("reference", fqref), zap.Error(err))
	}
}

// handleRepeatWriteUpdate parses the payload as unsigned milliseconds and
// applies it as the mapping's live repeat interval. An unparsable payload
// is logged and dropped without persisting.
func (b *Bridge) handleRepeatWriteUpdate(dev *mapping.SlaveDevice, reference, value string) {
	m, ok := dev.MappingByReference(reference)
	if !ok {
		logger.Error("repeat write update for unknown reference",
			zap.String("device", dev.Key), zap.String("reference", reference))
		return
	}
	ms, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		logger.Error("repeat write value is not a valid number",
			zap.String("device", dev.Key),
			zap.String("reference", reference),
			zap.String("value", value))
		return
	}
	fqref := persistence.FQRef(dev.Key, reference)
	b.mu.Lock()
	b.repeatOverrides[fqref] = value
	b.mu.Unlock()
	m.SetRepeatInterval(time.Duration(ms) * time.Millisecond)
	if err := b.repeatStore.Put(fqref, value); err != nil {
		logger.Warn("failed to persist repeat interval",
			zap.String("reference", fqref), zap.Error(err))
	}
}

// handleSafeModeUpdate stores a new safe-mode value; it is written only on
// the platform-disconnect edge.
func (b *Bridge) handleSafeModeUpdate(dev *mapping.SlaveDevice, reference, value string) {
	if _, ok := dev.MappingByReference(reference); !ok {
		logger.Error("safe mode update for unknown reference",
			zap.String("device", dev.Key), zap.String("reference", reference))
		return
	}
	fqref := persistence.FQRef(dev.Key, reference)
	b.mu.Lock()
	b.safeOverrides[fqref] = value
	b.mu.Unlock()
	if err := b.safeStore.Put(fqref, value); err != nil {
		logger.Warn("failed to persist safe mode value",
			zap.String("reference", fqref), zap.Error(err))
	}
}

// handleParameterUpdate is informational only.
func (b *Bridge) handleParameterUpdate(deviceKey string, parameters []platform.Parameter) {
	for _, p := range parameters {
		logger.Info("parameter update",
			zap.String("device", deviceKey),
			zap.String("name", p.Name),
			zap.String("value", p.Value))
	}
}

// handlePlatformStatus is the lifecycle edge handler: the poller runs iff
// the session is connected and registration is acknowledged; safe-mode
// values go out exactly once per connected→disconnected edge.
func (b *Bridge) handlePlatformStatus(connected bool) {
	b.mu.Lock()
	wasConnected := b.connected
	b.connected = connected
	shouldRun := b.connected && b.registered
	b.mu.Unlock()

	if connected {
		logger.Info("platform session connected")
		if shouldRun {
			b.poller.Start()
		}
		return
	}

	logger.Warn("platform session disconnected")
	if !wasConnected {
		return
	}

	// Stop and join the poller first so the safe-mode batch has
	// exclusive transport access.
	b.poller.Stop()
	b.writeSafeModeValues()
}

// handleRegistrationAck marks devices as registered; once all devices are
// acknowledged the poller may start.
func (b *Bridge) handleRegistrationAck(deviceKeys []string) {
	b.mu.Lock()
	for _, key := range deviceKeys {
		delete(b.pendingAck, key)
	}
	allAcked := len(b.pendingAck) == 0
	if allAcked {
		b.registered = true
	}
	shouldRun := b.connected && b.registered
	b.mu.Unlock()

	if allAcked {
		logger.Info("all devices registered")
	}
	if shouldRun {
		b.poller.Start()
	}
}

// writeSafeModeValues writes every effective safe-mode value, address
// ascending per device. Called with the poller stopped.
func (b *Bridge) writeSafeModeValues() {
	b.mu.Lock()
	safe := make(map[string]string, len(b.safeOverrides))
	for k, v := range b.safeOverrides {
		safe[k] = v
	}
	b.mu.Unlock()

	now := time.Now()
	for _, dev := range b.devices {
		ordered := make([]*mapping.Mapping, len(dev.Mappings))
		copy(ordered, dev.Mappings)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Address < ordered[j].Address
		})
		wrote := false
		for _, m := range ordered {
			value, ok := safe[persistence.FQRef(dev.Key, m.Reference)]
			if !ok {
				continue
			}
			if !wrote {
				b.tr.SetSlave(dev.SlaveID)
				wrote = true
			}
			if err := m.Write(b.tr, value, now); err != nil {
				logger.Warn("safe mode write failed",
					zap.String("device", dev.Key),
					zap.String("reference", m.Reference),
					zap.Error(err))
			}
		}
	}
}
