package mapping

// Status is the reachability of one slave.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// SlaveDevice is one logical device on the platform, backed by one slave
// address on the fieldbus. Created once at init, driven by the poller.
type SlaveDevice struct {
	Key      string
	SlaveID  uint8
	Groups   []*Group
	Mappings []*Mapping // definition order

	status   Status
	onStatus func(key string, status Status)
}

// NewSlaveDevice groups the instantiated mappings and wraps them into a
// device record.
func NewSlaveDevice(key string, slaveID uint8, mappings []*Mapping) *SlaveDevice {
	return &SlaveDevice{
		Key:      key,
		SlaveID:  slaveID,
		Groups:   BuildGroups(slaveID, mappings),
		Mappings: mappings,
	}
}

// OnStatusChange installs the hook invoked on every status transition.
func (d *SlaveDevice) OnStatusChange(fn func(key string, status Status)) {
	d.onStatus = fn
}

// Status returns the current reachability of the slave.
func (d *SlaveDevice) Status() Status { return d.status }

// ReportCycle records the outcome of one poll cycle over the device and
// fires the status hook on every transition.
func (d *SlaveDevice) ReportCycle(success bool) {
	next := StatusDisconnected
	if success {
		next = StatusConnected
	}
	if next == d.status {
		return
	}
	d.status = next
	if d.onStatus != nil {
		d.onStatus(d.Key, next)
	}
}

// MappingByReference finds a mapping by its reference.
func (d *SlaveDevice) MappingByReference(reference string) (*Mapping, bool) {
	for _, m := range d.Mappings {
		if m.Reference == reference {
			return m, true
		}
	}
	return nil, false
}
