package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbus-bridge/internal/config"
	"modbus-bridge/internal/platform"
	"modbus-bridge/internal/transport"
)

// mockClient is an in-memory platform session recording everything the
// bridge publishes and exposing the inbound callbacks to the test.
type mockClient struct {
	mu            sync.Mutex
	connected     bool
	readings      map[string][]platform.Reading
	attributes    map[string][]platform.Attribute
	registrations []platform.DeviceRegistration

	onFeed   func(string, []platform.Reading)
	onParams func(string, []platform.Parameter)
	onStatus func(bool)
	onAck    func([]string)
}

func newMockClient() *mockClient {
	return &mockClient{
		readings:   make(map[string][]platform.Reading),
		attributes: make(map[string][]platform.Attribute),
	}
}

func (c *mockClient) Connect() error { c.mu.Lock(); c.connected = true; c.mu.Unlock(); return nil }
func (c *mockClient) Disconnect()    { c.mu.Lock(); c.connected = false; c.mu.Unlock() }
func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) PublishReadings(deviceKey string, readings []platform.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readings[deviceKey] = append(c.readings[deviceKey], readings...)
	return nil
}

func (c *mockClient) PublishAttribute(deviceKey string, attribute platform.Attribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attributes[deviceKey] = append(c.attributes[deviceKey], attribute)
	return nil
}

func (c *mockClient) RegisterDevices(registrations []platform.DeviceRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations = append(c.registrations, registrations...)
	return nil
}

func (c *mockClient) OnFeedUpdate(fn func(string, []platform.Reading))        { c.onFeed = fn }
func (c *mockClient) OnParameterUpdate(fn func(string, []platform.Parameter)) { c.onParams = fn }
func (c *mockClient) OnStatus(fn func(bool))                                  { c.onStatus = fn }
func (c *mockClient) OnRegistrationAck(fn func([]string))                     { c.onAck = fn }

func (c *mockClient) readingsFor(key string) []platform.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.Reading, len(c.readings[key]))
	copy(out, c.readings[key])
	return out
}

func (c *mockClient) attributesFor(key string) []platform.Attribute {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]platform.Attribute, len(c.attributes[key]))
	copy(out, c.attributes[key])
	return out
}

func str(s string) *string { return &s }

func testDevicesConfig() config.DevicesConfig {
	return config.DevicesConfig{
		Templates: []config.Template{{
			Name: "unit",
			Mappings: []config.MappingConfig{
				{Reference: "d", RegisterType: "holding_register", OutputType: "uint16", Address: 7, DefaultValue: str("100")},
				{Reference: "t", RegisterType: "holding_register", OutputType: "uint16", Address: 10},
				{Reference: "s", RegisterType: "holding_register", OutputType: "uint16", Address: 1, SafeModeValue: str("0")},
				{Reference: "c", RegisterType: "coil", OutputType: "bool", Address: 2, SafeModeValue: str("false")},
				{Reference: "serial", RegisterType: "input_register", OutputType: "uint16", Address: 30, MappingType: "attribute"},
			},
		}},
		Devices: []config.DeviceRecord{
			{Name: "Unit One", Key: "unit-1", Template: "unit", SlaveID: 1},
		},
	}
}

func newTestBridge(t *testing.T, dir string) (*Bridge, *mockClient, *transport.Mock) {
	t.Helper()
	client := newMockClient()
	tr := transport.NewMock()
	b, err := New(testDevicesConfig(), Options{
		Client:         client,
		Transport:      tr,
		ReadPeriod:     5 * time.Millisecond,
		PersistenceDir: dir,
		TCPMode:        false,
	})
	require.NoError(t, err)
	return b, client, tr
}

// goOnline drives the lifecycle to the point where the poller runs.
func goOnline(t *testing.T, b *Bridge, client *mockClient) {
	t.Helper()
	client.onStatus(true)
	client.onAck([]string{"unit-1"})
	require.Eventually(t, b.PollerRunning, time.Second, time.Millisecond)
}

func TestBridgeRegistration(t *testing.T) {
	b, client, _ := newTestBridge(t, t.TempDir())
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Len(t, client.registrations, 1)
	reg := client.registrations[0]
	assert.Equal(t, "unit-1", reg.Key)

	feedByRef := make(map[string]platform.Feed)
	for _, f := range reg.Feeds {
		feedByRef[f.Reference] = f
	}

	// One feed per non-attribute mapping.
	assert.Contains(t, feedByRef, "d")
	assert.Contains(t, feedByRef, "t")
	assert.Contains(t, feedByRef, "s")
	assert.Contains(t, feedByRef, "c")
	assert.Equal(t, platform.FeedInOut, feedByRef["t"].Direction)
	assert.Equal(t, platform.DataTypeNumeric, feedByRef["t"].Type)
	assert.Equal(t, platform.DataTypeBoolean, feedByRef["c"].Type)

	// One synthetic feed per enabled side-policy.
	assert.Contains(t, feedByRef, "DFV(d)")
	assert.Contains(t, feedByRef, "SMV(s)")
	assert.Contains(t, feedByRef, "SMV(c)")
	assert.NotContains(t, feedByRef, "RPW(t)")
	assert.NotContains(t, feedByRef, "DFV(t)")

	// Attribute mappings register as attributes, not feeds.
	assert.NotContains(t, feedByRef, "serial")
	require.Len(t, reg.Attributes, 1)
	assert.Equal(t, platform.DataTypeNumeric, reg.Attributes[0].DataType)

	// The synthetic feeds mirror their current values right away.
	refs := make(map[string]string)
	for _, r := range client.readingsFor("unit-1") {
		refs[r.Reference] = r.ValueString()
	}
	assert.Equal(t, "100", refs["DFV(d)"])
	assert.Equal(t, "0", refs["SMV(s)"])
	assert.Equal(t, "false", refs["SMV(c)"])
}

func TestBridgePollerGating(t *testing.T) {
	b, client, _ := newTestBridge(t, t.TempDir())
	require.NoError(t, b.Start())
	defer b.Stop()

	assert.False(t, b.PollerRunning())

	client.onStatus(true)
	assert.False(t, b.PollerRunning()) // not registered yet

	client.onAck([]string{"unit-1"})
	require.Eventually(t, b.PollerRunning, time.Second, time.Millisecond)

	client.onStatus(false)
	require.Eventually(t, func() bool { return !b.PollerRunning() }, time.Second, time.Millisecond)

	// Reconnect restarts the poller; registration survives.
	client.onStatus(true)
	require.Eventually(t, b.PollerRunning, time.Second, time.Millisecond)
}

func TestBridgeDefaultWrittenOnceOnStart(t *testing.T) {
	dir := t.TempDir()
	// Persisted override wins over the template default.
	data, err := json.Marshal(map[string]string{"unit-1.d": "250"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default-values.json"), data, 0o644))

	b, client, tr := newTestBridge(t, dir)
	require.NoError(t, b.Start())
	defer b.Stop()
	goOnline(t, b, client)

	require.Eventually(t, func() bool { return len(tr.RecordedWrites()) >= 1 }, time.Second, time.Millisecond)
	writes := tr.RecordedWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, "single", writes[0].Kind)
	assert.Equal(t, uint16(7), writes[0].Address)
	assert.Equal(t, []uint16{250}, writes[0].Words)
}

func TestBridgeControlFeedRouting(t *testing.T) {
	dir := t.TempDir()
	b, client, tr := newTestBridge(t, dir)
	require.NoError(t, b.Start())
	defer b.Stop()

	// RPW: the parsed value becomes the live repeat interval and is
	// persisted; no device write happens.
	client.onFeed("unit-1", []platform.Reading{{Reference: "RPW(t)", Value: "2000"}})
	m := b.mappingByFQRef["unit-1.t"]
	require.NotNil(t, m)
	assert.Equal(t, 2*time.Second, m.RepeatIntervalLive())
	repeats := loadStore(t, dir, "repeat-writes.json")
	assert.Equal(t, "2000", repeats["unit-1.t"])
	assert.Empty(t, tr.RecordedWrites())

	// An unparsable RPW payload is dropped and not persisted.
	client.onFeed("unit-1", []platform.Reading{{Reference: "RPW(t)", Value: "soon"}})
	assert.Equal(t, 2*time.Second, m.RepeatIntervalLive())
	assert.Equal(t, "2000", loadStore(t, dir, "repeat-writes.json")["unit-1.t"])

	// DFV: stored and persisted, never written to the device.
	client.onFeed("unit-1", []platform.Reading{{Reference: "DFV(d)", Value: "42"}})
	assert.Equal(t, "42", loadStore(t, dir, "default-values.json")["unit-1.d"])
	assert.Empty(t, tr.RecordedWrites())

	// SMV: stored and persisted, never written now.
	client.onFeed("unit-1", []platform.Reading{{Reference: "SMV(s)", Value: "7"}})
	assert.Equal(t, "7", loadStore(t, dir, "safe-mode.json")["unit-1.s"])
	assert.Empty(t, tr.RecordedWrites())
}

func TestBridgeDirectWrite(t *testing.T) {
	b, client, tr := newTestBridge(t, t.TempDir())
	require.NoError(t, b.Start())
	defer b.Stop()
	goOnline(t, b, client)

	// Drop the startup default write from the record first.
	require.Eventually(t, func() bool { return len(tr.RecordedWrites()) >= 1 }, time.Second, time.Millisecond)
	tr.ClearWrites()

	client.onFeed("unit-1", []platform.Reading{{Reference: "t", Value: "80"}})
	require.Eventually(t, func() bool { return len(tr.RecordedWrites()) >= 1 }, time.Second, time.Millisecond)
	writes := tr.RecordedWrites()
	assert.Equal(t, uint16(10), writes[0].Address)
	assert.Equal(t, []uint16{80}, writes[0].Words)
}

func TestBridgeSafeModeOnDisconnectEdge(t *testing.T) {
	b, client, tr := newTestBridge(t, t.TempDir())
	require.NoError(t, b.Start())
	defer b.Stop()
	goOnline(t, b, client)

	require.Eventually(t, func() bool { return len(tr.RecordedWrites()) >= 1 }, time.Second, time.Millisecond)
	tr.ClearWrites()

	client.onStatus(false)

	writes := tr.RecordedWrites()
	require.Len(t, writes, 2)
	// Address-ascending: the holding register at 1 before the coil at 2.
	assert.Equal(t, "single", writes[0].Kind)
	assert.Equal(t, uint16(1), writes[0].Address)
	assert.Equal(t, []uint16{0}, writes[0].Words)
	assert.Equal(t, "coil", writes[1].Kind)
	assert.Equal(t, uint16(2), writes[1].Address)
	assert.False(t, writes[1].Bit)

	// A repeated disconnect without a reconnect writes nothing more.
	client.onStatus(false)
	assert.Len(t, tr.RecordedWrites(), 2)
}

func TestBridgeEmitsReadingsAndAttributes(t *testing.T) {
	b, client, tr := newTestBridge(t, t.TempDir())
	tr.Holding[10] = 66
	tr.Input[30] = 1234
	require.NoError(t, b.Start())
	defer b.Stop()
	goOnline(t, b, client)

	require.Eventually(t, func() bool {
		for _, r := range client.readingsFor("unit-1") {
			if r.Reference == "t" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	var got platform.Reading
	for _, r := range client.readingsFor("unit-1") {
		if r.Reference == "t" {
			got = r
		}
	}
	assert.Equal(t, uint64(66), got.Value)

	require.Eventually(t, func() bool { return len(client.attributesFor("unit-1")) >= 1 }, time.Second, time.Millisecond)
	attr := client.attributesFor("unit-1")[0]
	assert.Equal(t, "serial", attr.Name)
	assert.Equal(t, "1234", attr.Value)
}

func TestBridgeSkipsInvalidDevices(t *testing.T) {
	cfg := testDevicesConfig()
	cfg.Devices = append(cfg.Devices,
		config.DeviceRecord{Name: "No Slave", Key: "unit-2", Template: "unit", SlaveID: 0},
		config.DeviceRecord{Name: "Dup Slave", Key: "unit-3", Template: "unit", SlaveID: 1},
		config.DeviceRecord{Name: "Bad Template", Key: "unit-4", Template: "nope", SlaveID: 2},
	)
	b, err := New(cfg, Options{
		Client:         newMockClient(),
		Transport:      transport.NewMock(),
		ReadPeriod:     time.Second,
		PersistenceDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Len(t, b.devices, 1)
	assert.Equal(t, "unit-1", b.devices[0].Key)
}

func TestBridgeTCPModeSingleDevice(t *testing.T) {
	cfg := testDevicesConfig()
	cfg.Devices = append(cfg.Devices,
		config.DeviceRecord{Name: "Second", Key: "unit-2", Template: "unit", SlaveID: 2})
	_, err := New(cfg, Options{
		Client:         newMockClient(),
		Transport:      transport.NewMock(),
		ReadPeriod:     time.Second,
		PersistenceDir: t.TempDir(),
		TCPMode:        true,
	})
	assert.Error(t, err)
}

func TestBridgeEmptyDeviceSetFails(t *testing.T) {
	cfg := testDevicesConfig()
	cfg.Devices = []config.DeviceRecord{
		{Name: "No Slave", Key: "unit-2", Template: "unit", SlaveID: 0},
	}
	_, err := New(cfg, Options{
		Client:         newMockClient(),
		Transport:      transport.NewMock(),
		ReadPeriod:     time.Second,
		PersistenceDir: t.TempDir(),
	})
	assert.Error(t, err)
}

func loadStore(t *testing.T, dir, file string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, file))
	require.NoError(t, err)
	var values map[string]string
	require.NoError(t, json.Unmarshal(data, &values))
	return values
}
