// Package platform defines the contract to the cloud IoT platform and a
// concrete MQTT session implementing it.
package platform

import (
	"fmt"
	"strconv"

	"modbus-bridge/internal/codec"
)

// DataType is the platform-side type tag of a feed or attribute.
type DataType string

const (
	DataTypeBoolean DataType = "BOOLEAN"
	DataTypeNumeric DataType = "NUMERIC"
	DataTypeString  DataType = "STRING"
)

// FeedDirection tells the platform whether a feed accepts inbound values.
type FeedDirection string

const (
	FeedIn    FeedDirection = "IN"
	FeedInOut FeedDirection = "IN_OUT"
)

// Reading is one feed value, outbound or inbound. Outbound values are
// typed scalars; inbound values arrive as JSON scalars and are consumed
// through ValueString.
type Reading struct {
	Reference string `json:"reference"`
	Value     any    `json:"value"`
}

// NewReading builds an outbound reading from a decoded register value.
func NewReading(reference string, v codec.Value) Reading {
	switch v.Type {
	case codec.Bool:
		return Reading{Reference: reference, Value: v.Bool}
	case codec.UInt16, codec.UInt32:
		return Reading{Reference: reference, Value: v.Uint}
	case codec.Int16, codec.Int32:
		return Reading{Reference: reference, Value: v.Int}
	case codec.Float32:
		return Reading{Reference: reference, Value: v.Float}
	default:
		return Reading{Reference: reference, Value: v.Str}
	}
}

// StringReading builds an outbound reading carrying a raw string payload,
// used for the synthetic side-policy feeds.
func StringReading(reference, value string) Reading {
	return Reading{Reference: reference, Value: value}
}

// ValueString renders the reading payload as the string form the bridge
// parses and persists.
func (r Reading) ValueString() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// JSON numbers decode as float64; keep integral values clean.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Attribute is a static metadata value of a device.
type Attribute struct {
	Name     string   `json:"name"`
	DataType DataType `json:"dataType"`
	Value    string   `json:"value"`
}

// Parameter is a platform-side configuration entry pushed to the device.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Feed describes one registered feed of a device.
type Feed struct {
	Name      string        `json:"name"`
	Reference string        `json:"reference"`
	Direction FeedDirection `json:"direction"`
	Type      DataType      `json:"type"`
}

// DeviceRegistration is the registration record for one logical device.
type DeviceRegistration struct {
	Name       string      `json:"name"`
	Key        string      `json:"key"`
	Feeds      []Feed      `json:"feeds"`
	Attributes []Attribute `json:"attributes"`
}

// Client is the session to the platform the bridge consumes. Publishing
// may block on the session's queue; retry and buffering are the client's
// responsibility, not the bridge's.
type Client interface {
	Connect() error
	Disconnect()
	IsConnected() bool

	PublishReadings(deviceKey string, readings []Reading) error
	PublishAttribute(deviceKey string, attribute Attribute) error
	RegisterDevices(registrations []DeviceRegistration) error

	OnFeedUpdate(fn func(deviceKey string, readings []Reading))
	OnParameterUpdate(fn func(deviceKey string, parameters []Parameter))
	OnStatus(fn func(connected bool))
	OnRegistrationAck(fn func(deviceKeys []string))
}
