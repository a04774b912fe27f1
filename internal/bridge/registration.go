package bridge

import (
	"modbus-bridge/internal/codec"
	"modbus-bridge/internal/mapping"
	"modbus-bridge/internal/platform"
)

// dataTypeOf derives the platform data type of a mapping: bit registers
// and bit extractions are boolean, stringified registers are strings,
// everything else is numeric.
func dataTypeOf(def *mapping.Definition) platform.DataType {
	if def.RegisterType.IsBit() {
		return platform.DataTypeBoolean
	}
	switch def.Operation {
	case codec.TakeBit:
		return platform.DataTypeBoolean
	case codec.StringifyASCIIBigEndian, codec.StringifyASCIILittleEndian,
		codec.StringifyUnicodeBigEndian, codec.StringifyUnicodeLittleEndian:
		return platform.DataTypeString
	}
	return platform.DataTypeNumeric
}

// feedDirectionOf derives the feed direction: writable register classes
// default to in/out, read-write and write-only roles force in/out,
// read-only forces in.
func feedDirectionOf(def *mapping.Definition) platform.FeedDirection {
	switch def.MappingType {
	case mapping.ReadWrite, mapping.WriteOnly:
		return platform.FeedInOut
	case mapping.ReadOnly, mapping.Attribute:
		return platform.FeedIn
	}
	if def.RegisterType.Writable() {
		return platform.FeedInOut
	}
	return platform.FeedIn
}

// makeRegistration builds the registration record for one device: one feed
// (or attribute) per mapping plus one synthetic feed per enabled
// side-policy.
func makeRegistration(dev *mapping.SlaveDevice, deviceName string) platform.DeviceRegistration {
	reg := platform.DeviceRegistration{
		Name: deviceName,
		Key:  dev.Key,
	}
	for _, m := range dev.Mappings {
		dataType := dataTypeOf(&m.Definition)

		if m.MappingType == mapping.Attribute {
			value := ""
			if m.DefaultValue != nil {
				value = *m.DefaultValue
			}
			reg.Attributes = append(reg.Attributes, platform.Attribute{
				Name:     m.Name,
				DataType: dataType,
				Value:    value,
			})
		} else {
			reg.Feeds = append(reg.Feeds, platform.Feed{
				Name:      m.Name,
				Reference: m.Reference,
				Direction: feedDirectionOf(&m.Definition),
				Type:      dataType,
			})
		}

		if m.DefaultValue != nil {
			reg.Feeds = append(reg.Feeds, platform.Feed{
				Name:      "DefaultValue of " + m.Name,
				Reference: DefaultValueRef(m.Reference),
				Direction: platform.FeedInOut,
				Type:      dataType,
			})
		}
		if m.RepeatInterval > 0 {
			reg.Feeds = append(reg.Feeds, platform.Feed{
				Name:      "RepeatedWrite of " + m.Name,
				Reference: RepeatWriteRef(m.Reference),
				Direction: platform.FeedInOut,
				Type:      platform.DataTypeNumeric,
			})
		}
		if m.SafeModeValue != nil {
			reg.Feeds = append(reg.Feeds, platform.Feed{
				Name:      "SafeModeValue of " + m.Name,
				Reference: SafeModeRef(m.Reference),
				Direction: platform.FeedInOut,
				Type:      dataType,
			})
		}
	}
	return reg
}
