package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-bridge/internal/codec"
	"modbus-bridge/internal/mapping"
)

// DevicesConfig mirrors devices.yaml: templates plus the device records
// instantiating them.
type DevicesConfig struct {
	Templates []Template     `yaml:"templates"`
	Devices   []DeviceRecord `yaml:"devices"`
}

// Template is a named, ordered list of mapping definitions.
type Template struct {
	Name     string          `yaml:"name"`
	Mappings []MappingConfig `yaml:"mappings"`
}

// DeviceRecord binds a template to one slave address under a stable key.
type DeviceRecord struct {
	Name     string `yaml:"name"`
	Key      string `yaml:"key"`
	Template string `yaml:"template"`
	SlaveID  uint8  `yaml:"slave_id"`
}

// MappingConfig is the YAML form of one mapping definition.
type MappingConfig struct {
	Reference     string `yaml:"reference"`
	Name          string `yaml:"name"`
	RegisterType  string `yaml:"register_type"`
	OutputType    string `yaml:"output_type"`
	OperationType string `yaml:"operation_type"`
	MappingType   string `yaml:"mapping_type"`

	Address       uint16 `yaml:"address"`
	RegisterCount uint16 `yaml:"register_count"`
	BitIndex      uint8  `yaml:"bit_index"`

	Deadband        float64       `yaml:"deadband"`
	FrequencyFilter time.Duration `yaml:"frequency_filter"`

	DefaultValue   *string       `yaml:"default_value"`
	RepeatInterval time.Duration `yaml:"repeat_interval"`
	SafeModeValue  *string       `yaml:"safe_mode_value"`
}

// Definition resolves the string tags and returns the validated mapping
// definition.
func (m MappingConfig) Definition() (mapping.Definition, error) {
	registerType, err := mapping.ParseRegisterType(m.RegisterType)
	if err != nil {
		return mapping.Definition{}, fmt.Errorf("mapping %s: %w", m.Reference, err)
	}
	outputType, err := codec.ParseOutputType(m.OutputType)
	if err != nil {
		return mapping.Definition{}, fmt.Errorf("mapping %s: %w", m.Reference, err)
	}
	operation, err := codec.ParseOperationType(m.OperationType)
	if err != nil {
		return mapping.Definition{}, fmt.Errorf("mapping %s: %w", m.Reference, err)
	}
	mappingType, err := mapping.ParseMappingType(m.MappingType)
	if err != nil {
		return mapping.Definition{}, fmt.Errorf("mapping %s: %w", m.Reference, err)
	}

	count := m.RegisterCount
	if count == 0 {
		count = outputType.RegisterCount(1)
	}
	name := m.Name
	if name == "" {
		name = m.Reference
	}

	def := mapping.Definition{
		Reference:       m.Reference,
		Name:            name,
		RegisterType:    registerType,
		OutputType:      outputType,
		Operation:       operation,
		MappingType:     mappingType,
		Address:         m.Address,
		RegisterCount:   count,
		BitIndex:        m.BitIndex,
		Deadband:        m.Deadband,
		FrequencyFilter: m.FrequencyFilter,
		DefaultValue:    m.DefaultValue,
		RepeatInterval:  m.RepeatInterval,
		SafeModeValue:   m.SafeModeValue,
	}
	if err := def.Validate(); err != nil {
		return mapping.Definition{}, err
	}
	return def, nil
}

// LoadDevices reads the devices configuration and runs the fatal
// document-level checks. Per-device checks (duplicate slave, unknown
// template) stay with the bridge, which skips offenders with a warning.
func LoadDevices(path string) (DevicesConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DevicesConfig{}, fmt.Errorf("read devices config: %w", err)
	}
	var cfg DevicesConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return DevicesConfig{}, fmt.Errorf("parse devices config: %w", err)
	}
	if len(cfg.Templates) == 0 {
		return DevicesConfig{}, fmt.Errorf("devices config declares no templates")
	}
	if len(cfg.Devices) == 0 {
		return DevicesConfig{}, fmt.Errorf("devices config declares no devices")
	}
	seen := make(map[string]bool, len(cfg.Templates))
	for _, t := range cfg.Templates {
		if t.Name == "" {
			return DevicesConfig{}, fmt.Errorf("template without a name")
		}
		if seen[t.Name] {
			return DevicesConfig{}, fmt.Errorf("duplicate template %q", t.Name)
		}
		seen[t.Name] = true
		refs := make(map[string]bool, len(t.Mappings))
		for _, m := range t.Mappings {
			if refs[m.Reference] {
				return DevicesConfig{}, fmt.Errorf("template %q: duplicate reference %q", t.Name, m.Reference)
			}
			refs[m.Reference] = true
		}
	}
	return cfg, nil
}

// TemplateByName finds a template.
func (c DevicesConfig) TemplateByName(name string) (Template, bool) {
	for _, t := range c.Templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}
