// Package config loads and validates the two YAML documents the bridge
// consumes: the module configuration (connections, timing) and the devices
// configuration (templates and device records).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection type tags.
const (
	ConnectionTCP    = "tcp"
	ConnectionSerial = "serial"
)

// ModuleConfig mirrors module.yaml.
type ModuleConfig struct {
	MQTT               MQTTSettings       `yaml:"mqtt"`
	Connection         ConnectionSettings `yaml:"connection"`
	ResponseTimeout    time.Duration      `yaml:"response_timeout"`
	RegisterReadPeriod time.Duration      `yaml:"register_read_period"`
	History            HistorySettings    `yaml:"history"`
	Log                LogSettings        `yaml:"log"`
	PersistenceDir     string             `yaml:"persistence_dir"`
}

type MQTTSettings struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ConnectionSettings struct {
	Type string `yaml:"type"` // tcp | serial

	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Serial RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"` // none | even | odd
}

type HistorySettings struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

type LogSettings struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// LoadModule reads and validates the module configuration.
func LoadModule(path string) (ModuleConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ModuleConfig{}, fmt.Errorf("read module config: %w", err)
	}
	var cfg ModuleConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return ModuleConfig{}, fmt.Errorf("parse module config: %w", err)
	}

	if strings.TrimSpace(cfg.MQTT.Host) == "" {
		return ModuleConfig{}, fmt.Errorf("mqtt.host is required")
	}

	cfg.Connection.Type = strings.ToLower(strings.TrimSpace(cfg.Connection.Type))
	switch cfg.Connection.Type {
	case ConnectionTCP:
		if strings.TrimSpace(cfg.Connection.Host) == "" {
			return ModuleConfig{}, fmt.Errorf("connection.host is required for tcp")
		}
		if cfg.Connection.Port == 0 {
			cfg.Connection.Port = 502
		}
	case ConnectionSerial:
		if strings.TrimSpace(cfg.Connection.SerialPort) == "" {
			return ModuleConfig{}, fmt.Errorf("connection.serial_port is required for serial")
		}
		if cfg.Connection.BaudRate == 0 {
			cfg.Connection.BaudRate = 115200
		}
		if cfg.Connection.DataBits == 0 {
			cfg.Connection.DataBits = 8
		}
		if cfg.Connection.StopBits == 0 {
			cfg.Connection.StopBits = 1
		}
		switch p := strings.ToLower(strings.TrimSpace(cfg.Connection.Parity)); p {
		case "", "none":
			cfg.Connection.Parity = "N"
		case "even":
			cfg.Connection.Parity = "E"
		case "odd":
			cfg.Connection.Parity = "O"
		default:
			return ModuleConfig{}, fmt.Errorf("unsupported parity %q", cfg.Connection.Parity)
		}
	default:
		return ModuleConfig{}, fmt.Errorf("unsupported connection type %q", cfg.Connection.Type)
	}

	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 200 * time.Millisecond
	}
	if cfg.RegisterReadPeriod <= 0 {
		cfg.RegisterReadPeriod = 500 * time.Millisecond
	}
	if cfg.PersistenceDir == "" {
		cfg.PersistenceDir = "./persistence"
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DBPath) == "" {
		cfg.History.DBPath = "./data/history.sqlite"
	}
	return cfg, nil
}
