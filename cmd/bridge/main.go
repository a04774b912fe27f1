package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"modbus-bridge/internal/bridge"
	"modbus-bridge/internal/config"
	"modbus-bridge/internal/history"
	"modbus-bridge/internal/logger"
	"modbus-bridge/internal/platform"
	"modbus-bridge/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <module_config_path> <devices_config_path> [log_level]\n", os.Args[0])
		return 1
	}
	moduleConfigPath := os.Args[1]
	devicesConfigPath := os.Args[2]

	moduleCfg, err := config.LoadModule(moduleConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid module configuration: %v\n", err)
		return 1
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = moduleCfg.Log.Level
	logCfg.LogDir = moduleCfg.Log.Dir
	if len(os.Args) > 3 {
		logCfg.Level = os.Args[3]
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}
	defer logger.Sync()

	devicesCfg, err := config.LoadDevices(devicesConfigPath)
	if err != nil {
		logger.Error("invalid devices configuration", zap.Error(err))
		return 1
	}

	var tr transport.Transport
	tcpMode := moduleCfg.Connection.Type == config.ConnectionTCP
	if tcpMode {
		tr = transport.NewTCP(transport.Options{
			Host:    moduleCfg.Connection.Host,
			Port:    moduleCfg.Connection.Port,
			Timeout: moduleCfg.ResponseTimeout,
		})
	} else {
		tr = transport.NewRTU(transport.Options{
			SerialPort: moduleCfg.Connection.SerialPort,
			BaudRate:   moduleCfg.Connection.BaudRate,
			DataBits:   moduleCfg.Connection.DataBits,
			StopBits:   moduleCfg.Connection.StopBits,
			Parity:     moduleCfg.Connection.Parity,
			Timeout:    moduleCfg.ResponseTimeout,
		})
	}

	client := platform.NewMQTTClient(platform.MQTTConfig{
		Host:     moduleCfg.MQTT.Host,
		Username: moduleCfg.MQTT.Username,
		Password: moduleCfg.MQTT.Password,
	})

	var archive *history.Archive
	if moduleCfg.History.Enabled {
		archive, err = history.Open(moduleCfg.History.DBPath, 0)
		if err != nil {
			logger.Error("failed to open history archive", zap.Error(err))
			return 1
		}
	}

	b, err := bridge.New(devicesCfg, bridge.Options{
		Client:         client,
		Transport:      tr,
		ReadPeriod:     moduleCfg.RegisterReadPeriod,
		PersistenceDir: moduleCfg.PersistenceDir,
		TCPMode:        tcpMode,
		Archive:        archive,
	})
	if err != nil {
		logger.Error("failed to assemble bridge", zap.Error(err))
		return 1
	}

	if err := b.Start(); err != nil {
		logger.Error("failed to start bridge", zap.Error(err))
		return 1
	}
	logger.Info("bridge started",
		zap.String("connection", moduleCfg.Connection.Type),
		zap.Duration("read_period", moduleCfg.RegisterReadPeriod))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logger.Info("received signal, shutting down", zap.Stringer("signal", s))

	b.Stop()
	return 0
}
