//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "lvp-hub/internal/mqtt"

	"lvp-hub/internal/pool"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(p *pool.Pool, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge := mqttbridge.NewBridge(p, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err := bridge.Start(); err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	return &mqttStopper{bridge: bridge}
}
