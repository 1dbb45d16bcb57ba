//go:build no_mqtt

package main

import (
	"log/slog"

	"lvp-hub/internal/pool"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *pool.Pool, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
