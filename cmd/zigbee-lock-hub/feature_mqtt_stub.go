//go:build no_mqtt

package main

import (
	"log/slog"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/zha"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *core.Hub, _ *zha.Gateway, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
