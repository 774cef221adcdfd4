//go:build no_automation

package main

import (
	"log/slog"

	"zigbee-lock-hub/internal/core"
	"zigbee-lock-hub/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *core.Hub, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
