//go:build no_automation

package main

import (
	"log/slog"

	"lvp-hub/internal/pool"
	"lvp-hub/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *pool.Pool, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
