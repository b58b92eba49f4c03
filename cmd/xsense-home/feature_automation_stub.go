//go:build no_automation

package main

import (
	"log/slog"

	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *gateway.Gateway, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
