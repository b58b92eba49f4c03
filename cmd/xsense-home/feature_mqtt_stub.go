//go:build no_mqtt

package main

import (
	"context"
	"log/slog"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/gateway"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ context.Context, _ *cloud.Client, _ *gateway.Gateway, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
