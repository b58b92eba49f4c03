//go:build !no_mqtt

package main

import (
	"context"
	"log/slog"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/gateway"
	mqttbridge "xsense-go-home/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(ctx context.Context, client *cloud.Client, gw *gateway.Gateway, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge := mqttbridge.NewBridge(client, gw, mqttbridge.Config{
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
	}, logger)
	gw.SetSubscriber(bridge)
	bridge.Start(ctx)
	return &mqttStopper{bridge: bridge}
}
