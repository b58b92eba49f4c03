package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"xsense-go-home/internal/inventory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "account:\n  email: a@b.c\n  password: pw\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Cloud.UpdateInterval != time.Minute || cfg.Cloud.SensorReportInterval != 5*time.Minute {
		t.Errorf("intervals = %s, %s", cfg.Cloud.UpdateInterval, cfg.Cloud.SensorReportInterval)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "xsense-home.db" || cfg.Automation.ScriptsDir != "scripts" {
		t.Errorf("defaults = %+v", cfg)
	}

	gc := cfg.gatewayConfig()
	if gc.Username != "a@b.c" || gc.Preference != inventory.PreferAuto {
		t.Errorf("gateway config = %+v", gc)
	}
	if !gc.Features.Devices || !gc.Features.LongtermSensors {
		t.Errorf("features should default on: %+v", gc.Features)
	}
}

func TestLoadConfigSections(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
account:
  email: a@b.c
  password: pw
cloud:
  update_interval: 2m
  shadow_preference: secondary
stations:
  filter:
    ST1: true
features:
  devices: false
influx:
  enabled: true
  url: http://influx:8086
  bucket: home
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	gc := cfg.gatewayConfig()
	if gc.Preference != inventory.PreferSecondary || !gc.StationEnabled("ST1") || gc.StationEnabled("ST2") {
		t.Errorf("gateway config = %+v", gc)
	}
	if gc.Features.Devices || !gc.Features.Environment {
		t.Errorf("features = %+v", gc.Features)
	}
	if cfg.Cloud.UpdateInterval != 2*time.Minute || cfg.Influx.URL != "http://influx:8086" || cfg.Influx.Bucket != "home" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no account", "log:\n  level: debug\n", "account.email"},
		{"short interval", "account: {email: a, password: b}\ncloud: {update_interval: 1s}\n", "update_interval"},
		{"bad preference", "account: {email: a, password: b}\ncloud: {shadow_preference: newest}\n", "shadow_preference"},
		{"influx without url", "account: {email: a, password: b}\ninflux: {enabled: true}\n", "influx.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}
