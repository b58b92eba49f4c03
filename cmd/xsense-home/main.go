package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"xsense-go-home/internal/cloud"
	"xsense-go-home/internal/gateway"
	"xsense-go-home/internal/influx"
	"xsense-go-home/internal/inventory"
	"xsense-go-home/internal/store"
	"xsense-go-home/internal/tree"
	"xsense-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Account struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
	} `yaml:"account"`
	Cloud struct {
		UpdateInterval       time.Duration `yaml:"update_interval"`
		RequestTimeout       time.Duration `yaml:"request_timeout"`
		ShadowPreference     string        `yaml:"shadow_preference"`
		SensorReportInterval time.Duration `yaml:"sensor_report_interval"`
	} `yaml:"cloud"`
	Stations struct {
		Filter map[string]bool `yaml:"filter"`
	} `yaml:"stations"`
	Features struct {
		Environment     *bool `yaml:"environment"`
		Diagnostics     *bool `yaml:"diagnostics"`
		Binary          *bool `yaml:"binary"`
		Devices         *bool `yaml:"devices"`
		Actions         *bool `yaml:"actions"`
		LongtermSensors *bool `yaml:"longterm_sensors"`
	} `yaml:"features"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled        bool   `yaml:"enabled"`
		ClientIDPrefix string `yaml:"client_id_prefix"`
	} `yaml:"mqtt"`
	Influx struct {
		Enabled       bool `yaml:"enabled"`
		influx.Config `yaml:",inline"`
	} `yaml:"influx"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	ActionsFile string `yaml:"actions_file"`
	Log         struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Account.Email == "" || c.Account.Password == "" {
		return fmt.Errorf("account.email and account.password are required")
	}
	if c.Cloud.UpdateInterval < 10*time.Second {
		return fmt.Errorf("cloud.update_interval must be at least 10s, got %s", c.Cloud.UpdateInterval)
	}
	if c.Cloud.SensorReportInterval < 0 {
		return fmt.Errorf("cloud.sensor_report_interval must not be negative")
	}
	if _, err := inventory.ParsePreference(c.Cloud.ShadowPreference); err != nil {
		return fmt.Errorf("cloud.shadow_preference: %w", err)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url and influx.bucket are required when influx is enabled")
	}
	return nil
}

// gatewayConfig maps the file config onto the gateway. Unset feature
// toggles default to on.
func (c *Config) gatewayConfig() gateway.Config {
	pref, _ := inventory.ParsePreference(c.Cloud.ShadowPreference)
	on := func(b *bool) bool { return b == nil || *b }
	return gateway.Config{
		Username:             c.Account.Email,
		Password:             c.Account.Password,
		Preference:           pref,
		SensorReportInterval: c.Cloud.SensorReportInterval,
		StationFilter:        c.Stations.Filter,
		Features: gateway.Features{
			Environment:     on(c.Features.Environment),
			Diagnostics:     on(c.Features.Diagnostics),
			Binary:          on(c.Features.Binary),
			Devices:         on(c.Features.Devices),
			Actions:         on(c.Features.Actions),
			LongtermSensors: on(c.Features.LongtermSensors),
		},
	}
}

func main() {
	cfgPath := pflag.StringP("config", "c", "config.yaml", "path to the YAML config file")
	logLevel := pflag.String("log-level", "", "override log.level (debug, info, warn, error)")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if pw := os.Getenv("XSENSE_PASSWORD"); pw != "" {
		cfg.Account.Password = pw
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("xsense-go-home starting", "version", version)

	actions := cloud.DefaultActions()
	if cfg.ActionsFile != "" {
		if actions, err = cloud.LoadActionsFile(cfg.ActionsFile); err != nil {
			logger.Error("load actions", "err", err)
			os.Exit(1)
		}
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var sinks []tree.ValueTree
	if cfg.Influx.Enabled {
		sink, err := influx.New(cfg.Influx.Config, logger)
		if err != nil {
			logger.Error("influx sink", "err", err)
			os.Exit(1)
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	client := cloud.NewClient(
		cloud.WithHTTPClient(&http.Client{Timeout: cfg.Cloud.RequestTimeout}),
		cloud.WithLogger(logger),
	)
	events := inventory.NewEventBus(logger)
	gw := gateway.New(client, actions, db, events, cfg.gatewayConfig(), logger, sinks...)
	if err := gw.Restore(); err != nil {
		logger.Warn("restore state", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctx, client, gw, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(gw, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(gw, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	updateDone := make(chan struct{})
	go func() {
		defer close(updateDone)
		runUpdates(ctx, gw, cfg.Cloud.UpdateInterval, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	<-updateDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

// runUpdates refreshes the inventory now and then every interval until ctx
// is done. Failures are already recorded by the gateway.
func runUpdates(ctx context.Context, gw *gateway.Gateway, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := gw.Update(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("update failed", "kind", cloud.KindOf(err), "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Cloud.UpdateInterval == 0 {
		cfg.Cloud.UpdateInterval = 60 * time.Second
	}
	if cfg.Cloud.RequestTimeout == 0 {
		cfg.Cloud.RequestTimeout = cloud.DefaultTimeout
	}
	if cfg.Cloud.ShadowPreference == "" {
		cfg.Cloud.ShadowPreference = string(inventory.PreferAuto)
	}
	if cfg.Cloud.SensorReportInterval == 0 {
		cfg.Cloud.SensorReportInterval = 5 * time.Minute
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "xsense-home.db"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
