package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"tempest-go-station/internal/cache"
	"tempest-go-station/internal/engine"
	"tempest-go-station/internal/mqtt"
	"tempest-go-station/internal/rest"
	"tempest-go-station/internal/udp"
	"tempest-go-station/internal/web"
	"tempest-go-station/internal/ws"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Station struct {
		ID int `yaml:"id"` // 0 selects the first station on the account
	} `yaml:"station"`
	API struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
		WSURL   string `yaml:"ws_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"api"`
	UDP struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"udp"`
	Cache struct {
		Path            string `yaml:"path"`
		StationsTTL     string `yaml:"stations_ttl"`
		ObservationsTTL string `yaml:"observations_ttl"`
		ForecastsTTL    string `yaml:"forecasts_ttl"`
	} `yaml:"cache"`
	Refresh struct {
		Interval string `yaml:"interval"`
	} `yaml:"refresh"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "text", "json", or "pretty"
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if c.UDP.Port < 0 || c.UDP.Port > 65535 {
		return fmt.Errorf("udp.port must be 0-65535, got %d", c.UDP.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tempest-go-station starting", "version", version)

	// Open cache
	ttls := cache.DefaultTTLs()
	if d := parseDurationOr(cfg.Cache.StationsTTL, 0); d > 0 {
		ttls.Stations = d
	}
	if d := parseDurationOr(cfg.Cache.ObservationsTTL, 0); d > 0 {
		ttls.Observations = d
	}
	if d := parseDurationOr(cfg.Cache.ForecastsTTL, 0); d > 0 {
		ttls.Forecasts = d
	}
	kv, err := cache.Open(cfg.Cache.Path, ttls)
	if err != nil {
		logger.Error("open cache", "err", err)
		os.Exit(1)
	}
	defer kv.Close()

	// REST client
	restClient := rest.NewClient(rest.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: parseDurationOr(cfg.API.Timeout, 15*time.Second),
	}, logger)

	// Engine
	events := engine.NewEventBus(logger)
	eng := engine.New(restClient, kv, events, engine.Config{
		StationID:       cfg.Station.ID,
		UDPEnabled:      cfg.UDP.Enabled,
		RefreshInterval: parseDurationOr(cfg.Refresh.Interval, engine.DefaultRefreshInterval),
	}, logger)

	// Transports: callbacks point at the engine, so they are built after
	// it and attached before Start.
	decoder := udp.NewDecoder(nil, logger)
	udpAdapter := udp.NewAdapter(cfg.UDP.Port, decoder, udp.Callbacks{
		OnObservation:  eng.HandleObservation,
		OnRapidWind:    eng.HandleRapidWind,
		OnLightning:    eng.HandleLightning,
		OnRainStart:    eng.HandleRainStart,
		OnHubStatus:    eng.HandleHubStatus,
		OnDeviceStatus: eng.HandleDeviceStatus,
	}, logger)

	wsAdapter := ws.NewAdapter(cfg.API.WSURL, cfg.API.Token, ws.Callbacks{
		OnObservation:    eng.HandleObservation,
		OnRapidWind:      eng.HandleRapidWind,
		OnLightning:      eng.HandleLightning,
		OnRainStart:      eng.HandleRainStart,
		OnConnectFailed:  eng.HandleWSConnectFailed,
		OnConnectionLost: eng.HandleWSConnectionLost,
	}, logger)

	eng.AttachTransports(udpAdapter, wsAdapter)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := eng.Start(startCtx); err != nil {
		logger.Error("start engine", "err", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	// Web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(eng, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT publisher
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher, err = mqtt.NewPublisher(eng, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
		}, logger)
		if err != nil {
			logger.Error("start mqtt publisher", "err", err)
			os.Exit(1)
		}
		publisher.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if publisher != nil {
		publisher.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	eng.Stop()

	logger.Info("goodbye")
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
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "tempest-station.db"
	}
	if cfg.UDP.Port == 0 {
		cfg.UDP.Port = udp.DefaultPort
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tempest"
	}
	return &cfg, nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
