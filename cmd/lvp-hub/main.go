package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"lvp-hub/internal/logsink"
	"lvp-hub/internal/lvp"
	"lvp-hub/internal/pool"
	"lvp-hub/internal/transport"
	"lvp-hub/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Links []struct {
		ID   string `yaml:"id"`
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"links"`
	Serial struct {
		Baud             int    `yaml:"baud"`
		Cooldown         string `yaml:"cooldown"`
		HandshakeTimeout string `yaml:"handshake_timeout"`
	} `yaml:"serial"`
	Functions []string `yaml:"functions"`
	Exclude   []string `yaml:"exclude"`
	Messages  struct {
		Dir     string `yaml:"dir"`
		Path    string `yaml:"path"`
		PerLink bool   `yaml:"per_link"`
	} `yaml:"messages"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`

	cooldown         time.Duration
	handshakeTimeout time.Duration
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, l := range c.Links {
		if l.ID == "" {
			return fmt.Errorf("links: every link needs an id")
		}
		if seen[l.ID] {
			return fmt.Errorf("links: duplicate id %q", l.ID)
		}
		seen[l.ID] = true
	}

	if c.Serial.Cooldown != "" {
		d, err := time.ParseDuration(c.Serial.Cooldown)
		if err != nil {
			return fmt.Errorf("serial.cooldown: %w", err)
		}
		c.cooldown = d
	}
	if c.Serial.HandshakeTimeout != "" {
		d, err := time.ParseDuration(c.Serial.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("serial.handshake_timeout: %w", err)
		}
		c.handshakeTimeout = d
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
	logger.Info("lvp-hub starting", "version", version)

	bus := pool.NewEventBus(logger)

	// Message sinks: per-session files, the bbolt archive, and the event
	// bus. Every link writes to all of them.
	sinks := []logsink.Sink{pool.EventSink{Bus: bus}}

	var fileSink *logsink.FileSink
	if cfg.Messages.Dir != "" {
		fileSink, err = logsink.NewFileSink(cfg.Messages.Dir, cfg.Messages.PerLink)
		if err != nil {
			logger.Error("open message dir", "err", err)
			os.Exit(1)
		}
		defer fileSink.Close()
		sinks = append(sinks, fileSink)
	}

	var boltSink *logsink.BoltSink
	if cfg.Messages.Path != "" {
		boltSink, err = logsink.NewBoltSink(cfg.Messages.Path)
		if err != nil {
			logger.Error("open message archive", "err", err)
			os.Exit(1)
		}
		defer boltSink.Close()
		sinks = append(sinks, boltSink)
	}

	sink := logsink.Multi(sinks...)

	links, err := openLinks(cfg, sink, logger)
	if err != nil {
		logger.Error("open links", "err", err)
		os.Exit(1)
	}

	p, err := pool.New(links, bus, logger)
	if err != nil {
		logger.Error("create pool", "err", err)
		os.Exit(1)
	}
	defer p.Close()
	logger.Info("pool ready", "links", p.IDs())

	// Handshake every link in the background so the API comes up
	// immediately; links that fail stay uninitialized and retry on use.
	go func() {
		results, err := p.Init(pool.All, false, time.Minute)
		if err != nil {
			logger.Error("initial handshake", "err", err)
			return
		}
		logger.Info("initial handshake done", "ready", len(results), "of", p.Len())
	}()

	// Automation engine (no-op when built with the no_automation tag).
	auto, autoWebOpts := initAutomation(p, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if boltSink != nil {
		webOpts = append(webOpts, web.WithLogStore(boltSink))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(p, logger, webOpts...)

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

	// MQTT bridge (no-op when built with the no_mqtt tag).
	mqtt := initMQTT(p, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

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

// openLinks opens the configured links, or enumerates serial ports when
// none are configured. Enumerated links take their id from the port name.
func openLinks(cfg *Config, sink logsink.Sink, logger *slog.Logger) ([]*lvp.Link, error) {
	linkCfg := func(id, port string, baud int) lvp.Config {
		if baud == 0 {
			baud = cfg.Serial.Baud
		}
		return lvp.Config{
			ID:               id,
			Device:           port,
			Baud:             baud,
			Cooldown:         cfg.cooldown,
			HandshakeTimeout: cfg.handshakeTimeout,
			Functions:        cfg.Functions,
		}
	}

	var links []*lvp.Link
	if len(cfg.Links) == 0 {
		ports, err := transport.ListPorts(cfg.Exclude)
		if err != nil {
			return nil, fmt.Errorf("enumerate ports: %w", err)
		}
		logger.Info("no links configured, using all serial ports", "ports", ports)
		for _, port := range ports {
			l, err := lvp.Open(linkCfg(filepath.Base(port), port, 0), sink, logger)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", port, err)
			}
			links = append(links, l)
		}
		return links, nil
	}

	for _, lc := range cfg.Links {
		l, err := lvp.Open(linkCfg(lc.ID, lc.Port, lc.Baud), sink, logger)
		if err != nil {
			return nil, fmt.Errorf("open link %s: %w", lc.ID, err)
		}
		links = append(links, l)
	}
	return links, nil
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
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = lvp.DefaultBaud
	}
	if cfg.Messages.Dir == "" {
		cfg.Messages.Dir = "messages"
	}
	if cfg.Messages.Path == "" {
		cfg.Messages.Path = "messages.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lvp"
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
