package chatsync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration, loaded from YAML.
type Config struct {
	// APIBaseURL is the REST backend root, e.g. "https://chat.example.com/api".
	APIBaseURL string `yaml:"api_base_url"`
	// SocketURL is the live event websocket endpoint.
	SocketURL string `yaml:"socket_url"`
	// AccessToken authenticates both transports and carries the
	// current-user claims.
	AccessToken string `yaml:"access_token"`

	// SessionStorePath is the SQLite session cache. Empty keeps the
	// session purely in memory.
	SessionStorePath string `yaml:"session_store_path"`

	// PageSize is how many records one history page requests.
	PageSize int `yaml:"page_size"`
	// GroupGapStr is the largest sender-run gap that still groups
	// messages, in time.ParseDuration syntax (e.g. "5m").
	GroupGapStr string `yaml:"group_gap"`
	// ReconcileTimeoutStr bounds how long an optimistic send waits for
	// its server echo before being marked failed (e.g. "10s").
	ReconcileTimeoutStr string `yaml:"reconcile_timeout"`

	GroupGap         time.Duration `yaml:"-"`
	ReconcileTimeout time.Duration `yaml:"-"`

	// Broadcast selects cross-instance lock-state transports.
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// BroadcastConfig configures optional BroadcastPort adapters. Both may
// be set; the gate converges regardless of which delivers first.
type BroadcastConfig struct {
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`
}

const (
	defaultPageSize         = 25
	defaultReconcileTimeout = 10 * time.Second
)

// PostProcess fills defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("config: api_base_url is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("config: socket_url is required")
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	c.GroupGap = DefaultGroupGap
	if c.GroupGapStr != "" {
		d, err := time.ParseDuration(c.GroupGapStr)
		if err != nil {
			return fmt.Errorf("config: bad group_gap: %w", err)
		}
		c.GroupGap = d
	}
	c.ReconcileTimeout = defaultReconcileTimeout
	if c.ReconcileTimeoutStr != "" {
		d, err := time.ParseDuration(c.ReconcileTimeoutStr)
		if err != nil {
			return fmt.Errorf("config: bad reconcile_timeout: %w", err)
		}
		c.ReconcileTimeout = d
	}
	if c.Broadcast.RedisChannel == "" {
		c.Broadcast.RedisChannel = "chatsync:lock"
	}
	if c.Broadcast.NATSSubject == "" {
		c.Broadcast.NATSSubject = "chatsync.lock"
	}
	return nil
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// WatchConfig re-loads the file on every write and hands the result to
// onReload. Invalid intermediate states (editors writing in two steps)
// are logged and skipped; the previous config stays active. Returns a
// stop function.
func WatchConfig(path string, logger zerolog.Logger, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	log := logger.With().Str("component", "config").Str("path", path).Logger()
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != filepath.Clean(path) {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, loadErr := LoadConfig(path)
				if loadErr != nil {
					log.Warn().Err(loadErr).Msg("Ignoring config reload: file not loadable")
					continue
				}
				log.Info().Msg("Config reloaded")
				onReload(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(watchErr).Msg("Config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
