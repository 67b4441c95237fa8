// Package config loads and validates the process configuration shared by
// cmd/overlayhost and cmd/controlapp, and hot-reloads the overlay-kind to
// icon-index table when its backing file changes on disk. Struct-tag
// shape (yaml/json/env/validate) is grounded on
// modules/eventbus/config.go's EventBusConfig; load-by-extension and
// env-var override are a narrower, purpose-built reimplementation of the
// pattern shown across feeders/yaml.go, feeders/toml.go, and
// feeders/env.go, sized for one struct instead of the teacher's generic
// reflection-based multi-format feeder library.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cloudsync/badgebus/pkg/event"
)

// IconEntry is one row of the overlay-kind -> icon table: the resource
// path and index the host ABI's get_overlay_info reports for a kind.
type IconEntry struct {
	Kind             string `yaml:"kind" json:"kind" env:"KIND"`
	IconResourcePath string `yaml:"iconResourcePath" json:"iconResourcePath" env:"ICON_RESOURCE_PATH"`
}

// Config is the process configuration for both overlayhost and
// controlapp. Not every field applies to both binaries; unused fields are
// simply left at their defaults by whichever binary doesn't need them.
type Config struct {
	RegionName    string `yaml:"regionName" json:"regionName" env:"REGION_NAME" validate:"required"`
	RegionSize    int    `yaml:"regionSize" json:"regionSize" env:"REGION_SIZE" validate:"min=4096"`
	QueueCapacity int    `yaml:"queueCapacity" json:"queueCapacity" env:"QUEUE_CAPACITY" validate:"min=1"`

	SubscribeTimeoutMS int `yaml:"subscribeTimeoutMs" json:"subscribeTimeoutMs" env:"SUBSCRIBE_TIMEOUT_MS" validate:"min=1"`
	WatchPeriodMS      int `yaml:"watchPeriodMs" json:"watchPeriodMs" env:"WATCH_PERIOD_MS" validate:"min=1"`
	StartTimeoutMS     int `yaml:"startTimeoutMs" json:"startTimeoutMs" env:"START_TIMEOUT_MS" validate:"min=1"`
	ShutdownGraceMS    int `yaml:"shutdownGraceMs" json:"shutdownGraceMs" env:"SHUTDOWN_GRACE_MS" validate:"min=1"`

	ReclaimInterval string `yaml:"reclaimInterval" json:"reclaimInterval" env:"RECLAIM_INTERVAL" validate:"required"`

	VerificationHelperImage string `yaml:"verificationHelperImage" json:"verificationHelperImage" env:"VERIFICATION_HELPER_IMAGE"`

	DebugListenAddr string `yaml:"debugListenAddr" json:"debugListenAddr" env:"DEBUG_LISTEN_ADDR"`

	MetricsNamespace  string `yaml:"metricsNamespace" json:"metricsNamespace" env:"METRICS_NAMESPACE"`
	DatadogAddr       string `yaml:"datadogAddr" json:"datadogAddr" env:"DATADOG_ADDR"`
	DatadogIntervalMS int    `yaml:"datadogIntervalMs" json:"datadogIntervalMs" env:"DATADOG_INTERVAL_MS"`

	Icons []IconEntry `yaml:"icons" json:"icons"`
}

// defaults mirrors spec.md's approximate timing figures (§4.3, §4.6).
func Defaults() *Config {
	return &Config{
		RegionName:         "CloudSyncBadgeBus_v1",
		RegionSize:         4 << 20,
		QueueCapacity:      256,
		SubscribeTimeoutMS: 1000,
		WatchPeriodMS:      20000,
		StartTimeoutMS:     5000,
		ShutdownGraceMS:    250,
		ReclaimInterval:    "20s",
		DebugListenAddr:    "127.0.0.1:7337",
		MetricsNamespace:   "badgebus",
		Icons: []IconEntry{
			{Kind: "Syncing", IconResourcePath: "badges.dll,0"},
			{Kind: "Synced", IconResourcePath: "badges.dll,1"},
			{Kind: "Selective", IconResourcePath: "badges.dll,2"},
			{Kind: "Failed", IconResourcePath: "badges.dll,3"},
		},
	}
}

// Load reads path (by extension: .yaml/.yml or .toml) into a Config
// seeded with Defaults, then applies BADGEBUS_-prefixed environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := feedFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func feedFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// envOverride applies an env var to *dst if set and non-empty, following
// feeders/env.go's "present and parseable wins" precedence.
func envOverride(name string, dst *string) {
	if v, ok := os.LookupEnv("BADGEBUS_" + name); ok && v != "" {
		*dst = v
	}
}

func envOverrideInt(name string, dst *int) {
	if v, ok := os.LookupEnv("BADGEBUS_"+name); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	envOverride("REGION_NAME", &cfg.RegionName)
	envOverrideInt("REGION_SIZE", &cfg.RegionSize)
	envOverrideInt("QUEUE_CAPACITY", &cfg.QueueCapacity)
	envOverrideInt("SUBSCRIBE_TIMEOUT_MS", &cfg.SubscribeTimeoutMS)
	envOverrideInt("WATCH_PERIOD_MS", &cfg.WatchPeriodMS)
	envOverrideInt("START_TIMEOUT_MS", &cfg.StartTimeoutMS)
	envOverrideInt("SHUTDOWN_GRACE_MS", &cfg.ShutdownGraceMS)
	envOverride("RECLAIM_INTERVAL", &cfg.ReclaimInterval)
	envOverride("VERIFICATION_HELPER_IMAGE", &cfg.VerificationHelperImage)
	envOverride("DEBUG_LISTEN_ADDR", &cfg.DebugListenAddr)
	envOverride("METRICS_NAMESPACE", &cfg.MetricsNamespace)
	envOverride("DATADOG_ADDR", &cfg.DatadogAddr)
	envOverrideInt("DATADOG_INTERVAL_MS", &cfg.DatadogIntervalMS)
}

var errValidation = errors.New("config: validation failed")

// ValidateConfig implements the teacher's ConfigValidator convention
// (config_validation.go's ConfigValidator interface): a plain method
// called once after loading, rather than reflection-driven struct-tag
// enforcement.
func (c *Config) ValidateConfig() error {
	var problems []string

	if c.RegionName == "" {
		problems = append(problems, "regionName is required")
	}
	if c.RegionSize < 4096 {
		problems = append(problems, "regionSize must be >= 4096")
	}
	if c.QueueCapacity < 1 {
		problems = append(problems, "queueCapacity must be >= 1")
	}
	if c.SubscribeTimeoutMS < 1 {
		problems = append(problems, "subscribeTimeoutMs must be >= 1")
	}
	if c.WatchPeriodMS < 1 {
		problems = append(problems, "watchPeriodMs must be >= 1")
	}
	if c.StartTimeoutMS < 1 {
		problems = append(problems, "startTimeoutMs must be >= 1")
	}
	if c.ShutdownGraceMS < 1 {
		problems = append(problems, "shutdownGraceMs must be >= 1")
	}
	if c.ReclaimInterval == "" {
		problems = append(problems, "reclaimInterval is required")
	}
	for _, icon := range c.Icons {
		if _, ok := parseBadgeKind(icon.Kind); !ok {
			problems = append(problems, fmt.Sprintf("icons: unknown kind %q", icon.Kind))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", errValidation, strings.Join(problems, "; "))
}

func parseBadgeKind(name string) (event.BadgeKind, bool) {
	switch name {
	case "Synced":
		return event.BadgeSynced, true
	case "Syncing":
		return event.BadgeSyncing, true
	case "Failed":
		return event.BadgeFailed, true
	case "Selective":
		return event.BadgeSelective, true
	default:
		return event.BadgeNone, false
	}
}

// IconTable maps badge kind to its configured icon resource path, for the
// host ABI's get_overlay_info.
func (c *Config) IconTable() map[event.BadgeKind]string {
	table := make(map[event.BadgeKind]string, len(c.Icons))
	for _, icon := range c.Icons {
		if kind, ok := parseBadgeKind(icon.Kind); ok {
			table[kind] = icon.IconResourcePath
		}
	}
	return table
}

// Logger is the ambient logging boundary (see internal/logging.Logger).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

// Watcher hot-reloads only the overlay-kind icon table from path on
// change, leaving every other field (region sizing, timeouts) fixed for
// the process's lifetime — those require a restart to change safely.
type Watcher struct {
	path   string
	logger Logger

	mu     sync.RWMutex
	icons  []IconEntry
	onLoad func([]IconEntry)

	fsw *fsnotify.Watcher
}

// NewWatcher constructs a Watcher seeded with the Config's current icon
// table; onLoad, if non-nil, is called (in addition to updating the
// in-memory table) every time the file is successfully re-parsed.
func NewWatcher(path string, cfg *Config, logger Logger, onLoad func([]IconEntry)) (*Watcher, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:   path,
		logger: logger,
		icons:  cfg.Icons,
		onLoad: onLoad,
		fsw:    fsw,
	}, nil
}

// Icons returns the currently active icon table.
func (w *Watcher) Icons() []IconEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]IconEntry(nil), w.icons...)
}

// Run blocks, reloading the icon table whenever path is written or
// renamed into place, until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	defer w.fsw.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	var scratch Config
	if err := feedFile(w.path, &scratch); err != nil {
		w.logger.Warn("config watcher: reload failed, keeping previous table", "path", w.path, "error", err)
		return
	}
	if len(scratch.Icons) == 0 {
		w.logger.Warn("config watcher: reload produced an empty icon table, keeping previous table", "path", w.path)
		return
	}

	w.mu.Lock()
	w.icons = scratch.Icons
	w.mu.Unlock()

	w.logger.Info("config watcher: reloaded overlay icon table", "path", w.path, "count", len(scratch.Icons))
	if w.onLoad != nil {
		w.onLoad(scratch.Icons)
	}
}
