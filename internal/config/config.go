// Package config loads dvcsync settings from dvcsync.yaml and the
// environment.
//
// Precedence is flags > environment > config file > defaults. Flags are
// applied by the CLI after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nmgrl/dvcsync/internal/logging"
	"github.com/nmgrl/dvcsync/internal/source"
)

// FileName is the config file base name searched for without --config
const FileName = "dvcsync"

// EnvPrefix prefixes every environment override, e.g. DVCSYNC_ROOT
const EnvPrefix = "DVCSYNC"

// Sync strategies accepted by sync.strategy. StrategyNone leaves
// conflicts pending for a person to settle.
const (
	StrategyNone   = "none"
	StrategyOurs   = "ours"
	StrategyTheirs = "theirs"
	StrategyManual = "manual"
)

// Config is the resolved configuration
type Config struct {
	// Root holds one directory per entity repository
	Root string

	// CatalogPath is the sqlite catalog file
	CatalogPath string

	Source source.Config

	RemoteName        string
	RemoteURLTemplate string
	Branch            string

	SyncStrategy     string
	AllowDestructive bool
	RetryMaxElapsed  time.Duration

	TransferWorkers int

	// TransferSync syncs repositories with a remote before exporting into
	// them; TransferPush pushes them afterwards
	TransferSync bool
	TransferPush bool

	Log logging.Options

	TelemetryEnabled bool

	DashboardPort int

	WatchInbox    string
	WatchDebounce time.Duration

	// File is the config file that was read, empty when none was found
	File string
}

// New returns a viper instance with defaults and env bindings applied
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("root", defaultRoot())
	v.SetDefault("catalog.path", "")
	v.SetDefault("source.port", source.DefaultPort)
	v.SetDefault("source.tls", false)
	v.SetDefault("source.timeout", 10*time.Second)
	v.SetDefault("remote.name", "origin")
	v.SetDefault("remote.url_template", "")
	v.SetDefault("branch", "master")
	v.SetDefault("sync.strategy", StrategyNone)
	v.SetDefault("sync.allow_destructive", false)
	v.SetDefault("sync.retry.max_elapsed", 30*time.Second)
	v.SetDefault("transfer.workers", 4)
	v.SetDefault("transfer.sync", true)
	v.SetDefault("transfer.push", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", logging.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logging.DefaultMaxBackups)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("watch.inbox", "")
	v.SetDefault("watch.debounce", 2*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The lab's existing deployment exports these for every tool
	_ = v.BindEnv("source.host", EnvPrefix+"_SOURCE_HOST", "ARGONSERVER_HOST")
	_ = v.BindEnv("source.user", EnvPrefix+"_SOURCE_USER", "ARGONSERVER_DB_USER")
	_ = v.BindEnv("source.password", EnvPrefix+"_SOURCE_PASSWORD", "ARGONSERVER_DB_PWD")
	_ = v.BindEnv("source.name", EnvPrefix+"_SOURCE_NAME", "ARGONSERVER_DB_NAME")

	return v
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".dvcsync", "repositories")
	}
	return filepath.Join(home, ".dvcsync", "repositories")
}

// Load reads path, or searches ./.dvcsync and ~/.config/dvcsync when path
// is empty. A missing file is only an error when path was given.
func Load(path string) (*Config, error) {
	v := New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".dvcsync")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dvcsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return FromViper(v), nil
}

// FromViper resolves a Config from v, filling derived paths
func FromViper(v *viper.Viper) *Config {
	c := &Config{
		Root:        expandHome(v.GetString("root")),
		CatalogPath: expandHome(v.GetString("catalog.path")),
		Source: source.Config{
			Host:     v.GetString("source.host"),
			Port:     v.GetInt("source.port"),
			User:     v.GetString("source.user"),
			Password: v.GetString("source.password"),
			Database: v.GetString("source.name"),
			TLS:      v.GetBool("source.tls"),
			Timeout:  v.GetDuration("source.timeout"),
		},
		RemoteName:        v.GetString("remote.name"),
		RemoteURLTemplate: v.GetString("remote.url_template"),
		Branch:            v.GetString("branch"),
		SyncStrategy:      v.GetString("sync.strategy"),
		AllowDestructive:  v.GetBool("sync.allow_destructive"),
		RetryMaxElapsed:   v.GetDuration("sync.retry.max_elapsed"),
		TransferWorkers:   v.GetInt("transfer.workers"),
		TransferSync:      v.GetBool("transfer.sync"),
		TransferPush:      v.GetBool("transfer.push"),
		Log: logging.Options{
			File:       expandHome(v.GetString("log.file")),
			Level:      v.GetString("log.level"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		TelemetryEnabled: v.GetBool("telemetry.enabled"),
		DashboardPort:    v.GetInt("dashboard.port"),
		WatchInbox:       expandHome(v.GetString("watch.inbox")),
		WatchDebounce:    v.GetDuration("watch.debounce"),
		File:             v.ConfigFileUsed(),
	}

	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.Root, "catalog.sqlite")
	}
	if c.WatchInbox == "" {
		c.WatchInbox = filepath.Join(c.Root, "inbox")
	}
	return c
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// validStrategies is the set of allowed sync.strategy values
var validStrategies = map[string]bool{
	StrategyNone:   true,
	StrategyOurs:   true,
	StrategyTheirs: true,
	StrategyManual: true,
}

// Validate returns every configuration problem found, empty when valid
func (c *Config) Validate() []string {
	var issues []string

	if c.Root == "" {
		issues = append(issues, "root: required")
	}

	if !validStrategies[c.SyncStrategy] {
		issues = append(issues, fmt.Sprintf("sync.strategy: %q is invalid (valid values: none, ours, theirs, manual)", c.SyncStrategy))
	}

	if c.RetryMaxElapsed < 0 {
		issues = append(issues, fmt.Sprintf("sync.retry.max_elapsed: %s must not be negative", c.RetryMaxElapsed))
	}

	if c.TransferWorkers < 1 {
		issues = append(issues, fmt.Sprintf("transfer.workers: %d must be at least 1", c.TransferWorkers))
	}

	if c.RemoteName == "" {
		issues = append(issues, "remote.name: required")
	}

	if c.RemoteURLTemplate != "" && !strings.Contains(c.RemoteURLTemplate, "{{") {
		issues = append(issues, fmt.Sprintf("remote.url_template: %q has no {{.Name}} placeholder", c.RemoteURLTemplate))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		issues = append(issues, fmt.Sprintf("log.level: %q is invalid (valid values: debug, info, warn, error)", c.Log.Level))
	}

	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		issues = append(issues, fmt.Sprintf("dashboard.port: %d out of range", c.DashboardPort))
	}

	if c.WatchDebounce < 0 {
		issues = append(issues, fmt.Sprintf("watch.debounce: %s must not be negative", c.WatchDebounce))
	}

	if c.Source.Port < 0 || c.Source.Port > 65535 {
		issues = append(issues, fmt.Sprintf("source.port: %d out of range", c.Source.Port))
	}

	return issues
}

// ValidateSource reports whether the source connection settings are usable.
// Only commands that read the source call it.
func (c *Config) ValidateSource() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("%w (set source.* or ARGONSERVER_HOST/ARGONSERVER_DB_NAME)", err)
	}
	return nil
}
