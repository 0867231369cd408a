// Package config provides configuration loading for the hub.
//
// Configuration is merged from multiple sources (priority order):
//  1. Global config (~/.config/opencode-hub/hub.jsonc)
//  2. Project config (<dir>/.opencode-hub/hub.jsonc)
//  3. OPENCODE_HUB_CONFIG file
//  4. OPENCODE_HUB_CONFIG_CONTENT inline JSON
//  5. OPENCODE_HUB_* environment variables
//
// Files may contain JSONC comments and {env:VAR} placeholders.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Duration is a time.Duration that unmarshals from either a Go duration
// string ("5s") or a number of milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the hub configuration.
type Config struct {
	// DiscoveryURL is the endpoint listing reachable backend servers.
	DiscoveryURL string `json:"discoveryUrl,omitempty"`
	// ServerHost is the host backend servers are reached on.
	ServerHost string `json:"serverHost,omitempty"`
	// APIPrefix is the path prefix routing queries resolve under.
	APIPrefix string `json:"apiPrefix,omitempty"`

	// Listen is the hub's own HTTP listen address.
	Listen string `json:"listen,omitempty"`
	// EnableCORS enables permissive CORS on the hub API.
	EnableCORS *bool `json:"enableCors,omitempty"`

	// PollInterval is the discovery poll interval.
	PollInterval Duration `json:"pollInterval,omitempty"`
	// HealthInterval is the stale-connection sweep interval.
	HealthInterval Duration `json:"healthInterval,omitempty"`
	// StaleTimeout is the silence threshold before a forced reconnect.
	StaleTimeout Duration `json:"staleTimeout,omitempty"`
	// BackoffBase is the initial reconnect delay.
	BackoffBase Duration `json:"backoffBase,omitempty"`
	// BackoffMax caps the reconnect delay.
	BackoffMax Duration `json:"backoffMax,omitempty"`
	// MaxRetries bounds reconnect attempts per port. Zero means retry
	// forever, which is the designed default: a port stays retriable for
	// as long as discovery reports it.
	MaxRetries int `json:"maxRetries,omitempty"`

	// CheckPIDs drops discovered servers whose process has exited.
	CheckPIDs *bool `json:"checkPids,omitempty"`

	// LogLevel is the minimum log level (DEBUG|INFO|WARN|ERROR).
	LogLevel string `json:"logLevel,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	enableCORS := true
	checkPIDs := true
	return &Config{
		DiscoveryURL:   "http://localhost:4056/servers",
		ServerHost:     "localhost",
		APIPrefix:      "/api/opencode",
		Listen:         "127.0.0.1:4055",
		EnableCORS:     &enableCORS,
		PollInterval:   Duration(5 * time.Second),
		HealthInterval: Duration(10 * time.Second),
		StaleTimeout:   Duration(60 * time.Second),
		BackoffBase:    Duration(time.Second),
		BackoffMax:     Duration(30 * time.Second),
		MaxRetries:     0,
		CheckPIDs:      &checkPIDs,
		LogLevel:       "INFO",
	}
}

// Load merges configuration from all sources on top of the defaults.
// The directory argument locates project-level config; it may be empty.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "hub.json"))
	loadOnce(filepath.Join(globalDir, "hub.jsonc"))

	if directory != "" {
		projectDir := filepath.Join(directory, ".opencode-hub")
		loadOnce(filepath.Join(projectDir, "hub.json"))
		loadOnce(filepath.Join(projectDir, "hub.jsonc"))
	}

	if path := os.Getenv("OPENCODE_HUB_CONFIG"); path != "" {
		loadOnce(path)
	}

	if content := os.Getenv("OPENCODE_HUB_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			merge(cfg, &inline)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// ConfigFiles returns the config file paths Load would consult, existing or
// not, so the watcher knows what to observe.
func ConfigFiles(directory string) []string {
	globalDir := GetPaths().Config
	files := []string{
		filepath.Join(globalDir, "hub.json"),
		filepath.Join(globalDir, "hub.jsonc"),
	}
	if directory != "" {
		projectDir := filepath.Join(directory, ".opencode-hub")
		files = append(files,
			filepath.Join(projectDir, "hub.json"),
			filepath.Join(projectDir, "hub.jsonc"),
		)
	}
	if path := os.Getenv("OPENCODE_HUB_CONFIG"); path != "" {
		files = append(files, path)
	}
	return files
}

// loadFile loads a single config file with interpolation support.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}

	merge(cfg, &fileCfg)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with environment values.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// merge overlays non-zero fields of src onto dst.
func merge(dst, src *Config) {
	if src.DiscoveryURL != "" {
		dst.DiscoveryURL = src.DiscoveryURL
	}
	if src.ServerHost != "" {
		dst.ServerHost = src.ServerHost
	}
	if src.APIPrefix != "" {
		dst.APIPrefix = src.APIPrefix
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.EnableCORS != nil {
		dst.EnableCORS = src.EnableCORS
	}
	if src.PollInterval != 0 {
		dst.PollInterval = src.PollInterval
	}
	if src.HealthInterval != 0 {
		dst.HealthInterval = src.HealthInterval
	}
	if src.StaleTimeout != 0 {
		dst.StaleTimeout = src.StaleTimeout
	}
	if src.BackoffBase != 0 {
		dst.BackoffBase = src.BackoffBase
	}
	if src.BackoffMax != 0 {
		dst.BackoffMax = src.BackoffMax
	}
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.CheckPIDs != nil {
		dst.CheckPIDs = src.CheckPIDs
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// applyEnvOverrides applies OPENCODE_HUB_* variables, the highest-priority
// source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENCODE_HUB_DISCOVERY_URL"); v != "" {
		cfg.DiscoveryURL = v
	}
	if v := os.Getenv("OPENCODE_HUB_SERVER_HOST"); v != "" {
		cfg.ServerHost = v
	}
	if v := os.Getenv("OPENCODE_HUB_API_PREFIX"); v != "" {
		cfg.APIPrefix = v
	}
	if v := os.Getenv("OPENCODE_HUB_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("OPENCODE_HUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENCODE_HUB_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("OPENCODE_HUB_STALE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleTimeout = Duration(d)
		}
	}
	if v := os.Getenv("OPENCODE_HUB_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
}
