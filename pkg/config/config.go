package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

// Config represents the complete gridrunner configuration
type Config struct {
	// Defaults apply to every browser unless overridden in Browsers.
	Defaults BrowserDefaults `yaml:",inline"`

	Browsers  map[string]BrowserOverride `yaml:"browsers"`
	Files     []string                   `yaml:"files"`
	System    SystemConfig               `yaml:"system"`
	Bus       BusConfig                  `yaml:"bus"`
	IPC       IPCConfig                  `yaml:"ipc"`
	Telemetry TelemetryConfig            `yaml:"telemetry"`
	Notify    NotifyConfig               `yaml:"notify"`

	// ShouldRetry vetoes retries of failed attempts. Set programmatically;
	// nil allows every retry while retries remain.
	ShouldRetry RetryPredicate `yaml:"-"`
}

// BrowserDefaults holds the options every browser inherits.
type BrowserDefaults struct {
	GridURL             string         `yaml:"grid_url"`
	Engine              string         `yaml:"engine"`
	Headless            bool           `yaml:"headless"`
	DesiredCapabilities map[string]any `yaml:"desired_capabilities"`
	SessionsPerBrowser  int            `yaml:"sessions_per_browser"`
	TestsPerSession     int            `yaml:"tests_per_session"`
	Retry               int            `yaml:"retry"`
	Calibrate           bool           `yaml:"calibrate"`
	TestTimeout         time.Duration  `yaml:"test_timeout"`
	SessionLaunchRate   float64        `yaml:"session_launch_rate"`
}

// BrowserOverride holds per-browser settings; nil fields inherit the defaults.
type BrowserOverride struct {
	GridURL             *string        `yaml:"grid_url"`
	Engine              *string        `yaml:"engine"`
	Headless            *bool          `yaml:"headless"`
	DesiredCapabilities map[string]any `yaml:"desired_capabilities"`
	SessionsPerBrowser  *int           `yaml:"sessions_per_browser"`
	TestsPerSession     *int           `yaml:"tests_per_session"`
	Retry               *int           `yaml:"retry"`
	Calibrate           *bool          `yaml:"calibrate"`
	TestTimeout         *time.Duration `yaml:"test_timeout"`
	SessionLaunchRate   *float64       `yaml:"session_launch_rate"`
}

// BrowserConfig is the resolved configuration of one browser id.
type BrowserConfig struct {
	ID string
	BrowserDefaults
}

// Version returns the browser version requested through desired capabilities.
func (b BrowserConfig) Version() string {
	for _, key := range []string{"browserVersion", "version"} {
		if v, ok := b.DesiredCapabilities[key]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// SystemConfig configures worker processes and local storage.
type SystemConfig struct {
	Workers         int           `yaml:"workers"`
	TestsPerWorker  int           `yaml:"tests_per_worker"`
	Spawn           string        `yaml:"spawn"`
	LogDir          string        `yaml:"log_dir"`
	LogLevel        string        `yaml:"log_level"`
	ResultsDB       string        `yaml:"results_db"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// BusConfig selects the message bus used between runner and workers.
// An empty URL keeps everything in-process.
type BusConfig struct {
	URL     string        `yaml:"url"`
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

// IPCConfig configures the local HTTP server. An empty bind disables it.
type IPCConfig struct {
	Bind string `yaml:"bind"`
}

// TelemetryConfig toggles tracing output.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
}

// NotifyConfig configures run-end notifications. A non-empty BusSubject
// publishes them on the message bus.
type NotifyConfig struct {
	SlackWebhook string `yaml:"slack_webhook"`
	SlackChannel string `yaml:"slack_channel"`
	BusSubject   string `yaml:"bus_subject"`
	OnlyFailures bool   `yaml:"only_failures"`
}

// Enabled reports whether any notification channel is configured.
func (n NotifyConfig) Enabled() bool {
	return n.SlackWebhook != "" || n.BusSubject != ""
}

// RetryInfo describes a failed attempt offered for retry.
type RetryInfo struct {
	FullTitle   string
	BrowserID   string
	Err         error
	RetriesLeft int
}

// RetryPredicate reports whether a failed attempt may be retried.
type RetryPredicate func(RetryInfo) bool

const (
	SpawnInProcess = "inprocess"
	SpawnExec      = "exec"
)

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Defaults: BrowserDefaults{
			Engine:             "chromium",
			Headless:           true,
			SessionsPerBrowser: 1,
			TestsPerSession:    0,
			Retry:              0,
			TestTimeout:        60 * time.Second,
		},
		Browsers: map[string]BrowserOverride{},
		System: SystemConfig{
			Workers:         1,
			TestsPerWorker:  0,
			Spawn:           SpawnInProcess,
			LogDir:          defaultLogDir(),
			LogLevel:        "info",
			DispatchTimeout: 0,
		},
		Bus: BusConfig{
			Name:    "gridrunner",
			Timeout: 5 * time.Second,
		},
	}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".gridrunner", "logs")
	}
	return filepath.Join(home, ".gridrunner", "logs")
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	// Load user config (~/.gridrunner/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".gridrunner", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, gerrors.Wrap(err, gerrors.ErrCodeConfigLoad, "loading user config")
		}
	}

	// Load project config (./.gridrunner.yaml)
	projectConfigPath := filepath.Join(".", ".gridrunner.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeConfigLoad, "loading project config")
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, gerrors.Wrap(err, gerrors.ErrCodeConfigLoad, "loading config").WithContext("path", path)
	}

	applyEnvOverrides(cfg, configEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// applyEnvOverrides applies environment variable overrides. Variables from
// ~/.gridrunner/config.env are used when the process environment lacks them.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v, ok := envInt(get("GRIDRUNNER_RETRY")); ok {
		cfg.Defaults.Retry = v
	}
	if v, ok := envInt(get("GRIDRUNNER_SESSIONS_PER_BROWSER")); ok {
		cfg.Defaults.SessionsPerBrowser = v
	}
	if v, ok := envInt(get("GRIDRUNNER_TESTS_PER_SESSION")); ok {
		cfg.Defaults.TestsPerSession = v
	}
	if v, ok := envInt(get("GRIDRUNNER_WORKERS")); ok {
		cfg.System.Workers = v
	}
	if v, ok := envInt(get("GRIDRUNNER_TESTS_PER_WORKER")); ok {
		cfg.System.TestsPerWorker = v
	}
	if v := get("GRIDRUNNER_GRID_URL"); v != "" {
		cfg.Defaults.GridURL = v
	}
	if v := get("GRIDRUNNER_BUS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := get("GRIDRUNNER_IPC_BIND"); v != "" {
		cfg.IPC.Bind = v
	}
	if v := get("GRIDRUNNER_LOG_LEVEL"); v != "" {
		cfg.System.LogLevel = v
	}
	if v := get("GRIDRUNNER_RESULTS_DB"); v != "" {
		cfg.System.ResultsDB = expandHomeDir(v)
	}
	if val, ok := envBool(get("GRIDRUNNER_TRACING")); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool(get("GRIDRUNNER_HEADLESS")); ok {
		cfg.Defaults.Headless = val
	}
	if v := get("GRIDRUNNER_SLACK_WEBHOOK"); v != "" {
		cfg.Notify.SlackWebhook = v
	}
	if v := get("GRIDRUNNER_SLACK_CHANNEL"); v != "" {
		cfg.Notify.SlackChannel = v
	}
}

func envInt(val string) (int, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(val string) (bool, bool) {
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// BrowserIDs returns the configured browser ids in sorted order.
func (c *Config) BrowserIDs() []string {
	ids := make([]string, 0, len(c.Browsers))
	for id := range c.Browsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForBrowser resolves the effective options of a browser id.
func (c *Config) ForBrowser(id string) (BrowserConfig, bool) {
	o, ok := c.Browsers[id]
	if !ok {
		return BrowserConfig{}, false
	}

	bc := BrowserConfig{ID: id, BrowserDefaults: c.Defaults}
	bc.DesiredCapabilities = mergeCapabilities(c.Defaults.DesiredCapabilities, o.DesiredCapabilities)
	if o.GridURL != nil {
		bc.GridURL = *o.GridURL
	}
	if o.Engine != nil {
		bc.Engine = *o.Engine
	}
	if o.Headless != nil {
		bc.Headless = *o.Headless
	}
	if o.SessionsPerBrowser != nil {
		bc.SessionsPerBrowser = *o.SessionsPerBrowser
	}
	if o.TestsPerSession != nil {
		bc.TestsPerSession = *o.TestsPerSession
	}
	if o.Retry != nil {
		bc.Retry = *o.Retry
	}
	if o.Calibrate != nil {
		bc.Calibrate = *o.Calibrate
	}
	if o.TestTimeout != nil {
		bc.TestTimeout = *o.TestTimeout
	}
	if o.SessionLaunchRate != nil {
		bc.SessionLaunchRate = *o.SessionLaunchRate
	}
	return bc, true
}

func mergeCapabilities(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Retryable applies ShouldRetry, treating a nil predicate as "always".
func (c *Config) Retryable(info RetryInfo) bool {
	if c == nil || c.ShouldRetry == nil {
		return true
	}
	return c.ShouldRetry(info)
}

var validEngines = map[string]bool{
	"chromium": true,
	"firefox":  true,
	"webkit":   true,
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return gerrors.Newf(gerrors.ErrCodeConfigInvalid, format, args...)
	}

	if c.System.Workers < 1 {
		return invalid("system.workers must be at least 1, got %d", c.System.Workers)
	}
	if c.System.TestsPerWorker < 0 {
		return invalid("system.tests_per_worker must not be negative, got %d", c.System.TestsPerWorker)
	}
	if c.System.DispatchTimeout < 0 {
		return invalid("system.dispatch_timeout must not be negative")
	}
	switch c.System.Spawn {
	case SpawnInProcess, SpawnExec:
	default:
		return invalid("invalid system.spawn: %s (valid: inprocess, exec)", c.System.Spawn)
	}
	if c.Bus.Timeout < 0 {
		return invalid("bus.timeout must not be negative")
	}
	if w := c.Notify.SlackWebhook; w != "" && !strings.HasPrefix(w, "https://") && !strings.HasPrefix(w, "http://") {
		return invalid("notify.slack_webhook must be an http(s) URL")
	}

	for _, id := range c.BrowserIDs() {
		bc, _ := c.ForBrowser(id)
		if strings.TrimSpace(id) == "" {
			return invalid("browser id must not be empty")
		}
		if bc.SessionsPerBrowser < 1 {
			return invalid("browsers.%s.sessions_per_browser must be at least 1, got %d", id, bc.SessionsPerBrowser)
		}
		if bc.TestsPerSession < 0 {
			return invalid("browsers.%s.tests_per_session must not be negative", id)
		}
		if bc.Retry < 0 {
			return invalid("browsers.%s.retry must not be negative", id)
		}
		if bc.TestTimeout < 0 {
			return invalid("browsers.%s.test_timeout must not be negative", id)
		}
		if bc.SessionLaunchRate < 0 {
			return invalid("browsers.%s.session_launch_rate must not be negative", id)
		}
		if !validEngines[bc.Engine] {
			return invalid("browsers.%s.engine %q is not one of chromium, firefox, webkit", id, bc.Engine)
		}
	}

	return nil
}

func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(home, ".gridrunner", "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	return vars
}
