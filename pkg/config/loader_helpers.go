package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Scalars replace the base value when
// present in the file; raw is consulted for booleans and zero values.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	d, od := &base.Defaults, override.Defaults
	if od.GridURL != "" {
		d.GridURL = od.GridURL
	}
	if od.Engine != "" {
		d.Engine = od.Engine
	}
	if fieldSet(raw, "headless") {
		d.Headless = od.Headless
	}
	if fieldSet(raw, "desired_capabilities") {
		d.DesiredCapabilities = mergeCapabilities(d.DesiredCapabilities, od.DesiredCapabilities)
	}
	if fieldSet(raw, "sessions_per_browser") {
		d.SessionsPerBrowser = od.SessionsPerBrowser
	}
	if fieldSet(raw, "tests_per_session") {
		d.TestsPerSession = od.TestsPerSession
	}
	if fieldSet(raw, "retry") {
		d.Retry = od.Retry
	}
	if fieldSet(raw, "calibrate") {
		d.Calibrate = od.Calibrate
	}
	if od.TestTimeout != 0 {
		d.TestTimeout = od.TestTimeout
	}
	if fieldSet(raw, "session_launch_rate") {
		d.SessionLaunchRate = od.SessionLaunchRate
	}

	if len(override.Browsers) > 0 {
		if base.Browsers == nil {
			base.Browsers = make(map[string]BrowserOverride, len(override.Browsers))
		}
		for id, o := range override.Browsers {
			base.Browsers[id] = mergeOverride(base.Browsers[id], o)
		}
	}
	if fieldSet(raw, "files") {
		base.Files = append([]string{}, override.Files...)
	}

	if fieldSet(raw, "system", "workers") {
		base.System.Workers = override.System.Workers
	}
	if fieldSet(raw, "system", "tests_per_worker") {
		base.System.TestsPerWorker = override.System.TestsPerWorker
	}
	if override.System.Spawn != "" {
		base.System.Spawn = strings.ToLower(strings.TrimSpace(override.System.Spawn))
	}
	if override.System.LogDir != "" {
		base.System.LogDir = expandHomeDir(override.System.LogDir)
	}
	if override.System.LogLevel != "" {
		base.System.LogLevel = override.System.LogLevel
	}
	if override.System.ResultsDB != "" {
		base.System.ResultsDB = expandHomeDir(override.System.ResultsDB)
	}
	if fieldSet(raw, "system", "dispatch_timeout") {
		base.System.DispatchTimeout = override.System.DispatchTimeout
	}

	if fieldSet(raw, "bus", "url") {
		base.Bus.URL = override.Bus.URL
	}
	if override.Bus.Name != "" {
		base.Bus.Name = override.Bus.Name
	}
	if override.Bus.Timeout != 0 {
		base.Bus.Timeout = override.Bus.Timeout
	}

	if fieldSet(raw, "ipc", "bind") {
		base.IPC.Bind = override.IPC.Bind
	}
	if fieldSet(raw, "telemetry", "tracing") {
		base.Telemetry.Tracing = override.Telemetry.Tracing
	}
}

func mergeOverride(base, o BrowserOverride) BrowserOverride {
	if o.GridURL != nil {
		base.GridURL = o.GridURL
	}
	if o.Engine != nil {
		base.Engine = o.Engine
	}
	if o.Headless != nil {
		base.Headless = o.Headless
	}
	if o.DesiredCapabilities != nil {
		base.DesiredCapabilities = mergeCapabilities(base.DesiredCapabilities, o.DesiredCapabilities)
	}
	if o.SessionsPerBrowser != nil {
		base.SessionsPerBrowser = o.SessionsPerBrowser
	}
	if o.TestsPerSession != nil {
		base.TestsPerSession = o.TestsPerSession
	}
	if o.Retry != nil {
		base.Retry = o.Retry
	}
	if o.Calibrate != nil {
		base.Calibrate = o.Calibrate
	}
	if o.TestTimeout != nil {
		base.TestTimeout = o.TestTimeout
	}
	if o.SessionLaunchRate != nil {
		base.SessionLaunchRate = o.SessionLaunchRate
	}
	return base
}

// fieldSet reports whether the YAML document explicitly sets the key path.
func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
