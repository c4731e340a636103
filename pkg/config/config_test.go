package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gridrunner/pkg/config"
	gerrors "github.com/odvcencio/gridrunner/pkg/errors"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	require.NoError(t, os.Chdir(dir))
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, 1, cfg.Defaults.SessionsPerBrowser)
	assert.Equal(t, 0, cfg.Defaults.TestsPerSession)
	assert.Equal(t, 1, cfg.System.Workers)
	assert.Equal(t, config.SpawnInProcess, cfg.System.Spawn)
	assert.Empty(t, cfg.Bus.URL, "default bus stays in-process")
	require.NoError(t, cfg.Validate())
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	userCfgDir := filepath.Join(home, ".gridrunner")
	require.NoError(t, os.MkdirAll(userCfgDir, 0o755))
	userCfg := `
retry: 2
sessions_per_browser: 3
browsers:
  chrome:
    desired_capabilities:
      browserName: chrome
`
	require.NoError(t, os.WriteFile(filepath.Join(userCfgDir, "config.yaml"), []byte(userCfg), 0o644))

	projectCfg := `
sessions_per_browser: 5
test_timeout: 30s
browsers:
  chrome:
    retry: 4
  firefox:
    engine: firefox
    sessions_per_browser: 2
system:
  workers: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(project, ".gridrunner.yaml"), []byte(projectCfg), 0o644))
	chdir(t, project)

	t.Setenv("GRIDRUNNER_TESTS_PER_WORKER", "20")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"chrome", "firefox"}, cfg.BrowserIDs())
	assert.Equal(t, 20, cfg.System.TestsPerWorker)
	assert.Equal(t, 3, cfg.System.Workers)

	chrome, ok := cfg.ForBrowser("chrome")
	require.True(t, ok)
	assert.Equal(t, 4, chrome.Retry, "project override wins")
	assert.Equal(t, 5, chrome.SessionsPerBrowser)
	assert.Equal(t, 30*time.Second, chrome.TestTimeout)
	assert.Equal(t, "chrome", chrome.DesiredCapabilities["browserName"], "user override survives project merge")

	firefox, ok := cfg.ForBrowser("firefox")
	require.True(t, ok)
	assert.Equal(t, 2, firefox.Retry, "inherits user default")
	assert.Equal(t, 2, firefox.SessionsPerBrowser)
	assert.Equal(t, "firefox", firefox.Engine)

	_, ok = cfg.ForBrowser("safari")
	assert.False(t, ok)
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
calibrate: true
browsers:
  chrome:
    calibrate: false
    tests_per_session: 10
bus:
  url: nats://127.0.0.1:4222
`), 0o644))

	cfg, err := config.LoadFromPath(path)
	require.NoError(t, err)

	chrome, _ := cfg.ForBrowser("chrome")
	assert.False(t, chrome.Calibrate)
	assert.True(t, cfg.Defaults.Calibrate)
	assert.Equal(t, 10, chrome.TestsPerSession)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Bus.URL)
}

func TestLoadFromPath_Missing(t *testing.T) {
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeConfigLoad))
}

func TestInvalidSessionsFailsValidation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, t.TempDir())

	zero := 0
	cfg := config.DefaultConfig()
	cfg.Browsers["chrome"] = config.BrowserOverride{SessionsPerBrowser: &zero}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeConfigInvalid))

	t.Setenv("GRIDRUNNER_WORKERS", "0")
	_, err = config.Load()
	assert.Error(t, err, "zero workers must fail validation")
}

func TestInvalidEngineFailsValidation(t *testing.T) {
	engine := "netscape"
	cfg := config.DefaultConfig()
	cfg.Browsers["old"] = config.BrowserOverride{Engine: &engine}
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	cfg := config.DefaultConfig()

	t.Setenv("GRIDRUNNER_RETRY", "3")
	t.Setenv("GRIDRUNNER_SESSIONS_PER_BROWSER", "7")
	t.Setenv("GRIDRUNNER_BUS_URL", "nats://bus:4222")
	t.Setenv("GRIDRUNNER_GRID_URL", "ws://grid:3000")
	t.Setenv("GRIDRUNNER_IPC_BIND", "127.0.0.1:9999")
	t.Setenv("GRIDRUNNER_TRACING", "yes")
	t.Setenv("GRIDRUNNER_WORKERS", "not-a-number")

	config.ApplyEnvOverridesForTest(cfg)

	assert.Equal(t, 3, cfg.Defaults.Retry)
	assert.Equal(t, 7, cfg.Defaults.SessionsPerBrowser)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, "ws://grid:3000", cfg.Defaults.GridURL)
	assert.Equal(t, "127.0.0.1:9999", cfg.IPC.Bind)
	assert.True(t, cfg.Telemetry.Tracing)
	assert.Equal(t, 1, cfg.System.Workers, "unparseable values are ignored")
}

func TestConfigEnvFileFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".gridrunner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".gridrunner", "config.env"),
		[]byte("# comment\nexport GRIDRUNNER_RETRY=\"6\"\n"), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Defaults.Retry)
}

func TestRetryable(t *testing.T) {
	cfg := config.DefaultConfig()
	info := config.RetryInfo{FullTitle: "a b", BrowserID: "chrome", RetriesLeft: 1}
	assert.True(t, cfg.Retryable(info), "nil predicate allows retry")

	cfg.ShouldRetry = func(ri config.RetryInfo) bool { return ri.BrowserID != "chrome" }
	assert.False(t, cfg.Retryable(info))

	var nilCfg *config.Config
	assert.True(t, nilCfg.Retryable(info))
}

func TestBrowserVersion(t *testing.T) {
	bc := config.BrowserConfig{ID: "chrome"}
	assert.Empty(t, bc.Version())
	bc.DesiredCapabilities = map[string]any{"browserVersion": "120.0"}
	assert.Equal(t, "120.0", bc.Version())
}

func TestNotifyConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.False(t, cfg.Notify.Enabled())

	t.Setenv("GRIDRUNNER_SLACK_WEBHOOK", "https://hooks.slack.com/services/x")
	t.Setenv("GRIDRUNNER_SLACK_CHANNEL", "#ci")
	config.ApplyEnvOverridesForTest(cfg)
	assert.True(t, cfg.Notify.Enabled())
	assert.Equal(t, "#ci", cfg.Notify.SlackChannel)
	require.NoError(t, cfg.Validate())

	cfg.Notify.SlackWebhook = "hooks.slack.com/services/x"
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, gerrors.IsCode(err, gerrors.ErrCodeConfigInvalid))
}
