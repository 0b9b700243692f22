package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Regression test: in CI containers the repo checkout may be outside $HOME.
	// When $HOME is not an ancestor of the repo, pathfinder's default home boundary
	// can prevent repo root discovery unless a CI boundary hint is applied.
	t.Run("CIBoundaryHint", func(t *testing.T) {
		repoRoot := findRepoRootForTest(t)
		t.Setenv("HOME", t.TempDir())
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", repoRoot)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)
	})

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify metrics defaults
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		// Verify health defaults
		assert.True(t, cfg.Health.Enabled)

		// Verify debug defaults
		assert.False(t, cfg.Debug.Enabled)
		assert.False(t, cfg.Debug.PprofEnabled)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		// Set environment variables
		require.NoError(t, os.Setenv("CYCJOBS_PORT", "3000"))
		require.NoError(t, os.Setenv("CYCJOBS_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("CYCJOBS_METRICS_ENABLED", "false"))
		defer func() {
			_ = os.Unsetenv("CYCJOBS_PORT")
			_ = os.Unsetenv("CYCJOBS_LOG_LEVEL")
			_ = os.Unsetenv("CYCJOBS_METRICS_ENABLED")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		// Set environment variable
		require.NoError(t, os.Setenv("CYCJOBS_PORT", "4000"))
		defer func() {
			_ = os.Unsetenv("CYCJOBS_PORT")
		}()

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	// Need to set app identity for env specs
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	// Verify critical env var mappings exist
	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	// Check the core env var mappings
	assert.True(t, envVarNames["CYCJOBS_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["CYCJOBS_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["CYCJOBS_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["CYCJOBS_METRICS_PORT"], "METRICS_PORT env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		require.NoError(t, os.Setenv("CYCJOBS_READ_TIMEOUT", "45s"))
		require.NoError(t, os.Setenv("CYCJOBS_SHUTDOWN_TIMEOUT", "5m"))
		defer func() {
			_ = os.Unsetenv("CYCJOBS_READ_TIMEOUT")
			_ = os.Unsetenv("CYCJOBS_SHUTDOWN_TIMEOUT")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getUserConfigPaths should return empty slice
	paths := getUserConfigPaths()
	assert.Empty(t, paths)
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getEnvSpecs should return empty slice
	specs := getEnvSpecs()
	assert.Empty(t, specs)
}

func TestFindProjectRootCIBoundaryEdgeCases(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	t.Run("CITrueButEmptyBoundaryVars", func(t *testing.T) {
		// Set CI=true but leave all boundary vars empty
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "")
		t.Setenv("GITHUB_WORKSPACE", "")
		t.Setenv("CI_PROJECT_DIR", "")
		t.Setenv("WORKSPACE", "")

		// Should still find root via fallback
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithRelativeBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "./relative/path") // Not absolute

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithNonexistentBoundary", func(t *testing.T) {
		t.Setenv("CI", "true")
		t.Setenv("FULMEN_WORKSPACE_ROOT", "/nonexistent/path/that/does/not/exist")

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("CITrueWithBoundaryNotContainingCwd", func(t *testing.T) {
		t.Setenv("CI", "true")
		// Use a valid directory that doesn't contain our cwd
		t.Setenv("FULMEN_WORKSPACE_ROOT", os.TempDir())

		// Should fall back to default discovery
		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.NotEmpty(t, root)
	})

	t.Run("GitHubActionsEnvVar", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	ctx := context.Background()

	// Ensure appIdentity is loaded
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	// Verify all specs have the CYCJOBS_ prefix
	for _, spec := range specs {
		assert.True(t, len(spec.Name) > 0, "env var name should not be empty")
		assert.Contains(t, spec.Name, "CYCJOBS_", "all specs should have CYCJOBS_ prefix")
	}

	// Verify path structure
	for _, spec := range specs {
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestLoadJobsDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Jobs.Dir)
	assert.Equal(t, "jobs", filepath.Base(cfg.Jobs.Dir))
	assert.Equal(t, 10*time.Second, cfg.Jobs.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Jobs.TerminateGrace)
	assert.Equal(t, 0, cfg.Jobs.MaxConcurrent)
	assert.Contains(t, cfg.Jobs.ResultPatterns, "**/*.pdb")
	assert.False(t, cfg.Archive.Enabled)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadJobsEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CYCJOBS_JOBS_DIR", dir)
	t.Setenv("CYCJOBS_MAX_CONCURRENT", "3")
	t.Setenv("CYCJOBS_RESULT_PATTERNS", "*.pdb,*.log")
	t.Setenv("CYCJOBS_TERMINATE_GRACE", "250ms")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Jobs.Dir)
	assert.Equal(t, 3, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, []string{"*.pdb", "*.log"}, cfg.Jobs.ResultPatterns)
	assert.Equal(t, 250*time.Millisecond, cfg.Jobs.TerminateGrace)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()

	_, err := Load(ctx, map[string]any{"jobs": map[string]any{"max_concurrent": -1}})
	assert.ErrorContains(t, err, "jobs.max_concurrent")

	_, err = Load(ctx, map[string]any{"archive": map[string]any{"enabled": true}})
	assert.ErrorContains(t, err, "archive.bucket")

	_, err = Load(ctx, map[string]any{"ratelimit": map[string]any{"enabled": true, "requests_per_second": 0}})
	assert.ErrorContains(t, err, "requests_per_second")
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycjobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\njobs:\n  interpreter: python3\n"), 0644))
	t.Setenv("CYCJOBS_CONFIG", path)

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "python3", cfg.Jobs.Interpreter)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	// Verify server defaults
	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "30s", v.GetString("server.read_timeout"))
	assert.Equal(t, "30s", v.GetString("server.write_timeout"))
	assert.Equal(t, "120s", v.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", v.GetString("server.shutdown_timeout"))

	// Verify logging defaults
	assert.Equal(t, "info", v.GetString("logging.level"))
	assert.Equal(t, "structured", v.GetString("logging.profile"))

	// Verify metrics and health defaults
	assert.True(t, v.GetBool("metrics.enabled"))
	assert.Equal(t, 9090, v.GetInt("metrics.port"))
	assert.True(t, v.GetBool("health.enabled"))

	// Verify job defaults
	assert.Equal(t, "scripts", v.GetString("jobs.scripts_dir"))
	assert.Equal(t, "10s", v.GetString("jobs.poll_interval"))
	assert.Equal(t, 0, v.GetInt("jobs.max_concurrent"))
	assert.Equal(t, "5s", v.GetString("jobs.terminate_grace"))

	// Verify rate limit and archive defaults
	assert.False(t, v.GetBool("ratelimit.enabled"))
	assert.False(t, v.GetBool("archive.enabled"))
	assert.Equal(t, "cycjobs/", v.GetString("archive.prefix"))

	// Verify debug defaults
	assert.False(t, v.GetBool("debug.enabled"))
	assert.False(t, v.GetBool("debug.pprof_enabled"))
}

func TestResolveIdentityEmbedded(t *testing.T) {
	identity, err := ResolveIdentity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "cycjobs", identity.BinaryName)
	assert.Equal(t, "CYCJOBS_", identity.EnvPrefix)
	assert.Equal(t, "cycjobs", identity.ConfigName)
	assert.Equal(t, "CYCJOBS_CONFIG", identity.EnvVar("CONFIG"))
}

func TestLoadUserConfigFromXDG(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "cycjobs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("jobs:\n  max_concurrent: 4\n"), 0o644))

	_, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "config.yaml")}, getUserConfigPaths())
	assert.Equal(t, 4, GetConfig().Jobs.MaxConcurrent)

	t.Setenv("CYCJOBS_MAX_CONCURRENT", "6")
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Jobs.MaxConcurrent, "env beats the user config file")
}

func TestLoadRejectsUnparsableEnv(t *testing.T) {
	t.Setenv("CYCJOBS_PORT", "eighty")

	_, err := Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env overrides")
}

func TestLoadEnvTypedValues(t *testing.T) {
	t.Setenv("CYCJOBS_RATE_LIMIT_ENABLED", "yes")
	t.Setenv("CYCJOBS_RATE_LIMIT_RPS", "2.5")
	t.Setenv("CYCJOBS_ARCHIVE_FORCE_PATH_STYLE", "1")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.InDelta(t, 2.5, cfg.RateLimit.RequestsPerSecond, 1e-9)
	assert.True(t, cfg.Archive.ForcePathStyle)
}
