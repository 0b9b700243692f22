package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/pathfinder"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	identityassets "github.com/3leaps/cycjobs/internal/assets/identity"
)

// AppIdentity names the binary, its env var prefix and its config directory.
type AppIdentity = appidentity.Identity

var registerEmbeddedIdentity = sync.OnceValue(func() error {
	return appidentity.RegisterEmbeddedIdentityYAML(identityassets.AppYAML)
})

// ResolveIdentity returns the application identity. A .fulmen/app.yaml found
// from the working directory wins over the identity compiled into the binary.
func ResolveIdentity(ctx context.Context) (*AppIdentity, error) {
	if err := registerEmbeddedIdentity(); err != nil {
		return nil, fmt.Errorf("register embedded identity: %w", err)
	}
	identity, err := appidentity.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve app identity: %w", err)
	}
	return identity, nil
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// JobsConfig configures the job store, launcher and tool catalog.
type JobsConfig struct {
	// Dir is the job store root. Empty means <app data dir>/jobs.
	Dir            string        `mapstructure:"dir"`
	ScriptsDir     string        `mapstructure:"scripts_dir"`
	Interpreter    string        `mapstructure:"interpreter"`
	CatalogPath    string        `mapstructure:"catalog_path"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	ResultPatterns []string      `mapstructure:"result_patterns"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace"`
}

// RateLimitConfig throttles the submit endpoints.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ArchiveConfig enables uploading job directories to S3 before cleanup.
type ArchiveConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// envTable lists env var suffixes, their config paths and value types.
var envTable = []gfconfig.EnvVarSpec{
	{Name: "HOST", Path: []string{"server", "host"}, Type: gfconfig.EnvString},
	{Name: "PORT", Path: []string{"server", "port"}, Type: gfconfig.EnvInt},
	{Name: "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: gfconfig.EnvString},
	{Name: "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: gfconfig.EnvString},
	{Name: "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: gfconfig.EnvString},
	{Name: "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: gfconfig.EnvString},
	{Name: "LOG_LEVEL", Path: []string{"logging", "level"}, Type: gfconfig.EnvString},
	{Name: "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: gfconfig.EnvString},
	{Name: "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: gfconfig.EnvBool},
	{Name: "METRICS_PORT", Path: []string{"metrics", "port"}, Type: gfconfig.EnvInt},
	{Name: "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: gfconfig.EnvBool},
	{Name: "DEBUG", Path: []string{"debug", "enabled"}, Type: gfconfig.EnvBool},
	{Name: "PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: gfconfig.EnvBool},
	{Name: "JOBS_DIR", Path: []string{"jobs", "dir"}, Type: gfconfig.EnvString},
	{Name: "SCRIPTS_DIR", Path: []string{"jobs", "scripts_dir"}, Type: gfconfig.EnvString},
	{Name: "INTERPRETER", Path: []string{"jobs", "interpreter"}, Type: gfconfig.EnvString},
	{Name: "CATALOG_PATH", Path: []string{"jobs", "catalog_path"}, Type: gfconfig.EnvString},
	{Name: "POLL_INTERVAL", Path: []string{"jobs", "poll_interval"}, Type: gfconfig.EnvString},
	{Name: "MAX_CONCURRENT", Path: []string{"jobs", "max_concurrent"}, Type: gfconfig.EnvInt},
	{Name: "RESULT_PATTERNS", Path: []string{"jobs", "result_patterns"}, Type: gfconfig.EnvString},
	{Name: "TERMINATE_GRACE", Path: []string{"jobs", "terminate_grace"}, Type: gfconfig.EnvString},
	{Name: "RATE_LIMIT_ENABLED", Path: []string{"ratelimit", "enabled"}, Type: gfconfig.EnvBool},
	{Name: "RATE_LIMIT_RPS", Path: []string{"ratelimit", "requests_per_second"}, Type: gfconfig.EnvFloat},
	{Name: "RATE_LIMIT_BURST", Path: []string{"ratelimit", "burst"}, Type: gfconfig.EnvInt},
	{Name: "ARCHIVE_ENABLED", Path: []string{"archive", "enabled"}, Type: gfconfig.EnvBool},
	{Name: "ARCHIVE_BUCKET", Path: []string{"archive", "bucket"}, Type: gfconfig.EnvString},
	{Name: "ARCHIVE_PREFIX", Path: []string{"archive", "prefix"}, Type: gfconfig.EnvString},
	{Name: "ARCHIVE_REGION", Path: []string{"archive", "region"}, Type: gfconfig.EnvString},
	{Name: "ARCHIVE_ENDPOINT", Path: []string{"archive", "endpoint"}, Type: gfconfig.EnvString},
	{Name: "ARCHIVE_FORCE_PATH_STYLE", Path: []string{"archive", "force_path_style"}, Type: gfconfig.EnvBool},
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("jobs.dir", "")
	v.SetDefault("jobs.scripts_dir", "scripts")
	v.SetDefault("jobs.interpreter", "")
	v.SetDefault("jobs.catalog_path", "")
	v.SetDefault("jobs.poll_interval", "10s")
	v.SetDefault("jobs.max_concurrent", 0)
	v.SetDefault("jobs.result_patterns", []string{"**/*.pdb", "**/*.json", "**/*.csv", "**/*.sc"})
	v.SetDefault("jobs.terminate_grace", "5s")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_second", 5.0)
	v.SetDefault("ratelimit.burst", 10)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "cycjobs/")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.force_path_style", false)
}

// Load resolves configuration from defaults, config files, environment
// variables and runtime overrides, in increasing order of precedence.
// The result replaces the package-level config returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		identity, err := ResolveIdentity(ctx)
		if err != nil {
			return nil, err
		}
		appIdentity = identity
	}

	v := viper.New()
	SetDefaults(v)

	for _, path := range configFilesLocked() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(envSpecsLocked())
	if err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	for _, o := range append([]map[string]any{envOverrides}, overrides...) {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Jobs.Dir == "" {
		cfg.Jobs.Dir = filepath.Join(gfconfig.GetAppDataDir(appIdentity.ConfigName), "jobs")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Jobs.MaxConcurrent < 0 {
		return fmt.Errorf("jobs.max_concurrent must be >= 0, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.PollInterval < 0 {
		return fmt.Errorf("jobs.poll_interval must be >= 0, got %s", c.Jobs.PollInterval)
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.requests_per_second must be > 0 when enabled")
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Bucket) == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}
	return nil
}

// GetConfig returns the most recently loaded config, or nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the identity used by the last Load.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

func getEnvSpecs() []gfconfig.EnvVarSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

func envSpecsLocked() []gfconfig.EnvVarSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []gfconfig.EnvVarSpec{}
	}
	specs := make([]gfconfig.EnvVarSpec, 0, len(envTable))
	for _, e := range envTable {
		e.Name = appIdentity.EnvVar(e.Name)
		specs = append(specs, e)
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPathsLocked()
}

func userConfigPathsLocked() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	return []string{
		filepath.Join(gfconfig.GetAppConfigDir(appIdentity.ConfigName), "config.yaml"),
	}
}

// configFilesLocked lists candidate config files, lowest precedence first.
func configFilesLocked() []string {
	files := userConfigPathsLocked()
	if appIdentity == nil {
		return files
	}
	if root, err := findProjectRoot(); err == nil {
		files = append(files, filepath.Join(root, "."+appIdentity.ConfigName+".yaml"))
	}
	if explicit := os.Getenv(appIdentity.EnvVar("CONFIG")); explicit != "" {
		files = append(files, explicit)
	}
	return files
}

var projectMarkers = append(append([]string{}, pathfinder.GoModMarkers...), pathfinder.GitMarkers...)

// findProjectRoot locates the enclosing project directory, falling back to
// the working directory. Under CI the workspace hint bounds the search so a
// checkout outside $HOME is still found.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	var opts []pathfinder.FindOption
	if hint, ok := pathfinder.DetectCIBoundaryHint(cwd); ok {
		opts = append(opts, pathfinder.WithBoundary(hint.Boundary))
	}
	root, err := pathfinder.FindRepositoryRoot(cwd, projectMarkers, opts...)
	if err != nil {
		return cwd, nil
	}
	return root, nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
