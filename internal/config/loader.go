package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "corebase.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags holds values parsed from the command line. Nil fields were not set
// and must not override anything.
type CLIFlags struct {
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	ConfigPath *string
}

// ParseFlags parses command-line arguments into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("corebased", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	port := fs.String("port", "", "HTTP listen port")
	fs.StringVar(port, "p", "", "HTTP listen port (shorthand)")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error)")
	dsn := fs.String("db", "", "PostgreSQL DSN")
	natsURL := fs.String("nats", "", "NATS server URL")
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	var flags CLIFlags
	if *port != "" {
		flags.Port = port
	}
	if *logLevel != "" {
		flags.LogLevel = logLevel
	}
	if *dsn != "" {
		flags.DSN = dsn
	}
	if *natsURL != "" {
		flags.NatsURL = natsURL
	}
	if *configPath != "" {
		flags.ConfigPath = configPath
	}
	return flags, nil
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. It returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// applyCLI overlays non-nil CLI flags onto cfg. CLI wins over ENV and YAML.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "COREBASE_PORT")
	setString(&cfg.Server.CORSOrigin, "COREBASE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "COREBASE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "COREBASE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "COREBASE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "COREBASE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "COREBASE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "COREBASE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "COREBASE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "COREBASE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "COREBASE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "COREBASE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "COREBASE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "COREBASE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "COREBASE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "COREBASE_RATE_MAX_IDLE_TIME")
	setString(&cfg.Driver.Name, "COREBASE_DRIVER")
	setString(&cfg.Driver.DockerBin, "COREBASE_DOCKER_BIN")
	setDuration(&cfg.Pool.ProvisionTimeout, "COREBASE_POOL_PROVISION_TIMEOUT")
	setInt(&cfg.Pool.MaxColdProvisions, "COREBASE_POOL_MAX_COLD_PROVISIONS")
	setDuration(&cfg.Pool.RefillInterval, "COREBASE_POOL_REFILL_INTERVAL")
	setDuration(&cfg.Runtime.IdleTimeout, "COREBASE_IDLE_TIMEOUT")
	setDuration(&cfg.Runtime.StopGrace, "COREBASE_STOP_GRACE")
	setDuration(&cfg.Runtime.DefaultExecTimeout, "COREBASE_EXEC_TIMEOUT")
	setInt(&cfg.Runtime.LogTail, "COREBASE_LOG_TAIL")
	setDuration(&cfg.Runtime.SweepInterval, "COREBASE_SWEEP_INTERVAL")
	setInt(&cfg.Collab.DefaultMaxUsers, "COREBASE_COLLAB_MAX_USERS")
	setDuration(&cfg.Collab.EmptyGrace, "COREBASE_COLLAB_EMPTY_GRACE")
	setDuration(&cfg.Collab.ParticipantIdle, "COREBASE_COLLAB_PARTICIPANT_IDLE")
	setDuration(&cfg.Collab.CleanupInterval, "COREBASE_COLLAB_CLEANUP_INTERVAL")
	setInt(&cfg.Collab.JoinCodeCost, "COREBASE_COLLAB_JOIN_CODE_COST")
	setDuration(&cfg.Monitor.Interval, "COREBASE_MONITOR_INTERVAL")
	setDuration(&cfg.Monitor.SampleTimeout, "COREBASE_MONITOR_SAMPLE_TIMEOUT")
	setInt64(&cfg.Cache.L1MaxSizeMB, "COREBASE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "COREBASE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "COREBASE_CACHE_L2_TTL")
	setString(&cfg.Telemetry.Endpoint, "COREBASE_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Pool.ProvisionTimeout <= 0 {
		return errors.New("pool.provision_timeout must be > 0")
	}
	if cfg.Pool.MaxColdProvisions < 1 {
		return errors.New("pool.max_cold_provisions must be >= 1")
	}
	if cfg.Runtime.IdleTimeout <= 0 {
		return errors.New("runtime.idle_timeout must be > 0")
	}
	if cfg.Runtime.SweepInterval <= 0 {
		return errors.New("runtime.sweep_interval must be > 0")
	}
	if cfg.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be > 0")
	}
	if cfg.Collab.DefaultMaxUsers < 1 {
		return errors.New("collab.default_max_users must be >= 1")
	}
	if cfg.Collab.CleanupInterval <= 0 {
		return errors.New("collab.cleanup_interval must be > 0")
	}
	if cfg.Collab.JoinCodeCost < 4 || cfg.Collab.JoinCodeCost > 31 {
		return errors.New("collab.join_code_cost must be between 4 and 31")
	}
	if len(cfg.Templates) == 0 {
		return errors.New("at least one template is required")
	}
	seen := make(map[string]bool, len(cfg.Templates))
	for _, tpl := range cfg.Templates {
		if tpl.Name == "" {
			return errors.New("template.name is required")
		}
		if seen[tpl.Name] {
			return fmt.Errorf("duplicate template name %q", tpl.Name)
		}
		seen[tpl.Name] = true
		if tpl.Image == "" {
			return fmt.Errorf("template %q: image is required", tpl.Name)
		}
		if tpl.PoolMax < 1 {
			return fmt.Errorf("template %q: pool_max must be >= 1", tpl.Name)
		}
		if tpl.Prewarm < 0 || tpl.Prewarm > tpl.PoolMax {
			return fmt.Errorf("template %q: prewarm must be between 0 and pool_max", tpl.Name)
		}
	}
	return nil
}

// Holder wraps a Config for safe concurrent access and reloading.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewHolder returns a Holder serving cfg, remembering path for Reload.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Get returns the current config. The returned pointer must be treated as
// read-only.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-runs the load hierarchy from the remembered path. On any error
// the previous config is preserved.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
