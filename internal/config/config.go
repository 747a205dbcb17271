package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/loopr/internal/env"
	"github.com/loykin/loopr/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override file
// values, e.g. LOOPR_STATE_DIR or LOOPR_DEFAULTS_MAX_COST.
const EnvPrefix = "LOOPR"

// Config is the top-level TOML structure.
type Config struct {
	StateDir string        `toml:"state_dir" mapstructure:"state_dir"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	Defaults Defaults      `toml:"defaults" mapstructure:"defaults"`
	Agent    AgentConfig   `toml:"agent" mapstructure:"agent"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig  `toml:"server" mapstructure:"server"`
}

// Defaults are the policy values applied when `start` omits them.
type Defaults struct {
	MaxCost    float64       `toml:"max_cost" mapstructure:"max_cost"`
	MaxRetries int           `toml:"max_retries" mapstructure:"max_retries"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	// Wait bounds how long a stop waits for the process to exit.
	Wait time.Duration `toml:"wait" mapstructure:"wait"`
}

// AgentConfig describes the external command that executes a task.
type AgentConfig struct {
	Command     string   `toml:"command" mapstructure:"command"`
	CostPerCall float64  `toml:"cost_per_call" mapstructure:"cost_per_call"`
	Env         []string `toml:"env" mapstructure:"env"`
	EnvFiles    []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool     `toml:"use_os_env" mapstructure:"use_os_env"`
}

type HistoryConfig struct {
	// DSN selects the sink by scheme: sqlite://, postgres://, clickhouse://, opensearch://.
	DSN string `toml:"dsn" mapstructure:"dsn"`
	// Index is the opensearch index or the SQL/ClickHouse table.
	Index string `toml:"index" mapstructure:"index"`
}

type MetricsConfig struct {
	// TextfileDir receives loopr_<name>.prom files; empty disables them.
	TextfileDir string `toml:"textfile_dir" mapstructure:"textfile_dir"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the dashboard over HTTPS. Explicit cert_file/key_file
// win; otherwise dir holds tls.crt and tls.key, generated when
// auto_generate is set and they are missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3" (default)
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`             // names and IPs of a generated certificate
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// Home returns the loopr base directory (~/.loopr), falling back to the
// working directory when no home is known.
func Home() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".loopr")
	}
	return ".loopr"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	home := Home()
	return Config{
		StateDir: filepath.Join(home, "schedules"),
		Log: logger.Config{
			Level:  "info",
			Format: "text",
			File:   logger.FileConfig{Dir: filepath.Join(home, "logs")},
		},
		Defaults: Defaults{
			MaxCost:    1.0,
			MaxRetries: 3,
			Timeout:    5 * time.Minute,
			Wait:       10 * time.Second,
		},
		Agent:   AgentConfig{UseOSEnv: true},
		History: HistoryConfig{Index: "loopr_history"},
		Server:  ServerConfig{Listen: "127.0.0.1:8087", BasePath: "/api"},
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.color", d.Log.Color)
	v.SetDefault("log.file.dir", d.Log.File.Dir)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
	v.SetDefault("defaults.max_cost", d.Defaults.MaxCost)
	v.SetDefault("defaults.max_retries", d.Defaults.MaxRetries)
	v.SetDefault("defaults.timeout", d.Defaults.Timeout)
	v.SetDefault("defaults.wait", d.Defaults.Wait)
	v.SetDefault("agent.command", d.Agent.Command)
	v.SetDefault("agent.cost_per_call", d.Agent.CostPerCall)
	v.SetDefault("agent.use_os_env", d.Agent.UseOSEnv)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("history.index", d.History.Index)
	v.SetDefault("metrics.textfile_dir", d.Metrics.TextfileDir)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.key_file", d.Server.TLS.KeyFile)
	v.SetDefault("server.tls.dir", d.Server.TLS.Dir)
	v.SetDefault("server.tls.auto_generate", d.Server.TLS.AutoGenerate)
	v.SetDefault("server.tls.min_version", d.Server.TLS.MinVersion)
}

// Load reads the TOML file at path (optional; empty means defaults only),
// applies LOOPR_* environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.StateDir = expandHome(c.StateDir)
	c.Log.File.Dir = expandHome(c.Log.File.Dir)
	c.Metrics.TextfileDir = expandHome(c.Metrics.TextfileDir)
	c.Server.TLS.Dir = expandHome(c.Server.TLS.Dir)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values that would otherwise fail late inside a
// detached process.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StateDir) == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Defaults.MaxCost < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_cost must be >= 0, got %v", c.Defaults.MaxCost))
	}
	if c.Defaults.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_retries must be >= 0, got %d", c.Defaults.MaxRetries))
	}
	if c.Defaults.Timeout < time.Second {
		errs = append(errs, fmt.Errorf("defaults.timeout must be at least 1s, got %s", c.Defaults.Timeout))
	}
	if c.Defaults.Wait <= 0 {
		errs = append(errs, fmt.Errorf("defaults.wait must be positive, got %s", c.Defaults.Wait))
	}
	if c.Agent.CostPerCall < 0 {
		errs = append(errs, fmt.Errorf("agent.cost_per_call must be >= 0, got %v", c.Agent.CostPerCall))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, errors.New("server.tls needs both cert_file and key_file"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, errors.New("server.tls is enabled but neither cert_file nor dir is set"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version must be 1.2 or 1.3, got %q", t.MinVersion))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// AgentEnv composes the environment handed to the agent command: the OS
// environment when use_os_env is set, then env_files in order, then env.
func (c Config) AgentEnv() ([]string, error) {
	files := make([]map[string]string, 0, len(c.Agent.EnvFiles))
	for _, p := range c.Agent.EnvFiles {
		m, err := loadEnvFile(expandHome(p))
		if err != nil {
			return nil, fmt.Errorf("agent env file: %w", err)
		}
		files = append(files, m)
	}
	e := env.New()
	if c.Agent.UseOSEnv {
		e.FromOS()
	}
	for _, m := range files {
		for k, v := range m {
			e.Set(k, v)
		}
	}
	return e.Merge(c.Agent.Env), nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if h, err := os.UserHomeDir(); err == nil {
			return filepath.Join(h, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
