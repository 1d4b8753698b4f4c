package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/legato/listen/internal/errs"
)

// Config is the in-memory representation of ~/.listen/listen.yaml.
type Config struct {
	DataDir     string           `mapstructure:"data_dir" yaml:"data_dir"`
	LibraryPath string           `mapstructure:"library_path" yaml:"library_path"`
	Roots       []string         `mapstructure:"roots" yaml:"roots"`
	Storage     StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Embeddings  EmbeddingsConfig `mapstructure:"embeddings" yaml:"embeddings"`
	Server      ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging     LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// StorageConfig selects and configures the index backend.
type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	Redis       RedisConfig   `mapstructure:"redis"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RedisConfig struct {
	Addrs     []string `mapstructure:"addrs" yaml:"addrs"`
	Password  string   `mapstructure:"password" yaml:"password,omitempty"`
	KeyPrefix string   `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// EmbeddingsConfig configures the embedding provider. The API key is a secret and
// is resolved separately, see embeddings.LoadConfig.
type EmbeddingsConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	BaseURL        string        `mapstructure:"base_url"`
	Dimensions     int           `mapstructure:"dimensions"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Env   string `mapstructure:"env" yaml:"env"`
	Level string `mapstructure:"level" yaml:"level"`
}

// LibraryCategories are the Library's top-level artifact directories.
var LibraryCategories = []string{"epiphanies", "concepts", "reflections", "glimmers", "reminders", "worklog"}

// ListenDir returns the absolute path to ~/.listen/.
func ListenDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".listen"), nil
}

// ConfigPath returns the absolute path to ~/.listen/listen.yaml.
func ConfigPath() (string, error) {
	dir, err := ListenDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "listen.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand ~: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// DefaultConfig returns the configuration written on first listen init.
func DefaultConfig() (*Config, error) {
	dir, err := ListenDir()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	v := viper.New()
	setDefaults(v, dir)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func setDefaults(v *viper.Viper, listenDir string) {
	v.SetDefault("data_dir", filepath.Join(listenDir, "data"))
	v.SetDefault("library_path", "")
	v.SetDefault("roots", LibraryCategories)

	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.sqlite_path", "")
	v.SetDefault("storage.redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.key_prefix", "listen:")
	v.SetDefault("storage.lock_timeout", 10*time.Second)
	v.SetDefault("storage.max_attempts", 8)

	v.SetDefault("embeddings.provider", "openai")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.dimensions", 0)
	v.SetDefault("embeddings.timeout", 30*time.Second)
	v.SetDefault("embeddings.max_retries", 3)
	v.SetDefault("embeddings.retry_base_delay", 500*time.Millisecond)

	v.SetDefault("server.addr", "127.0.0.1:8088")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("logging.env", "local")
	v.SetDefault("logging.level", "info")
}

// Load reads configuration from path (or ~/.listen/listen.yaml when path is empty)
// with LISTEN_ environment overrides. A missing default config file is not an error.
func Load(path string) (*Config, error) {
	dir, err := ListenDir()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, dir)
	v.SetEnvPrefix("LISTEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	explicit := path != ""
	if !explicit {
		if path, err = ConfigPath(); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := v.ReadConfig(bytes.NewReader(expandEnvVars(data))); err != nil {
			return nil, errs.Errorf(errs.CodeConfigInvalidValue, "invalid YAML in %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Errorf(errs.CodeConfigInvalidValue, "unmarshalling config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, errs.Errorf(errs.CodeConfigInvalidValue, "validating config: %w", errors.Join(problems...))
	}
	return &cfg, nil
}

// ApplyDefaults fills values derived from other settings.
func (c *Config) ApplyDefaults() {
	if c.Storage.SQLitePath == "" && c.DataDir != "" {
		c.Storage.SQLitePath = filepath.Join(c.DataDir, "listen.db")
	}
	if len(c.Roots) == 0 {
		c.Roots = append([]string(nil), LibraryCategories...)
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.DataDir, &c.LibraryPath, &c.Storage.SQLitePath} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for logical errors, collecting every problem.
func (c *Config) Validate() []error {
	var problems []error
	invalid := func(format string, args ...any) {
		problems = append(problems, errs.Errorf(errs.CodeConfigInvalidValue, "config: "+format, args...))
	}

	if c.DataDir == "" {
		invalid("data_dir must not be empty")
	}

	switch c.Storage.Backend {
	case "fs", "sqlite", "memory":
	case "redis":
		if len(c.Storage.Redis.Addrs) == 0 {
			invalid("storage.redis.addrs must not be empty for the redis backend")
		}
	default:
		invalid("storage.backend must be one of [fs, sqlite, redis, memory], got %q", c.Storage.Backend)
	}
	if c.Storage.LockTimeout <= 0 {
		invalid("storage.lock_timeout must be positive, got %s", c.Storage.LockTimeout)
	}
	if c.Storage.MaxAttempts < 1 {
		invalid("storage.max_attempts must be at least 1, got %d", c.Storage.MaxAttempts)
	}

	switch c.Embeddings.Provider {
	case "openai", "hash", "none":
	default:
		invalid("embeddings.provider must be one of [openai, hash, none], got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Timeout <= 0 {
		invalid("embeddings.timeout must be positive, got %s", c.Embeddings.Timeout)
	}
	if c.Embeddings.MaxRetries < 0 {
		invalid("embeddings.max_retries must not be negative, got %d", c.Embeddings.MaxRetries)
	}
	if c.Embeddings.Dimensions < 0 {
		invalid("embeddings.dimensions must not be negative, got %d", c.Embeddings.Dimensions)
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		invalid("server.addr must be a valid host:port address, got %q: %w", c.Server.Addr, err)
	}

	switch c.Logging.Env {
	case "prod", "local", "dev":
	default:
		invalid("logging.env must be one of [prod, local, dev], got %q", c.Logging.Env)
	}
	return problems
}

// RootDirs returns the absolute artifact directories under the Library.
func (c *Config) RootDirs() []string {
	out := make([]string, 0, len(c.Roots))
	for _, r := range c.Roots {
		if filepath.IsAbs(r) {
			out = append(out, r)
			continue
		}
		out = append(out, filepath.Join(c.LibraryPath, r))
	}
	return out
}

// Save marshals cfg and writes it to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write config %s: %w", path, err)
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
