package config

// YAML views of the sections holding durations, so that listen.yaml stores
// "10s" rather than nanosecond integers.

func (s StorageConfig) MarshalYAML() (any, error) {
	return struct {
		Backend     string      `yaml:"backend"`
		SQLitePath  string      `yaml:"sqlite_path"`
		Redis       RedisConfig `yaml:"redis"`
		LockTimeout string      `yaml:"lock_timeout"`
		MaxAttempts int         `yaml:"max_attempts"`
	}{s.Backend, s.SQLitePath, s.Redis, s.LockTimeout.String(), s.MaxAttempts}, nil
}

func (e EmbeddingsConfig) MarshalYAML() (any, error) {
	return struct {
		Provider       string `yaml:"provider"`
		Model          string `yaml:"model"`
		BaseURL        string `yaml:"base_url"`
		Dimensions     int    `yaml:"dimensions"`
		Timeout        string `yaml:"timeout"`
		MaxRetries     int    `yaml:"max_retries"`
		RetryBaseDelay string `yaml:"retry_base_delay"`
	}{e.Provider, e.Model, e.BaseURL, e.Dimensions, e.Timeout.String(), e.MaxRetries, e.RetryBaseDelay.String()}, nil
}

func (s ServerConfig) MarshalYAML() (any, error) {
	return struct {
		Addr         string `yaml:"addr"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}{s.Addr, s.ReadTimeout.String(), s.WriteTimeout.String()}, nil
}
