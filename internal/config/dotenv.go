package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// secretKeys are written to a fresh .env template. Everything else lives in
// listen.yaml.
var secretKeys = []string{"LISTEN_EMBEDDINGS_API_KEY", "LISTEN_STORAGE_REDIS_PASSWORD"}

// DotEnvPath returns the absolute path to listen's dotenv file (~/.listen/.env).
func DotEnvPath() (string, error) {
	dir, err := ListenDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".env"), nil
}

// LoadDotEnv reads ~/.listen/.env. A missing file yields an empty map.
func LoadDotEnv() (map[string]string, error) {
	p, err := DotEnvPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open dotenv file %s: %w", p, err)
	}
	defer f.Close()

	vars, err := ParseDotEnv(f)
	if err != nil {
		return nil, fmt.Errorf("dotenv file %s: %w", p, err)
	}
	return vars, nil
}

// ParseDotEnv reads KEY=VALUE lines. Blank lines and '#' comments are skipped,
// an optional "export " prefix is dropped and lines without '=' are ignored.
// Values may be single-quoted (literal), double-quoted (Go escapes such as \n)
// or bare; a bare value ends at " #".
func ParseDotEnv(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(strings.TrimSuffix(scanner.Text(), "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, raw, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		v, err := dotEnvValue(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", n, k, err)
		}
		out[k] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func dotEnvValue(raw string) (string, error) {
	switch {
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return raw[1 : len(raw)-1], nil
	case len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"':
		return strconv.Unquote(raw)
	case strings.HasPrefix(raw, "'") || strings.HasPrefix(raw, `"`):
		return "", fmt.Errorf("unterminated quoted value")
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw, nil
}

// GetConfigValue returns the effective value for key: a non-empty process
// environment variable wins over ~/.listen/.env.
func GetConfigValue(key string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	dotenv, err := LoadDotEnv()
	if err != nil {
		return "", err
	}
	return dotenv[key], nil
}

// EnsureDotEnvTemplate creates ~/.listen/.env with empty secret entries unless
// the file already exists.
func EnsureDotEnvTemplate() error {
	p, err := DotEnvPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("cannot stat dotenv file %s: %w", p, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", filepath.Dir(p), err)
	}

	var b strings.Builder
	b.WriteString("# Secrets for listen. Process environment variables take precedence.\n")
	b.WriteString("# OPENAI_API_KEY is used when LISTEN_EMBEDDINGS_API_KEY is empty.\n")
	for _, k := range secretKeys {
		b.WriteString(k + "=\n")
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("cannot write dotenv template %s: %w", p, err)
	}
	return nil
}
