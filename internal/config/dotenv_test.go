package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withHome points HOME at a temp dir and returns the ~/.listen path inside it.
func withHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return filepath.Join(home, ".listen")
}

func writeDotEnv(t *testing.T, dir, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseDotEnv(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want map[string]string
	}{
		{"pairs and comments", "# comment\nA=1\n\nB=two=2\nnot a pair\n", map[string]string{"A": "1", "B": "two=2"}},
		{"export prefix", "export KEY = v \n", map[string]string{"KEY": "v"}},
		{"crlf", "A=1\r\nB=2\r\n", map[string]string{"A": "1", "B": "2"}},
		{"inline comment", "A=sk-123 # rotated monthly\nB=a#b\n", map[string]string{"A": "sk-123", "B": "a#b"}},
		{"single quotes are literal", `A='x \n # y'`, map[string]string{"A": `x \n # y`}},
		{"double quotes unescape", `A="line\nnext"`, map[string]string{"A": "line\nnext"}},
		{"empty value", "A=\n", map[string]string{"A": ""}},
		{"missing key", "=v\n", map[string]string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDotEnv(strings.NewReader(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseDotEnv_UnterminatedQuote(t *testing.T) {
	_, err := ParseDotEnv(strings.NewReader("A=1\nB=\"open\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadDotEnv_NotExist(t *testing.T) {
	withHome(t)

	m, err := LoadDotEnv()
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestGetConfigValue_EnvOverridesDotEnv(t *testing.T) {
	dir := withHome(t)
	writeDotEnv(t, dir, "LISTEN_TEST_K=fromdotenv\nLISTEN_TEST_ONLY_FILE=\"file\"\n")
	t.Setenv("LISTEN_TEST_K", "fromenv")

	v, err := GetConfigValue("LISTEN_TEST_K")
	require.NoError(t, err)
	assert.Equal(t, "fromenv", v)

	v, err = GetConfigValue("LISTEN_TEST_ONLY_FILE")
	require.NoError(t, err)
	assert.Equal(t, "file", v)
}

func TestEnsureDotEnvTemplate_DoesNotOverwrite(t *testing.T) {
	dir := withHome(t)
	p := writeDotEnv(t, dir, "LISTEN_EMBEDDINGS_API_KEY=keep\n")

	require.NoError(t, EnsureDotEnvTemplate())
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "LISTEN_EMBEDDINGS_API_KEY=keep\n", string(b))
}

func TestEnsureDotEnvTemplate_CreatesWhenMissing(t *testing.T) {
	withHome(t)

	require.NoError(t, EnsureDotEnvTemplate())
	m, err := LoadDotEnv()
	require.NoError(t, err)
	for _, k := range secretKeys {
		v, ok := m[k]
		assert.True(t, ok, k)
		assert.Empty(t, v)
	}
}
