package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultDebounceMs, cfg.Buffer.DebounceMs)
	assert.Equal(t, 7*time.Second, cfg.Buffer.DebounceDelay())
	assert.Equal(t, DefaultRetryMax, cfg.Retry.MaxRetries)

	backoff, err := cfg.Retry.BackoffDurations()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 60 * time.Minute}, backoff)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"

[monitor]
grace_period = "30s"

[[tenants]]
id = "t-1"
location_id = "loc-1"
instance_name = "acme"
`)
	t.Setenv("WABRIDGE_HTTP_ADDR", ":9100")
	t.Setenv("WABRIDGE_RETRY_BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Retry.Backend)
	assert.Equal(t, "30s", cfg.Monitor.GracePeriod)
	require.Len(t, cfg.Tenants, 1)
	assert.Equal(t, "acme", cfg.Tenants[0].InstanceName)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "backend", body: "[retry]\nbackend = \"kafka\"\n", want: "Backend"},
		{name: "backoff", body: "[retry]\nbackoff = [\"5m\", \"soon\"]\n", want: "retry backoff"},
		{name: "grace", body: "[monitor]\ngrace_period = \"a minute\"\n", want: "monitor.grace_period"},
		{name: "tenant", body: "[[tenants]]\nid = \"t-1\"\n", want: "LocationID"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), "error %q should mention %q", err, tc.want)
		})
	}
}

func TestLoadEnvParseError(t *testing.T) {
	t.Setenv("WABRIDGE_PG_PORT", "not-a-port")

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestParseDurationFallback(t *testing.T) {
	t.Parallel()

	d, err := ParseDuration("", "90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("later", "90s")
	assert.Error(t, err)
}
