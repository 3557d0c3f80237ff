package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsThenYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/nexus.yaml"
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9090\"\npostgres:\n  dsn: \"yaml-dsn\"\n"), 0o600))

	t.Setenv("NEXUS_POSTGRES_DSN", "env-dsn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr, "YAML overrides defaults")
	assert.Equal(t, "env-dsn", cfg.Postgres.DSN, "env overrides YAML")
	assert.Equal(t, 60*time.Second, cfg.Skew, "unset fields keep their default")
}

func TestLoadRequiresPostgresDSN(t *testing.T) {
	t.Setenv("NEXUS_POSTGRES_DSN", "")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	t.Setenv("NEXUS_POSTGRES_DSN", "dsn")
	cfg, err := Load("/nonexistent/path.yaml")
	require.NoError(t, err)
	assert.Equal(t, "dsn", cfg.Postgres.DSN)
}

func TestUserAgentMatchesExpectedFormat(t *testing.T) {
	ua := UserAgent()
	assert.Contains(t, ua, "GeminiCLI/0.1.5")
}
