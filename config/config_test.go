package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "vizagent.yaml", []byte(`
environment: staging
server:
  port: 9090
  heartbeat_interval: 20s
pipeline:
  max_iterations: 5
sandbox:
  timeout: 1m
  runner: inprocess
tableau:
  data_dir: ./data
`), 0o644))

	cfg, err := Load(fsys, "vizagent.yaml", true)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
	assert.Equal(t, time.Minute, cfg.Sandbox.Timeout)
	assert.Equal(t, RunnerInProcess, cfg.Sandbox.Runner)
	assert.Equal(t, "./data", cfg.Tableau.DataDir)
	assert.True(t, cfg.HasAssetSource())
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep their defaults")
}

func TestLoadMissingFile(t *testing.T) {
	fsys := afero.NewMemMapFs()

	cfg, err := Load(fsys, "absent.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pipeline.MaxIterations)

	_, err = Load(fsys, "absent.yaml", true)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "c.yaml", []byte("pipeline:\n  max_iteration: 2\n"), 0o644))

	_, err := Load(fsys, "c.yaml", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iteration")
}

func TestLoadEmptyFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "c.yaml", nil, 0o644))
	_, err := Load(fsys, "c.yaml", true)
	assert.NoError(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"VIZAGENT_PORT":                "8080",
		"VIZAGENT_SANDBOX_TIMEOUT":     "45",
		"VIZAGENT_HEARTBEAT_INTERVAL":  "10s",
		"VIZAGENT_CORS_ORIGINS":        "https://a.example, https://b.example,",
		"VIZAGENT_LLM_API_KEY":         "sk-test",
		"VIZAGENT_TABLEAU_TOKEN_VALUE": "pat",
		"VIZAGENT_MAX_ITERATIONS":      "",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 3, cfg.Pipeline.MaxIterations, "empty values are ignored")
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"VIZAGENT_PORT":            "eighty",
		"VIZAGENT_SANDBOX_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VIZAGENT_PORT")
	assert.Contains(t, err.Error(), "VIZAGENT_SANDBOX_TIMEOUT")
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"iterations low", func(c *Config) { c.Pipeline.MaxIterations = 0 }, "pipeline.max_iterations"},
		{"iterations high", func(c *Config) { c.Pipeline.MaxIterations = 6 }, "pipeline.max_iterations"},
		{"sandbox timeout low", func(c *Config) { c.Sandbox.Timeout = 4 * time.Second }, "sandbox.timeout"},
		{"sandbox timeout high", func(c *Config) { c.Sandbox.Timeout = 121 * time.Second }, "sandbox.timeout"},
		{"heartbeat", func(c *Config) { c.Server.HeartbeatInterval = time.Second }, "server.heartbeat_interval"},
		{"csv rows", func(c *Config) { c.Tableau.MaxCSVRows = 501 }, "tableau.max_csv_rows"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"runner", func(c *Config) { c.Sandbox.Runner = "docker" }, "sandbox.runner"},
		{"environment", func(c *Config) { c.Environment = "prod" }, "environment"},
		{"tableau token", func(c *Config) { c.Tableau.ServerURL = "https://tableau.example.com" }, "tableau.token_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Tableau.TokenValue = "pat-secret"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-secret")
	assert.NotContains(t, string(out), "pat-secret")
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey, "the original is untouched")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, redacted, back.LLM.APIKey)
	assert.Equal(t, cfg.Sandbox.Timeout, back.Sandbox.Timeout)
	assert.Equal(t, cfg.Server.CORSOrigins, back.Server.CORSOrigins)
}
