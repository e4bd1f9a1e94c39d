// Package config loads vizagent settings from a YAML file and VIZAGENT_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VIZAGENT_"

// Environments accepted in Config.Environment.
var Environments = []string{"development", "staging", "production"}

// Sandbox runners accepted in SandboxConfig.Runner.
const (
	RunnerProcess   = "process"
	RunnerInProcess = "inprocess"
)

// Config is the complete application configuration.
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	LLM         LLMConfig      `yaml:"llm"`
	Tableau     TableauConfig  `yaml:"tableau"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Sandbox     SandboxConfig  `yaml:"sandbox"`
	Log         LogConfig      `yaml:"log"`
	PromptsDir  string         `yaml:"prompts_dir"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type LLMConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	MaxRetries int    `yaml:"max_retries"`
}

type TableauConfig struct {
	ServerURL  string `yaml:"server_url"`
	Site       string `yaml:"site"`
	TokenName  string `yaml:"token_name"`
	TokenValue string `yaml:"token_value"`
	APIVersion string `yaml:"api_version"`
	// DataDir serves CSV files from a directory instead of a server.
	DataDir    string `yaml:"data_dir"`
	MaxCSVRows int    `yaml:"max_csv_rows"`
}

type PipelineConfig struct {
	MaxIterations  int `yaml:"max_iterations"`
	MaxToolRounds  int `yaml:"max_tool_rounds"`
	SandboxRetries int `yaml:"sandbox_retries"`
}

type SandboxConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Runner  string        `yaml:"runner"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000"},
			HeartbeatInterval: 15 * time.Second,
		},
		LLM: LLMConfig{
			Provider:   "openai",
			MaxRetries: 2,
		},
		Tableau: TableauConfig{
			APIVersion: "3.21",
			MaxCSVRows: 50,
		},
		Pipeline: PipelineConfig{
			MaxIterations:  3,
			MaxToolRounds:  5,
			SandboxRetries: 2,
		},
		Sandbox: SandboxConfig{
			Timeout: 30 * time.Second,
			Runner:  RunnerProcess,
		},
		Log:        LogConfig{Level: "info", Format: "text"},
		PromptsDir: "prompts",
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result. A missing file is an error only when
// required is set.
func Load(fsys afero.Fs, path string, required bool) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(fsys, path, required); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(fsys afero.Fs, path string, required bool) error {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from VIZAGENT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}

	str("ENVIRONMENT", &c.Environment)
	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	dur("HEARTBEAT_INTERVAL", &c.Server.HeartbeatInterval)
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok && v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_API_KEY", &c.LLM.APIKey)
	num("LLM_MAX_RETRIES", &c.LLM.MaxRetries)

	str("TABLEAU_SERVER_URL", &c.Tableau.ServerURL)
	str("TABLEAU_SITE", &c.Tableau.Site)
	str("TABLEAU_TOKEN_NAME", &c.Tableau.TokenName)
	str("TABLEAU_TOKEN_VALUE", &c.Tableau.TokenValue)
	str("TABLEAU_API_VERSION", &c.Tableau.APIVersion)
	str("DATA_DIR", &c.Tableau.DataDir)
	num("MAX_CSV_ROWS", &c.Tableau.MaxCSVRows)

	num("MAX_ITERATIONS", &c.Pipeline.MaxIterations)
	num("MAX_TOOL_ROUNDS", &c.Pipeline.MaxToolRounds)
	num("SANDBOX_RETRIES", &c.Pipeline.SandboxRetries)

	dur("SANDBOX_TIMEOUT", &c.Sandbox.Timeout)
	str("SANDBOX_RUNNER", &c.Sandbox.Runner)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("PROMPTS_DIR", &c.PromptsDir)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("30s") and bare seconds ("30").
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks every field against its allowed range.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(Environments, c.Environment), "environment: %q is not one of %v", c.Environment, Environments)
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port: %d is outside 1-65535", c.Server.Port)
	check(c.Server.HeartbeatInterval >= 5*time.Second && c.Server.HeartbeatInterval <= 60*time.Second,
		"server.heartbeat_interval: %s is outside 5s-60s", c.Server.HeartbeatInterval)
	check(c.LLM.Provider != "", "llm.provider is required")
	check(c.LLM.MaxRetries >= 0 && c.LLM.MaxRetries <= 10, "llm.max_retries: %d is outside 0-10", c.LLM.MaxRetries)
	check(c.Tableau.MaxCSVRows >= 10 && c.Tableau.MaxCSVRows <= 500, "tableau.max_csv_rows: %d is outside 10-500", c.Tableau.MaxCSVRows)
	check(c.Pipeline.MaxIterations >= 1 && c.Pipeline.MaxIterations <= 5, "pipeline.max_iterations: %d is outside 1-5", c.Pipeline.MaxIterations)
	check(c.Pipeline.MaxToolRounds >= 1 && c.Pipeline.MaxToolRounds <= 10, "pipeline.max_tool_rounds: %d is outside 1-10", c.Pipeline.MaxToolRounds)
	check(c.Pipeline.SandboxRetries >= 0 && c.Pipeline.SandboxRetries <= 5, "pipeline.sandbox_retries: %d is outside 0-5", c.Pipeline.SandboxRetries)
	check(c.Sandbox.Timeout >= 5*time.Second && c.Sandbox.Timeout <= 120*time.Second,
		"sandbox.timeout: %s is outside 5s-120s", c.Sandbox.Timeout)
	check(c.Sandbox.Runner == RunnerProcess || c.Sandbox.Runner == RunnerInProcess,
		"sandbox.runner: %q is not %q or %q", c.Sandbox.Runner, RunnerProcess, RunnerInProcess)
	if c.Tableau.DataDir == "" && c.Tableau.ServerURL != "" {
		check(c.Tableau.TokenName != "" && c.Tableau.TokenValue != "",
			"tableau.token_name and tableau.token_value are required with tableau.server_url")
	}
	return errors.Join(errs...)
}

// HasAssetSource reports whether retrieval is configured.
func (c *Config) HasAssetSource() bool {
	return c.Tableau.DataDir != "" || c.Tableau.ServerURL != ""
}

// Redacted returns a copy safe to print or serve.
func (c *Config) Redacted() *Config {
	r := *c
	r.Server.CORSOrigins = slices.Clone(c.Server.CORSOrigins)
	if r.LLM.APIKey != "" {
		r.LLM.APIKey = redacted
	}
	if r.Tableau.TokenValue != "" {
		r.Tableau.TokenValue = redacted
	}
	return &r
}

const redacted = "[REDACTED]"

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
