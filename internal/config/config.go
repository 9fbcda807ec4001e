package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/starsync/internal/export"
	"github.com/schaermu/starsync/internal/github"
)

// Environment variables consulted for tokens
const (
	EnvExportToken = "GITHUB_EXPORT_TOKEN"
	EnvImportToken = "GITHUB_IMPORT_TOKEN"
)

// TokenPrefixes are the personal access token formats accepted
var TokenPrefixes = []string{"ghp_", "github_pat_"}

var (
	// ErrMissingToken means a token was not supplied by any source
	ErrMissingToken = errors.New("token is required")
	// ErrInvalidToken means a token does not look like a personal access token
	ErrInvalidToken = errors.New("token is not a personal access token")
)

// Config represents the complete starsync configuration
type Config struct {
	Export AccountConfig `yaml:"export"`
	Import AccountConfig `yaml:"import"`
	Sync   SyncConfig    `yaml:"sync"`
	API    APIConfig     `yaml:"api"`
	Log    LogConfig     `yaml:"log"`
	Serve  ServeConfig   `yaml:"serve"`
}

// AccountConfig holds the credential for one side of the sync
type AccountConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Execute         bool          `yaml:"execute"`
	ExportFile      string        `yaml:"export_file"`
	Pace            time.Duration `yaml:"pace"`
	FallbackBackoff time.Duration `yaml:"fallback_backoff"`
}

// APIConfig configures how GitHub is reached
type APIConfig struct {
	Backend    github.Backend `yaml:"backend"`
	BaseURL    string         `yaml:"base_url"`
	GraphQLURL string         `yaml:"graphql_url"`
	PageSize   int            `yaml:"page_size"`
	CacheDir   string         `yaml:"cache_dir"`
	Timeout    time.Duration  `yaml:"timeout"`
}

// LogConfig configures the two log sinks
type LogConfig struct {
	File   string `yaml:"file"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServeConfig configures the long-running mode
type ServeConfig struct {
	ListenAddr              string        `yaml:"listen_addr"`
	Interval                time.Duration `yaml:"interval"`
	GitHubWebhookSecretFile string        `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string      `yaml:"allowed_event_types"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path yields the
// defaults. Tokens are not resolved or validated here; see Finalize.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Export.Token = os.ExpandEnv(c.Export.Token)
	c.Export.TokenFile = os.ExpandEnv(c.Export.TokenFile)
	c.Import.Token = os.ExpandEnv(c.Import.Token)
	c.Import.TokenFile = os.ExpandEnv(c.Import.TokenFile)
	c.Sync.ExportFile = os.ExpandEnv(c.Sync.ExportFile)
	c.API.BaseURL = os.ExpandEnv(c.API.BaseURL)
	c.API.GraphQLURL = os.ExpandEnv(c.API.GraphQLURL)
	c.API.CacheDir = os.ExpandEnv(c.API.CacheDir)
	c.Log.File = os.ExpandEnv(c.Log.File)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.ExportFile == "" {
		c.Sync.ExportFile = export.DefaultPath
	}
	if c.Sync.Pace == 0 {
		c.Sync.Pace = time.Second
	}
	if c.Sync.FallbackBackoff == 0 {
		c.Sync.FallbackBackoff = 60 * time.Second
	}
	if c.API.Backend == "" {
		c.API.Backend = github.BackendREST
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = github.DefaultPageSize
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Log.File == "" {
		c.Log.File = "debug.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnv overlays tokens found through lookup (normally os.LookupEnv).
// Non-empty environment values take precedence over the config file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvExportToken); ok && v != "" {
		c.Export.Token = v
	}
	if v, ok := lookup(EnvImportToken); ok && v != "" {
		c.Import.Token = v
	}
}

// Finalize resolves token files and validates the result. It is called after
// every override (file, environment, flags) has been applied.
func (c *Config) Finalize() error {
	if err := c.Export.resolve(); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := c.Import.resolve(); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	return c.Validate()
}

// resolve reads TokenFile when no token was given directly
func (a *AccountConfig) resolve() error {
	a.Token = strings.TrimSpace(a.Token)
	if a.Token != "" || a.TokenFile == "" {
		return nil
	}
	data, err := os.ReadFile(a.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	a.Token = strings.TrimSpace(string(data))
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := ValidateToken(c.Export.Token); err != nil {
		return fmt.Errorf("export token: %w", err)
	}
	if err := ValidateToken(c.Import.Token); err != nil {
		return fmt.Errorf("import token: %w", err)
	}

	if c.Sync.ExportFile == "" {
		return fmt.Errorf("sync.export_file is required")
	}
	if c.Sync.Pace < 0 {
		return fmt.Errorf("sync.pace must not be negative: %s", c.Sync.Pace)
	}
	if c.Sync.FallbackBackoff <= 0 {
		return fmt.Errorf("sync.fallback_backoff must be positive: %s", c.Sync.FallbackBackoff)
	}

	switch c.API.Backend {
	case github.BackendREST, github.BackendGraphQL:
		// valid
	default:
		return fmt.Errorf("invalid api.backend: %s (must be rest or graphql)", c.API.Backend)
	}
	if c.API.PageSize < 1 || c.API.PageSize > github.DefaultPageSize {
		return fmt.Errorf("api.page_size must be between 1 and %d: %d", github.DefaultPageSize, c.API.PageSize)
	}
	if c.API.BaseURL != "" && !isHTTPURL(c.API.BaseURL) {
		return fmt.Errorf("api.base_url must be an http(s) URL: %s", c.API.BaseURL)
	}
	if c.API.GraphQLURL != "" && !isHTTPURL(c.API.GraphQLURL) {
		return fmt.Errorf("api.graphql_url must be an http(s) URL: %s", c.API.GraphQLURL)
	}

	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	if c.Serve.Interval < 0 {
		return fmt.Errorf("serve.interval must not be negative: %s", c.Serve.Interval)
	}

	return nil
}

// ValidateServe checks the settings only the serve command needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" && c.Serve.Interval == 0 {
		return fmt.Errorf("serve needs serve.listen_addr, serve.interval or both")
	}
	if c.Serve.ListenAddr != "" && c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required when serve.listen_addr is set")
	}
	return nil
}

// ValidateToken checks that token is present and carries a known prefix
func ValidateToken(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	for _, prefix := range TokenPrefixes {
		if strings.HasPrefix(token, prefix) && len(token) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w (prefix %q)", ErrInvalidToken, RedactToken(token))
}

// RedactToken returns the part of token that is safe to log
func RedactToken(token string) string {
	if token == "" {
		return "not set"
	}
	const visible = 4
	if len(token) <= visible {
		return strings.Repeat("*", len(token))
	}
	return token[:visible] + "..."
}

// APIOptions maps the api section onto github client options
func (c *Config) APIOptions() github.Options {
	return github.Options{
		Backend:    c.API.Backend,
		BaseURL:    c.API.BaseURL,
		GraphQLURL: c.API.GraphQLURL,
		PageSize:   c.API.PageSize,
		CacheDir:   c.API.CacheDir,
		Timeout:    c.API.Timeout,
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}
