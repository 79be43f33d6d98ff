package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/storage"
	"github.com/HyphaGroup/tether/internal/transport"
)

// ErrNotFound is returned when no config file exists in any search location
var ErrNotFound = errors.New("config file not found")

// fileNames are tried in order within each search directory
var fileNames = []string{"tether.jsonc", "tether.yaml", "tether.yml"}

// Defaults
const (
	DefaultTransportKind  = "sse"
	DefaultStorageBackend = storage.BackendSQLite
	DefaultDataDir        = "data"
)

// FindConfigPath returns the config file path using precedence:
// 1. configDir (if specified)
// 2. ./config (project-local)
// 3. ~/.tether/config (user global)
func FindConfigPath(configDir string) (string, error) {
	var dirs []string
	if configDir != "" {
		dirs = []string{configDir}
	} else {
		dirs = append(dirs, "config")
		if homeDir, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(homeDir, ".tether", "config"))
		}
	}

	var tried []string
	for _, dir := range dirs {
		for _, name := range fileNames {
			path := filepath.Join(dir, name)
			tried = append(tried, path)
			if _, err := os.Stat(path); err == nil {
				abs, err := filepath.Abs(path)
				if err != nil {
					return path, nil
				}
				return abs, nil
			}
		}
	}
	return "", fmt.Errorf("%w; tried: %v", ErrNotFound, tried)
}

// LoadAll finds and loads the config file
func LoadAll(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Load reads one config file. YAML is chosen by extension; anything else is
// read as JSONC.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.ConfigDir = filepath.Dir(path)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied, used when no file exists
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = DefaultTransportKind
	}
	if cfg.Transport.Reconnect == nil {
		enabled := true
		cfg.Transport.Reconnect = &enabled
	}
	if cfg.Transport.ReconnectInterval == 0 {
		cfg.Transport.ReconnectInterval = Duration(transport.DefaultReconnectInterval)
	}
	if cfg.Transport.ReconnectBurst == 0 {
		cfg.Transport.ReconnectBurst = transport.DefaultReconnectBurst
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultDataDir
	}

	if cfg.Orchestrator.AutoExecute == nil {
		enabled := true
		cfg.Orchestrator.AutoExecute = &enabled
	}
	if len(cfg.Orchestrator.ApprovalTools) == 0 {
		cfg.Orchestrator.ApprovalTools = []string{approval.DefaultTool}
	}
	if cfg.Orchestrator.HandlerTimeout == 0 {
		cfg.Orchestrator.HandlerTimeout = Duration(orchestrator.DefaultHandlerTimeout)
	}

	if cfg.Session.BufferSize == 0 {
		cfg.Session.BufferSize = session.DefaultEventBufferSize
	}
	if cfg.Session.ResultRetention == 0 {
		cfg.Session.ResultRetention = Duration(session.DefaultRetention)
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = session.DefaultSweepSchedule
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.MCP.Servers == nil {
		cfg.MCP.Servers = make(map[string]MCPServer)
	}
	if cfg.Credentials.Tokens == nil {
		cfg.Credentials.Tokens = make(map[string]Credential)
	}
}

// Validate checks the loaded values. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch transport.Kind(c.Transport.Kind) {
	case transport.KindSSE, transport.KindWebSocket:
	default:
		errs = append(errs, fmt.Errorf("transport.kind: unsupported %q", c.Transport.Kind))
	}
	if _, err := c.Credentials.Headers(c.Transport.Credential, nil); err != nil {
		errs = append(errs, fmt.Errorf("transport.credential: %w", err))
	}

	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendSQLite, storage.BackendBolt:
	case storage.BackendRedis:
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported %q", c.Storage.Backend))
	}

	for name, srv := range c.MCP.Servers {
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("mcp.servers.%s.url is required", name))
		}
		if _, ok := c.Credentials.Get(srv.Credential); srv.Credential != "" && !ok {
			errs = append(errs, fmt.Errorf("mcp.servers.%s.credential: %q not found", name, srv.Credential))
		}
	}

	if err := session.ValidateSchedule(c.Session.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("session.sweep_schedule: %w", err))
	}
	if c.Session.BufferSize < 0 {
		errs = append(errs, errors.New("session.buffer_size must not be negative"))
	}

	return errors.Join(errs...)
}

// StorageOptions returns the storage backend options. A relative path is
// resolved against the config directory.
func (c *Config) StorageOptions() storage.Options {
	path := c.Storage.Path
	if !filepath.IsAbs(path) && c.ConfigDir != "" {
		path = filepath.Join(c.ConfigDir, path)
	}
	return storage.Options{
		Backend:       c.Storage.Backend,
		Path:          path,
		RedisAddr:     c.Storage.RedisAddr,
		RedisPassword: c.Storage.RedisPassword,
		RedisDB:       c.Storage.RedisDB,
		KeyPrefix:     c.Storage.KeyPrefix,
	}
}

// TransportOptions returns the stream options with credential headers applied
func (c *Config) TransportOptions() (transport.Options, error) {
	headers, err := c.Credentials.Headers(c.Transport.Credential, c.Transport.Headers)
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{
		URL:               c.Transport.URL,
		Kind:              transport.Kind(c.Transport.Kind),
		Headers:           headers,
		Reconnect:         c.Transport.Reconnect == nil || *c.Transport.Reconnect,
		ReconnectInterval: c.Transport.ReconnectInterval.Std(),
		ReconnectBurst:    c.Transport.ReconnectBurst,
		MaxReconnects:     c.Transport.MaxReconnects,
	}, nil
}

// MCPHeaders returns the request headers for one MCP server
func (c *Config) MCPHeaders(name string) (map[string]string, error) {
	srv, ok := c.MCP.Servers[name]
	if !ok {
		return nil, fmt.Errorf("mcp server %q not configured", name)
	}
	if srv.Credential == "" {
		out := make(map[string]string, len(srv.Headers))
		for k, v := range srv.Headers {
			out[k] = v
		}
		return out, nil
	}
	return c.Credentials.Headers(srv.Credential, srv.Headers)
}

// SweeperConfig returns the queued-result sweep settings
func (c *Config) SweeperConfig() session.SweeperConfig {
	return session.SweeperConfig{
		Schedule:  c.Session.SweepSchedule,
		Retention: c.Session.ResultRetention.Std(),
	}
}

// LoggerOptions returns the slog settings. A relative log dir is resolved
// against the config directory.
func (c *Config) LoggerOptions() logger.Options {
	dir := c.Log.Dir
	if dir != "" && !filepath.IsAbs(dir) && c.ConfigDir != "" {
		dir = filepath.Join(c.ConfigDir, dir)
	}
	return logger.Options{Dir: dir, JSON: c.Log.JSON, Level: c.Log.Level}
}

// AuditDir is where the audit trail is written: the log dir, or the data
// dir when no log dir is set
func (c *Config) AuditDir() string {
	if dir := c.LoggerOptions().Dir; dir != "" {
		return dir
	}
	return c.StorageOptions().Path
}

// AutoExecute reports whether registered handlers run without a prompt
func (c *Config) AutoExecute() bool {
	return c.Orchestrator.AutoExecute == nil || *c.Orchestrator.AutoExecute
}
