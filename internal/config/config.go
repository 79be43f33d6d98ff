// Package config loads tether.jsonc or tether.yaml.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration file format
type Config struct {
	Transport    TransportSection    `json:"transport" yaml:"transport"`
	Storage      StorageSection      `json:"storage" yaml:"storage"`
	Orchestrator OrchestratorSection `json:"orchestrator" yaml:"orchestrator"`
	MCP          MCPSection          `json:"mcp" yaml:"mcp"`
	Session      SessionSection      `json:"session" yaml:"session"`
	Credentials  CredentialsSection  `json:"credentials" yaml:"credentials"`
	Log          LogSection          `json:"log" yaml:"log"`
	Metrics      MetricsSection      `json:"metrics" yaml:"metrics"`

	// ConfigDir is the directory the file was loaded from
	ConfigDir string `json:"-" yaml:"-"`
}

// TransportSection configures the inbound stream
type TransportSection struct {
	URL               string            `json:"url" yaml:"url"`
	HistoryURL        string            `json:"history_url" yaml:"history_url"`
	ResultsURL        string            `json:"results_url" yaml:"results_url"`
	Kind              string            `json:"kind" yaml:"kind"` // sse, websocket
	Headers           map[string]string `json:"headers" yaml:"headers"`
	Credential        string            `json:"credential" yaml:"credential"`
	Reconnect         *bool             `json:"reconnect" yaml:"reconnect"`
	ReconnectInterval Duration          `json:"reconnect_interval" yaml:"reconnect_interval"`
	ReconnectBurst    int               `json:"reconnect_burst" yaml:"reconnect_burst"`
	MaxReconnects     int               `json:"max_reconnects" yaml:"max_reconnects"`
}

// StorageSection selects the persisted key/value backend
type StorageSection struct {
	Backend       string `json:"backend" yaml:"backend"` // memory, sqlite, bolt, redis
	Path          string `json:"path" yaml:"path"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
	KeyPrefix     string `json:"key_prefix" yaml:"key_prefix"`
}

// OrchestratorSection configures tool execution
type OrchestratorSection struct {
	AutoExecute    *bool    `json:"auto_execute" yaml:"auto_execute"`
	ApprovalTools  []string `json:"approval_tools" yaml:"approval_tools"`
	HandlerTimeout Duration `json:"handler_timeout" yaml:"handler_timeout"`
}

// MCPSection lists remote tool servers
type MCPSection struct {
	Servers map[string]MCPServer `json:"servers" yaml:"servers"`
}

// MCPServer is one streamable-HTTP MCP endpoint
type MCPServer struct {
	URL        string            `json:"url" yaml:"url"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Credential string            `json:"credential,omitempty" yaml:"credential,omitempty"`
	// Tools limits which of the server's tools are registered; empty means all
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// SessionSection configures per-thread runtime state
type SessionSection struct {
	Agent           string   `json:"agent" yaml:"agent"`
	BufferSize      int      `json:"buffer_size" yaml:"buffer_size"`
	ResultRetention Duration `json:"result_retention" yaml:"result_retention"`
	SweepSchedule   string   `json:"sweep_schedule" yaml:"sweep_schedule"`
}

// LogSection configures the structured logger and the audit trail
type LogSection struct {
	Dir   string `json:"dir" yaml:"dir"`
	JSON  bool   `json:"json" yaml:"json"`
	Level string `json:"level" yaml:"level"`
	Audit bool   `json:"audit" yaml:"audit"`
}

// MetricsSection configures the Prometheus endpoint; empty address disables it
type MetricsSection struct {
	Address string `json:"address" yaml:"address"`
}

// Duration is a time.Duration written as "90s" or "5m" in config files.
// Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or a number of seconds
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	var secs float64
	if node.Tag == "!!int" || node.Tag == "!!float" {
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	if err := d.parse(node.Value); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
