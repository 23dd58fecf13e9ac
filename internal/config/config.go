// Package config provides configuration parsing and validation for pixelping.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Backend types.
const (
	BackendTunStack = "tun-stack"
	BackendRawTun   = "raw-tun"
	BackendCapture  = "capture"
)

// Canvas size bounds (pixels per side).
const (
	MinCanvasSize = 16
	MaxCanvasSize = 4096
)

// Config represents the complete service configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Backend   BackendConfig   `yaml:"backend"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Health    HealthConfig    `yaml:"health"`
}

// AgentConfig contains process-wide settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// BackendConfig selects and tunes the packet backend.
type BackendConfig struct {
	// Prefix48 is the /48 the canvas is drawn in. Only the top 48 bits may be set.
	Prefix48 string `yaml:"prefix48"`

	// BackendType is one of tun-stack, raw-tun, capture.
	BackendType string `yaml:"backend_type"`

	// TunIface names the TUN device for tun-stack and raw-tun.
	TunIface string `yaml:"tun_iface"`

	// RecvBufferSize bounds the tun-stack receive queue, in packets.
	RecvBufferSize int `yaml:"recv_buffer_size"`

	// MTU sizes the per-packet read buffer.
	MTU int `yaml:"mtu"`

	// CaptureIface is the interface monitored by the capture backend.
	CaptureIface string `yaml:"capture_iface"`

	// Snaplen is the capture snapshot length in bytes.
	Snaplen int `yaml:"snaplen"`

	// Promiscuous puts the capture interface into promiscuous mode.
	Promiscuous bool `yaml:"promiscuous"`

	// MaxTransientErrors is the number of consecutive transient I/O errors
	// tolerated before the backend is declared dead.
	MaxTransientErrors int `yaml:"max_transient_errors"`

	// ReplyQueueSize bounds echo replies waiting for injection.
	ReplyQueueSize int `yaml:"reply_queue_size"`
}

// CanvasConfig defines the canvas and its persistence.
type CanvasConfig struct {
	Size            int    `yaml:"size"`
	BackgroundColor string `yaml:"background_color"` // #rrggbb
	Filename        string `yaml:"filename"`

	// PersistSchedule is a cron spec ("@every 30s", "*/5 * * * *").
	PersistSchedule string `yaml:"persist_schedule"`
}

// WebSocketConfig defines the live-view server.
type WebSocketConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	ViewerQueueSize int           `yaml:"viewer_queue_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Backend: BackendConfig{
			BackendType:        BackendTunStack,
			TunIface:           "tun0",
			RecvBufferSize:     65536,
			MTU:                1500,
			CaptureIface:       "eth0",
			Snaplen:            262144,
			Promiscuous:        true,
			MaxTransientErrors: 3,
			ReplyQueueSize:     1024,
		},
		Canvas: CanvasConfig{
			Size:            512,
			BackgroundColor: "#ffffff",
			Filename:        "place.png",
			PersistSchedule: "@every 30s",
		},
		WebSocket: WebSocketConfig{
			ListenAddr:      "[::]:2137",
			Path:            "/ws",
			ViewerQueueSize: 256,
			WriteTimeout:    10 * time.Second,
			OriginPatterns:  []string{"*"},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	// Backend
	if _, err := ParsePrefix48(c.Backend.Prefix48); err != nil {
		errs = append(errs, fmt.Sprintf("backend.prefix48: %v", err))
	}
	switch c.Backend.BackendType {
	case BackendTunStack, BackendRawTun:
		if c.Backend.TunIface == "" {
			errs = append(errs, "backend.tun_iface is required for "+c.Backend.BackendType)
		}
	case BackendCapture:
		if c.Backend.CaptureIface == "" {
			errs = append(errs, "backend.capture_iface is required for capture")
		}
		if c.Backend.Snaplen < 128 {
			errs = append(errs, "backend.snaplen must be at least 128")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid backend_type: %s (must be tun-stack, raw-tun, or capture)", c.Backend.BackendType))
	}
	if c.Backend.RecvBufferSize < 1 {
		errs = append(errs, "backend.recv_buffer_size must be positive")
	}
	if c.Backend.MTU < 1280 || c.Backend.MTU > 65535 {
		errs = append(errs, "backend.mtu must be between 1280 and 65535")
	}
	if c.Backend.MaxTransientErrors < 1 {
		errs = append(errs, "backend.max_transient_errors must be positive")
	}
	if c.Backend.ReplyQueueSize < 1 {
		errs = append(errs, "backend.reply_queue_size must be positive")
	}

	// Canvas
	if c.Canvas.Size < MinCanvasSize || c.Canvas.Size > MaxCanvasSize {
		errs = append(errs, fmt.Sprintf("canvas.size must be between %d and %d", MinCanvasSize, MaxCanvasSize))
	}
	if !isValidHexColor(c.Canvas.BackgroundColor) {
		errs = append(errs, fmt.Sprintf("canvas.background_color: invalid color %q (must be #rrggbb)", c.Canvas.BackgroundColor))
	}
	if c.Canvas.Filename == "" {
		errs = append(errs, "canvas.filename is required")
	}
	if _, err := cron.ParseStandard(c.Canvas.PersistSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("canvas.persist_schedule: %v", err))
	}

	// WebSocket
	if _, _, err := net.SplitHostPort(c.WebSocket.ListenAddr); err != nil {
		errs = append(errs, fmt.Sprintf("websocket.listen_addr: %v", err))
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "websocket.path must start with /")
	}
	if c.WebSocket.ViewerQueueSize < 1 {
		errs = append(errs, "websocket.viewer_queue_size must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}

	// Health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParsePrefix48 parses an IPv6 /48 prefix. The low 80 bits must be zero.
func ParsePrefix48(s string) (net.IP, error) {
	if s == "" {
		return nil, fmt.Errorf("prefix is required")
	}
	// Accept an optional "/48" suffix.
	if host, bits, ok := strings.Cut(s, "/"); ok {
		if bits != "48" {
			return nil, fmt.Errorf("prefix length must be 48, got /%s", bits)
		}
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return nil, fmt.Errorf("%q is not an IPv6 address", s)
	}
	ip = ip.To16()
	for _, b := range ip[6:] {
		if b != 0 {
			return nil, fmt.Errorf("%s has bits set below /48", s)
		}
	}
	return ip, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

var hexColorRegex = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func isValidHexColor(s string) bool {
	return hexColorRegex.MatchString(s)
}

// String returns a YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
