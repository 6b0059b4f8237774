// Package config provides configuration parsing and validation for the
// relay server and the endpoint daemon.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the complete relay server configuration.
type ServerConfig struct {
	Server ServerListenConfig `yaml:"server"`
	Auth   AuthConfig         `yaml:"auth"`
	Log    LogConfig          `yaml:"log"`
	Health HealthConfig       `yaml:"health"`
}

// ServerListenConfig contains the admission-facing HTTP settings.
type ServerListenConfig struct {
	Port                int      `yaml:"port"`
	AllowOrigins        []string `yaml:"allow_origins"`
	DisableRegistration bool     `yaml:"disable_registration"`
}

// AuthConfig names the external auth service the server verifies bearer
// tokens against. The server never implements token issuance itself.
type AuthConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig contains logging settings shared by the server and the endpoint.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig defines health/metrics HTTP server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EndpointConfig is the complete endpoint (desktop or mobile) configuration.
type EndpointConfig struct {
	Relay         RelayConfig         `yaml:"relay"`
	Identity      IdentityConfig      `yaml:"identity"`
	Log           LogConfig           `yaml:"log"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	RemoteControl RemoteControlConfig `yaml:"remote_control"`
}

// RelayConfig identifies the relay server the endpoint connects to.
type RelayConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// IdentityConfig contains the endpoint's local identity settings.
type IdentityConfig struct {
	DataDir    string `yaml:"data_dir"`
	DeviceName string `yaml:"device_name"`
}

// ReconnectConfig defines exponential backoff reconnect behavior, used by
// RelayClient's reconnector.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = infinite
}

// RemoteControlConfig configures the desktop-side RemoteControlFSM. It is
// ignored on mobile endpoints.
type RemoteControlConfig struct {
	UnlockSecret       string        `yaml:"unlock_secret"`
	AllowRemoteControl bool          `yaml:"allow_remote_control"`
	AutoLockTimeout    time.Duration `yaml:"auto_lock_timeout"`
}

// DefaultServer returns a ServerConfig with default values.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		Server: ServerListenConfig{
			Port:                8443,
			AllowOrigins:        []string{},
			DisableRegistration: false,
		},
		Auth: AuthConfig{
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// DefaultEndpoint returns an EndpointConfig with default values.
func DefaultEndpoint() *EndpointConfig {
	return &EndpointConfig{
		Identity: IdentityConfig{
			DataDir: "./data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxAttempts:  0,
		},
		RemoteControl: RemoteControlConfig{
			UnlockSecret:       "666666",
			AllowRemoteControl: true,
			AutoLockTimeout:    0,
		},
	}
}

// LoadServer reads and parses a relay server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read server config file: %w", err)
	}
	return ParseServer(data)
}

// ParseServer parses a relay server configuration from YAML bytes.
func ParseServer(data []byte) (*ServerConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultServer()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadEndpoint reads and parses an endpoint configuration file.
func LoadEndpoint(path string) (*EndpointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint config file: %w", err)
	}
	return ParseEndpoint(data)
}

// ParseEndpoint parses an endpoint configuration from YAML bytes.
func ParseEndpoint(data []byte) (*EndpointConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultEndpoint()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse endpoint config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, and $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

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

// Validate checks the server configuration for errors.
func (c *ServerConfig) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when health.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Validate checks the endpoint configuration for errors.
func (c *EndpointConfig) Validate() error {
	var errs []string

	if c.Identity.DataDir == "" {
		errs = append(errs, "identity.data_dir is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, "reconnect.max_delay must be >= reconnect.initial_delay")
	}
	if c.Reconnect.Multiplier < 1.0 {
		errs = append(errs, "reconnect.multiplier must be >= 1.0")
	}
	if c.RemoteControl.UnlockSecret != "" && !isValidUnlockSecret(c.RemoteControl.UnlockSecret) {
		errs = append(errs, "remote_control.unlock_secret must be a 6-digit numeric string")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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

var unlockSecretRegex = regexp.MustCompile(`^[0-9]{6}$`)

func isValidUnlockSecret(s string) bool {
	return unlockSecretRegex.MatchString(s)
}

const redactedValue = "[REDACTED]"

// String returns a redacted YAML rendering of the endpoint config, safe to
// log: the unlock secret and relay token are never emitted.
func (c *EndpointConfig) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	redacted := &EndpointConfig{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return ""
	}
	if redacted.Relay.Token != "" {
		redacted.Relay.Token = redactedValue
	}
	if redacted.RemoteControl.UnlockSecret != "" {
		redacted.RemoteControl.UnlockSecret = redactedValue
	}
	out, _ := yaml.Marshal(redacted)
	return string(out)
}

// String returns a YAML rendering of the server config, safe to log.
func (c *ServerConfig) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
