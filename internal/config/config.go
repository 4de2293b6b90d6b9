// Package config provides configuration parsing and validation for switchcore.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete switch configuration.
type Config struct {
	Switch    SwitchConfig      `yaml:"switch"`
	Transport TransportConfig   `yaml:"transport"`
	Protector ProtectorConfig   `yaml:"protector"`
	Crypto    CryptoConfig      `yaml:"crypto"`
	Dial      DialConfig        `yaml:"dial"`
	Listeners []ListenerConfig  `yaml:"listeners"`
	Peers     []PeerConfig      `yaml:"peers"`
}

// SwitchConfig holds process-wide identity and logging settings.
type SwitchConfig struct {
	// Identity is parsed and defaulted but not read by switchd: the
	// Ed25519 keypair is always loaded from (or generated and persisted
	// to) identity.key under DataDir.
	Identity  string `yaml:"identity"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TransportConfig selects which transports are registered and their
// per-transport settings. Zero-value fields fall back to the transport's
// own DefaultDialOptions/DefaultListenOptions.
type TransportConfig struct {
	QUIC TransportEndpointConfig `yaml:"quic"`
	WS   TransportEndpointConfig `yaml:"ws"`
	H2   TransportEndpointConfig `yaml:"h2"`
}

// TransportEndpointConfig configures one registered transport: whether it
// participates in dialing, and its TLS files. Priority and Weight are parsed
// but not read: AvailableTransports orders transports by registration order,
// with the circuit-relay transport last.
type TransportEndpointConfig struct {
	Enabled  bool `yaml:"enabled"`
	Priority int  `yaml:"priority"`
	Weight   int  `yaml:"weight"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	TLSCA   string `yaml:"tls_ca"`

	// PlainText allows the WebSocket transport to listen without TLS, for
	// deployments behind a TLS-terminating reverse proxy.
	PlainText bool `yaml:"plain_text"`
}

// ProtectorConfig configures the private-network pre-shared key layer
// applied before the crypto handshake. Empty PSK means PRIVATIZING is
// skipped entirely (spec's Open Question: protector is opt-in).
type ProtectorConfig struct {
	PSK           string `yaml:"psk"`             // hex-encoded 32 bytes
	ManagementPub string `yaml:"management_pub"`  // hex-encoded 32 bytes, optional
}

// CryptoConfig configures the handshake layer's timeouts.
type CryptoConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DialConfig configures the Switch's dial scheduler.
type DialConfig struct {
	MaxParallelDials int           `yaml:"max_parallel_dials"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// ListenerConfig describes one address the Switch listens on.
type ListenerConfig struct {
	Transport string `yaml:"transport"`
	Address   string `yaml:"address"`
}

// PeerConfig describes a known peer (ID and addresses). switchd parses and
// validates these entries but does not dial them at startup.
type PeerConfig struct {
	ID        string   `yaml:"id"`
	Addresses []string `yaml:"addresses"`
}

// GetPSK decodes the hex-encoded pre-shared key, if configured.
func (p *ProtectorConfig) GetPSK() ([32]byte, bool, error) {
	var key [32]byte
	if p.PSK == "" {
		return key, false, nil
	}
	decoded, err := hex.DecodeString(p.PSK)
	if err != nil {
		return key, false, fmt.Errorf("decode protector.psk: %w", err)
	}
	if len(decoded) != 32 {
		return key, false, fmt.Errorf("protector.psk must decode to 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, true, nil
}

// GetManagementPub decodes the hex-encoded management public key, if configured.
func (p *ProtectorConfig) GetManagementPub() ([32]byte, bool, error) {
	var key [32]byte
	if p.ManagementPub == "" {
		return key, false, nil
	}
	decoded, err := hex.DecodeString(p.ManagementPub)
	if err != nil {
		return key, false, fmt.Errorf("decode protector.management_pub: %w", err)
	}
	if len(decoded) != 32 {
		return key, false, fmt.Errorf("protector.management_pub must decode to 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, true, nil
}

// Default returns a Config populated with the switch's default settings.
func Default() *Config {
	return &Config{
		Switch: SwitchConfig{
			Identity:  "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Transport: TransportConfig{
			QUIC: TransportEndpointConfig{Enabled: true, Priority: 0, Weight: 1},
			WS:   TransportEndpointConfig{Enabled: true, Priority: 1, Weight: 1},
			H2:   TransportEndpointConfig{Enabled: false, Priority: 2, Weight: 1},
		},
		Crypto: CryptoConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Dial: DialConfig{
			MaxParallelDials: 10,
			DialTimeout:      30 * time.Second,
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
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

// Parse parses configuration from YAML bytes, starting from Default and
// applying the file's overrides on top.
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

// envVarRegex matches ${VAR} or $VAR patterns.
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

// Validate checks the configuration for errors, aggregating every problem
// found instead of returning on the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Switch.DataDir == "" {
		errs = append(errs, "switch.data_dir is required")
	}
	if !isValidLogLevel(c.Switch.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Switch.LogLevel))
	}
	if !isValidLogFormat(c.Switch.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Switch.LogFormat))
	}

	if !c.Transport.QUIC.Enabled && !c.Transport.WS.Enabled && !c.Transport.H2.Enabled {
		errs = append(errs, "transport: at least one of quic, ws, h2 must be enabled")
	}

	if _, _, err := c.Protector.GetPSK(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, _, err := c.Protector.GetManagementPub(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Protector.ManagementPub != "" && c.Protector.PSK == "" {
		errs = append(errs, "protector.management_pub requires protector.psk to be set")
	}

	if c.Dial.MaxParallelDials < 1 {
		errs = append(errs, "dial.max_parallel_dials must be positive")
	}
	if c.Crypto.HandshakeTimeout <= 0 {
		errs = append(errs, "crypto.handshake_timeout must be positive")
	}

	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}
	for i, p := range c.Peers {
		if err := validatePeer(p); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	if l.Transport == "" {
		return fmt.Errorf("transport is required")
	}
	if !isValidTransportTag(l.Transport) {
		return fmt.Errorf("unknown transport: %s", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

func validatePeer(p PeerConfig) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(p.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

func isValidTransportTag(tag string) bool {
	switch tag {
	case "quic", "ws", "h2":
		return true
	}
	return false
}
