package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Switch.Identity != "auto" {
		t.Errorf("Switch.Identity = %s, want auto", cfg.Switch.Identity)
	}
	if cfg.Switch.DataDir != "./data" {
		t.Errorf("Switch.DataDir = %s, want ./data", cfg.Switch.DataDir)
	}
	if cfg.Switch.LogLevel != "info" {
		t.Errorf("Switch.LogLevel = %s, want info", cfg.Switch.LogLevel)
	}
	if !cfg.Transport.QUIC.Enabled || !cfg.Transport.WS.Enabled {
		t.Error("expected quic and ws transports enabled by default")
	}
	if cfg.Dial.MaxParallelDials != 10 {
		t.Errorf("Dial.MaxParallelDials = %d, want 10", cfg.Dial.MaxParallelDials)
	}
	if cfg.Crypto.HandshakeTimeout != 10*time.Second {
		t.Errorf("Crypto.HandshakeTimeout = %v, want 10s", cfg.Crypto.HandshakeTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate, got: %v", err)
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
switch:
  identity: "auto"
  data_dir: "./data"
  log_level: "debug"
  log_format: "json"

transport:
  quic:
    enabled: true
    priority: 0
  ws:
    enabled: true
    priority: 1

listeners:
  - transport: quic
    address: "0.0.0.0:4433"

peers:
  - id: "abc123def456789012345678901234ab"
    addresses:
      - "/quic/ip4/192.168.1.50/udp/4433"

dial:
  max_parallel_dials: 5
  dial_timeout: 15s
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Switch.LogLevel != "debug" {
		t.Errorf("Switch.LogLevel = %s, want debug", cfg.Switch.LogLevel)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Transport != "quic" {
		t.Errorf("Listeners = %+v, want one quic listener", cfg.Listeners)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "abc123def456789012345678901234ab" {
		t.Errorf("Peers = %+v", cfg.Peers)
	}
	if cfg.Dial.MaxParallelDials != 5 {
		t.Errorf("Dial.MaxParallelDials = %d, want 5", cfg.Dial.MaxParallelDials)
	}
	if cfg.Dial.DialTimeout != 15*time.Second {
		t.Errorf("Dial.DialTimeout = %v, want 15s", cfg.Dial.DialTimeout)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("switch: [this is not a map"))
	if err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Switch.LogLevel = "verbose"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("Validate() error = %v, want log_level complaint", err)
	}
}

func TestValidateRejectsNoTransportsEnabled(t *testing.T) {
	cfg := Default()
	cfg.Transport.QUIC.Enabled = false
	cfg.Transport.WS.Enabled = false
	cfg.Transport.H2.Enabled = false
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "at least one of quic, ws, h2") {
		t.Fatalf("Validate() error = %v, want transport complaint", err)
	}
}

func TestValidateRejectsMalformedPSK(t *testing.T) {
	cfg := Default()
	cfg.Protector.PSK = "not-hex"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "protector.psk") {
		t.Fatalf("Validate() error = %v, want protector.psk complaint", err)
	}
}

func TestValidateRejectsManagementPubWithoutPSK(t *testing.T) {
	cfg := Default()
	cfg.Protector.ManagementPub = strings.Repeat("ab", 32)
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "requires protector.psk") {
		t.Fatalf("Validate() error = %v, want management_pub/psk complaint", err)
	}
}

func TestValidateRejectsUnknownListenerTransport(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{Transport: "carrier-pigeon", Address: ":0"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown transport") {
		t.Fatalf("Validate() error = %v, want unknown transport complaint", err)
	}
}

func TestValidateRejectsPeerWithoutAddresses(t *testing.T) {
	cfg := Default()
	cfg.Peers = []PeerConfig{{ID: "somepeer"}}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "at least one address") {
		t.Fatalf("Validate() error = %v, want address complaint", err)
	}
}

func TestGetPSKRoundTrip(t *testing.T) {
	p := ProtectorConfig{PSK: strings.Repeat("11", 32)}
	key, ok, err := p.GetPSK()
	if err != nil {
		t.Fatalf("GetPSK() error = %v", err)
	}
	if !ok {
		t.Fatal("GetPSK() ok = false, want true")
	}
	if key[0] != 0x11 {
		t.Fatalf("GetPSK() key[0] = %x, want 0x11", key[0])
	}
}

func TestGetPSKAbsent(t *testing.T) {
	p := ProtectorConfig{}
	_, ok, err := p.GetPSK()
	if err != nil {
		t.Fatalf("GetPSK() error = %v", err)
	}
	if ok {
		t.Fatal("GetPSK() ok = true, want false for unset PSK")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SWITCHCORE_TEST_LOG_LEVEL", "warn")
	cfg, err := Parse([]byte("switch:\n  log_level: \"${SWITCHCORE_TEST_LOG_LEVEL}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Switch.LogLevel != "warn" {
		t.Errorf("Switch.LogLevel = %s, want warn", cfg.Switch.LogLevel)
	}
}
