package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.DataDir != "./data" {
		t.Errorf("Node.DataDir = %s, want ./data", cfg.Node.DataDir)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("Node.LogLevel = %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Transport.MaxHops != 7 {
		t.Errorf("Transport.MaxHops = %d, want 7", cfg.Transport.MaxHops)
	}
	if cfg.Transport.MaxPeers != 8 {
		t.Errorf("Transport.MaxPeers = %d, want 8", cfg.Transport.MaxPeers)
	}
	if cfg.Fragment.FragmentSize != 180 {
		t.Errorf("Fragment.FragmentSize = %d, want 180", cfg.Fragment.FragmentSize)
	}
	if cfg.Dedup.BloomSizeBits != 2048 {
		t.Errorf("Dedup.BloomSizeBits = %d, want 2048", cfg.Dedup.BloomSizeBits)
	}
	if cfg.Dedup.BloomHashCount != 7 {
		t.Errorf("Dedup.BloomHashCount = %d, want 7", cfg.Dedup.BloomHashCount)
	}
	if cfg.Dedup.StrictBloom {
		t.Error("Dedup.StrictBloom should default to false")
	}
	if cfg.StoreForward.MessageTTL != 30*time.Minute {
		t.Errorf("StoreForward.MessageTTL = %v, want 30m", cfg.StoreForward.MessageTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate cleanly, got: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
node:
  display_name: "field-node-1"
  log_level: "debug"
  log_format: "json"

fragment:
  fragment_size: 160
  max_pending_fragments: 128

dedup:
  strict_bloom: true

transport:
  max_hops: 5
  policy: redundant
  wifi_direct:
    enabled: true
    carrier: quic
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel = %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Fragment.FragmentSize != 160 {
		t.Errorf("Fragment.FragmentSize = %d, want 160", cfg.Fragment.FragmentSize)
	}
	if cfg.Fragment.MaxPendingFragments != 128 {
		t.Errorf("Fragment.MaxPendingFragments = %d, want 128", cfg.Fragment.MaxPendingFragments)
	}
	if !cfg.Dedup.StrictBloom {
		t.Error("Dedup.StrictBloom should be true")
	}
	if cfg.Transport.MaxHops != 5 {
		t.Errorf("Transport.MaxHops = %d, want 5", cfg.Transport.MaxHops)
	}
	if cfg.Transport.Policy != "redundant" {
		t.Errorf("Transport.Policy = %s, want redundant", cfg.Transport.Policy)
	}
	if cfg.Transport.WifiDirect.Carrier != "quic" {
		t.Errorf("Transport.WifiDirect.Carrier = %s, want quic", cfg.Transport.WifiDirect.Carrier)
	}
	// Fields not present in the overlay should keep their defaults.
	if cfg.Health.LatencyEMAAlpha != 0.2 {
		t.Errorf("Health.LatencyEMAAlpha = %v, want default 0.2", cfg.Health.LatencyEMAAlpha)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte(`node: {log_level: "verbose"}`))
	if err == nil {
		t.Error("Parse() should fail for invalid log_level")
	}
}

func TestParse_InvalidPolicy(t *testing.T) {
	_, err := Parse([]byte(`transport: {policy: "bluetooth_plus"}`))
	if err == nil {
		t.Error("Parse() should fail for invalid transport.policy")
	}
}

func TestParse_InvalidCarrier(t *testing.T) {
	_, err := Parse([]byte(`transport: {wifi_direct: {enabled: true, carrier: "sctp"}}`))
	if err == nil {
		t.Error("Parse() should fail for invalid wifi_direct.carrier")
	}
}

func TestValidate_MaxHopsRange(t *testing.T) {
	cfg := Default()
	cfg.Transport.MaxHops = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail for max_hops = 0")
	}

	cfg.Transport.MaxHops = 256
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail for max_hops > 255")
	}
}

func TestValidate_FragmentSizeVsMaxMessage(t *testing.T) {
	cfg := Default()
	cfg.Fragment.FragmentSize = 1000
	cfg.Fragment.MaxMessageSize = 500
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail when max_message_size < fragment_size")
	}
}

func TestValidate_BcryptCostRange(t *testing.T) {
	cfg := Default()
	cfg.Channel.BcryptCost = 2
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail for bcrypt_cost below 4")
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("MESHCORE_TEST_NAME", "relay-7")
	defer os.Unsetenv("MESHCORE_TEST_NAME")

	yamlConfig := `
node:
  display_name: "${MESHCORE_TEST_NAME}"
  log_level: "${MESHCORE_TEST_LEVEL:-warn}"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Node.DisplayName != "relay-7" {
		t.Errorf("Node.DisplayName = %s, want relay-7", cfg.Node.DisplayName)
	}
	if cfg.Node.LogLevel != "warn" {
		t.Errorf("Node.LogLevel = %s, want warn (from default fallback)", cfg.Node.LogLevel)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "mesh.yaml")
	if err := os.WriteFile(path, []byte(`node: {log_level: "error"}`), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.LogLevel != "error" {
		t.Errorf("Node.LogLevel = %s, want error", cfg.Node.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/mesh.yaml")
	if err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestString(t *testing.T) {
	cfg := Default()
	s := cfg.String()
	if s == "" {
		t.Error("String() returned empty output")
	}
}
