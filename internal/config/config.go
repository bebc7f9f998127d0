// Package config provides configuration parsing and validation for the
// mesh engine.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MeshConfig represents the complete node configuration.
type MeshConfig struct {
	Node        NodeConfig        `yaml:"node"`
	Crypto      CryptoConfig      `yaml:"crypto"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	Fragment    FragmentConfig    `yaml:"fragment"`
	Dedup       DedupConfig       `yaml:"dedup"`
	StoreForward StoreForwardConfig `yaml:"store_forward"`
	Health      HealthConfig      `yaml:"health"`
	Transport   TransportConfig   `yaml:"transport"`
	Channel     ChannelConfig     `yaml:"channel"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	DataDir     string `yaml:"data_dir"`   // directory for the persisted keypair and caches
	DisplayName string `yaml:"display_name"`
	LogLevel    string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat   string `yaml:"log_format"` // text, json
}

// CryptoConfig selects the crypto backend and handshake AEAD.
type CryptoConfig struct {
	Provider string `yaml:"provider"` // "std" is the only built-in provider
}

// HandshakeConfig tunes the Noise XX handshake.
type HandshakeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// FragmentConfig tunes fragmentation and reassembly.
type FragmentConfig struct {
	FragmentSize        int           `yaml:"fragment_size"`
	MaxMessageSize      int           `yaml:"max_message_size"`
	FragmentTimeout     time.Duration `yaml:"fragment_timeout"`
	MaxPendingFragments int           `yaml:"max_pending_fragments"`
}

// DedupConfig tunes Bloom filter + LRU duplicate detection.
type DedupConfig struct {
	BloomSizeBits  int  `yaml:"bloom_size_bits"`
	BloomHashCount int  `yaml:"bloom_hash_count"`
	LRUCapacity    int  `yaml:"lru_capacity"`
	StrictBloom    bool `yaml:"strict_bloom"` // opt-in: treat a Bloom hit alone as a duplicate, skipping LRU confirmation
}

// StoreForwardConfig tunes the store-and-forward cache.
type StoreForwardConfig struct {
	MessageTTL        time.Duration `yaml:"message_ttl"`
	MaxGlobalMessages int           `yaml:"max_global_messages"`
	MaxPerRecipient   int           `yaml:"max_per_recipient"`
	MaxTotalBytes     int64         `yaml:"max_total_bytes"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// HealthConfig tunes network-health tracking.
type HealthConfig struct {
	LatencyEMAAlpha  float64 `yaml:"latency_ema_alpha"`
	SampleWindowSize int     `yaml:"sample_window_size"`
	PeerTimeout      time.Duration `yaml:"peer_timeout"`
}

// TransportConfig tunes the bearer layer.
type TransportConfig struct {
	MaxPeers        int           `yaml:"max_peers"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	MaxHops         int           `yaml:"max_hops"`
	RouteTimeout    time.Duration `yaml:"route_timeout"`

	BLE         BLEConfig   `yaml:"ble"`
	WifiDirect  WifiConfig  `yaml:"wifi_direct"`
	Policy      string      `yaml:"policy"` // ble_only, wifi_only, auto, redundant
}

// BLEConfig tunes the BLE GATT bearer.
type BLEConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceUUID    string        `yaml:"service_uuid"`
	MTU            int           `yaml:"mtu"`
	WriteQueueSize int           `yaml:"write_queue_size"`
	ScanInterval   time.Duration `yaml:"scan_interval"`
}

// WifiConfig tunes the Wi-Fi Direct bearer.
type WifiConfig struct {
	Enabled bool   `yaml:"enabled"`
	Carrier string `yaml:"carrier"` // "websocket" or "quic"
	Address string `yaml:"address"`
}

// ChannelConfig tunes channel-keying defaults.
type ChannelConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

// Default returns a MeshConfig populated with the engine's defaults.
func Default() *MeshConfig {
	return &MeshConfig{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Crypto: CryptoConfig{
			Provider: "std",
		},
		Handshake: HandshakeConfig{
			Timeout: 30 * time.Second,
		},
		Fragment: FragmentConfig{
			FragmentSize:        180,
			MaxMessageSize:      500 * 1024,
			FragmentTimeout:     60 * time.Second,
			MaxPendingFragments: 256,
		},
		Dedup: DedupConfig{
			BloomSizeBits:  2048,
			BloomHashCount: 7,
			LRUCapacity:    1000,
			StrictBloom:    false,
		},
		StoreForward: StoreForwardConfig{
			MessageTTL:        30 * time.Minute,
			MaxGlobalMessages: 10000,
			MaxPerRecipient:   200,
			MaxTotalBytes:     64 * 1024 * 1024,
			SweepInterval:     5 * time.Minute,
		},
		Health: HealthConfig{
			LatencyEMAAlpha:  0.2,
			SampleWindowSize: 100,
			PeerTimeout:      5 * time.Minute,
		},
		Transport: TransportConfig{
			MaxPeers:        8,
			HeartbeatPeriod: 30 * time.Second,
			MaxHops:         7,
			RouteTimeout:    10 * time.Minute,
			Policy:          "auto",
			BLE: BLEConfig{
				Enabled:        true,
				MTU:            23,
				WriteQueueSize: 32,
				ScanInterval:   10 * time.Second,
			},
			WifiDirect: WifiConfig{
				Enabled: false,
				Carrier: "websocket",
			},
		},
		Channel: ChannelConfig{
			BcryptCost: 10,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*MeshConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults first and
// environment-variable expansion before unmarshaling.
func Parse(data []byte) (*MeshConfig, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Supports ${VAR}, $VAR and ${VAR:-default}.
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

// Validate checks the configuration for errors.
func (c *MeshConfig) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if c.Fragment.FragmentSize < 20 {
		errs = append(errs, "fragment.fragment_size must be at least 20 bytes (4-byte header plus payload)")
	}
	if c.Fragment.MaxMessageSize < c.Fragment.FragmentSize {
		errs = append(errs, "fragment.max_message_size must be >= fragment_size")
	}
	if c.Fragment.MaxPendingFragments < 1 {
		errs = append(errs, "fragment.max_pending_fragments must be positive")
	}

	if c.Dedup.BloomSizeBits < 8 {
		errs = append(errs, "dedup.bloom_size_bits must be at least 8")
	}
	if c.Dedup.BloomHashCount < 1 {
		errs = append(errs, "dedup.bloom_hash_count must be positive")
	}
	if c.Dedup.LRUCapacity < 1 {
		errs = append(errs, "dedup.lru_capacity must be positive")
	}

	if c.Transport.MaxHops < 1 || c.Transport.MaxHops > 255 {
		errs = append(errs, "transport.max_hops must be between 1 and 255")
	}
	if c.Transport.MaxPeers < 1 {
		errs = append(errs, "transport.max_peers must be positive")
	}
	if !isValidPolicy(c.Transport.Policy) {
		errs = append(errs, fmt.Sprintf("invalid transport.policy: %s (must be ble_only, wifi_only, auto, or redundant)", c.Transport.Policy))
	}
	if c.Transport.WifiDirect.Enabled && !isValidCarrier(c.Transport.WifiDirect.Carrier) {
		errs = append(errs, fmt.Sprintf("invalid transport.wifi_direct.carrier: %s (must be websocket or quic)", c.Transport.WifiDirect.Carrier))
	}

	if c.Health.LatencyEMAAlpha <= 0 || c.Health.LatencyEMAAlpha > 1 {
		errs = append(errs, "health.latency_ema_alpha must be in (0, 1]")
	}

	if c.Channel.BcryptCost < 4 || c.Channel.BcryptCost > 31 {
		errs = append(errs, "channel.bcrypt_cost must be between 4 and 31")
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

func isValidPolicy(policy string) bool {
	switch policy {
	case "ble_only", "wifi_only", "auto", "redundant":
		return true
	default:
		return false
	}
}

func isValidCarrier(carrier string) bool {
	switch carrier {
	case "websocket", "quic":
		return true
	default:
		return false
	}
}

// String returns a YAML representation of the config for debugging.
func (c *MeshConfig) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
