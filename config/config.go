// Package config provides configuration loading and management for the
// OTA update agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/otaagent/agent"
)

// Config represents the complete agent configuration.
type Config struct {
	Device   DeviceConfig      `yaml:"device"`
	MQTT     MQTTConfig        `yaml:"mqtt"`
	Storage  StorageConfig     `yaml:"storage"`
	RootKeys RootKeyConfig     `yaml:"rootkeys"`
	Download DownloadConfig    `yaml:"download"`
	Handlers HandlersConfig    `yaml:"handlers"`
	Engine   EngineConfig      `yaml:"engine"`
	Retry    agent.RetryParams `yaml:"retry"`
}

// DeviceConfig identifies the device to the service.
type DeviceConfig struct {
	// DeviceID is the device identity used in topic templates.
	DeviceID string `yaml:"device_id"`
	// Instance optionally scopes topics to a DU instance.
	Instance string `yaml:"instance"`
	// Compatibility is advertised through agent-info and matched against
	// manifest compatibility sets.
	Compatibility map[string]string `yaml:"compatibility"`
}

// MQTTConfig configures the broker session.
type MQTTConfig struct {
	// BrokerURL is tcp://host:port or tls://host:port.
	BrokerURL string `yaml:"broker_url"`
	// ClientID defaults to the device id.
	ClientID string `yaml:"client_id"`
	// KeepAlive is the keep-alive interval in seconds.
	KeepAlive uint16 `yaml:"keep_alive"`
	// SessionExpirySeconds keeps broker session state across short drops.
	SessionExpirySeconds uint32 `yaml:"session_expiry_seconds"`
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CertFile and KeyFile are the client certificate pair presented to
	// tls:// brokers; both must be set together.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile overrides the system roots for broker verification.
	CAFile string `yaml:"ca_file"`
}

// StorageConfig locates the agent's on-disk state.
type StorageConfig struct {
	// SandboxBase is the parent directory for per-workflow sandboxes.
	SandboxBase string `yaml:"sandbox_base"`
	// SnapshotFile is the workflow crash snapshot path.
	SnapshotFile string `yaml:"snapshot_file"`
	// RootKeyFile is the persisted root-key package path.
	RootKeyFile string `yaml:"rootkey_file"`
	// StagingDir holds in-flight downloads that are not workflow payloads.
	StagingDir string `yaml:"staging_dir"`
}

// RootKeyConfig configures root-key package refresh.
type RootKeyConfig struct {
	// PackageURL is the root-key package source; empty disables refresh.
	PackageURL string `yaml:"package_url"`
	// RefreshInterval is the steady-state refresh cadence.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DownloadConfig tunes the payload downloader.
type DownloadConfig struct {
	// Timeout bounds one HTTP request.
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts bounds transient-error retries per payload.
	MaxAttempts uint64 `yaml:"max_attempts"`
}

// HandlersConfig configures content-handler registration.
type HandlersConfig struct {
	// Allowlist restricts registrable update types; doublestar patterns
	// over "provider/name" (empty = allow all).
	Allowlist []string `yaml:"allowlist"`
	// ShellTypes lists update types served by the script handler
	// (e.g. "contoso/script:1").
	ShellTypes []string `yaml:"shell_types"`
	// ShellTimeout bounds one script invocation.
	ShellTimeout time.Duration `yaml:"shell_timeout"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	// MaxManifestDepth bounds detached-manifest nesting.
	MaxManifestDepth int `yaml:"max_manifest_depth"`
	// CancelTimeout bounds the wait for a handler's cancel return.
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	// TickInterval is the agent loop cadence.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			KeepAlive:            60,
			SessionExpirySeconds: 3600,
			ConnectTimeout:       30 * time.Second,
		},
		Storage: StorageConfig{
			SandboxBase:  "/var/lib/otaagent/sandbox",
			SnapshotFile: "/var/lib/otaagent/state/snapshot.json",
			RootKeyFile:  "/var/lib/otaagent/state/rootkeys.json",
			StagingDir:   "/var/lib/otaagent/staging",
		},
		RootKeys: RootKeyConfig{
			RefreshInterval: 24 * time.Hour,
		},
		Download: DownloadConfig{
			Timeout:     10 * time.Minute,
			MaxAttempts: 3,
		},
		Handlers: HandlersConfig{
			ShellTimeout: 10 * time.Minute,
		},
		Engine: EngineConfig{
			MaxManifestDepth: 4,
			CancelTimeout:    30 * time.Second,
			TickInterval:     100 * time.Millisecond,
		},
		Retry: agent.DefaultRetryParams(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Device.DeviceID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}
	if c.Storage.SandboxBase == "" {
		return fmt.Errorf("storage.sandbox_base is required")
	}
	if c.Storage.SnapshotFile == "" {
		return fmt.Errorf("storage.snapshot_file is required")
	}
	if c.Storage.RootKeyFile == "" {
		return fmt.Errorf("storage.rootkey_file is required")
	}
	if (c.MQTT.CertFile == "") != (c.MQTT.KeyFile == "") {
		return fmt.Errorf("mqtt.cert_file and mqtt.key_file must be set together")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1")
	}
	if c.Engine.MaxManifestDepth < 1 {
		return fmt.Errorf("engine.max_manifest_depth must be at least 1")
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other.Device.DeviceID != "" {
		c.Device.DeviceID = other.Device.DeviceID
	}
	if other.Device.Instance != "" {
		c.Device.Instance = other.Device.Instance
	}
	if len(other.Device.Compatibility) > 0 {
		c.Device.Compatibility = other.Device.Compatibility
	}
	if other.MQTT.BrokerURL != "" {
		c.MQTT.BrokerURL = other.MQTT.BrokerURL
	}
	if other.MQTT.ClientID != "" {
		c.MQTT.ClientID = other.MQTT.ClientID
	}
	if other.MQTT.KeepAlive != 0 {
		c.MQTT.KeepAlive = other.MQTT.KeepAlive
	}
	if other.MQTT.SessionExpirySeconds != 0 {
		c.MQTT.SessionExpirySeconds = other.MQTT.SessionExpirySeconds
	}
	if other.MQTT.ConnectTimeout != 0 {
		c.MQTT.ConnectTimeout = other.MQTT.ConnectTimeout
	}
	if other.MQTT.CertFile != "" {
		c.MQTT.CertFile = other.MQTT.CertFile
	}
	if other.MQTT.KeyFile != "" {
		c.MQTT.KeyFile = other.MQTT.KeyFile
	}
	if other.MQTT.CAFile != "" {
		c.MQTT.CAFile = other.MQTT.CAFile
	}
	if other.Storage.SandboxBase != "" {
		c.Storage.SandboxBase = other.Storage.SandboxBase
	}
	if other.Storage.SnapshotFile != "" {
		c.Storage.SnapshotFile = other.Storage.SnapshotFile
	}
	if other.Storage.RootKeyFile != "" {
		c.Storage.RootKeyFile = other.Storage.RootKeyFile
	}
	if other.Storage.StagingDir != "" {
		c.Storage.StagingDir = other.Storage.StagingDir
	}
	if other.RootKeys.PackageURL != "" {
		c.RootKeys.PackageURL = other.RootKeys.PackageURL
	}
	if other.RootKeys.RefreshInterval != 0 {
		c.RootKeys.RefreshInterval = other.RootKeys.RefreshInterval
	}
	if other.Download.Timeout != 0 {
		c.Download.Timeout = other.Download.Timeout
	}
	if other.Download.MaxAttempts != 0 {
		c.Download.MaxAttempts = other.Download.MaxAttempts
	}
	if len(other.Handlers.Allowlist) > 0 {
		c.Handlers.Allowlist = other.Handlers.Allowlist
	}
	if len(other.Handlers.ShellTypes) > 0 {
		c.Handlers.ShellTypes = other.Handlers.ShellTypes
	}
	if other.Handlers.ShellTimeout != 0 {
		c.Handlers.ShellTimeout = other.Handlers.ShellTimeout
	}
	if other.Engine.MaxManifestDepth != 0 {
		c.Engine.MaxManifestDepth = other.Engine.MaxManifestDepth
	}
	if other.Engine.CancelTimeout != 0 {
		c.Engine.CancelTimeout = other.Engine.CancelTimeout
	}
	if other.Engine.TickInterval != 0 {
		c.Engine.TickInterval = other.Engine.TickInterval
	}
	if other.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = other.Retry.InitialDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.Multiplier != 0 {
		c.Retry.Multiplier = other.Retry.Multiplier
	}
	if other.Retry.Jitter != 0 {
		c.Retry.Jitter = other.Retry.Jitter
	}
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.AttemptTimeout != 0 {
		c.Retry.AttemptTimeout = other.Retry.AttemptTimeout
	}
	if other.Retry.OverallTimeout != 0 {
		c.Retry.OverallTimeout = other.Retry.OverallTimeout
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
