package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Device.DeviceID = "dev-1"
	cfg.MQTT.BrokerURL = "tls://broker.example.com:8883"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing device id", func(c *Config) { c.Device.DeviceID = "" }, true},
		{"missing broker url", func(c *Config) { c.MQTT.BrokerURL = "" }, true},
		{"missing sandbox base", func(c *Config) { c.Storage.SandboxBase = "" }, true},
		{"missing snapshot file", func(c *Config) { c.Storage.SnapshotFile = "" }, true},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }, true},
		{"cert without key", func(c *Config) { c.MQTT.CertFile = "/etc/otaagent/client.crt" }, true},
		{"cert with key", func(c *Config) {
			c.MQTT.CertFile = "/etc/otaagent/client.crt"
			c.MQTT.KeyFile = "/etc/otaagent/client.key"
		}, false},
		{"zero manifest depth", func(c *Config) { c.Engine.MaxManifestDepth = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Merge(t *testing.T) {
	base := DefaultConfig()
	overlay := &Config{}
	overlay.Device.DeviceID = "dev-2"
	overlay.MQTT.BrokerURL = "tcp://localhost:1883"
	overlay.Engine.TickInterval = time.Second
	overlay.Handlers.Allowlist = []string{"microsoft/*"}

	base.Merge(overlay)

	if base.Device.DeviceID != "dev-2" {
		t.Errorf("device id = %q", base.Device.DeviceID)
	}
	if base.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("broker url = %q", base.MQTT.BrokerURL)
	}
	if base.Engine.TickInterval != time.Second {
		t.Errorf("tick interval = %v", base.Engine.TickInterval)
	}
	if len(base.Handlers.Allowlist) != 1 {
		t.Errorf("allowlist = %v", base.Handlers.Allowlist)
	}
	// Untouched fields keep their defaults.
	if base.MQTT.KeepAlive != 60 {
		t.Errorf("keep alive = %d", base.MQTT.KeepAlive)
	}
	if base.Engine.MaxManifestDepth != 4 {
		t.Errorf("manifest depth = %d", base.Engine.MaxManifestDepth)
	}
}

func TestConfig_FileRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Handlers.ShellTypes = []string{"contoso/script:1"}
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	got, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if got.Device.DeviceID != "dev-1" || got.MQTT.BrokerURL != cfg.MQTT.BrokerURL {
		t.Errorf("round trip = %+v", got)
	}
	if len(got.Handlers.ShellTypes) != 1 {
		t.Errorf("shell types = %v", got.Handlers.ShellTypes)
	}
}

func TestLoader_ExplicitPathWinsAndDefaultsClientID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
device:
  device_id: dev-9
mqtt:
  broker_url: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Device.DeviceID != "dev-9" {
		t.Errorf("device id = %q", cfg.Device.DeviceID)
	}
	// Client id falls back to the device id.
	if cfg.MQTT.ClientID != "dev-9" {
		t.Errorf("client id = %q", cfg.MQTT.ClientID)
	}
	// Defaults survive for unset sections.
	if cfg.Storage.SnapshotFile == "" {
		t.Error("snapshot file default lost")
	}
}

func TestLoader_MissingExplicitPathFails(t *testing.T) {
	if _, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded with missing explicit config")
	}
}
