package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// SystemConfigFile is the device-wide config location.
	SystemConfigFile = "/etc/otaagent/config.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/otaagent"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. System config (/etc/otaagent/config.yaml)
// 3. User config (~/.config/otaagent/config.yaml)
// 4. Explicit path (highest precedence; from the --config flag)
func (l *Loader) Load(explicitPath string) (*Config, error) {
	config := DefaultConfig()

	if systemConfig, err := LoadFromFile(SystemConfigFile); err == nil {
		l.logger.Debug("Loaded system config", slog.String("path", SystemConfigFile))
		config.Merge(systemConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load system config", slog.String("path", SystemConfigFile), slog.String("error", err.Error()))
	}

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	if explicitPath != "" {
		explicit, err := LoadFromFile(explicitPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded explicit config", slog.String("path", explicitPath))
		config.Merge(explicit)
	}

	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = config.Device.DeviceID
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(UserConfigDir, UserConfigFile)
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}
