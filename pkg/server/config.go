package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort  int `toml:"tcp_port"`
	HTTPPort int `toml:"http_port"`
}

type LimitsSection struct {
	MaxMessageLength     int `toml:"max_message_length"`
	MaxUsernameLength    int `toml:"max_username_length"`
	SubscriberBufferSize int `toml:"subscriber_buffer_size"`
	BcryptCost           int `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  6467,
			HTTPPort: 8080, // /ws, /metrics, /health
		},
		Limits: LimitsSection{
			MaxMessageLength:     4096, // bytes
			MaxUsernameLength:    32,
			SubscriberBufferSize: 100, // pending broadcasts per subscriber
			BcryptCost:           0,   // 0 = library default
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates a default file if
// none exists, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config. If we can't write
		// (permissions), just run on defaults.
		config := DefaultTOMLConfig()
		_ = writeDefaultConfig(path, config)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Variables follow the pattern CHATRELAY_SECTION_KEY,
// e.g. CHATRELAY_SERVER_TCP_PORT=9000.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("CHATRELAY_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("CHATRELAY_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("CHATRELAY_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("CHATRELAY_LIMITS_MAX_USERNAME_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxUsernameLength = limit
		}
	}
	if val := os.Getenv("CHATRELAY_LIMITS_SUBSCRIBER_BUFFER_SIZE"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.SubscriberBufferSize = limit
		}
	}
	return config
}

// writeDefaultConfig writes the default config file with comments
func writeDefaultConfig(path string, config TOMLConfig) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	content := fmt.Sprintf(`# chatrelay server configuration

[server]
tcp_port = %d
http_port = %d  # /ws, /metrics, /health (0 = disabled)

[limits]
max_message_length = %d
max_username_length = %d
subscriber_buffer_size = %d  # pending broadcasts buffered per subscriber
bcrypt_cost = %d  # 0 = library default
`,
		config.Server.TCPPort,
		config.Server.HTTPPort,
		config.Limits.MaxMessageLength,
		config.Limits.MaxUsernameLength,
		config.Limits.SubscriberBufferSize,
		config.Limits.BcryptCost,
	)

	return os.WriteFile(path, []byte(content), 0644)
}

// ServerConfig is the resolved runtime configuration.
type ServerConfig struct {
	TCPPort              int
	HTTPPort             int
	MaxMessageLength     int
	MaxUsernameLength    int
	SubscriberBufferSize int
	BcryptCost           int
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().Runtime()
}

// Runtime converts the file representation into the runtime configuration,
// filling in zero values with defaults.
func (c TOMLConfig) Runtime() ServerConfig {
	cfg := ServerConfig{
		TCPPort:              c.Server.TCPPort,
		HTTPPort:             c.Server.HTTPPort,
		MaxMessageLength:     c.Limits.MaxMessageLength,
		MaxUsernameLength:    c.Limits.MaxUsernameLength,
		SubscriberBufferSize: c.Limits.SubscriberBufferSize,
		BcryptCost:           c.Limits.BcryptCost,
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = 32
	}
	if cfg.SubscriberBufferSize <= 0 {
		cfg.SubscriberBufferSize = 100
	}
	return cfg
}
