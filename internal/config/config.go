// Package config loads resource manager / server node configuration from
// the environment (and an optional .env file), following the same
// getEnv*-with-default pattern throughout.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is shared by both binaries; each reads only the sections it
// needs.
type Config struct {
	ResourceManager ResourceManagerConfig
	ServerNode      ServerNodeConfig
	Logging         LoggingConfig
	Admin           AdminConfig
}

// ResourceManagerConfig configures cmd/resourcemanager.
type ResourceManagerConfig struct {
	ListenHost       string
	ListenPort       int
	InventoryTimeout time.Duration
	RequestTimeout   time.Duration
}

// ServerNodeConfig configures cmd/servernode.
type ServerNodeConfig struct {
	ResourceManagerHost string
	ResourceManagerPort int
	DialTimeout         time.Duration
	ReconnectBackoff    time.Duration
	ReconnectMaxBackoff time.Duration
	PreferredBackend    string // cuda, rocm, or auto
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level          string
	SyslogEnabled  bool
	SyslogNetwork  string
	SyslogAddress  string
	SyslogTag      string
	SyslogFacility string
	LogFile        string
}

// AdminConfig configures the read-only HTTP observability surface.
type AdminConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// Load reads configuration from the environment, applying a .env file in
// the working directory first if one is present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ResourceManager: ResourceManagerConfig{
			ListenHost:       getEnv("RM_LISTEN_HOST", "0.0.0.0"),
			ListenPort:       getEnvAsInt("RM_LISTEN_PORT", 7716),
			InventoryTimeout: getEnvAsDuration("RM_INVENTORY_TIMEOUT", 10*time.Second),
			RequestTimeout:   getEnvAsDuration("RM_REQUEST_TIMEOUT", 15*time.Second),
		},
		ServerNode: ServerNodeConfig{
			ResourceManagerHost: getEnv("SNODE_RM_HOST", "127.0.0.1"),
			ResourceManagerPort: getEnvAsInt("SNODE_RM_PORT", 7716),
			DialTimeout:         getEnvAsDuration("SNODE_DIAL_TIMEOUT", 5*time.Second),
			ReconnectBackoff:    getEnvAsDuration("SNODE_RECONNECT_BACKOFF", 500*time.Millisecond),
			ReconnectMaxBackoff: getEnvAsDuration("SNODE_RECONNECT_MAX_BACKOFF", 30*time.Second),
			PreferredBackend:    getEnv("SNODE_PREFERRED_BACKEND", "auto"),
		},
		Logging: LoggingConfig{
			Level:          getEnv("LOG_LEVEL", "INFO"),
			SyslogEnabled:  getEnvAsBool("SYSLOG_ENABLED", false),
			SyslogNetwork:  getEnv("SYSLOG_NETWORK", ""),
			SyslogAddress:  getEnv("SYSLOG_ADDRESS", ""),
			SyslogTag:      getEnv("SYSLOG_TAG", "flyt"),
			SyslogFacility: getEnv("SYSLOG_FACILITY", "LOG_LOCAL0"),
			LogFile:        getEnv("LOG_FILE", ""),
		},
		Admin: AdminConfig{
			Enabled: getEnvAsBool("ADMIN_ENABLED", true),
			Host:    getEnv("ADMIN_HOST", "0.0.0.0"),
			Port:    getEnvAsInt("ADMIN_PORT", 7717),
		},
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that would fail immediately at startup
// anyway, surfacing the problem before any socket is opened.
func (c *Config) Validate() error {
	if c.ResourceManager.ListenPort <= 0 || c.ResourceManager.ListenPort > 65535 {
		return fmt.Errorf("RM_LISTEN_PORT out of range: %d", c.ResourceManager.ListenPort)
	}
	if c.ServerNode.ResourceManagerPort <= 0 || c.ServerNode.ResourceManagerPort > 65535 {
		return fmt.Errorf("SNODE_RM_PORT out of range: %d", c.ServerNode.ResourceManagerPort)
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("ADMIN_PORT out of range: %d", c.Admin.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	fmt.Sscanf(valueStr, "%d", &value)
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}
