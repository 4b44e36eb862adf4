// Package config loads the server's environment-derived settings, keeping
// the teacher's sync.Once-guarded global-load shape but dropping the
// desktop XDG config-dir machinery that shape originally served.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the process configuration described in §6: TCP endpoint,
// buffer and connection caps, log level, and the two external-store
// connection strings (opaque to the core beyond "how do I reach it").
type Settings struct {
	TCPHost        string
	TCPPort        int
	BufferSize     int
	MaxConnections int
	LogLevel       string
	IdleTimeoutSec int

	RegistryDSN string
	SinkDSN     string

	RESTBaseURL string
	RESTAPIKey  string
}

func defaults() Settings {
	return Settings{
		TCPHost:        "0.0.0.0",
		TCPPort:        23000,
		BufferSize:     4096,
		MaxConnections: 1000,
		LogLevel:       "",
		IdleTimeoutSec: 600,
	}
}

var (
	once   sync.Once
	global Settings
)

// yamlOverlay mirrors Settings for an optional static config file, the same
// encoding the teacher used for its device-nickname registry, now describing
// server settings instead.
type yamlOverlay struct {
	TCPHost        string `yaml:"tcp_host"`
	TCPPort        int    `yaml:"tcp_port"`
	BufferSize     int    `yaml:"buffer_size"`
	MaxConnections int    `yaml:"max_connections"`
	LogLevel       string `yaml:"log_level"`
	IdleTimeoutSec int    `yaml:"idle_timeout_sec"`
	RegistryDSN    string `yaml:"registry_dsn"`
	SinkDSN        string `yaml:"sink_dsn"`
	RESTBaseURL    string `yaml:"rest_base_url"`
	RESTAPIKey     string `yaml:"rest_api_key"`
}

func applyYAMLOverlay(s Settings, path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return s, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.TCPHost != "" {
		s.TCPHost = overlay.TCPHost
	}
	if overlay.TCPPort != 0 {
		s.TCPPort = overlay.TCPPort
	}
	if overlay.BufferSize != 0 {
		s.BufferSize = overlay.BufferSize
	}
	if overlay.MaxConnections != 0 {
		s.MaxConnections = overlay.MaxConnections
	}
	if overlay.LogLevel != "" {
		s.LogLevel = overlay.LogLevel
	}
	if overlay.IdleTimeoutSec != 0 {
		s.IdleTimeoutSec = overlay.IdleTimeoutSec
	}
	if overlay.RegistryDSN != "" {
		s.RegistryDSN = overlay.RegistryDSN
	}
	if overlay.SinkDSN != "" {
		s.SinkDSN = overlay.SinkDSN
	}
	if overlay.RESTBaseURL != "" {
		s.RESTBaseURL = overlay.RESTBaseURL
	}
	if overlay.RESTAPIKey != "" {
		s.RESTAPIKey = overlay.RESTAPIKey
	}
	return s, nil
}

// Load reads an optional .env file (godotenv, silently ignored if absent)
// then overlays environment variables onto the documented defaults. It
// never returns an error for a missing .env file; only a malformed numeric
// environment variable is fatal, since that is a boot-time misconfiguration.
func Load() (Settings, error) {
	return applyEnvOverlay(defaults())
}

// LoadWithConfigFile layers a static YAML config file between the defaults
// and the environment: file values override defaults, then environment
// variables (and an optional .env) override the file. Use this when a
// --config flag is provided; otherwise prefer Load.
func LoadWithConfigFile(path string) (Settings, error) {
	s, err := applyYAMLOverlay(defaults(), path)
	if err != nil {
		return s, err
	}
	return applyEnvOverlay(s)
}

func applyEnvOverlay(s Settings) (Settings, error) {
	_ = godotenv.Load()

	if v := os.Getenv("TCP_HOST"); v != "" {
		s.TCPHost = v
	}
	if v := os.Getenv("TCP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("config: TCP_PORT: %w", err)
		}
		s.TCPPort = n
	}
	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("config: BUFFER_SIZE: %w", err)
		}
		s.BufferSize = n
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("config: MAX_CONNECTIONS: %w", err)
		}
		s.MaxConnections = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, fmt.Errorf("config: IDLE_TIMEOUT: %w", err)
		}
		s.IdleTimeoutSec = n
	}
	if v := os.Getenv("REGISTRY_DSN"); v != "" {
		s.RegistryDSN = v
	}
	if v := os.Getenv("SINK_DSN"); v != "" {
		s.SinkDSN = v
	}
	if v := os.Getenv("REGISTRY_REST_URL"); v != "" {
		s.RESTBaseURL = v
	}
	if v := os.Getenv("REGISTRY_REST_KEY"); v != "" {
		s.RESTAPIKey = v
	}

	return s, nil
}

// MustLoad loads global settings exactly once per process, matching the
// teacher's sync.Once-guarded singleton registry accessor.
func MustLoad() Settings {
	once.Do(func() {
		s, err := Load()
		if err != nil {
			panic(fmt.Sprintf("config: %v", err))
		}
		global = s
	})
	return global
}
