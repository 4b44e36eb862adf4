// Telemetry-server ingests GPS telemetry from fleet tracking devices over
// raw TCP, auto-detecting whether each connection speaks the Teltonika
// Codec 8/8E binary protocol or the TFMS90 text protocol.
//
// Usage:
//
//	telemetry-server server [flags]
//
// See 'telemetry-server server --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetpulse/telemetry-server/internal/config"
	"github.com/fleetpulse/telemetry-server/internal/ingestserver"
	"github.com/fleetpulse/telemetry-server/internal/obs"
	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/registry/rest"
	"github.com/fleetpulse/telemetry-server/internal/registry/sinkpg"
	"github.com/fleetpulse/telemetry-server/internal/sink"
)

const buildVersion = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "telemetry-server",
	Short:   "GPS telemetry ingestion server",
	Long:    `A standalone TCP server that ingests GPS telemetry from Teltonika and TFMS90 tracking devices.`,
	Version: buildVersion,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

var (
	configPath     string
	host           string
	port           int
	bufferSize     int
	maxConnections int
	idleTimeoutSec int
	logLevel       string
	registryDSN    string
	sinkDSN        string
	restBaseURL    string
	restAPIKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the ingestion server",
	Long: `Start the telemetry ingestion server to accept connections from tracking devices.

Flags default to the values already loaded from the environment (and an
optional .env file); pass a flag explicitly to override it for this run.

By default, devices and telemetry are held in memory only. Set
--registry-dsn or --sink-dsn to persist both to one Postgres database, or
--rest-base-url to use a PostgREST-style HTTP backend for the device
registry (telemetry is then held in memory).`,
	Example: `  # Start with defaults (in-memory registry and sink)
  telemetry-server server

  # Start on a custom port with debug logging
  telemetry-server server --port 6000 --log-level debug

  # Start against Postgres
  telemetry-server server --registry-dsn "$DATABASE_URL" --sink-dsn "$DATABASE_URL"`,
	RunE: runServer,
}

func init() {
	defaults, err := config.Load()
	if err != nil {
		defaults = config.Settings{TCPHost: "0.0.0.0", TCPPort: 23000, BufferSize: 4096, MaxConnections: 1000, IdleTimeoutSec: 600}
	}

	serverCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (overridden by flags and environment variables)")
	serverCmd.Flags().StringVar(&host, "host", defaults.TCPHost, "Server host (listens on all interfaces by default)")
	serverCmd.Flags().IntVar(&port, "port", defaults.TCPPort, "Server port")
	serverCmd.Flags().IntVar(&bufferSize, "buffer-size", defaults.BufferSize, "Per-connection read buffer size in bytes")
	serverCmd.Flags().IntVar(&maxConnections, "max-connections", defaults.MaxConnections, "Maximum simultaneous connections")
	serverCmd.Flags().IntVar(&idleTimeoutSec, "idle-timeout", defaults.IdleTimeoutSec, "Idle read timeout in seconds (0 disables)")
	serverCmd.Flags().StringVar(&logLevel, "log-level", defaults.LogLevel, "Log level (debug, info, warn, error; empty = silent)")
	serverCmd.Flags().StringVar(&registryDSN, "registry-dsn", defaults.RegistryDSN, "Postgres DSN for the device registry and telemetry sink (empty = use --sink-dsn; both empty = in-memory)")
	serverCmd.Flags().StringVar(&sinkDSN, "sink-dsn", defaults.SinkDSN, "Postgres DSN for the registry and telemetry sink, used only when --registry-dsn is empty (both empty = in-memory)")
	serverCmd.Flags().StringVar(&restBaseURL, "rest-base-url", defaults.RESTBaseURL, "PostgREST-style base URL for the registry (overrides --registry-dsn and --sink-dsn; telemetry is then held in memory)")
	serverCmd.Flags().StringVar(&restAPIKey, "rest-api-key", defaults.RESTAPIKey, "API key for --rest-base-url")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := obs.Initialize(logLevel); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer obs.Sync()

	settings := config.Settings{
		TCPHost:        host,
		TCPPort:        port,
		BufferSize:     bufferSize,
		MaxConnections: maxConnections,
		IdleTimeoutSec: idleTimeoutSec,
		LogLevel:       logLevel,
		RegistryDSN:    registryDSN,
		SinkDSN:        sinkDSN,
		RESTBaseURL:    restBaseURL,
		RESTAPIKey:     restAPIKey,
	}

	if configPath != "" {
		fileSettings, err := config.LoadWithConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		applyUnsetFlagsFromConfig(cmd, &settings, fileSettings)
		registryDSN, sinkDSN, restBaseURL, restAPIKey = settings.RegistryDSN, settings.SinkDSN, settings.RESTBaseURL, settings.RESTAPIKey
	}

	reg, snk, err := buildBackends()
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}

	srv := ingestserver.New(settings, reg, snk)
	return srv.Start()
}

// applyUnsetFlagsFromConfig fills settings with the config-file value for
// every flag the user did not pass explicitly on the command line. file
// already has the environment layered over the config file, so precedence
// is flags > environment > config file > built-in defaults.
func applyUnsetFlagsFromConfig(cmd *cobra.Command, settings *config.Settings, file config.Settings) {
	flags := cmd.Flags()
	if !flags.Changed("host") {
		settings.TCPHost = file.TCPHost
	}
	if !flags.Changed("port") {
		settings.TCPPort = file.TCPPort
	}
	if !flags.Changed("buffer-size") {
		settings.BufferSize = file.BufferSize
	}
	if !flags.Changed("max-connections") {
		settings.MaxConnections = file.MaxConnections
	}
	if !flags.Changed("idle-timeout") {
		settings.IdleTimeoutSec = file.IdleTimeoutSec
	}
	if !flags.Changed("log-level") {
		settings.LogLevel = file.LogLevel
	}
	if !flags.Changed("registry-dsn") {
		settings.RegistryDSN = file.RegistryDSN
	}
	if !flags.Changed("sink-dsn") {
		settings.SinkDSN = file.SinkDSN
	}
	if !flags.Changed("rest-base-url") {
		settings.RESTBaseURL = file.RESTBaseURL
	}
	if !flags.Changed("rest-api-key") {
		settings.RESTAPIKey = file.RESTAPIKey
	}
}

// buildBackends wires the registry/sink ports to a concrete backend: a
// REST-style registry client with an in-memory sink when a base URL is
// configured, else one shared Postgres store opened from the registry DSN
// (or the sink DSN when that is the only one set), or in-memory fakes
// otherwise.
func buildBackends() (registry.Registry, sink.Sink, error) {
	if restBaseURL != "" {
		client := rest.New(restBaseURL, restAPIKey)
		return client, sink.NewMemSink(), nil
	}

	if registryDSN != "" || sinkDSN != "" {
		dsn := registryDSN
		if dsn == "" {
			dsn = sinkDSN
		}
		store, err := sinkpg.Open(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store, nil
	}

	return registry.NewMemRegistry(), sink.NewMemSink(), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("telemetry-server %s\n", buildVersion)
	},
}
