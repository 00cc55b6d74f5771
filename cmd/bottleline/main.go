// Bottleline - PLC session supervisor for a bottling line
//
// Keeps one S7 session alive with automatic reconnect, watches the
// configured tags, and republishes them via REST API, SSE, MQTT, Valkey
// and Kafka.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"bottleline/api"
	"bottleline/config"
	"bottleline/engine"
	"bottleline/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	plcAddress  = flag.String("plc", "", "PLC address (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	adminUser   = flag.String("admin-user", "", "Create/update API user (saves to config)")
	adminPass   = flag.String("admin-pass", "", "Password for API user (saves to config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	noConnect   = flag.Bool("no-connect", false, "Do not connect or auto-reconnect at startup (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable protocol debug logging to debug.log (all, or a list of: "+
			strings.Join(logging.KnownProtocols(), ",")+")")
)

func main() {
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("bottleline %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// The PLC address is persisted so the supervisor reads it back on the
	// next connect attempt.
	if *plcAddress != "" {
		cfg.PLC.Address = *plcAddress
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PLC address set to '%s' and saved to config\n", *plcAddress)
	}

	// Override from flags (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *noConnect {
		cfg.Reconnect.AutoStart = false
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			logger.Warn().Err(err).Msg("failed to open debug log")
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			logger.Info().Str("filter", *logDebug).Msg("protocol debug logging to debug.log")
			defer debugLogger.Close()
		}
	}

	run(cfg, logger)
}

func run(cfg *config.Config, logger zerolog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		Logger:     logger,
		Registry:   registry,
	})

	if *adminUser != "" && *adminPass != "" {
		if err := eng.SetWebUser(*adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving API user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("API user '%s' configured\n", *adminUser)
	}

	eng.Start()

	var server *api.Server
	if cfg.Web.Enabled {
		server = api.NewServer(eng, logger)
		if err := server.Start(); err != nil {
			logger.Warn().Err(err).Int("port", cfg.Web.Port).Msg("failed to start API server, continuing without it")
			server = nil
		} else {
			fmt.Printf("REST API: %s/api/\n", server.Address())
			fmt.Printf("Metrics:  %s/metrics\n", server.Address())
		}
	}

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if server != nil {
			server.Stop()
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("shutdown timed out")
	}

	fmt.Println("Stopped")
}
