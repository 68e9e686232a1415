// assetstore is a chunked, content-addressed store for image and video assets.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/bertiespell/asset-canister/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assetstore",
		Short: "assetstore - chunked asset store with per-identity quotas",
		Long: `assetstore stores images and videos uploaded in chunks by authenticated
callers, enforces per-identity rate limits and moderation, and streams files
back one chunk at a time.

QUICK START:

  # Generate a secret and start the server:
  export ASSETSTORE_AUTH_SECRET=$(openssl rand -hex 32)
  assetstore serve --data-dir ./data

  # Mint a caller token:
  assetstore token alice

  # Upload a single-chunk image:
  curl -H "Authorization: Bearer $TOKEN" --data-binary @cat.png \
    "http://localhost:8080/api/files?name=cat.png&chunks=1&type=image/png"

For more help on any command, use: assetstore <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")

	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newAdminCmd())
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("assetstore %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(logOutput())
}

// logOutput returns the stderr writer for --log-format.
func logOutput() io.Writer {
	if logFormat == "json" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr}
}

// runAsService is the entry point when started by the service manager.
// Logs go to stderr as JSON for the platform log collector.
func runAsService() {
	logFormat = "json"
	logLevel = "info"

	// Parse the service-specific flags manually
	var configPath, dataDir string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
		if arg == "--data-dir" && i+1 < len(os.Args) {
			dataDir = os.Args[i+1]
		}
		if (arg == "--log-level" || arg == "-l") && i+1 < len(os.Args) {
			logLevel = os.Args[i+1]
		}
	}
	setupLogging()

	cfg := svc.DefaultServiceConfig()
	if configPath != "" {
		cfg.ConfigPath = configPath
	}
	cfg.DataDir = dataDir

	log.Info().Str("config", cfg.ConfigPath).Str("version", Version).Msg("starting as service")

	prg := &svc.Program{
		ConfigPath: cfg.ConfigPath,
		Run:        serveRunner(dataDir),
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}
