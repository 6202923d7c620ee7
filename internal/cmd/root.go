package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/casepilot/internal/config"
	"github.com/dativo-io/casepilot/internal/otel"
)

// resolvedVersion prefers the module version recorded by go install over the
// "dev" placeholder.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// tracer is shared by all CLI commands.
var tracer = otel.Tracer("github.com/dativo-io/casepilot/internal/cmd")

var (
	otelShutdown func(context.Context) error

	// Set via -ldflags at build time.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "casepilot",
	Short: "Decision engine for public records requests",
	Long: `Casepilot reads agency correspondence on public records requests and
decides what to do next.

Each case runs through a bounded decision loop: classify the latest reply,
check the request's constraints, draft a response and pass it through the
policy gate. Drafts that need a human wait for approval; every decision is
written to an HMAC-signed decision log.`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		otelEnabled := otelFlag || verbose || os.Getenv("CASEPILOT_OTEL_ENABLED") == "true"
		shutdown, err := otel.Setup("casepilot", resolvedVersion(), otelEnabled)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}

		otelShutdown = shutdown

		return nil
	},
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr; stdout carries command output such as --json.
	if logFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./casepilot.config.yaml or ~/.casepilot/casepilot.config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	pf.BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stdout)")
	pf.String("policy", "", "decision policy file (default: "+config.DefaultPolicy+")")
	pf.String("data-dir", "", "directory for the database and derived keys (default: ~/.casepilot)")
	pf.String("mode", "", "override the autopilot mode: AUTO, SUPERVISED or MANUAL")

	_ = viper.BindPFlag("verbose", pf.Lookup("verbose"))
	_ = viper.BindPFlag("otel", pf.Lookup("otel"))
	_ = viper.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))
	_ = viper.BindPFlag(config.KeyDefaultPolicy, pf.Lookup("policy"))
	_ = viper.BindPFlag(config.KeyDataDir, pf.Lookup("data-dir"))
	_ = viper.BindPFlag(config.KeyAutopilotMode, pf.Lookup("mode"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.casepilot")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("casepilot.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CASEPILOT")
	viper.AutomaticEnv()

	// Missing config file is fine; env and flags still apply.
	_ = viper.ReadInConfig()
}

// Execute runs the CLI and flushes telemetry before returning.
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
