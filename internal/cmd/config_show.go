package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect casepilot configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		renderConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func renderConfig(w io.Writer, cfg *config.Config) {
	dirState := "missing"
	if st, err := os.Stat(cfg.DataDir); err == nil && st.IsDir() {
		dirState = "exists"
	}
	signing := "configured"
	if cfg.UsingDefaultKeys() {
		signing = "derived default (set CASEPILOT_SIGNING_KEY)"
	}
	or := func(s, fallback string) string {
		if s == "" {
			return fallback
		}
		return s
	}

	fmt.Fprintf(w, "Data directory:  %s (%s)\n", cfg.DataDir, dirState)
	fmt.Fprintf(w, "Database:        %s\n", maskDSN(cfg.DatabaseDSN()))
	fmt.Fprintf(w, "Signing key:     %s\n", signing)
	fmt.Fprintf(w, "Default policy:  %s\n", cfg.DefaultPolicy)
	fmt.Fprintf(w, "Autopilot mode:  %s\n", or(string(cfg.AutopilotMode), "(from policy)"))
	fmt.Fprintf(w, "LLM provider:    %s\n", or(cfg.LLMProvider, "(from policy)"))
	fmt.Fprintf(w, "LLM model:       %s\n", or(cfg.LLMModel, "(from policy)"))
	fmt.Fprintf(w, "LLM base URL:    %s\n", or(cfg.OpenAIBaseURL, "(default)"))
	fmt.Fprintf(w, "LLM keys (env):  %s\n", llmKeysSet())
	fmt.Fprintf(w, "Redis lock:      %s\n", or(cfg.RedisAddr, "(in-process)"))
	fmt.Fprintf(w, "Notify webhook:  %s\n", or(maskURL(cfg.NotifyWebhook), "(log only)"))

	operators := make([]string, 0, len(cfg.APIKeys))
	for _, op := range cfg.APIKeys {
		operators = append(operators, op)
	}
	sort.Strings(operators)
	fmt.Fprintf(w, "API operators:   %d %v\n", len(operators), operators)
}

func llmKeysSet() string {
	var set []string
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if os.Getenv(k) != "" {
			set = append(set, k)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return fmt.Sprint(set)
}

// maskDSN hides the password of a postgres DSN. File paths pass through.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	pw, ok := u.User.Password()
	if !ok || pw == "" {
		return dsn
	}
	return strings.Replace(dsn, ":"+pw+"@", ":****@", 1)
}

// maskURL drops the query string, which often carries webhook tokens.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	if u.RawQuery != "" {
		u.RawQuery = "****"
	}
	u.User = nil
	return u.String()
}
