package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/casepilot/internal/config"
	"github.com/dativo-io/casepilot/internal/constraints"
	"github.com/dativo-io/casepilot/internal/policy"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the decision policy",
	Long:  "Validates casepilot.yaml against its schema, compiles the gate policy and the risk rules, and loads the fallback constraint table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		file := validateFile
		if file == "" {
			file = viper.GetString(config.KeyDefaultPolicy)
		}
		w := cmd.OutOrStdout()
		errW := cmd.ErrOrStderr()

		pol, err := policy.LoadPolicy(ctx, file, ".")
		if err != nil {
			log.Error().Err(err).Str("file", file).Msg("policy_validation_failed")
			fmt.Fprintf(errW, "✗ Validation failed: %s\n", file)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Building the engine compiles the Rego gate.
		if _, err := policy.NewEngine(ctx, pol); err != nil {
			fmt.Fprintf(errW, "✗ Gate policy compilation failed: %s\n", file)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}
		if _, err := policy.NewRiskEvaluator(pol.RiskRules); err != nil {
			fmt.Fprintf(errW, "✗ Risk rules invalid: %s\n", file)
			return fmt.Errorf("risk rules: %w", err)
		}
		rulesSource := "built-in"
		if p := pol.Constraints.FallbackRulesPath; p != "" {
			safe, err := policy.ResolvePathUnderBase(".", p)
			if err != nil {
				return fmt.Errorf("fallback rules path: %w", err)
			}
			if _, err := constraints.LoadRules(safe); err != nil {
				fmt.Fprintf(errW, "✗ Fallback constraint rules invalid: %s\n", p)
				return fmt.Errorf("fallback rules: %w", err)
			}
			rulesSource = p
		}

		log.Info().
			Str("file", file).
			Str("version", pol.VersionTag).
			Msg("policy_validated")

		fmt.Fprintf(w, "✓ Policy valid: %s\n", file)
		fmt.Fprintf(w, "  Name:        %s\n", pol.Name)
		fmt.Fprintf(w, "  Version:     %s\n", pol.VersionTag)
		fmt.Fprintf(w, "  Mode:        %s\n", pol.Mode())
		fmt.Fprintf(w, "  Risk rules:  %d\n", len(pol.RiskRules))
		fmt.Fprintf(w, "  Fallback:    %s\n", rulesSource)
		fmt.Fprintf(w, "  Follow-ups:  every %d days, max %d (%s)\n",
			pol.Followups.IntervalDays, pol.Followups.MaxFollowups, pol.Followups.Cron)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "policy file to validate (default: casepilot.yaml)")
}
