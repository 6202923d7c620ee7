package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/doctor"
)

var (
	doctorFormat      string
	doctorSkipNetwork bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, policy, LLM key, database, Redis)",
	Long:  "Verifies the data directory is writable, the policy compiles, the LLM provider has a key, the database opens and configured services answer.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "text", "output format (text, json)")
	doctorCmd.Flags().BoolVar(&doctorSkipNetwork, "skip-network", false, "skip Redis, webhook and LLM endpoint probes")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "doctor")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	report := doctor.Run(ctx, doctor.Options{SkipNetwork: doctorSkipNetwork})
	out := cmd.OutOrStdout()
	if doctorFormat == "json" {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		renderDoctor(out, report)
	}
	if report.Status == "fail" {
		return errors.New("doctor checks failed")
	}
	return nil
}

func renderDoctor(w io.Writer, r *doctor.Report) {
	for _, c := range r.Checks {
		mark := "✓"
		switch c.Status {
		case "warn":
			mark = "⚠"
		case "fail":
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %-18s %s\n", mark, c.Name, c.Message)
		if c.Fix != "" && c.Status != "pass" {
			fmt.Fprintf(w, "  → %s\n", c.Fix)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", r.Summary.Pass, r.Summary.Warn, r.Summary.Fail)
}
