package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/evidence"
)

var (
	auditCase  string
	auditRun   string
	auditLimit int
	auditJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the signed decision log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decision log entries, newest first",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [decision-id]",
	Short: "Verify the HMAC signature of a decision log entry",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditCase, "case", "", "filter by case ID")
	auditListCmd.Flags().StringVar(&auditRun, "run", "", "filter by run ID")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum entries to show")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "print entries as JSON")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "audit.list")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []evidence.Decision
	if auditRun != "" {
		list, err = a.decisions.ListForRun(ctx, auditRun)
	} else {
		list, err = a.decisions.List(ctx, auditCase, auditLimit)
	}
	if err != nil {
		return fmt.Errorf("querying decision log: %w", err)
	}

	w := cmd.OutOrStdout()
	if auditJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No decisions recorded.")
		return nil
	}
	renderAuditList(w, list)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "audit.verify")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	valid, err := a.decisions.Verify(ctx, id)
	if err != nil {
		return fmt.Errorf("verifying decision: %w", err)
	}
	renderVerifyResult(cmd.OutOrStdout(), id, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", id)
	}
	return nil
}

// renderAuditList writes one line per decision to w.
func renderAuditList(w io.Writer, list []evidence.Decision) {
	fmt.Fprintf(w, "Decisions (showing %d):\n\n", len(list))
	for i := range list {
		d := &list[i]
		gate := d.GateOutcome
		if gate == "" {
			gate = "-"
		}
		fmt.Fprintf(w, "  %s | %s | %s | %-6s | %-20s | %.2f | %s | %s\n",
			d.ID,
			d.Timestamp.Format("2006-01-02 15:04:05"),
			d.CaseID,
			d.Source,
			d.ActionType,
			d.Confidence,
			gate,
			truncate(d.Justification, 60),
		)
		if len(d.GateReasons) > 0 {
			fmt.Fprintf(w, "      gate: %s\n", strings.Join(d.GateReasons, "; "))
		}
	}
}

// renderVerifyResult writes the verification outcome to w.
func renderVerifyResult(w io.Writer, id string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Decision %s: signature VALID (HMAC-SHA256 intact)\n", id)
	} else {
		fmt.Fprintf(w, "✗ Decision %s: signature INVALID (possible tampering)\n", id)
	}
}
