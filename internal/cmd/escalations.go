package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/escalation"
)

var (
	escalationsStatus string
	escalationsCase   string
	escalationsLimit  int
	escalationsJSON   bool
	resolveBy         string
	resolveNote       string
)

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List and resolve cases handed to a human",
}

var escalationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations, newest first",
	RunE:  escalationsList,
}

var escalationsResolveCmd = &cobra.Command{
	Use:   "resolve [escalation-id]",
	Short: "Mark an escalation handled",
	Args:  cobra.ExactArgs(1),
	RunE:  escalationsResolve,
}

func init() {
	escalationsListCmd.Flags().StringVar(&escalationsStatus, "status", string(escalation.StatusPending), "filter by status (pending, resolved, or empty for all)")
	escalationsListCmd.Flags().StringVar(&escalationsCase, "case", "", "only escalations for this case")
	escalationsListCmd.Flags().IntVar(&escalationsLimit, "limit", 50, "maximum escalations to show")
	escalationsListCmd.Flags().BoolVar(&escalationsJSON, "json", false, "print as JSON")

	escalationsResolveCmd.Flags().StringVar(&resolveBy, "by", "", "reviewer name (default $USER)")
	escalationsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "resolution note")

	escalationsCmd.AddCommand(escalationsListCmd, escalationsResolveCmd)
	rootCmd.AddCommand(escalationsCmd)
}

func escalationsList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "escalations.list")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []*escalation.Escalation
	if escalationsCase != "" {
		list, err = a.escalations.Store().ListForCase(ctx, escalationsCase)
	} else {
		list, err = a.escalations.List(ctx, escalation.Status(escalationsStatus), escalationsLimit)
	}
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if escalationsJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No escalations found.")
		return nil
	}
	renderEscalations(w, list)
	return nil
}

func escalationsResolve(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "escalations.resolve")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.escalations.Resolve(ctx, args[0], reviewerName(resolveBy), resolveNote)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Escalation %s on %s resolved by %s\n", e.ID, e.CaseID, e.ResolvedBy)
	return nil
}

func renderEscalations(w io.Writer, list []*escalation.Escalation) {
	fmt.Fprintf(w, "Escalations (showing %d):\n\n", len(list))
	for _, e := range list {
		mark := "!"
		if e.Status == escalation.StatusResolved {
			mark = "✓"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s | %-6s | %s\n",
			mark, e.ID, e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.CaseID, e.Urgency, truncate(e.Reason, 60))
	}
}
