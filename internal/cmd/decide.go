package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/agent"
	"github.com/dativo-io/casepilot/internal/proposal"
)

var (
	decideAction      string
	decideInstruction string
	decideBy          string
	decideNoResume    bool

	proposalsLimit int
	proposalsJSON  bool
)

var decideCmd = &cobra.Command{
	Use:   "decide [proposal-id]",
	Short: "Record a reviewer decision on a proposal and resume its run",
	Long: `Record APPROVE, ADJUST, DISMISS or WITHDRAW on a proposal awaiting a human.

The paused run is resumed straight away unless --no-resume is given or a
run is already active for the case; in both cases the decision stays
recorded and "casepilot resume <case-id>" applies it later.`,
	Args: cobra.ExactArgs(1),
	RunE: decide,
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect proposals awaiting review",
}

var proposalsPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List proposals waiting for a reviewer decision",
	RunE:  proposalsPending,
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show [proposal-id]",
	Short: "Show a proposal and its draft",
	Args:  cobra.ExactArgs(1),
	RunE:  proposalsShow,
}

func init() {
	decideCmd.Flags().StringVar(&decideAction, "action", "", "APPROVE, ADJUST, DISMISS or WITHDRAW (required)")
	decideCmd.Flags().StringVar(&decideInstruction, "instruction", "", "redraft instruction (required for ADJUST)")
	decideCmd.Flags().StringVar(&decideBy, "by", "", "reviewer name (default $USER)")
	decideCmd.Flags().BoolVar(&decideNoResume, "no-resume", false, "record the decision without resuming the run")
	decideCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	_ = decideCmd.MarkFlagRequired("action")

	proposalsPendingCmd.Flags().IntVar(&proposalsLimit, "limit", 50, "maximum proposals to show")
	proposalsCmd.PersistentFlags().BoolVar(&proposalsJSON, "json", false, "print as JSON")
	proposalsCmd.AddCommand(proposalsPendingCmd, proposalsShowCmd)

	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(proposalsCmd)
}

// reviewerName falls back to the login name when --by is not set.
func reviewerName(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func decide(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "decide")
	defer span.End()

	action, err := proposal.ParseDecisionAction(decideAction)
	if err != nil {
		return err
	}
	if action == proposal.DecisionAdjust && strings.TrimSpace(decideInstruction) == "" {
		return errors.New("--instruction is required for ADJUST")
	}

	a, err := openApp(ctx, !decideNoResume)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.proposals.Get(ctx, args[0])
	if err != nil {
		return err
	}
	d := proposal.HumanDecision{
		Action:      action,
		Instruction: decideInstruction,
		DecidedBy:   reviewerName(decideBy),
		DecidedAt:   time.Now().UTC(),
	}
	if err := a.proposals.RecordDecision(ctx, p.ID, d); err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ %s recorded on %s by %s\n", action, p.ID, d.DecidedBy)
	if decideNoResume {
		fmt.Fprintf(w, "  Apply it with: casepilot resume %s\n", p.CaseID)
		return nil
	}

	res, err := a.runner.Resume(ctx, p.CaseID)
	if errors.Is(err, agent.ErrRunInProgress) {
		fmt.Fprintf(w, "  A run is active on %s; apply later with: casepilot resume %s\n", p.CaseID, p.CaseID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	return printResult(w, res)
}

func proposalsPending(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "proposals.pending")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.proposals.ListPending(ctx, proposalsLimit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if proposalsJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No proposals awaiting review.")
		return nil
	}
	renderProposalList(w, list)
	return nil
}

func proposalsShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "proposals.show")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.proposals.Get(ctx, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if proposalsJSON {
		return printJSON(w, p)
	}
	renderProposal(w, p)
	return nil
}

func renderProposalList(w io.Writer, list []*proposal.Proposal) {
	fmt.Fprintf(w, "Proposals awaiting review (%d):\n\n", len(list))
	for _, p := range list {
		fmt.Fprintf(w, "  %s | %s | %-16s | %-20s | %.2f | %s\n",
			p.ID, p.CaseID, p.Status, p.ActionType, p.Confidence, truncate(p.Subject, 40))
	}
}

func renderProposal(w io.Writer, p *proposal.Proposal) {
	fmt.Fprintf(w, "Proposal %s on %s\n", p.ID, p.CaseID)
	fmt.Fprintf(w, "  Status:      %s\n", p.Status)
	fmt.Fprintf(w, "  Action:      %s (confidence %.2f)\n", p.ActionType, p.Confidence)
	fmt.Fprintf(w, "  Adjustments: %d\n", p.Adjustments)
	if len(p.RiskFlags) > 0 {
		fmt.Fprintf(w, "  Risk flags:  %s\n", strings.Join(p.RiskFlags, ", "))
	}
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  Warning:     %s\n", warn)
	}
	if d := p.Decision; d != nil {
		fmt.Fprintf(w, "  Decision:    %s by %s\n", d.Action, d.DecidedBy)
	}
	if len(p.Reasoning) > 0 {
		fmt.Fprintln(w, "\nReasoning:")
		for _, r := range p.Reasoning {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
	if p.Body != "" {
		fmt.Fprintf(w, "\nSubject: %s\n\n%s\n", p.Subject, p.Body)
	}
}
