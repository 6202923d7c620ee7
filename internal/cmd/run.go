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
	"github.com/dativo-io/casepilot/internal/trigger"
)

var (
	runTrigger     string
	runMessageID   string
	runInstruction string
	runJSON        bool

	inboundCase    string
	inboundFrom    string
	inboundSubject string
	inboundBody    string
	inboundFile    string
)

var runCmd = &cobra.Command{
	Use:   "run [case-id]",
	Short: "Run the decision loop for a case",
	Args:  cobra.ExactArgs(1),
	RunE:  runCase,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [case-id]",
	Short: "Apply a recorded reviewer decision to a paused run",
	Args:  cobra.ExactArgs(1),
	RunE:  resumeCase,
}

var inboundCmd = &cobra.Command{
	Use:   "inbound",
	Short: "Record an agency reply and run the decision loop on it",
	RunE:  recordInbound,
}

func init() {
	runCmd.Flags().StringVar(&runTrigger, "trigger", string(agent.TriggerManualReview), "trigger type (agency_reply, followup, manual_review)")
	runCmd.Flags().StringVar(&runMessageID, "message", "", "inbound message ID for agency_reply runs")
	runCmd.Flags().StringVar(&runInstruction, "instruction", "", "operator note passed to the drafter")

	inboundCmd.Flags().StringVar(&inboundCase, "case", "", "case ID (required)")
	inboundCmd.Flags().StringVar(&inboundFrom, "from", "", "sender address")
	inboundCmd.Flags().StringVar(&inboundSubject, "subject", "", "message subject")
	inboundCmd.Flags().StringVar(&inboundBody, "body", "", "message body")
	inboundCmd.Flags().StringVar(&inboundFile, "file", "", "read the message body from a file (- for stdin)")
	_ = inboundCmd.MarkFlagRequired("case")

	for _, c := range []*cobra.Command{runCmd, resumeCmd, inboundCmd} {
		c.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
		rootCmd.AddCommand(c)
	}
}

func runCase(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	tt, err := agent.ParseTriggerType(runTrigger)
	if err != nil {
		return err
	}
	if tt == agent.TriggerHumanResume {
		return errors.New("use `casepilot resume` to apply a reviewer decision")
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Run(ctx, agent.Trigger{
		CaseID:      args[0],
		Type:        tt,
		MessageID:   runMessageID,
		Instruction: runInstruction,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return printResult(cmd.OutOrStdout(), res)
}

func resumeCase(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "resume")
	defer span.End()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.runner.Resume(ctx, args[0])
	if err != nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	return printResult(cmd.OutOrStdout(), res)
}

func recordInbound(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "inbound")
	defer span.End()

	body := inboundBody
	if inboundFile != "" {
		var (
			b   []byte
			err error
		)
		if inboundFile == "-" {
			b, err = io.ReadAll(cmd.InOrStdin())
		} else {
			b, err = os.ReadFile(inboundFile)
		}
		if err != nil {
			return fmt.Errorf("reading message body: %w", err)
		}
		body = string(b)
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("--body or --file is required")
	}

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	h := trigger.NewInboundHandler(a.runner, a.cases)
	msg, res, err := h.Accept(ctx, trigger.InboundMessage{
		CaseID:     inboundCase,
		From:       inboundFrom,
		Subject:    inboundSubject,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	})
	if msg != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "stored message %s\n", msg.ID)
	}
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res)
}

func printResult(w io.Writer, res *agent.Result) error {
	if runJSON {
		return printJSON(w, res)
	}
	renderResult(w, res)
	return nil
}

// renderResult writes a human-readable run summary to w.
func renderResult(w io.Writer, res *agent.Result) {
	mark := "✓"
	if res.Status == agent.RunFailed {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Run %s on %s: %s (%d iterations)\n", mark, res.RunID, res.CaseID, res.Status, res.Iterations)
	if res.ActionType != "" {
		fmt.Fprintf(w, "  Action:     %s\n", res.ActionType)
	}
	if res.Outcome != "" {
		fmt.Fprintf(w, "  Gate:       %s\n", res.Outcome)
	}
	if res.ProposalID != "" {
		fmt.Fprintf(w, "  Proposal:   %s\n", res.ProposalID)
	}
	if res.OutboundID != "" {
		fmt.Fprintf(w, "  Queued:     %s\n", res.OutboundID)
	}
	if res.EscalationID != "" {
		fmt.Fprintf(w, "  Escalation: %s\n", res.EscalationID)
	}
	if res.Reason != "" {
		fmt.Fprintf(w, "  Reason:     %s\n", res.Reason)
	}
}
