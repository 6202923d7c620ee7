package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/transport"
)

var (
	outboxDue   bool
	outboxLimit int
	outboxJSON  bool
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect outbound messages queued by executed proposals",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages",
	RunE:  outboxList,
}

var outboxMarkSentCmd = &cobra.Command{
	Use:   "mark-sent [outbound-id]",
	Short: "Mark a queued message as delivered",
	Args:  cobra.ExactArgs(1),
	RunE:  outboxMarkSent,
}

func init() {
	outboxListCmd.Flags().BoolVar(&outboxDue, "due", false, "only messages whose send delay has passed")
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 50, "maximum messages to show")
	outboxListCmd.Flags().BoolVar(&outboxJSON, "json", false, "print as JSON")
	outboxCmd.AddCommand(outboxListCmd, outboxMarkSentCmd)
	rootCmd.AddCommand(outboxCmd)
}

func outboxList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "outbox.list")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var list []transport.Queued
	if outboxDue {
		list, err = a.outbox.ListDue(ctx, time.Now().UTC())
	} else {
		list, err = a.outbox.ListPending(ctx, outboxLimit)
	}
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if outboxJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "Outbox is empty.")
		return nil
	}
	renderOutbox(w, list)
	return nil
}

func outboxMarkSent(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "outbox.mark_sent")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.outbox.MarkSent(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s marked sent\n", args[0])
	return nil
}

func renderOutbox(w io.Writer, list []transport.Queued) {
	fmt.Fprintf(w, "Queued messages (%d):\n\n", len(list))
	for i := range list {
		q := &list[i]
		fmt.Fprintf(w, "  %s | %s | %-20s | to %s | send after %s | %s\n",
			q.ID, q.CaseID, q.ActionType, q.To, formatTime(&q.SendAfter), truncate(q.Subject, 40))
	}
}
