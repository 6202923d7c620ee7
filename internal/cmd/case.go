package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/casepilot/internal/cases"
	"github.com/dativo-io/casepilot/internal/proposal"
	"github.com/dativo-io/casepilot/internal/review"
)

var (
	caseAgency       string
	caseAgencyEmail  string
	caseSubject      string
	caseRequest      string
	caseRequestFile  string
	caseFeeThreshold float64
	caseMode         string
	caseDeadline     string

	caseListStatus string
	caseListLimit  int
	caseJSON       bool
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Create and inspect records request cases",
}

var caseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a request that has been sent to an agency",
	RunE:  caseCreate,
}

var caseShowCmd = &cobra.Command{
	Use:   "show [case-id]",
	Short: "Show a case with its review state, proposal and activity",
	Args:  cobra.ExactArgs(1),
	RunE:  caseShow,
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases, most recently updated first",
	RunE:  caseList,
}

var reviewStateCmd = &cobra.Command{
	Use:   "review-state [case-id]",
	Short: "Print the single review state of a case",
	Args:  cobra.ExactArgs(1),
	RunE:  reviewState,
}

func init() {
	f := caseCreateCmd.Flags()
	f.StringVar(&caseAgency, "agency", "", "agency name (required)")
	f.StringVar(&caseAgencyEmail, "agency-email", "", "agency records office address")
	f.StringVar(&caseSubject, "subject", "", "request subject line")
	f.StringVar(&caseRequest, "request", "", "request text")
	f.StringVar(&caseRequestFile, "request-file", "", "read the request text from a file")
	f.Float64Var(&caseFeeThreshold, "fee-threshold", 0, "fees above this amount need a human")
	f.StringVar(&caseMode, "mode", "", "autopilot mode for this case (auto, supervised, manual)")
	f.StringVar(&caseDeadline, "deadline", "", "statutory response deadline (YYYY-MM-DD)")
	_ = caseCreateCmd.MarkFlagRequired("agency")

	caseListCmd.Flags().StringVar(&caseListStatus, "status", "", "filter by case status")
	caseListCmd.Flags().IntVar(&caseListLimit, "limit", 50, "maximum cases to show")

	caseCmd.PersistentFlags().BoolVar(&caseJSON, "json", false, "print as JSON")

	caseCmd.AddCommand(caseCreateCmd, caseShowCmd, caseListCmd)
	rootCmd.AddCommand(caseCmd)
	rootCmd.AddCommand(reviewStateCmd)
}

func caseCreate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "case.create")
	defer span.End()

	text := caseRequest
	if caseRequestFile != "" {
		b, err := os.ReadFile(caseRequestFile)
		if err != nil {
			return fmt.Errorf("reading request file: %w", err)
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("--request or --request-file is required")
	}

	c := &cases.Case{
		AgencyName:  caseAgency,
		AgencyEmail: caseAgencyEmail,
		Subject:     caseSubject,
		RequestText: text,
		Status:      cases.StatusSent,
	}
	if cmd.Flags().Changed("fee-threshold") {
		v := caseFeeThreshold
		c.FeeThreshold = &v
	}
	if caseMode != "" {
		mode, err := cases.ParseAutopilotMode(caseMode)
		if err != nil {
			return err
		}
		c.AutopilotMode = mode
	}
	if caseDeadline != "" {
		d, err := time.Parse("2006-01-02", caseDeadline)
		if err != nil {
			return fmt.Errorf("invalid --deadline %q: want YYYY-MM-DD", caseDeadline)
		}
		c.DeadlineAt = &d
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	next := time.Now().UTC().AddDate(0, 0, a.pol.Followups.IntervalDays)
	c.NextFollowupAt = &next
	if err := a.cases.Create(ctx, c); err != nil {
		return fmt.Errorf("creating case: %w", err)
	}

	w := cmd.OutOrStdout()
	if caseJSON {
		return printJSON(w, c)
	}
	fmt.Fprintf(w, "✓ Case %s created for %s\n", c.ID, c.AgencyName)
	fmt.Fprintf(w, "  First follow-up due %s\n", formatTime(c.NextFollowupAt))
	return nil
}

func caseList(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "case.list")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.cases.List(ctx, cases.Status(caseListStatus), caseListLimit)
	if err != nil {
		return fmt.Errorf("listing cases: %w", err)
	}
	w := cmd.OutOrStdout()
	if caseJSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No cases found.")
		return nil
	}
	renderCaseList(w, list)
	return nil
}

// caseView is everything case show prints.
type caseView struct {
	Case     *cases.Case        `json:"case"`
	Review   review.Result      `json:"review"`
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
	Activity []cases.Activity   `json:"activity"`
}

func caseShow(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "case.show")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := loadCaseView(ctx, a, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if caseJSON {
		return printJSON(w, v)
	}
	renderCase(w, v)
	return nil
}

func loadCaseView(ctx context.Context, a *app, id string) (*caseView, error) {
	c, err := a.cases.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := a.review.State(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &caseView{Case: c, Review: state}
	p, err := a.proposals.ActiveForCase(ctx, id)
	switch {
	case err == nil:
		v.Proposal = p
	case !errors.Is(err, proposal.ErrProposalNotFound):
		return nil, err
	}
	if v.Activity, err = a.cases.ListActivity(ctx, id); err != nil {
		return nil, err
	}
	return v, nil
}

func reviewState(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "review_state")
	defer span.End()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.review.State(ctx, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, r.State)
	if r.Inconsistent {
		fmt.Fprintf(w, "warning: inconsistent snapshot (%s)\n", r.Detail)
	}
	return nil
}

func renderCaseList(w io.Writer, list []*cases.Case) {
	fmt.Fprintf(w, "Cases (showing %d):\n\n", len(list))
	for _, c := range list {
		flag := " "
		if c.RequiresHuman {
			flag = "!"
		}
		fmt.Fprintf(w, "  %s %s | %-20s | %-28s | follow-ups %d | next %s\n",
			flag, c.ID, c.Status, truncate(c.AgencyName, 28), c.FollowupCount, formatTime(c.NextFollowupAt))
	}
}

func renderCase(w io.Writer, v *caseView) {
	c := v.Case
	fmt.Fprintf(w, "Case %s\n", c.ID)
	fmt.Fprintf(w, "  Agency:        %s\n", c.AgencyName)
	if c.Subject != "" {
		fmt.Fprintf(w, "  Subject:       %s\n", c.Subject)
	}
	fmt.Fprintf(w, "  Status:        %s\n", c.Status)
	fmt.Fprintf(w, "  Review state:  %s\n", v.Review.State)
	fmt.Fprintf(w, "  Needs human:   %t\n", c.RequiresHuman)
	if c.AutopilotMode != "" {
		fmt.Fprintf(w, "  Mode:          %s\n", c.AutopilotMode)
	}
	fmt.Fprintf(w, "  Fee:           %s\n", formatFee(c.FeeQuote))
	fmt.Fprintf(w, "  Deadline:      %s\n", formatTime(c.DeadlineAt))
	fmt.Fprintf(w, "  Follow-ups:    %d (next %s)\n", c.FollowupCount, formatTime(c.NextFollowupAt))
	if len(c.Constraints) > 0 {
		tags := make([]string, len(c.Constraints))
		for i, t := range c.Constraints {
			tags[i] = string(t)
		}
		fmt.Fprintf(w, "  Constraints:   %s\n", strings.Join(tags, ", "))
	}

	if p := v.Proposal; p != nil {
		fmt.Fprintf(w, "\nProposal %s (%s)\n", p.ID, p.Status)
		fmt.Fprintf(w, "  Action:      %s (confidence %.2f)\n", p.ActionType, p.Confidence)
		if len(p.RiskFlags) > 0 {
			fmt.Fprintf(w, "  Risk flags:  %s\n", strings.Join(p.RiskFlags, ", "))
		}
		if p.Subject != "" {
			fmt.Fprintf(w, "  Subject:     %s\n", p.Subject)
		}
		if p.Body != "" {
			fmt.Fprintf(w, "\n%s\n", indent(p.Body, "    "))
		}
	}

	if len(v.Activity) > 0 {
		fmt.Fprintln(w, "\nActivity:")
		for _, e := range v.Activity {
			fmt.Fprintf(w, "  %s  %-22s %s\n", e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.EventType, e.Description)
		}
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
