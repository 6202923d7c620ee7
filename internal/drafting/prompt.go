package drafting

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/dativo-io/casepilot/internal/cases"
)

const systemPrompt = `You write correspondence on behalf of a requester pursuing a public-records request.
Be courteous, factual and brief. Cite the request and any reference numbers the agency used.
Return exactly one JSON object: {"subject": "...", "body": "..."}. The body is plain text.`

// goals describes what each draft must accomplish.
var goals = map[cases.ActionType]string{
	cases.ActionSendFollowup:       "Politely ask for a status update and remind the agency of its statutory response deadline.",
	cases.ActionSendRebuttal:       "Contest the denial. Ask the agency to cite the specific exemption for each withheld record and to release segregable portions.",
	cases.ActionSendClarification:  "Answer the agency's questions so it can proceed with the request.",
	cases.ActionAcceptFee:          "Accept the quoted fee and ask how to pay.",
	cases.ActionNegotiateFee:       "Ask the agency to reduce the fee, for example by narrowing the search or waiving it in the public interest.",
	cases.ActionDeclineFee:         "Decline the quoted fee and ask for records that can be released without charge.",
	cases.ActionReformulateRequest: "Resubmit the request with a narrower scope: specific date ranges, custodians or record types.",
	cases.ActionSendAsAttachment:   "Resend the original request as an attached document because the previous delivery failed.",
}

var userTemplate = template.Must(template.New("draft").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`Goal: {{.Goal}}

Agency: {{.Case.AgencyName}}
Request subject: {{.Case.Subject}}
Original request:
{{.Case.RequestText}}
{{if .Summary}}
Latest agency message (summary): {{.Summary}}
{{end}}{{if .Tags}}
Known constraints: {{join .Tags ", "}}
{{end}}{{if .Scope}}
Requested records:
{{range .Scope}}- {{.Name}}{{if .Status}} ({{.Status}}){{end}}{{if .Reason}}: {{.Reason}}{{end}}
{{end}}{{end}}{{if .FeeAmount}}
Quoted fee: ${{printf "%.2f" .FeeAmount}}
{{end}}{{if .Previous}}
Previous draft to revise:
Subject: {{.Previous.Subject}}
{{.Previous.Body}}
{{end}}{{range .Directives}}
Instruction: {{.}}
{{end}}`))

type promptData struct {
	Goal       string
	Case       *cases.Case
	Summary    string
	Tags       []string
	Scope      []cases.ScopeItem
	FeeAmount  float64
	Previous   *Draft
	Directives []string
}

func renderPrompt(req Request) (string, error) {
	goal, ok := goals[req.ActionType]
	if !ok {
		return "", fmt.Errorf("no drafting goal for action %s", req.ActionType)
	}
	data := promptData{
		Goal:       goal,
		Case:       req.Case,
		Summary:    req.Summary,
		Scope:      req.Scope,
		Previous:   req.Previous,
		Directives: req.Directives,
	}
	for _, t := range req.Constraints {
		data.Tags = append(data.Tags, string(t))
	}
	if req.Case.FeeQuote != nil && req.Case.FeeQuote.Amount != nil {
		data.FeeAmount = *req.Case.FeeQuote.Amount
	}
	var b strings.Builder
	if err := userTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("executing draft template: %w", err)
	}
	return b.String(), nil
}
