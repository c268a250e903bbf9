package journal

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/shopspring/decimal"
)

// SessionInfo is the payload of session_started.
type SessionInfo struct {
	Name           string    `json:"name"`
	Mode           string    `json:"mode"`
	Strategy       string    `json:"strategy"`
	InitialCapital float64   `json:"initial_capital"`
	BaseAsset      string    `json:"base_asset"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end,omitempty"`
	Step           string    `json:"step"`
	Seed           int64     `json:"seed"`
}

// SessionEnd is the payload of session_stopped and session_aborted.
type SessionEnd struct {
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Steps       int     `json:"steps"`
	FinalEquity float64 `json:"final_equity"`
	CumPnL      string  `json:"cum_pnl"`
	LastGood    string  `json:"last_good,omitempty"`
}

// Summary is a session rolled up from its events.
type Summary struct {
	Session string
	Info    SessionInfo
	End     SessionEnd
	First   time.Time
	Last    time.Time

	Steps       int
	FinalEquity float64
	ReturnPct   float64
	MaxDDPct    float64

	CumBalance    decimal.Decimal
	CumAttributed decimal.Decimal
	Yield         decimal.Decimal
	Funding       decimal.Decimal
	Price         decimal.Decimal
	Fees          decimal.Decimal

	Instructions int
	Failed       int
	Mismatches   int
	Divergences  int
	Violations   map[string]int
	Stale        int
}

type pnlRow struct {
	Equity      float64 `json:"equity"`
	Attribution struct {
		Yield   float64 `json:"yield"`
		Funding float64 `json:"funding"`
		Price   float64 `json:"price"`
		Fees    float64 `json:"fees"`
	} `json:"attribution"`
	CumBalance    decimal.Decimal `json:"cum_balance"`
	CumAttributed decimal.Decimal `json:"cum_attributed"`
}

type riskRow struct {
	Drawdown   float64 `json:"drawdown"`
	Violations []struct {
		Code string `json:"code"`
	} `json:"violations"`
}

type receiptRow struct {
	Status string `json:"status"`
}

// Summarize rolls up the events of one session, in sequence order.
func Summarize(events []Event) (Summary, error) {
	s := Summary{Violations: map[string]int{}}
	if len(events) == 0 {
		return s, fmt.Errorf("journal: no events")
	}
	s.Session = events[0].Session
	s.First = events[0].Time

	for _, ev := range events {
		if ev.Session != s.Session {
			return s, fmt.Errorf("journal: events from sessions %s and %s", s.Session, ev.Session)
		}
		s.Last = ev.Time

		var err error
		switch ev.Type {
		case SessionStarted:
			err = json.Unmarshal(ev.Payload, &s.Info)
		case SessionStopped, SessionAborted:
			err = json.Unmarshal(ev.Payload, &s.End)
		case PnL:
			var p pnlRow
			if err = json.Unmarshal(ev.Payload, &p); err == nil {
				s.Steps++
				s.FinalEquity = p.Equity
				s.CumBalance = p.CumBalance
				s.CumAttributed = p.CumAttributed
				s.Yield = s.Yield.Add(decimal.NewFromFloat(p.Attribution.Yield))
				s.Funding = s.Funding.Add(decimal.NewFromFloat(p.Attribution.Funding))
				s.Price = s.Price.Add(decimal.NewFromFloat(p.Attribution.Price))
				s.Fees = s.Fees.Add(decimal.NewFromFloat(p.Attribution.Fees))
			}
		case PnLDivergence:
			s.Divergences++
		case Risk:
			var r riskRow
			if err = json.Unmarshal(ev.Payload, &r); err == nil {
				if dd := r.Drawdown * 100; dd > s.MaxDDPct {
					s.MaxDDPct = dd
				}
				for _, v := range r.Violations {
					s.Violations[v.Code]++
				}
			}
		case Instruction:
			s.Instructions++
		case Receipt:
			var r receiptRow
			if err = json.Unmarshal(ev.Payload, &r); err == nil && r.Status != "confirmed" {
				s.Failed++
			}
		case ReconciliationMismatch:
			s.Mismatches++
		case DataStale:
			s.Stale++
		}
		if err != nil {
			return s, fmt.Errorf("journal: decode %s %s: %w", ev.Type, ev.ID, err)
		}
	}

	if s.Info.InitialCapital > 0 && s.Steps > 0 {
		s.ReturnPct = (s.FinalEquity/s.Info.InitialCapital - 1) * 100
	}
	return s, nil
}

var reportFuncs = template.FuncMap{
	"dec": func(d decimal.Decimal) string { return d.StringFixed(2) },
	"day": func(t time.Time) string {
		if t.IsZero() {
			return "(open)"
		}
		return t.UTC().Format("2006-01-02")
	},
}

var reportTmpl = template.Must(template.New("report").Funcs(reportFuncs).Parse(ReportOrgTemplate))

// WriteOrg renders s as an Org-mode entry.
func WriteOrg(w io.Writer, s Summary) error {
	return reportTmpl.Execute(w, s)
}

const ReportOrgTemplate = `* SESSION: {{if .Info.Name}}{{.Info.Name}}{{else}}(name?){{end}} {{.Info.Strategy}}
:PROPERTIES:
:SESSION_ID:  {{.Session}}
:MODE:        {{.Info.Mode}}
:STRATEGY:    {{.Info.Strategy}}
:STEP:        {{.Info.Step}}
:SEED:        {{.Info.Seed}}
:START_DATE:  {{day .First}}
:END_DATE:    {{day .Last}}
:START_BAL:   {{printf "%.2f" .Info.InitialCapital}}
:END_BAL:     {{printf "%.2f" .FinalEquity}}
:NET_PL:      {{dec .CumBalance}}
:RETURN_PCT:  {{printf "%.4f" .ReturnPct}}
:MAX_DD_PCT:  {{printf "%.2f" .MaxDDPct}}
:STEPS:       {{.Steps}}
:STATUS:      {{if .End.Status}}{{.End.Status}}{{else}}(running?){{end}}
:END:

** Performance Summary
- Net P/L (balance):     *{{dec .CumBalance}}*
- Net P/L (attributed):  *{{dec .CumAttributed}}*
- Return:                *{{printf "%.4f" .ReturnPct}}%*
- Max Drawdown:          *{{printf "%.2f" .MaxDDPct}}%*

** Attribution
| Source  | Amount |
|---------+--------|
| Yield   | {{dec .Yield}} |
| Funding | {{dec .Funding}} |
| Price   | {{dec .Price}} |
| Fees    | {{dec .Fees}} |

** Execution
| Item                      | Count |
|---------------------------+-------|
| Instructions              | {{.Instructions}} |
| Failed receipts           | {{.Failed}} |
| Reconciliation mismatches | {{.Mismatches}} |
| PnL divergences           | {{.Divergences}} |
| Stale data steps          | {{.Stale}} |

{{- if .Violations }}
** Risk Violations
{{- range $code, $n := .Violations }}
- {{$code}}: {{$n}}
{{- end }}
{{- end }}

{{- if .End.Reason }}
** Notes
- {{.End.Reason}}
{{- end }}
`
