package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cyclearb/internal/model"
)

// SkippedRoute is a viable route rejected by the constraint checks.
type SkippedRoute struct {
	Route  string `json:"route"`
	Reason string `json:"reason"`
}

// IterationReport describes what one scan saw and did.
type IterationReport struct {
	SubjectID string             `json:"subject_id"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Markets   int                `json:"markets"`
	Evaluated int                `json:"evaluated"`
	Viable    int                `json:"viable"`
	Top       []model.Evaluation `json:"top"`
	Skipped   []SkippedRoute     `json:"skipped,omitempty"`
	Trades    []model.Trade      `json:"trades,omitempty"`
}

// Summarizer turns an iteration report into the text sent to the subject.
type Summarizer interface {
	Summarize(ctx context.Context, report IterationReport) string
}

// Commentator produces optional free-form market commentary.
type Commentator interface {
	Comment(ctx context.Context, report IterationReport) (string, error)
}

// TextSummarizer renders a fixed-layout summary and appends commentary when available.
type TextSummarizer struct {
	Commentator Commentator
	Timeout     time.Duration
	Logger      *slog.Logger
}

func (s TextSummarizer) Summarize(ctx context.Context, r IterationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan %s: %d markets, %d routes evaluated, %d viable.\n",
		r.StartedAt.UTC().Format("15:04:05"), r.Markets, r.Evaluated, r.Viable)

	if len(r.Top) == 0 {
		b.WriteString("No route met the profit threshold.\n")
	}
	for i, ev := range r.Top {
		fmt.Fprintf(&b, "%d. %s net %.3f%% (gross %.3f%%)\n", i+1, ev.Route, ev.NetPct, ev.GrossPct)
	}
	for _, sk := range r.Skipped {
		fmt.Fprintf(&b, "Skipped %s: %s\n", sk.Route, sk.Reason)
	}
	for _, t := range r.Trades {
		fmt.Fprintf(&b, "Trade %s %s: net %.3f%%\n", t.Route, t.Status, t.NetPct)
	}

	if s.Commentator != nil {
		cctx, cancel := callContext(ctx, s.Timeout)
		text, err := s.Commentator.Comment(cctx, r)
		cancel()
		if err != nil {
			if s.Logger != nil {
				s.Logger.Warn("Commentary unavailable", "subject", r.SubjectID, "error", err)
			}
		} else if text != "" {
			b.WriteString("\n")
			b.WriteString(text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func tradeMessage(t model.Trade, settlement *model.FeeSettlement) string {
	if t.Status == model.TradeFailed {
		return fmt.Sprintf("Trade %s failed at %s (%s) after %d of %d legs. Filled legs were not reversed.",
			t.Route, t.Report.Where, t.Report.Reason, len(t.Report.Fills), strings.Count(t.Route, "→"))
	}
	msg := fmt.Sprintf("Trade %s completed: %.4f → %.4f, net %.3f%%.", t.Route, t.Notional, t.Report.Final, t.NetPct)
	if settlement != nil && settlement.Amount.IsPositive() {
		if settlement.OK {
			msg += fmt.Sprintf(" Commission %s settled.", settlement.Amount)
		} else {
			msg += fmt.Sprintf(" Commission %s pending (%s).", settlement.Amount, settlement.Reason)
		}
	}
	return msg
}
