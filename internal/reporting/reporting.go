// Package reporting is the trade-report enrichment log supplemented
// from original_source/executor_mod/reporting.py: a secondary,
// append-only, best-effort record of closed trades carrying the
// realized P&L inputs (entry/exit notional, ROI) that external
// enrichment tooling consumes. It never blocks or influences the tick;
// a write failure here is telemetry, not an integrity concern.
package reporting

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

// Report is one closed-trade line. Fields mirror
// build_trade_report_internal's keys so the enrichment tooling named
// in the original source can consume the same shape.
type Report struct {
	ReportID       string          `json:"report_id"`
	TradeKey       string          `json:"trade_key"`
	Symbol         string          `json:"symbol"`
	Side           position.Side   `json:"side"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       time.Time       `json:"closed_at"`
	CloseReason    string          `json:"close_reason"`
	ExitType       string          `json:"exit_type"`
	QtyBaseTotal   decimal.Decimal `json:"qty_base_total"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	ExitQtyTotal   decimal.Decimal `json:"exit_qty_total"`
	ExitQuoteTotal decimal.Decimal `json:"exit_quote_total"`
	AvgExitPrice   decimal.Decimal `json:"avg_exit_price,omitempty"`
	PnlQuote       decimal.Decimal `json:"pnl_quote,omitempty"`
	RoiPct         decimal.Decimal `json:"roi_pct,omitempty"`
	TP1Hit         bool            `json:"tp1_hit"`
	TP2Hit         bool            `json:"tp2_hit"`
	SLHit          bool            `json:"sl_hit"`
	TrailActive    bool            `json:"trail_active_at_close"`
}

// exitType classifies close_reason the way _exit_type does, used
// downstream by enrichment tooling to bucket NORMAL vs. abnormal
// closes without re-parsing the free-text reason string.
func exitType(reason string) string {
	upper := strings.ToUpper(reason)
	switch {
	case strings.Contains(upper, "FAILSAFE_FLATTEN"):
		return "FAILSAFE_FLATTEN"
	case strings.Contains(upper, "CLEANUP"):
		return "EXIT_CLEANUP"
	case strings.Contains(upper, "MISSING"):
		return "MISSING"
	case strings.Contains(upper, "ABORT"):
		return "ABORTED"
	case strings.Contains(upper, "TRAIL"):
		return "NORMAL_TRAIL"
	case upper == "TP1" || strings.Contains(upper, "TP1_DONE"):
		return "NORMAL_TP1"
	case upper == "TP2" || strings.Contains(upper, "TP2_DONE"):
		return "NORMAL_TP2"
	case upper == "SL" || strings.Contains(upper, "SL_FILLED"):
		return "NORMAL_SL"
	default:
		return "ABORTED"
	}
}

// sumLegField sums a decimal field across the tp1/tp2/sl order-fill
// records, matching _sum_leg_field's "sum whatever is present" policy.
func sumLegField(fills map[position.OrderKey]position.OrderFill, get func(position.OrderFill) decimal.Decimal) (decimal.Decimal, bool) {
	total := decimal.Zero
	seen := false
	for _, key := range []position.OrderKey{position.KeyTP1, position.KeyTP2, position.KeySL} {
		fill, ok := fills[key]
		if !ok {
			continue
		}
		total = total.Add(get(fill))
		seen = true
	}
	return total, seen
}

// Build assembles a Report from a closed position, grounded on
// build_trade_report_internal.
func Build(pos *position.Position, closedAt time.Time, closeReason string) Report {
	exitQty, qtySeen := sumLegField(pos.Fills, func(f position.OrderFill) decimal.Decimal { return f.ExecutedQty })
	exitQuote, quoteSeen := sumLegField(pos.Fills, func(f position.OrderFill) decimal.Decimal { return f.CummulativeQuoteQty })

	r := Report{
		ReportID:       pos.TradeKey + ":" + closedAt.UTC().Format(time.RFC3339),
		TradeKey:       pos.TradeKey,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		OpenedAt:       pos.CreatedAt,
		ClosedAt:       closedAt,
		CloseReason:    closeReason,
		ExitType:       exitType(closeReason),
		QtyBaseTotal:   pos.QtyTotal,
		EntryPrice:     pos.Entry,
		TP1Hit:         pos.TP1Done,
		TP2Hit:         pos.TP2Done,
		SLHit:          pos.SLDone,
		TrailActive:    pos.TrailActive,
	}
	if qtySeen {
		r.ExitQtyTotal = exitQty
	}
	if quoteSeen {
		r.ExitQuoteTotal = exitQuote
	}
	if qtySeen && quoteSeen && exitQty.IsPositive() {
		r.AvgExitPrice = exitQuote.Div(exitQty)
	}
	if qtySeen && quoteSeen && !r.EntryPrice.IsZero() {
		entryCost := r.EntryPrice.Mul(r.QtyBaseTotal)
		var gross decimal.Decimal
		if pos.Side == position.Short {
			gross = entryCost.Sub(exitQuote)
		} else {
			gross = exitQuote.Sub(entryCost)
		}
		r.PnlQuote = gross
		if entryCost.IsPositive() {
			r.RoiPct = gross.Div(entryCost).Mul(decimal.NewFromInt(100))
		}
	}
	return r
}

// Writer appends Reports to a plain (uncapped) JSONL file, creating
// parent directories on first write. Unlike internal/eventlog this
// log is never rotated: it is a durable accounting record, not an
// operator tail.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Append is best-effort: a failure is logged by the caller (see
// tickengine's alert path) but never blocks or retries, matching
// report_trade_close's "never raises" contract.
func (w *Writer) Append(r Report) error {
	if w.path == "" {
		return nil
	}
	if dir := filepath.Dir(w.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
