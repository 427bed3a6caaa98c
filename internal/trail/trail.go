// Package trail implements the swing trailing engine from §4.7:
// reverse-tail reads of the aggregated bar CSV (never a full scan),
// fractal swing detection over HiPrice/LowPrice, and optional bar-close
// confirmation before a trail activates. Grounded on
// executor_mod/trail.py's `_read_last_close_prices_from_agg_csv` /
// `_find_last_fractal_swing` / `_trail_desired_stop_from_agg`, adapted
// to the v2 schema's explicit HiPrice/LowPrice columns instead of the
// original's close-price-only fractal.
package trail

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
	"peakexec/internal/signal"
)

// schemaV2Header is the exact column order §4.7 requires. A bar file
// whose header differs fails loud rather than silently misreading
// columns.
var schemaV2Header = []string{
	"Timestamp", "Trades", "TotalQty", "AvgSize", "BuyQty", "SellQty",
	"AvgPrice", "ClosePrice", "HiPrice", "LowPrice",
}

// Bar is one decoded row of the aggregated bar CSV.
type Bar struct {
	Timestamp  string
	ClosePrice decimal.Decimal
	HiPrice    decimal.Decimal
	LowPrice   decimal.Decimal
}

// ErrSchemaMismatch is returned when the file's header does not match
// schemaV2Header — fail-loud per §4.7.
type ErrSchemaMismatch struct {
	Got []string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("trail: bar CSV header mismatch: got %v, want %v", e.Got, schemaV2Header)
}

// ReadTailBars reads at most n trailing bars from path via a
// reverse-block tail read, fail-closed on a missing or empty file
// (returns zero bars, no error) and fail-loud on a schema mismatch.
func ReadTailBars(path string, n int) ([]Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	lines, err := signal.ReadTailLines(path, n+1)
	if err != nil {
		return nil, fmt.Errorf("trail: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil // fail-closed: missing/empty file never activates trailing
	}

	headerIdx := -1
	for i, ln := range lines {
		if strings.HasPrefix(ln, "Timestamp,") {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 && len(lines) <= n {
		// The whole file fit in the tail window, so its first line is
		// the header and must match schemaV2Header.
		headerIdx = 0
	}
	var dataLines []string
	if headerIdx >= 0 {
		if err := validateHeader(lines[headerIdx]); err != nil {
			return nil, err
		}
		dataLines = lines[headerIdx+1:]
	} else {
		// Tail window landed entirely past the header; assume the fixed
		// v2 column order rather than treating an interior chunk as
		// missing, matching the original's "assume fixed order" fallback.
		dataLines = lines
	}

	var bars []Bar
	for _, ln := range dataLines {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "Timestamp") {
			continue
		}
		bar, err := parseRow(ln)
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

func validateHeader(line string) error {
	r := csv.NewReader(strings.NewReader(line))
	fields, err := r.Read()
	if err != nil {
		return &ErrSchemaMismatch{Got: []string{line}}
	}
	if len(fields) != len(schemaV2Header) {
		return &ErrSchemaMismatch{Got: fields}
	}
	for i, want := range schemaV2Header {
		if strings.TrimSpace(fields[i]) != want {
			return &ErrSchemaMismatch{Got: fields}
		}
	}
	return nil
}

func parseRow(line string) (Bar, error) {
	r := csv.NewReader(strings.NewReader(line))
	fields, err := r.Read()
	if err != nil || len(fields) < len(schemaV2Header) {
		return Bar{}, fmt.Errorf("trail: malformed bar row %q", line)
	}
	closePrice, err1 := decimal.NewFromString(strings.TrimSpace(fields[7]))
	hi, err2 := decimal.NewFromString(strings.TrimSpace(fields[8]))
	low, err3 := decimal.NewFromString(strings.TrimSpace(fields[9]))
	if err1 != nil || err2 != nil || err3 != nil {
		return Bar{}, fmt.Errorf("trail: non-numeric price field in row %q", line)
	}
	return Bar{Timestamp: fields[0], ClosePrice: closePrice, HiPrice: hi, LowPrice: low}, nil
}

// FindLastFractalSwing scans bars right-to-left for the most recent
// confirmed fractal swing of radius r: for LONG, a LowPrice strictly
// below all r neighbors on each side; for SHORT, a HiPrice strictly
// above all r neighbors on each side. Returns false if no bar in the
// valid index range [r, len-r-1] qualifies.
func FindLastFractalSwing(bars []Bar, r int, side position.Side) (decimal.Decimal, bool) {
	if r < 1 {
		r = 1
	}
	n := len(bars)
	if n < 2*r+1 {
		return decimal.Zero, false
	}
	for i := n - r - 1; i >= r; i-- {
		if side == position.Long {
			x := bars[i].LowPrice
			if allStrictlyLess(x, bars, i-r, i) && allStrictlyLess(x, bars, i+1, i+r+1) {
				return x, true
			}
		} else {
			x := bars[i].HiPrice
			if allStrictlyGreater(x, bars, i-r, i) && allStrictlyGreater(x, bars, i+1, i+r+1) {
				return x, true
			}
		}
	}
	return decimal.Zero, false
}

func allStrictlyLess(x decimal.Decimal, bars []Bar, lo, hi int) bool {
	for j := lo; j < hi; j++ {
		if !x.LessThan(bars[j].LowPrice) {
			return false
		}
	}
	return true
}

func allStrictlyGreater(x decimal.Decimal, bars []Bar, lo, hi int) bool {
	for j := lo; j < hi; j++ {
		if !x.GreaterThan(bars[j].HiPrice) {
			return false
		}
	}
	return true
}

// Config is the subset of the flat configuration surface the swing
// trailing engine needs.
type Config struct {
	AggCSVPath          string
	SwingLookback        int
	SwingRadius          int
	SwingBuffer          decimal.Decimal
	ConfirmBufferUSD     decimal.Decimal
	RequireBarConfirm    bool
}

// DesiredStop computes the trailing stop the swing engine wants,
// grounded on _trail_desired_stop_from_agg, split into the two
// REDESIGN-flagged stages: bar-close confirmation (optional, gates
// activation) and the fractal-swing stop computation itself.
func DesiredStop(cfg Config, side position.Side) (decimal.Decimal, bool, error) {
	bars, err := ReadTailBars(cfg.AggCSVPath, cfg.SwingLookback)
	if err != nil {
		if _, ok := err.(*ErrSchemaMismatch); ok {
			return decimal.Zero, false, err // fail-loud
		}
		return decimal.Zero, false, nil // fail-closed on any other read issue
	}
	if len(bars) == 0 {
		return decimal.Zero, false, nil
	}
	swing, ok := FindLastFractalSwing(bars, cfg.SwingRadius, side)
	if !ok {
		return decimal.Zero, false, nil
	}
	if side == position.Long {
		return swing.Sub(cfg.SwingBuffer), true, nil
	}
	return swing.Add(cfg.SwingBuffer), true, nil
}

// ConfirmBarClose reports whether the most recent bar's ClosePrice has
// crossed refPrice by at least confirmBuffer in the trade's favorable
// direction, gating trail activation when RequireBarConfirm is set
// (§4.7: "Optional bar-close confirmation").
func ConfirmBarClose(cfg Config, side position.Side, refPrice decimal.Decimal) (bool, error) {
	bars, err := ReadTailBars(cfg.AggCSVPath, 1)
	if err != nil {
		if _, ok := err.(*ErrSchemaMismatch); ok {
			return false, err
		}
		return false, nil
	}
	if len(bars) == 0 {
		return false, nil
	}
	lastClose := bars[len(bars)-1].ClosePrice
	if side == position.Long {
		return lastClose.GreaterThan(refPrice.Add(cfg.ConfirmBufferUSD)), nil
	}
	return lastClose.LessThan(refPrice.Sub(cfg.ConfirmBufferUSD)), nil
}
