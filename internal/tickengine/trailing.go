package tickengine

import (
	"os"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
	"peakexec/internal/trail"
)

// trailDesiredStop wraps trail.DesiredStop with the optional bar-close
// confirmation gate (§4.7: "Optional bar-close confirmation waits
// until the close crosses a reference price by confirm_buffer before
// activating"). Confirmation, once granted for a reference price, is
// cached on the position so it is not re-demanded every tick.
func trailDesiredStop(cfg trail.Config, pos *position.Position) (decimal.Decimal, bool, error) {
	if cfg.RequireBarConfirm && !pos.TrailConfirmed {
		ref := pos.TrailRefPrice
		if ref.Sign() <= 0 {
			ref = pos.Entry
		}
		confirmed, err := trail.ConfirmBarClose(cfg, pos.Side, ref)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !confirmed {
			pos.TrailWaitConfirm = true
			return decimal.Zero, false, nil
		}
		pos.TrailConfirmed = true
		pos.TrailWaitConfirm = false
	}
	return trail.DesiredStop(cfg, pos.Side)
}

// trailFeedAge reports how stale the bar CSV is, for I6's freshness
// check. A missing file reads as maximally stale rather than zero age
// so the detector does not mistake "never fetched" for "just fetched".
func (e *Engine) trailFeedAge() time.Duration {
	info, err := os.Stat(e.trail.AggCSVPath)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(info.ModTime())
}
