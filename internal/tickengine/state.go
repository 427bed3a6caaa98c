// Package tickengine implements the position tick state machine from
// §4.10: the scheduler that advances the one live position at most one
// step per tick, invoking the exit-safety planner (internal/safety) for
// decisions and the exchange adapter (internal/exchange) for effects.
// Grounded on DiegoAmoralez-TradeBot-2.0's engine.go loop shape
// (ticker-driven goroutine, stop channel, mutex-guarded running flag),
// generalized from "many symbols, many positions" to the single
// position this system manages.
package tickengine

import (
	"time"

	"peakexec/internal/position"
)

// State is the single persisted JSON document (§4.2): the live
// position (nil when flat), the dedup seen-keys set, the margin
// ledger, the last-closed record kept for reporting, and the
// cooldown/lock deadlines and emergency sleep flag the single-position
// guard and §4.14 need across restarts.
type State struct {
	Position      *position.Position  `json:"position"`
	SeenKeys      position.SeenKeys   `json:"seen_keys"`
	MarginLedger  position.MarginLedger `json:"margin_ledger"`
	LastClosed    *position.LastClosed `json:"last_closed,omitempty"`
	CooldownUntil time.Time           `json:"cooldown_until"`
	LockUntil     time.Time           `json:"lock_until"`
	Sleeping      bool                `json:"sleeping"`

	// NextInvariantAt throttles detector evaluation (§6 INVAR_EVERY_SEC)
	// independent of position state, so I13's post-close debt check
	// keeps running on its own cadence even while position is nil.
	NextInvariantAt time.Time `json:"next_invariant_at"`
}
