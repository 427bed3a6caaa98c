package safety

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func baseConfig() Config {
	return Config{MinQty: d(0.001), MinNotional: d(5), QtyStep: d(0.001), WatchdogGrace: 30 * time.Second}
}

func openFilledLong() *position.Position {
	p := position.New("t1", "BTCUSDT", position.Long)
	p.Status = position.OpenFilled
	p.QtyTotal = d(1)
	p.Entry = d(100)
	p.SL = d(95)
	p.TP1 = d(105)
	p.TP2 = d(110)
	p.SLID = 111
	return p
}

func TestSLWatchdogTickIgnoresBeforeOpenFilled(t *testing.T) {
	p := openFilledLong()
	p.Status = position.Open
	if plan := SLWatchdogTick(baseConfig(), p, time.Now(), d(94), position.StatusNew, decimal.Zero); plan != nil {
		t.Fatal("expected nil plan before OPEN_FILLED")
	}
}

func TestSLWatchdogTickPartialFillPlansMarketFlatten(t *testing.T) {
	p := openFilledLong()
	plan := SLWatchdogTick(baseConfig(), p, time.Now(), d(94), position.StatusPartiallyFilled, d(0.4))
	if plan == nil {
		t.Fatal("expected a plan for partial SL fill")
	}
	foundFlatten := false
	for _, s := range plan.Steps {
		if s.Action == ActionMarketFlatten {
			foundFlatten = true
			if !s.Qty.Equal(d(0.6)) {
				t.Fatalf("expected remaining qty 0.6, got %s", s.Qty)
			}
		}
	}
	if !foundFlatten {
		t.Fatal("expected a MARKET_FLATTEN step")
	}
}

func TestSLWatchdogTickRequiresGracePeriod(t *testing.T) {
	p := openFilledLong()
	cfg := baseConfig()
	now := time.Now()
	plan := SLWatchdogTick(cfg, p, now, d(94), position.StatusNew, decimal.Zero)
	if plan != nil {
		t.Fatal("expected nil plan on first trigger (grace not yet elapsed)")
	}
	if p.SLWatchdogFirstTriggerAt.IsZero() {
		t.Fatal("expected first-trigger timestamp to be recorded")
	}
	plan = SLWatchdogTick(cfg, p, now.Add(cfg.WatchdogGrace+time.Second), d(94), position.StatusNew, decimal.Zero)
	if plan == nil {
		t.Fatal("expected a plan once grace period elapses")
	}
}

func TestSLWatchdogTickResetsOnUntrigger(t *testing.T) {
	p := openFilledLong()
	cfg := baseConfig()
	now := time.Now()
	SLWatchdogTick(cfg, p, now, d(94), position.StatusNew, decimal.Zero)
	if p.SLWatchdogFirstTriggerAt.IsZero() {
		t.Fatal("expected trigger recorded")
	}
	SLWatchdogTick(cfg, p, now.Add(time.Second), d(96), position.StatusNew, decimal.Zero)
	if !p.SLWatchdogFirstTriggerAt.IsZero() {
		t.Fatal("expected trigger cleared once price moved away from stop")
	}
}

func TestSLWatchdogTickFilledClearsTrigger(t *testing.T) {
	p := openFilledLong()
	plan := SLWatchdogTick(baseConfig(), p, time.Now(), d(94), position.StatusFilled, d(1))
	if plan != nil {
		t.Fatal("expected nil plan once SL observed FILLED (terminal detection owns this)")
	}
}

func TestSLWatchdogTickDustRemainderWhenBelowMinNotional(t *testing.T) {
	p := openFilledLong()
	p.QtyTotal = d(0.0005)
	cfg := baseConfig()
	cfg.MinQty = d(0.0001)
	now := time.Now()
	SLWatchdogTick(cfg, p, now, d(94), position.StatusNew, decimal.Zero)
	plan := SLWatchdogTick(cfg, p, now.Add(cfg.WatchdogGrace+time.Second), d(94), position.StatusNew, decimal.Zero)
	if plan == nil {
		t.Fatal("expected a plan")
	}
	foundDust := false
	for _, s := range plan.Steps {
		if s.Action == ActionDustRemainder {
			foundDust = true
		}
	}
	if !foundDust {
		t.Fatalf("expected DUST_REMAINDER step when notional is below minimum, got %+v", plan.Steps)
	}
}

func TestTPCrossedTickTP1MissingAndCrossedPlansBreakeven(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.33), d(0.33), d(0.34)
	plan := TPCrossedTick(baseConfig(), p, position.KeyTP1, position.StatusMissing, d(106))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	var sawClose, sawBE bool
	for _, s := range plan.Steps {
		if s.Action == ActionMarketCloseQty && s.Qty.Equal(d(0.33)) {
			sawClose = true
		}
		if s.Action == ActionMoveStopBreakeven {
			sawBE = true
		}
	}
	if !sawClose || !sawBE {
		t.Fatalf("expected close-qty1 and move-to-breakeven steps, got %+v", plan.Steps)
	}
}

func TestTPCrossedTickTP2MissingUsesQty2PlusQty3ForTrailing(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.33), d(0.33), d(0.34)
	p.TP1Done = true
	plan := TPCrossedTick(baseConfig(), p, position.KeyTP2, position.StatusCanceled, d(111))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	var sawTrail bool
	for _, s := range plan.Steps {
		if s.Action == ActionActivateTrailing {
			sawTrail = true
			if !s.Qty.Equal(d(0.67)) {
				t.Fatalf("expected qty2+qty3 = 0.67, got %s", s.Qty)
			}
		}
	}
	if !sawTrail {
		t.Fatalf("expected ACTIVATE_SYNTHETIC_TRAILING step, got %+v", plan.Steps)
	}
}

func TestTPCrossedTickTP2MissingBeforeTP1DoneTrailsQty2PlusQty3Only(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.33), d(0.33), d(0.34)
	p.TP1Done = false
	plan := TPCrossedTick(baseConfig(), p, position.KeyTP2, position.StatusCanceled, d(111))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	var sawTrail bool
	for _, s := range plan.Steps {
		if s.Action == ActionMarketCloseQty {
			t.Fatalf("expected no market-close step on TP2-missing, got %+v", s)
		}
		if s.Action == ActionActivateTrailing {
			sawTrail = true
			if !s.Qty.Equal(d(0.67)) {
				t.Fatalf("expected qty2+qty3 = 0.67, got %s", s.Qty)
			}
		}
	}
	if !sawTrail {
		t.Fatalf("expected ACTIVATE_SYNTHETIC_TRAILING step, got %+v", plan.Steps)
	}
}

func TestTPCrossedTickSkipsTrailingWhenDegraded(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.5), d(0.5), d(0)
	p.QtyDegraded = true
	p.TP1Done = true
	plan := TPCrossedTick(baseConfig(), p, position.KeyTP2, position.StatusCanceled, d(111))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	for _, s := range plan.Steps {
		if s.Action == ActionActivateTrailing {
			t.Fatal("expected trailing activation suppressed on a degraded split")
		}
	}
}

func TestTP1PartialTickMarketFlattensRemainder(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.1), d(0.1), d(0.1)
	p.TP1ID = 111
	plan := TP1PartialTick(baseConfig(), p, position.StatusPartiallyFilled, d(0.045), d(102.5))
	if plan == nil {
		t.Fatal("expected a plan for a partial TP1 fill")
	}
	var sawCancel, sawClose, sawBE bool
	for _, s := range plan.Steps {
		if s.Action == ActionCancelOrder && s.OrderID == 111 {
			sawCancel = true
		}
		if s.Action == ActionMarketCloseQty {
			sawClose = true
			if !s.Qty.Equal(d(0.055)) {
				t.Fatalf("expected remaining qty1 0.1-0.045=0.055, got %s", s.Qty)
			}
			if s.Side != position.Short {
				t.Fatalf("expected a SELL-equivalent close side for a LONG, got %s", s.Side)
			}
		}
		if s.Action == ActionMoveStopBreakeven {
			sawBE = true
		}
	}
	if !sawCancel || !sawClose || !sawBE {
		t.Fatalf("expected cancel, market-close and move-to-breakeven steps, got %+v", plan.Steps)
	}
	var sawDetected, sawFallback bool
	for _, e := range plan.Events {
		if e == "TP1_PARTIAL_DETECTED" {
			sawDetected = true
		}
		if e == "TP1_MARKET_FALLBACK_PARTIAL" {
			sawFallback = true
		}
	}
	if !sawDetected || !sawFallback {
		t.Fatalf("expected TP1_PARTIAL_DETECTED and TP1_MARKET_FALLBACK_PARTIAL events, got %v", plan.Events)
	}
}

func TestTP1PartialTickDustDoesNotMarketClose(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.1), d(0.1), d(0.1)
	p.TP1ID = 111
	// Only 0.0001 left after the fill — dust under MinNotional at this price.
	plan := TP1PartialTick(baseConfig(), p, position.StatusPartiallyFilled, d(0.0999), d(102.5))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	for _, s := range plan.Steps {
		if s.Action == ActionMarketCloseQty {
			t.Fatalf("expected no market-close step on dust remainder, got %+v", s)
		}
	}
	var sawBE bool
	for _, s := range plan.Steps {
		if s.Action == ActionMoveStopBreakeven {
			sawBE = true
		}
	}
	if !sawBE {
		t.Fatal("expected the stop still moved to breakeven on a dust remainder")
	}
	var sawDust bool
	for _, e := range plan.Events {
		if e == "TP1_PARTIAL_DUST" {
			sawDust = true
		}
	}
	if !sawDust {
		t.Fatalf("expected a TP1_PARTIAL_DUST event, got %v", plan.Events)
	}
}

func TestTP1PartialTickShortSide(t *testing.T) {
	p := openFilledLong()
	p.Side = position.Short
	p.Qty1, p.Qty2, p.Qty3 = d(0.1), d(0.1), d(0.1)
	p.TP1ID = 111
	plan := TP1PartialTick(baseConfig(), p, position.StatusPartiallyFilled, d(0.045), d(97.5))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	for _, s := range plan.Steps {
		if s.Action == ActionMarketCloseQty {
			if s.Side != position.Long {
				t.Fatalf("expected a BUY-equivalent close side for a SHORT, got %s", s.Side)
			}
			if !s.Qty.Equal(d(0.055)) {
				t.Fatalf("expected remaining qty1 0.055, got %s", s.Qty)
			}
		}
	}
}

func TestTP1PartialTickNilWhenAlreadyDone(t *testing.T) {
	p := openFilledLong()
	p.TP1Done = true
	if plan := TP1PartialTick(baseConfig(), p, position.StatusPartiallyFilled, d(0.045), d(102.5)); plan != nil {
		t.Fatal("expected nil plan once TP1 is already done")
	}
}

func TestTPCrossedTickTP1MissingDustDoesNotMarketClose(t *testing.T) {
	p := openFilledLong()
	// A tiny qty1 leg (e.g. from a degraded split) can't be market-closed.
	p.Qty1, p.Qty2, p.Qty3 = d(0.0001), d(0.33), d(0.34)
	plan := TPCrossedTick(baseConfig(), p, position.KeyTP1, position.StatusCanceled, d(106))
	if plan == nil {
		t.Fatal("expected a plan")
	}
	for _, s := range plan.Steps {
		if s.Action == ActionMarketCloseQty {
			t.Fatalf("expected no market-close step on a dust qty1, got %+v", s)
		}
	}
	var sawBE, sawDust bool
	for _, s := range plan.Steps {
		if s.Action == ActionMoveStopBreakeven {
			sawBE = true
		}
	}
	for _, e := range plan.Events {
		if e == "TP1_MISSING_DUST" {
			sawDust = true
		}
	}
	if !sawBE || !sawDust {
		t.Fatalf("expected a TP1_MISSING_DUST event and a move-to-breakeven step, got steps=%+v events=%v", plan.Steps, plan.Events)
	}
}

func TestTPCrossedTickOneShotLogging(t *testing.T) {
	p := openFilledLong()
	p.Qty1, p.Qty2, p.Qty3 = d(0.33), d(0.33), d(0.34)
	p.Flags.TP1MissingLogged = true
	if plan := TPCrossedTick(baseConfig(), p, position.KeyTP1, position.StatusMissing, d(106)); plan != nil {
		t.Fatal("expected nil plan once the one-shot flag is set")
	}
}

func TestTerminalDetectionFinalizesOnSLFilled(t *testing.T) {
	plan := TerminalDetection(position.StatusFilled)
	if plan == nil || len(plan.Steps) != 1 || plan.Steps[0].Action != ActionFinalize {
		t.Fatalf("expected a single FINALIZE step, got %+v", plan)
	}
}

func TestTerminalDetectionNilWhenNotFilled(t *testing.T) {
	if plan := TerminalDetection(position.StatusNew); plan != nil {
		t.Fatal("expected nil plan for non-terminal SL status")
	}
}
