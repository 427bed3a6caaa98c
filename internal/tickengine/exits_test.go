package tickengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"peakexec/internal/exchange"
	"peakexec/internal/position"
	"peakexec/internal/safety"
)

func TestCancelVerifyReplaceSuccess(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	old, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = old.OrderID
	var ws position.WatchdogState

	replacement, ok := e.cancelVerifyReplace(context.Background(), pos, old.OrderID, &ws, func() (exchange.OrderState, error) {
		return client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(100)})
	})
	if !ok {
		t.Fatal("expected cancel-verify-replace to succeed")
	}
	if replacement.OrderID == old.OrderID {
		t.Fatal("expected a distinct replacement order id")
	}
	if ws.Attempts != 0 {
		t.Fatalf("expected attempts reset on success, got %d", ws.Attempts)
	}
	st, _ := client.Status(context.Background(), e.cfg.Symbol, old.OrderID)
	if st.Status != position.StatusCanceled {
		t.Fatalf("expected the old order canceled, got %s", st.Status)
	}
}

func TestCancelVerifyReplaceAbortsWhenOldOrderAlreadyFilled(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	old, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	client.ScriptedStatuses[old.OrderID] = position.StatusFilled
	pos.SLID = old.OrderID
	var ws position.WatchdogState

	placeCalled := false
	_, ok := e.cancelVerifyReplace(context.Background(), pos, old.OrderID, &ws, func() (exchange.OrderState, error) {
		placeCalled = true
		return exchange.OrderState{}, nil
	})
	if ok {
		t.Fatal("expected the transition to abort once the old order is observed FILLED")
	}
	if placeCalled {
		t.Fatal("expected the replacement never to be placed once FILLED wins the race")
	}
}

func TestCancelVerifyReplaceRespectsCooldown(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	old, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = old.OrderID
	ws := position.WatchdogState{CooldownUntil: time.Now().Add(time.Hour)}

	placeCalled := false
	_, ok := e.cancelVerifyReplace(context.Background(), pos, old.OrderID, &ws, func() (exchange.OrderState, error) {
		placeCalled = true
		return exchange.OrderState{}, nil
	})
	if ok || placeCalled {
		t.Fatal("expected cancel-verify-replace to skip entirely during cooldown")
	}
}

func TestBumpWatchdogAttemptEntersCooldownAtCap(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	e.cfg.TP1BEMaxAttempts = 2
	var ws position.WatchdogState
	e.bumpWatchdogAttempt(&ws, errors.New("boom"))
	if ws.Attempts != 1 || !ws.CooldownUntil.IsZero() {
		t.Fatalf("expected one attempt recorded and no cooldown yet, got %+v", ws)
	}
	e.bumpWatchdogAttempt(&ws, errors.New("boom again"))
	if ws.Attempts != 0 {
		t.Fatalf("expected attempts reset once the cap is hit, got %d", ws.Attempts)
	}
	if ws.CooldownUntil.Before(time.Now()) {
		t.Fatal("expected a forward cooldown deadline once the cap is hit")
	}
}

func TestRunBreakEvenReplacesStopAtEntry(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	old, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = old.OrderID
	pos.TP1BEPending = true
	pos.TP1BEOldSL = old.OrderID

	e.runBreakEven(context.Background(), pos, time.Now())

	if pos.TP1BEPending {
		t.Fatal("expected TP1BEPending cleared once break-even succeeds")
	}
	if !pos.SL.Equal(pos.Entry) {
		t.Fatalf("expected the new stop at entry (%s), got %s", pos.Entry, pos.SL)
	}
	if pos.SLPrevID != old.OrderID {
		t.Fatalf("expected SLPrevID to record the replaced order, got %d", pos.SLPrevID)
	}
	if pos.SLID == old.OrderID {
		t.Fatal("expected a new SL order id")
	}
}

func TestRunTrailingSkipsWithoutSwingData(t *testing.T) {
	e, client := newTestEngine(t, d(105))
	pos := openFilledLong("t1")
	pos.TrailActive = true
	pos.TrailSLPrice = d(99)
	old, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = old.OrderID

	e.runTrailing(context.Background(), pos, time.Now())

	if pos.SLID != old.OrderID {
		t.Fatal("expected no replacement without swing data to move the stop")
	}
}

func TestTrailingStopQtyPrefersTrailQtyOverride(t *testing.T) {
	pos := openFilledLong("t1")
	pos.TP1Done = false
	if got := trailingStopQty(pos); !got.Equal(pos.QtyTotal) {
		t.Fatalf("expected QtyRemaining fallback of %s with no override, got %s", pos.QtyTotal, got)
	}
	pos.TrailQty = d(0.67)
	if got := trailingStopQty(pos); !got.Equal(d(0.67)) {
		t.Fatalf("expected the TrailQty override 0.67, got %s", got)
	}
}

func TestExecuteStepActivateTrailingStoresPlanQtyOnPosition(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	pos.TP1Done = false

	e.executeStep(context.Background(), pos, safety.Step{Action: safety.ActionActivateTrailing, Qty: d(0.67)})

	if !pos.TrailActive {
		t.Fatal("expected trailing activated")
	}
	if !pos.TrailQty.Equal(d(0.67)) {
		t.Fatalf("expected TrailQty 0.67 stored from the plan step, got %s", pos.TrailQty)
	}
	if !trailingStopQty(pos).Equal(d(0.67)) {
		t.Fatalf("expected the next trailing replacement to use 0.67, got %s", trailingStopQty(pos))
	}
}

func TestExecutePlanRunsCancelsBeforeOtherSteps(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	tp1, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(0.33), Price: d(105)})
	pos.TP1ID = tp1.OrderID

	plan := &safety.Plan{
		Steps: []safety.Step{
			{Action: safety.ActionCancelOrder, OrderID: tp1.OrderID},
			{Action: safety.ActionMoveStopBreakeven},
		},
		Events: []string{"TP1_MISSING_DETECTED"},
	}
	e.executePlan(context.Background(), pos, plan)

	st, _ := client.Status(context.Background(), e.cfg.Symbol, tp1.OrderID)
	if st.Status != position.StatusCanceled {
		t.Fatalf("expected the cancel step executed, got %s", st.Status)
	}
	if !pos.TP1BEPending {
		t.Fatal("expected the breakeven step to have run after the cancel")
	}
}

func TestExecuteStepMarketCloseQtyPlacesOrder(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	step := safety.Step{Action: safety.ActionMarketCloseQty, Qty: d(0.33), Side: position.Short, Reason: "TP1_MISSING"}
	e.executeStep(context.Background(), pos, step)

	st, err := client.Status(context.Background(), e.cfg.Symbol, 1)
	if err != nil || st.Status != position.StatusFilled {
		t.Fatalf("expected a filled market order placed by the step, got %+v err=%v", st, err)
	}
}

func TestFinalizeIfManualCloseDetectsExchangeSideClosure(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	client.Cancel(context.Background(), e.cfg.Symbol, sl.OrderID)
	e.state.Position = pos

	closed := e.finalizeIfManualClose(context.Background(), pos)
	if !closed {
		t.Fatal("expected manual-close detection to finalize once every known leg is terminal")
	}
	if e.state.Position != nil {
		t.Fatal("expected the position cleared after finalization")
	}
}

func TestFinalizeIfManualCloseLeavesLivePositionAlone(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(1), Price: d(95)})
	pos.SLID = sl.OrderID
	e.state.Position = pos

	closed := e.finalizeIfManualClose(context.Background(), pos)
	if closed {
		t.Fatal("expected a still-resting SL order to block manual-close detection")
	}
	if e.state.Position == nil {
		t.Fatal("expected the position to remain live")
	}
}

func TestFinalizeClosedRecordsLastClosedAndCooldown(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	pos.TP1Done = true
	e.state.Position = pos

	e.finalizeClosed(context.Background(), pos, "SL_FILLED")

	if e.state.Position != nil {
		t.Fatal("expected the position cleared")
	}
	if e.state.LastClosed == nil || e.state.LastClosed.Reason != "SL_FILLED" {
		t.Fatalf("expected a last-closed record with the given reason, got %+v", e.state.LastClosed)
	}
	if !e.state.LastClosed.Exit.Equal(pos.TP1) {
		t.Fatalf("expected exit price to reflect TP1 once TP1Done, got %s", e.state.LastClosed.Exit)
	}
	if !e.state.CooldownUntil.After(time.Now()) {
		t.Fatal("expected a forward cooldown deadline after closing")
	}
}

func TestMarketFlattenAllCancelsAndCloses(t *testing.T) {
	e, client := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	tp1, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(0.33), Price: d(105)})
	pos.TP1ID = tp1.OrderID
	pos.Qty1, pos.Qty2, pos.Qty3 = d(0.33), d(0.33), d(0.34)

	e.marketFlattenAll(context.Background(), pos, "TEST_FLATTEN")

	st, _ := client.Status(context.Background(), e.cfg.Symbol, tp1.OrderID)
	if st.Status != position.StatusCanceled {
		t.Fatalf("expected the resting TP1 canceled, got %s", st.Status)
	}
}

func TestTickFinalizesPositionOnDustRemainder(t *testing.T) {
	e, client := newTestEngine(t, d(10))
	pos := openFilledLong("t1")
	pos.TP1Done, pos.TP2Done = true, true
	pos.Qty3 = d(0.34)
	sl, _ := client.PlaceLimit(context.Background(), exchange.OrderRequest{Symbol: e.cfg.Symbol, Side: position.Short, Qty: d(0.34), Price: d(95)})
	pos.SLID = sl.OrderID
	pos.SLWatchdogFirstTriggerAt = time.Now().Add(-time.Hour)
	e.state.Position = pos

	e.Tick(context.Background())

	if e.state.Position != nil {
		t.Fatal("expected the dust-remainder fallback to finalize the slot, leaving no live position")
	}
	if e.state.LastClosed == nil || e.state.LastClosed.Reason != "SL_WATCHDOG" {
		t.Fatalf("expected a last-closed record with reason SL_WATCHDOG, got %+v", e.state.LastClosed)
	}
}

func TestPlaceExitsPlacesAllThreeLegs(t *testing.T) {
	e, _ := newTestEngine(t, d(100))
	pos := openFilledLong("t1")
	pos.QtyTotal = d(3)
	pos.Qty1, pos.Qty2, pos.Qty3 = d(0), d(0), d(0)

	if err := e.placeExits(context.Background(), pos); err != nil {
		t.Fatalf("expected exit placement to succeed, got %v", err)
	}
	if pos.SLID == 0 || pos.TP1ID == 0 || pos.TP2ID == 0 {
		t.Fatalf("expected every leg placed, got sl=%d tp1=%d tp2=%d", pos.SLID, pos.TP1ID, pos.TP2ID)
	}
}
