package dedup

import (
	"testing"
	"time"

	"peakexec/internal/position"
)

func baseCfg() Config {
	return Config{PriceDecimals: 2, SeenKeysMax: 500, StrictSource: false}
}

func TestStableKeyStableUnderSecondJitter(t *testing.T) {
	cfg := baseCfg()
	ts1 := time.Date(2025, 1, 13, 20, 0, 1, 0, time.UTC)
	ts2 := time.Date(2025, 1, 13, 20, 0, 47, 0, time.UTC)
	k1 := StableKey(cfg, Signal{Action: "PEAK", Kind: "long", Price: 95000.001, TS: ts1})
	k2 := StableKey(cfg, Signal{Action: "PEAK", Kind: "long", Price: 95000.001, TS: ts2})
	if k1 != k2 {
		t.Fatalf("keys differ under same-minute jitter: %s vs %s", k1, k2)
	}
}

func TestStableKeyDiffersAcrossMinuteBoundary(t *testing.T) {
	cfg := baseCfg()
	ts1 := time.Date(2025, 1, 13, 20, 0, 59, 0, time.UTC)
	ts2 := time.Date(2025, 1, 13, 20, 1, 0, 0, time.UTC)
	k1 := StableKey(cfg, Signal{Action: "PEAK", Kind: "long", Price: 95000, TS: ts1})
	k2 := StableKey(cfg, Signal{Action: "PEAK", Kind: "long", Price: 95000, TS: ts2})
	if k1 == k2 {
		t.Fatalf("expected distinct keys across minute boundary")
	}
}

func TestStableKeyRejectsNonPeakAction(t *testing.T) {
	cfg := baseCfg()
	k := StableKey(cfg, Signal{Action: "NOISE", Kind: "long", Price: 1, TS: time.Now()})
	if k != "" {
		t.Fatalf("expected empty key for non-PEAK action, got %s", k)
	}
}

func TestStableKeyStrictSourceGate(t *testing.T) {
	cfg := baseCfg()
	cfg.StrictSource = true
	sig := Signal{Action: "PEAK", Kind: "long", Price: 1, TS: time.Now(), Source: "Other"}
	if k := StableKey(cfg, sig); k != "" {
		t.Fatalf("expected empty key under strict source mismatch, got %s", k)
	}
	sig.Source = "DeltaScout"
	if k := StableKey(cfg, sig); k == "" {
		t.Fatal("expected non-empty key once source matches")
	}
}

func TestBootstrapDiscardsStaleFingerprint(t *testing.T) {
	cfg := baseCfg()
	stale := position.SeenKeys{Fingerprint: "stale", Keys: []string{"PEAK|x|long|1.00"}}
	out, added := BootstrapFromTail(cfg, stale, []Signal{
		{Action: "PEAK", Kind: "long", Price: 95000, TS: time.Now()},
	})
	if out.Fingerprint != Fingerprint(cfg) {
		t.Fatal("expected fresh fingerprint")
	}
	if out.Contains("PEAK|x|long|1.00") {
		t.Fatal("expected stale seen-keys to be discarded")
	}
	if added != 1 {
		t.Fatalf("expected 1 added key, got %d", added)
	}
}

func TestBootstrapIsIdempotentAcrossReplay(t *testing.T) {
	cfg := baseCfg()
	sigs := []Signal{
		{Action: "PEAK", Kind: "long", Price: 95000, TS: time.Date(2025, 1, 13, 20, 0, 0, 0, time.UTC)},
		{Action: "PEAK", Kind: "long", Price: 95000, TS: time.Date(2025, 1, 13, 20, 0, 5, 0, time.UTC)},
	}
	seen, added := BootstrapFromTail(cfg, position.SeenKeys{}, sigs)
	if added != 1 {
		t.Fatalf("expected dedup within same bootstrap pass, got added=%d", added)
	}
	_, added2 := BootstrapFromTail(cfg, seen, sigs)
	if added2 != 0 {
		t.Fatalf("replaying the same lines must add nothing, got %d", added2)
	}
}

func TestSeenKeysEvictsOldest(t *testing.T) {
	s := position.SeenKeys{Max: 2}
	s.Add("a")
	s.Add("b")
	s.Add("c")
	if s.Contains("a") {
		t.Fatal("expected oldest key evicted")
	}
	if !s.Contains("b") || !s.Contains("c") {
		t.Fatal("expected newest keys retained")
	}
}
