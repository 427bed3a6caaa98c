// Package dedup implements stable signal deduplication keys and the
// bounded recent-key set described in §4.3, grounded on
// executor_mod/event_dedup.py.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"peakexec/internal/position"
)

// Config is the subset of the flat configuration surface dedup needs.
type Config struct {
	PriceDecimals int
	SeenKeysMax   int
	StrictSource  bool
}

// Signal is a parsed PEAK signal line (see internal/signal).
type Signal struct {
	Action string
	Source string
	Kind   string
	Price  float64
	TS     time.Time
}

// StableKey computes "{action}|{ts_bucketed_to_minute}|{direction}|{price_rounded}"
// per §4.3. Returns "" when the signal does not qualify (wrong action,
// strict-source mismatch, unparseable fields).
func StableKey(cfg Config, sig Signal) string {
	if sig.Action != "PEAK" {
		return ""
	}
	if cfg.StrictSource && sig.Source != "DeltaScout" {
		return ""
	}
	kind := strings.ToLower(strings.TrimSpace(sig.Kind))
	if kind != "long" && kind != "short" {
		return ""
	}
	if sig.TS.IsZero() {
		return ""
	}
	minute := sig.TS.UTC().Format("2006-01-02T15:04")

	dec := cfg.PriceDecimals
	if dec <= 0 {
		dec = 2
	}
	step := math.Pow(10, float64(dec))
	priceRounded := math.Floor(sig.Price*step+0.5) / step

	return fmt.Sprintf("PEAK|%s|%s|%.*f", minute, kind, dec, priceRounded)
}

// algorithmVersion is a stand-in for "the source of stable_event_key" used
// by the Python original to build its fingerprint from the function's
// own source text. We pin a version tag instead: any change to the key
// formula above must bump this constant, which is the Go equivalent of
// invalidating the fingerprint when the algorithm changes.
const algorithmVersion = "dedup_v1"

// Fingerprint hashes the algorithm version plus the decimals/strict-source
// configuration. A loaded fingerprint differing from Fingerprint(cfg)
// means the key formula changed underneath a persisted seen-keys set,
// and the set must be discarded (§4.3).
func Fingerprint(cfg Config) string {
	payload := fmt.Sprintf("%s|DEDUP_PRICE_DECIMALS=%d|STRICT_SOURCE=%t",
		algorithmVersion, cfg.PriceDecimals, cfg.StrictSource)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// BootstrapFromTail seeds a SeenKeys set from the most recent signal log
// lines, discarding any existing set whose fingerprint has gone stale.
// Callers are expected to have already read at most TAIL_LINES lines via
// a reverse-block tail read (§4.3); this function does not touch the
// filesystem itself.
func BootstrapFromTail(cfg Config, existing position.SeenKeys, tailSignals []Signal) (position.SeenKeys, int) {
	fp := Fingerprint(cfg)
	seen := existing
	if seen.Fingerprint != fp {
		seen = position.SeenKeys{Fingerprint: fp, Max: cfg.SeenKeysMax}
	}
	seen.Max = cfg.SeenKeysMax

	added := 0
	for _, sig := range tailSignals {
		key := StableKey(cfg, sig)
		if key == "" {
			continue
		}
		if seen.Add(key) {
			added++
		}
	}
	return seen, added
}
