// Package signal reads the append-only PEAK signal log (§6). The log is
// read-only and tail-only: the consumer never writes it and never does a
// full scan, per §4.3's "reverse-block tail reading".
package signal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"

	"peakexec/internal/dedup"
	"peakexec/internal/position"
)

const tailBlockSize = 64 * 1024

// ReadTailLines returns at most n trailing non-empty lines of path,
// read backwards in fixed-size blocks so arbitrarily large signal logs
// never get a full scan.
func ReadTailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("signal: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("signal: stat %s: %w", path, err)
	}
	size := info.Size()

	var buf []byte
	pos := size
	lineCount := 0

	for pos > 0 && lineCount <= n {
		readSize := int64(tailBlockSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("signal: read %s: %w", path, err)
		}
		buf = append(chunk, buf...)
		lineCount = bytes.Count(buf, []byte("\n"))
	}

	lines := strings.Split(string(buf), "\n")
	var out []string
	for _, ln := range lines {
		ln = strings.TrimRight(ln, "\r")
		if strings.TrimSpace(ln) == "" {
			continue
		}
		out = append(out, ln)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Peek tolerantly inspects a raw signal line for its action/kind fields
// before committing to a strict unmarshal, mirroring the original's
// permissive json.loads()+dict access. A line that fails to parse as
// JSON at all is silently skipped (unknown/malformed lines are ignored
// per §6: "Unknown actions are ignored").
func Peek(line string) (action string, ok bool) {
	js, err := simplejson.NewJson([]byte(line))
	if err != nil {
		return "", false
	}
	action, err = js.Get("action").String()
	if err != nil {
		return "", false
	}
	return action, true
}

// Parse strictly decodes a PEAK line into a dedup.Signal, after Peek has
// confirmed the action field is present and well-formed.
func Parse(line string) (dedup.Signal, error) {
	js, err := simplejson.NewJson([]byte(line))
	if err != nil {
		return dedup.Signal{}, fmt.Errorf("signal: parse: %w", err)
	}
	action, _ := js.Get("action").String()
	kind, _ := js.Get("kind").String()
	source, _ := js.Get("source").String()
	price, err := js.Get("price").Float64()
	if err != nil {
		return dedup.Signal{}, fmt.Errorf("signal: price field: %w", err)
	}
	tsStr, err := js.Get("ts").String()
	if err != nil {
		return dedup.Signal{}, fmt.Errorf("signal: ts field: %w", err)
	}
	ts, err := parseISO8601(tsStr)
	if err != nil {
		return dedup.Signal{}, fmt.Errorf("signal: ts parse: %w", err)
	}
	return dedup.Signal{Action: action, Kind: kind, Source: source, Price: price, TS: ts}, nil
}

func parseISO8601(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ReadLatestUnseen scans the tail lines newest-to-oldest and returns the
// first (freshest) PEAK signal whose dedup key is not already in seen.
// §4.11 step 1: "Pop the freshest signal line past dedup."
func ReadLatestUnseen(cfg dedup.Config, lines []string, seen *position.SeenKeys) (dedup.Signal, string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		action, ok := Peek(line)
		if !ok || action != "PEAK" {
			continue
		}
		sig, err := Parse(line)
		if err != nil {
			continue
		}
		key := dedup.StableKey(cfg, sig)
		if key == "" {
			continue
		}
		if seen.Contains(key) {
			continue
		}
		return sig, key, true
	}
	return dedup.Signal{}, "", false
}
