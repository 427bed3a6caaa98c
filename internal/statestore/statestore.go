// Package statestore persists one JSON document per process instance
// using temp-file-then-rename atomicity (§4.2). No reader ever observes
// a torn file because the rename is the only mutation of the canonical
// path.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Store is bound to one state file path. Callers pass their own state
// struct to Load (as its generic parameter) and Save.
type Store struct {
	path string
}

// New returns a store bound to path. No I/O happens until Load/Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Load is tolerant: a missing file returns a zero-valued out with no
// error; a malformed file is a fatal condition for the caller (§4.2),
// signalled by a non-nil error that callers should treat as
// unrecoverable rather than silently resetting state.
func Load[T any](s *Store, out *T) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("statestore: malformed state file %s: %w", s.path, err)
	}
	return nil
}

// Save writes v to a sibling temp file and renames it over the
// canonical path. It returns false (never an error) when the write
// fails so that callers follow the fail-aware policy of §4.2/§4.14:
// alert, do not halt.
func Save(s *Store, v any) bool {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: marshal failed")
		return false
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: create temp failed")
		return false
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		log.Error().Err(err).Str("path", s.path).Msg("statestore: write temp failed")
		return false
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		log.Error().Err(err).Str("path", s.path).Msg("statestore: sync temp failed")
		return false
	}
	if err := tmp.Close(); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: close temp failed")
		return false
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("statestore: rename failed")
		return false
	}
	return true
}

// SaveBackup writes v to an explicit side path, used by the emergency
// shutdown flow (§4.14) when the primary save has failed.
func SaveBackup(path string, v any) bool {
	s := New(path)
	return Save(s, v)
}
