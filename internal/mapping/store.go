// Package mapping owns the interval -> venue market mappings.
//
// The in-memory table is the single source of truth for which Kalshi ticker
// and Polymarket token pair trade a given 15-minute interval. Discovery
// writes one venue at a time (the venues list at different lead times), so
// the setters merge rather than replace. The table is mirrored to a JSON
// file with atomic replacement so a restart mid-session can resume without
// rediscovering.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"boxarb/pkg/types"
)

// Store holds the interval mappings, keyed by interval start.
type Store struct {
	mu       sync.RWMutex
	mappings map[int64]*types.IntervalMapping
	path     string // mirror file, empty = memory only
}

// Open creates a store mirrored to dir/mappings.json, loading any previous
// state. An empty dir keeps the store memory only.
func Open(dir string) (*Store, error) {
	s := &Store{mappings: make(map[int64]*types.IntervalMapping)}
	if dir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mapping dir: %w", err)
	}
	s.path = filepath.Join(dir, "mappings.json")

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read mappings: %w", err)
	}

	var saved []*types.IntervalMapping
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("unmarshal mappings: %w", err)
	}
	for _, m := range saved {
		s.mappings[m.Interval.StartTs] = m
	}
	return s, nil
}

// SetPolymarket merges the Polymarket side into the interval's mapping.
func (s *Store) SetPolymarket(interval types.IntervalKey, m *types.PolymarketMarket) error {
	s.mu.Lock()
	entry := s.entryLocked(interval)
	entry.Polymarket = m
	entry.DiscoveredAt = types.NowMs()
	s.mu.Unlock()
	return s.save()
}

// SetKalshi merges the Kalshi side into the interval's mapping.
func (s *Store) SetKalshi(interval types.IntervalKey, m *types.KalshiMarket) error {
	s.mu.Lock()
	entry := s.entryLocked(interval)
	entry.Kalshi = m
	entry.DiscoveredAt = types.NowMs()
	s.mu.Unlock()
	return s.save()
}

func (s *Store) entryLocked(interval types.IntervalKey) *types.IntervalMapping {
	entry := s.mappings[interval.StartTs]
	if entry == nil {
		entry = &types.IntervalMapping{Interval: interval}
		s.mappings[interval.StartTs] = entry
	}
	return entry
}

// Get returns a copy of the interval's mapping, or nil if unknown.
func (s *Store) Get(interval types.IntervalKey) *types.IntervalMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.mappings[interval.StartTs]
	if entry == nil {
		return nil
	}
	cp := *entry
	return &cp
}

// Complete reports whether both venues are resolved for the interval.
func (s *Store) Complete(interval types.IntervalKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mappings[interval.StartTs].Complete()
}

// Prune drops mappings for intervals that ended more than a day ago.
// Returns the number removed.
func (s *Store) Prune(nowTs int64) int {
	const maxAge = 24 * 60 * 60

	s.mu.Lock()
	removed := 0
	for start, m := range s.mappings {
		if m.Interval.EndTs < nowTs-maxAge {
			delete(s.mappings, start)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.save()
	}
	return removed
}

// save atomically mirrors the table to disk: write to .tmp, then rename,
// so a crash mid-write never corrupts the file.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	all := make([]*types.IntervalMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		all = append(all, m)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal mappings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write mappings: %w", err)
	}
	return os.Rename(tmp, s.path)
}
