// Package memstore is an in-memory store.Store used by tests and by the
// cubenoded reference command when no persistent engine is configured.
// Cube format, hashing and difficulty verification are out of scope for
// this module (see DESIGN.md), so AddCube trusts its caller for shape and
// only enforces size and the MUC/PMUC contest.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/store"
)

// expirationPerDifficultyUnit is the simplified difficulty→lifetime model
// used to break PMUC contest ties: one difficulty point buys one extra
// hour of expiration. The real proof-of-work/expiration formula is part
// of the cube-format collaborator this module does not implement.
const expirationPerDifficultyUnit = time.Hour

// Store is a mutex-guarded map keyed by CubeKey. It is intentionally the
// simplest thing that satisfies store.Store: no indexing, no
// persistence, no retention policy beyond "keep everything".
type Store struct {
	mu        sync.RWMutex
	cubes     map[overlay.CubeKey]store.CubeInfo
	keyOrder  []overlay.CubeKey
	listeners map[int]func(store.CubeInfo)
	nextID    int
}

func New() *Store {
	return &Store{
		cubes:     make(map[overlay.CubeKey]store.CubeInfo),
		listeners: make(map[int]func(store.CubeInfo)),
	}
}

func (s *Store) HasCube(key overlay.CubeKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cubes[key]
	return ok
}

func (s *Store) GetCubeInfo(key overlay.CubeKey) (store.CubeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.cubes[key]
	return info, ok
}

func (s *Store) GetCube(key overlay.CubeKey) ([]byte, bool) {
	info, ok := s.GetCubeInfo(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(info.Raw))
	copy(out, info.Raw)
	return out, true
}

// AddCube parses raw using the memstore test envelope (see envelope.go)
// and applies the contest. Real cube signing/hashing/difficulty
// verification is out of scope for this module; memstore's envelope
// exists only so the overlay's tests can exercise contest and
// notification behavior without a real storage engine.
func (s *Store) AddCube(ctx context.Context, raw []byte) (store.AddResult, error) {
	info, err := decodeEnvelope(raw)
	if err != nil {
		return store.AddResult{}, fmt.Errorf("memstore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, had := s.cubes[info.Meta.Key]
	if !had {
		s.cubes[info.Meta.Key] = info
		s.keyOrder = append(s.keyOrder, info.Meta.Key)
		s.notifyLocked(info)
		return store.AddResult{Info: info, Stored: true, Updated: false}, nil
	}

	if !info.Meta.CubeType.Mutable() {
		// Frozen cubes are content-addressed; a repeat add of the same
		// key is the same bytes and is a no-op, not a conflict.
		return store.AddResult{Info: existing, Stored: false}, nil
	}

	winner := s.contestLocked(existing, info)
	if sameCubeInfo(winner, existing) {
		return store.AddResult{Info: existing, Stored: false}, nil
	}
	s.cubes[info.Meta.Key] = winner
	s.notifyLocked(winner)
	return store.AddResult{Info: winner, Stored: true, Updated: true}, nil
}

func sameCubeInfo(a, b store.CubeInfo) bool {
	return a.Meta.Date.Equal(b.Meta.Date) && a.UpdateCount == b.UpdateCount && string(a.Raw) == string(b.Raw)
}

func (s *Store) notifyLocked(info store.CubeInfo) {
	for _, fn := range s.listeners {
		fn(info)
	}
}

func (s *Store) GetNotifications(recipient overlay.NotificationKey) []store.CubeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CubeInfo
	for _, k := range s.keyOrder {
		info := s.cubes[k]
		if info.Meta.CubeType == overlay.CubeTypeFrozenNotify ||
			info.Meta.CubeType == overlay.CubeTypeMUCNotify ||
			info.Meta.CubeType == overlay.CubeTypePMUCNotify {
			if info.Notify == recipient {
				out = append(out, info)
			}
		}
	}
	return out
}

func (s *Store) GetKeyAtPosition(i int) (overlay.CubeKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.keyOrder) {
		return overlay.CubeKey{}, false
	}
	return s.keyOrder[i], true
}

func (s *Store) Subscribe(fn func(store.CubeInfo)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ShouldRetain always accepts; memstore carries no retention policy.
func (s *Store) ShouldRetain(overlay.CubeMeta, time.Time) bool { return true }

func (s *Store) Contest(a, b store.CubeInfo) store.CubeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contestLocked(a, b)
}

func (s *Store) contestLocked(a, b store.CubeInfo) store.CubeInfo {
	if a.Meta.CubeType.PerVersion() {
		if a.UpdateCount != b.UpdateCount {
			if a.UpdateCount > b.UpdateCount {
				return a
			}
			return b
		}
		expA := expiration(a)
		expB := expiration(b)
		if expA.After(expB) {
			return a
		}
		return b
	}
	// MUC: greater date wins.
	if a.Meta.Date.After(b.Meta.Date) {
		return a
	}
	return b
}

func expiration(info store.CubeInfo) time.Time {
	return info.Meta.Date.Add(time.Duration(info.Meta.Difficulty) * expirationPerDifficultyUnit)
}

// Keys returns a snapshot of all stored keys sorted by byte value.
// SequentialStoreSync and the recent-keys window seed do not use it; they
// read keys in insertion order through GetKeyAtPosition.
func (s *Store) Keys() []overlay.CubeKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]overlay.CubeKey, len(s.keyOrder))
	copy(out, s.keyOrder)
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}
