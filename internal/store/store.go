// Package store declares the cube storage contract the overlay consumes
// but does not implement: a key→bytes store, a contest predicate for
// mutable cubes, and an optional retention policy. The real storage
// engine (on-disk persistence, indexing) is explicitly out of scope; only
// this interface and a minimal in-memory reference implementation
// (store/memstore) live in this module.
package store

import (
	"context"
	"time"

	"github.com/cubeoverlay/node/internal/overlay"
)

// CubeInfo is what a successful store read or write yields: the raw
// bytes plus the metadata the overlay needs without re-parsing them.
type CubeInfo struct {
	Meta overlay.CubeMeta
	Raw  []byte // exactly CubeSize bytes

	// Notify is the recipient key for notification-flavored cube types;
	// zero value when CubeType is not one of the *Notify variants.
	Notify overlay.NotificationKey

	// UpdateCount matters only for PMUC contest resolution.
	UpdateCount uint64
}

// AddResult reports the outcome of an AddCube call.
type AddResult struct {
	Info    CubeInfo
	Stored  bool // false when the cube lost the contest or failed validation
	Updated bool // true when Stored replaced a previously-held cube for this key
}

// Store is the storage collaborator the overlay core is built against.
// Implementations must be safe for concurrent use.
type Store interface {
	HasCube(key overlay.CubeKey) bool
	GetCubeInfo(key overlay.CubeKey) (CubeInfo, bool)
	GetCube(key overlay.CubeKey) ([]byte, bool)

	// AddCube validates and stores raw (a full CubeSize-byte cube),
	// resolving MUC/PMUC conflicts via Contest. Returns !Stored without
	// an error for a cube that lost the contest or failed the retention
	// policy; an error is reserved for malformed input or a genuine
	// storage fault.
	AddCube(ctx context.Context, raw []byte) (AddResult, error)

	// GetNotifications lists stored notification-flavored cubes whose
	// Notify equals recipient.
	GetNotifications(recipient overlay.NotificationKey) []CubeInfo

	// GetKeyAtPosition supports SequentialStoreSync key enumeration;
	// ok is false once i is past the end of the store's key space.
	GetKeyAtPosition(i int) (key overlay.CubeKey, ok bool)

	// Subscribe registers fn to be called for every cube accepted by
	// AddCube (Stored == true). The returned func deregisters it.
	Subscribe(fn func(CubeInfo)) (unsubscribe func())

	// ShouldRetain is the optional retention-policy predicate: when
	// false, an offered CubeMeta is dropped before a request is issued
	// for it. A store with no retention policy always returns true.
	ShouldRetain(meta overlay.CubeMeta, now time.Time) bool

	// Contest is the deterministic winner predicate for two cubes that
	// share a key: for MUC, greater Date wins; for PMUC, greater
	// UpdateCount wins, ties broken by greater expiration. It returns
	// whichever of a, b should be kept. Only ever called for Mutable
	// cube types sharing a key; frozen cubes never conflict.
	Contest(a, b CubeInfo) CubeInfo
}
