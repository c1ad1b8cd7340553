// Package peerdb is the catalog of known peers, partitioned into
// unverified, verified, exchangeable and blocked sets, with weighted
// random selection for auto-connect. Grounded on the teacher's
// NetworkManager.knownAddresses/activePeers bookkeeping (internal/p2p/manager.go),
// generalized from a flat address map into the four-partition model
// spec.md §4.1 requires, and with murmur3 used to jitter selection
// weights instead of the teacher's unweighted map iteration.
package peerdb

import (
	"math/rand"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/cubeoverlay/node/internal/overlay"
)

type partition uint8

const (
	partitionUnverified partition = iota
	partitionVerified
	partitionExchangeable
	partitionBlocked
)

// entry wraps an overlay.Peer with the partition it currently lives in.
type entry struct {
	peer      *overlay.Peer
	partition partition
}

// Config holds the tunables spec.md §4.1/§6 name for PeerDB.
type Config struct {
	ReconnectInterval           time.Duration
	BadPeerRehabilitationChance float64 // default 0.1, ∈[0,1]
}

func DefaultConfig() Config {
	return Config{
		ReconnectInterval:           30 * time.Second,
		BadPeerRehabilitationChance: 0.1,
	}
}

// DB is the peer catalog. Safe for concurrent use.
type DB struct {
	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	byAddr map[overlay.Address]*entry
	// byIdentity indexes the same entries for fast identity lookup; a
	// peer only appears here once it has HasIdentity == true.
	byIdentity map[overlay.Identity]*entry

	onExchangeable   map[int]func(*overlay.Peer)
	nextListenerID   int
}

func New(cfg Config) *DB {
	return &DB{
		cfg:            cfg,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		byAddr:         make(map[overlay.Address]*entry),
		byIdentity:     make(map[overlay.Identity]*entry),
		onExchangeable: make(map[int]func(*overlay.Peer)),
	}
}

// OnExchangeablePeerFunc registers fn to be called whenever a peer is
// promoted to exchangeable, mirroring spec.md §4.1's `exchangeablePeer`
// event. The returned func deregisters it; every NetworkPeer calls it
// from its own Close so listeners never outlive their session
// (spec.md §5's resource-discipline invariant).
func (db *DB) OnExchangeablePeerFunc(fn func(*overlay.Peer)) func() {
	db.mu.Lock()
	id := db.nextListenerID
	db.nextListenerID++
	db.onExchangeable[id] = fn
	db.mu.Unlock()
	return func() {
		db.mu.Lock()
		delete(db.onExchangeable, id)
		db.mu.Unlock()
	}
}

func (db *DB) findLocked(p *overlay.Peer) *entry {
	if p.HasIdentity {
		if e, ok := db.byIdentity[p.Identity]; ok {
			return e
		}
	}
	for _, a := range p.Addresses {
		if e, ok := db.byAddr[a]; ok {
			return e
		}
	}
	return nil
}

func (db *DB) indexLocked(e *entry) {
	for _, a := range e.peer.Addresses {
		db.byAddr[a] = e
	}
	if e.peer.HasIdentity {
		db.byIdentity[e.peer.Identity] = e
	}
}

// LearnPeer inserts p into unverified, unless it is blocked or already
// known (in which case its addresses are merged into the existing entry).
func (db *DB) LearnPeer(p *overlay.Peer) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if e := db.findLocked(p); e != nil {
		if e.partition == partitionBlocked {
			return
		}
		for _, a := range p.Addresses {
			e.peer.AddAddress(a)
		}
		db.indexLocked(e)
		return
	}
	e := &entry{peer: p, partition: partitionUnverified}
	db.indexLocked(e)
}

// VerifyPeer moves p from unverified to verified. Incoming peers reach
// at most this state.
func (db *DB) VerifyPeer(p *overlay.Peer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.findLocked(p)
	if e == nil {
		e = &entry{peer: p}
		db.indexLocked(e)
	}
	if e.partition == partitionBlocked {
		return
	}
	e.partition = partitionVerified
}

// MarkPeerExchangeable promotes p to exchangeable; strictly stronger than
// verified. Outgoing peers that complete HELLO reach this state.
func (db *DB) MarkPeerExchangeable(p *overlay.Peer) {
	db.mu.Lock()
	e := db.findLocked(p)
	if e == nil {
		e = &entry{peer: p}
		db.indexLocked(e)
	}
	if e.partition == partitionBlocked {
		db.mu.Unlock()
		return
	}
	e.partition = partitionExchangeable
	listeners := make([]func(*overlay.Peer), 0, len(db.onExchangeable))
	for _, fn := range db.onExchangeable {
		listeners = append(listeners, fn)
	}
	db.mu.Unlock()

	for _, fn := range listeners {
		fn(e.peer)
	}
}

// BlocklistPeer removes p from every other partition and adds it to
// blocked. Blocklist dominates: once blocked, LearnPeer/VerifyPeer/
// MarkPeerExchangeable are all no-ops for it. DB has no unblock operation.
func (db *DB) BlocklistPeer(p *overlay.Peer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.findLocked(p)
	if e == nil {
		e = &entry{peer: p}
		db.indexLocked(e)
	}
	e.partition = partitionBlocked
}

// IsBlocked reports whether p (matched by identity or address) is
// currently blocklisted.
func (db *DB) IsBlocked(p *overlay.Peer) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	e := db.findLocked(p)
	return e != nil && e.partition == partitionBlocked
}

// Counts returns the size of each partition, for status reporting and
// the duplicate-connection / self-connect test scenarios.
func (db *DB) Counts() (unverified, verified, exchangeable, blocked int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seen := make(map[*entry]bool)
	for _, e := range db.byAddr {
		if seen[e] {
			continue
		}
		seen[e] = true
		switch e.partition {
		case partitionUnverified:
			unverified++
		case partitionVerified:
			verified++
		case partitionExchangeable:
			exchangeable++
		case partitionBlocked:
			blocked++
		}
	}
	for _, e := range db.byIdentity {
		if seen[e] {
			continue
		}
		seen[e] = true
		switch e.partition {
		case partitionUnverified:
			unverified++
		case partitionVerified:
			verified++
		case partitionExchangeable:
			exchangeable++
		case partitionBlocked:
			blocked++
		}
	}
	return
}

// SelectPeerToConnect performs weighted random selection over
// verified∪unverified, excluding anything in exclude or still inside its
// reconnectInterval backoff. Returns ok=false if nothing is eligible.
func (db *DB) SelectPeerToConnect(exclude []*overlay.Peer, now time.Time) (*overlay.Peer, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	excluded := make(map[*entry]bool, len(exclude))
	for _, p := range exclude {
		if e := db.findLocked(p); e != nil {
			excluded[e] = true
		}
	}

	type candidate struct {
		e      *entry
		weight float64
	}
	seen := make(map[*entry]bool)
	var candidates []candidate
	consider := func(e *entry) {
		if seen[e] || excluded[e] {
			return
		}
		seen[e] = true
		if e.partition != partitionVerified && e.partition != partitionUnverified {
			return
		}
		if !e.peer.LastConnectAttempt.IsZero() && now.Sub(e.peer.LastConnectAttempt) < db.cfg.ReconnectInterval {
			return
		}
		candidates = append(candidates, candidate{e: e, weight: db.weight(e.peer)})
	}
	for _, e := range db.byAddr {
		consider(e)
	}
	for _, e := range db.byIdentity {
		consider(e)
	}

	if len(candidates) == 0 {
		return nil, false
	}

	var total float64
	for _, c := range candidates {
		total += c.weight
	}
	if total <= 0 {
		// Every candidate weighed to zero (shouldn't happen given the
		// rehabilitation floor, but guard against float underflow):
		// fall back to uniform choice.
		pick := candidates[db.rng.Intn(len(candidates))]
		return pick.e.peer, true
	}
	r := db.rng.Float64() * total
	for _, c := range candidates {
		r -= c.weight
		if r <= 0 {
			return c.e.peer, true
		}
	}
	return candidates[len(candidates)-1].e.peer, true
}

// weight implements the non-linear trustScore weighting: good peers grow
// superlinearly more attractive, bad peers are clamped to a small but
// non-zero floor so they are still occasionally retried
// (badPeerRehabilitationChance), and a cheap murmur3 hash of the peer's
// primary address breaks exact ties deterministically per-process
// instead of letting map iteration order bias the draw.
func (db *DB) weight(p *overlay.Peer) float64 {
	score := float64(p.TrustScore)
	var base float64
	switch {
	case score > 0:
		base = 1 + score*score
	case score == 0:
		base = 1
	default:
		floor := db.cfg.BadPeerRehabilitationChance
		if floor <= 0 {
			floor = 0.1
		}
		base = floor
	}

	h := murmur3.Sum32([]byte(p.PrimaryAddress().String()))
	jitter := 1.0 + float64(h%1000)/1e6 // factor in [1, 1.001): up to +0.1%, breaks exact ties
	return base * jitter
}
