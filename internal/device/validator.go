// Package device resolves a connecting truck's announced identifier
// to its administrative record, backed by a small bounded cache so
// the hot path of validating every packet doesn't round-trip to the
// repository.
package device

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// ErrUnregistered is returned when an identifier has no matching
// Truck, whether resolved fresh from the repository or served from a
// cached negative result.
var ErrUnregistered = errors.New("device: unregistered identifier")

// Repository is the narrow lookup the validator needs; satisfied by
// internal/repository's Postgres adapter.
type Repository interface {
	FindTruckByIdentifier(ctx context.Context, identifier string) (*telemetry.Truck, error)
}

type cacheEntry struct {
	truck     *telemetry.Truck // nil means a cached negative result
	expiresAt time.Time
	lruElem   *list.Element
}

// Validator caches identifier -> Truck resolutions. Positive results
// live for TTL; negative results live for NegativeTTL, which should
// be short enough that a rogue device retrying rapidly doesn't wedge
// a real registration behind a stale negative entry for long.
type Validator struct {
	repo        Repository
	ttl         time.Duration
	negativeTTL time.Duration
	maxEntries  int

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used
}

// Config holds the validator's tunables, sourced from
// IMEI_CACHE_TTL_MS / IMEI_CACHE_MAX.
type Config struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

func New(repo Repository, cfg Config) *Validator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.NegativeTTL <= 0 || cfg.NegativeTTL > 30*time.Second {
		cfg.NegativeTTL = 30 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	return &Validator{
		repo:        repo,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		maxEntries:  cfg.MaxEntries,
		entries:     make(map[string]*cacheEntry),
		lru:         list.New(),
	}
}

// Resolve returns the Truck for identifier, consulting the cache
// first and falling back to the repository on a miss or expiry.
// Returns ErrUnregistered (wrapped by neither side) if no Truck
// matches, whether that's freshly learned or served from a cached
// negative entry.
func (v *Validator) Resolve(ctx context.Context, identifier string) (*telemetry.Truck, error) {
	if truck, ok := v.lookup(identifier); ok {
		if truck == nil {
			return nil, ErrUnregistered
		}
		return truck, nil
	}

	truck, err := v.repo.FindTruckByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	v.store(identifier, truck)
	if truck == nil {
		return nil, ErrUnregistered
	}
	return truck, nil
}

// lookup returns (truck, true) on a cache hit that hasn't expired.
// truck is nil for a cached negative result.
func (v *Validator) lookup(identifier string) (*telemetry.Truck, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[identifier]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		v.evictLocked(identifier, e)
		return nil, false
	}
	v.lru.MoveToFront(e.lruElem)
	return e.truck, true
}

func (v *Validator) store(identifier string, truck *telemetry.Truck) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ttl := v.ttl
	if truck == nil {
		ttl = v.negativeTTL
	}

	if e, ok := v.entries[identifier]; ok {
		e.truck = truck
		e.expiresAt = time.Now().Add(ttl)
		v.lru.MoveToFront(e.lruElem)
		return
	}

	e := &cacheEntry{truck: truck, expiresAt: time.Now().Add(ttl)}
	e.lruElem = v.lru.PushFront(identifier)
	v.entries[identifier] = e

	for len(v.entries) > v.maxEntries {
		oldest := v.lru.Back()
		if oldest == nil {
			break
		}
		v.evictLocked(oldest.Value.(string), v.entries[oldest.Value.(string)])
	}
}

// evictLocked removes identifier from both the map and the LRU list.
// Caller must hold v.mu.
func (v *Validator) evictLocked(identifier string, e *cacheEntry) {
	if e != nil && e.lruElem != nil {
		v.lru.Remove(e.lruElem)
	}
	delete(v.entries, identifier)
}

// Len reports the current cache size, for metrics gauges.
func (v *Validator) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}
