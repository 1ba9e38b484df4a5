// Package segment resolves a GPS fix to the nearest road segment,
// delegating the geometric query to a Spatial backend and caching
// results under a coordinate-rounded key so repeated fixes along the
// same stretch of road don't re-run the query.
package segment

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
)

// Spatial is the geometric backend the resolver delegates to. The
// default implementation (GeodesicIndex) answers this in-process from
// a loaded set of road segments; a production deployment may instead
// back this with a PostGIS query.
type Spatial interface {
	NearestSegmentWithin(ctx context.Context, lat, lon float64, meters float64) (segmentID *int64, err error)
}

// Resolver caches (lat,lon) -> segmentID lookups. Keys are rounded to
// 4 decimal degrees (~11m cells) so nearby fixes share a cache entry.
type Resolver struct {
	spatial    Spatial
	proximityM float64
	maxEntries int

	mu      sync.Mutex
	entries map[string]*int64
	order   *list.List // front = oldest, for FIFO eviction
	keys    map[string]*list.Element
}

type Config struct {
	ProximityM float64
	MaxEntries int
}

func New(spatial Spatial, cfg Config) *Resolver {
	if cfg.ProximityM <= 0 {
		cfg.ProximityM = 50
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &Resolver{
		spatial:    spatial,
		proximityM: cfg.ProximityM,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*int64),
		order:      list.New(),
		keys:       make(map[string]*list.Element),
	}
}

// Resolve returns the nearest segment id for (lat, lon), or nil if
// none is within the configured proximity. Spatial backend failures
// are soft-failed to nil — a segment lookup is never allowed to fail
// ingestion.
func (r *Resolver) Resolve(ctx context.Context, lat, lon float64) *int64 {
	key := cacheKey(lat, lon)

	r.mu.Lock()
	if id, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()

	id, err := r.spatial.NearestSegmentWithin(ctx, lat, lon, r.proximityM)
	if err != nil {
		return nil
	}

	r.store(key, id)
	return id
}

func (r *Resolver) store(key string, id *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; ok {
		r.entries[key] = id
		return
	}

	r.entries[key] = id
	r.keys[key] = r.order.PushBack(key)

	for len(r.entries) > r.maxEntries {
		oldest := r.order.Front()
		if oldest == nil {
			break
		}
		oldestKey := oldest.Value.(string)
		r.order.Remove(oldest)
		delete(r.keys, oldestKey)
		delete(r.entries, oldestKey)
	}
}

// Len reports the current cache size, for metrics gauges.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", lat, lon)
}

// haversineMeters returns the great-circle distance between two
// points in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
