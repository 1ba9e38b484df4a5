package segment

import (
	"context"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// GeodesicIndex is an in-process Spatial backend: it holds the full
// set of road segments in memory and answers nearest-point queries by
// scanning every vertex of every segment. Fine for the haul-road scale
// this system targets (tens to low hundreds of segments); a PostGIS-
// backed Spatial implementation would replace this for larger fleets
// without the Resolver needing to change.
type GeodesicIndex struct {
	segments []telemetry.RoadSegment
}

func NewGeodesicIndex(segments []telemetry.RoadSegment) *GeodesicIndex {
	return &GeodesicIndex{segments: segments}
}

// NearestSegmentWithin returns the id of the segment with the vertex
// closest to (lat, lon), if that distance is within meters.
func (g *GeodesicIndex) NearestSegmentWithin(ctx context.Context, lat, lon float64, meters float64) (*int64, error) {
	var bestID int64
	bestDist := meters
	found := false

	for _, seg := range g.segments {
		for _, v := range seg.Vertices {
			d := haversineMeters(lat, lon, v.Lat, v.Lon)
			if d <= bestDist {
				bestDist = d
				bestID = seg.ID
				found = true
			}
		}
	}

	if !found {
		return nil, nil
	}
	id := bestID
	return &id, nil
}
