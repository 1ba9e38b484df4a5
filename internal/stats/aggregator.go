// Package stats computes the daily per-road-segment rollup:
// pass counts, average speed, vertical-axis roughness, and an
// estimated IRI, upserted idempotently.
package stats

import (
	"context"
	"time"

	"github.com/haulfleet/ingestd/internal/roughness"
	"github.com/haulfleet/ingestd/internal/telemetry"
)

// Repository is the narrow persistence surface the aggregator needs.
type Repository interface {
	ListRoadSegmentIDs(ctx context.Context) ([]int64, error)
	ListTelemetryForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time) ([]telemetry.TruckTelemetry, error)
	CountEventsForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time, criticalOnly bool) (int64, error)
	UpsertSegmentStats(ctx context.Context, row telemetry.RoadSegmentStats) error
	AcquireAdvisoryLock(ctx context.Context, name string) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, name string) error
}

const advisoryLockName = "ingestd:statistics-aggregator"

// Config holds the IRI/stddev thresholds the aggregator passes
// through to internal/roughness when estimating IRI.
type Config struct {
	Thresholds roughness.Thresholds
}

// Publisher forwards a freshly-computed daily rollup to downstream
// consumers. Nil-able: an Aggregator with no publisher set simply
// skips publication.
type Publisher interface {
	PublishSegmentStats(stats telemetry.RoadSegmentStats)
}

// Aggregator runs the daily rollup task.
type Aggregator struct {
	repo      Repository
	cfg       Config
	publisher Publisher
}

func New(repo Repository, cfg Config) *Aggregator {
	return &Aggregator{repo: repo, cfg: cfg}
}

// SetPublisher wires a downstream publisher for computed rollups.
// Called once during startup wiring; passing nil disables publication.
func (a *Aggregator) SetPublisher(p Publisher) {
	a.publisher = p
}

// AggregateDay computes and upserts RoadSegmentStats for every road
// segment for the given day (truncated to UTC midnight). Re-running
// for the same day is idempotent: the upsert on (segmentID, date)
// means the second run's computed row simply overwrites the first.
func (a *Aggregator) AggregateDay(ctx context.Context, day time.Time) error {
	acquired, err := a.repo.AcquireAdvisoryLock(ctx, advisoryLockName)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer a.repo.ReleaseAdvisoryLock(ctx, advisoryLockName)

	day = day.Truncate(24 * time.Hour).UTC()

	segmentIDs, err := a.repo.ListRoadSegmentIDs(ctx)
	if err != nil {
		return err
	}

	for _, segmentID := range segmentIDs {
		if err := a.aggregateSegment(ctx, segmentID, day); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) aggregateSegment(ctx context.Context, segmentID int64, day time.Time) error {
	rows, err := a.repo.ListTelemetryForSegmentOnDay(ctx, segmentID, day)
	if err != nil {
		return err
	}
	n := len(rows)
	if n == 0 {
		return nil
	}

	var loadedPasses int64
	var speedSum float64
	axisZ := make([]float64, n)
	for i, r := range rows {
		if r.IsLoaded != nil && *r.IsLoaded {
			loadedPasses++
		}
		speedSum += float64(r.Speed)
		axisZ[i] = float64(r.AxisZ)
	}
	avgSpeed := speedSum / float64(n)

	stdDevZ := roughness.StdDev(axisZ)
	iri := roughness.EstimateIri(axisZ, avgSpeed, a.cfg.Thresholds)

	eventCount, err := a.repo.CountEventsForSegmentOnDay(ctx, segmentID, day, false)
	if err != nil {
		return err
	}
	criticalCount, err := a.repo.CountEventsForSegmentOnDay(ctx, segmentID, day, true)
	if err != nil {
		return err
	}

	row := telemetry.RoadSegmentStats{
		SegmentID:          segmentID,
		Date:               day,
		TotalPasses:        int64(n), // raw sample count, not a trip-segmented pass count
		LoadedPasses:       loadedPasses,
		AvgSpeed:           avgSpeed,
		StdDevZ:            stdDevZ,
		IRI:                iri.IRI,
		IRICategory:        iri.Category,
		EventCount:         eventCount,
		CriticalEventCount: criticalCount,
	}
	if err := a.repo.UpsertSegmentStats(ctx, row); err != nil {
		return err
	}
	if a.publisher != nil {
		a.publisher.PublishSegmentStats(row)
	}
	return nil
}
