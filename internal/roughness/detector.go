package roughness

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// Repository is the narrow persistence surface the detector needs.
type Repository interface {
	ListUnprocessedTelemetry(ctx context.Context, limit int) ([]telemetry.TruckTelemetry, error)
	InsertRoughnessEvents(ctx context.Context, events []telemetry.RoughnessEvent) error
	MarkTelemetryProcessed(ctx context.Context, ids []int64) error
	AcquireAdvisoryLock(ctx context.Context, name string) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, name string) error
}

const advisoryLockName = "ingestd:event-detector"

// Config holds the detector's tunables, sourced from EVENT_BATCH and
// the ROUGHNESS_*_MG thresholds.
type Config struct {
	BatchSize  int
	Thresholds Thresholds
}

// Publisher forwards freshly-detected events to downstream consumers.
// Nil-able: a Detector with no publisher set simply skips publication.
type Publisher interface {
	PublishRoughnessEvent(event telemetry.RoughnessEvent)
}

// Counters records one batch-processed increment per run that scans a
// non-empty batch and marks it processed.
// Nil-able: a Detector with no counters set simply skips the increment.
type Counters interface {
	EventDetectorBatchProcessed()
}

// Detector runs the periodic roughness-event scan: it claims a
// batch of unprocessed telemetry, classifies the vertical-axis signal
// per truck, and emits a RoughnessEvent for every contiguous
// exceedance window.
type Detector struct {
	repo      Repository
	cfg       Config
	publisher Publisher
	counters  Counters
}

func New(repo Repository, cfg Config) *Detector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Detector{repo: repo, cfg: cfg}
}

// SetPublisher wires a downstream publisher for newly-detected events.
// Called once during startup wiring; passing nil disables publication.
func (d *Detector) SetPublisher(p Publisher) {
	d.publisher = p
}

// SetCounters wires a metrics sink for batch-processed counts. Called
// once during startup wiring; passing nil disables the increment.
func (d *Detector) SetCounters(c Counters) {
	d.counters = c
}

// RunOnce claims and scans one batch. It takes the process-wide
// advisory lock for the duration of the run so concurrent instances
// of the detector (e.g. during a rolling deploy) can't double-process
// the same rows; if the lock is already held it returns immediately
// without error.
func (d *Detector) RunOnce(ctx context.Context) error {
	acquired, err := d.repo.AcquireAdvisoryLock(ctx, advisoryLockName)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer d.repo.ReleaseAdvisoryLock(ctx, advisoryLockName)

	rows, err := d.repo.ListUnprocessedTelemetry(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	events := DetectEvents(rows, d.cfg.Thresholds)

	if len(events) > 0 {
		if err := d.repo.InsertRoughnessEvents(ctx, events); err != nil {
			return err
		}
		if d.publisher != nil {
			for _, e := range events {
				d.publisher.PublishRoughnessEvent(e)
			}
		}
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	if err := d.repo.MarkTelemetryProcessed(ctx, ids); err != nil {
		return err
	}
	if d.counters != nil {
		d.counters.EventDetectorBatchProcessed()
	}
	return nil
}

// DetectEvents scans rows, grouped into independent per-truck
// substreams ordered by timestamp, and returns every contiguous
// exceedance window found across all trucks. Partitioning by truck
// first means an event can never incorrectly merge across a truck
// boundary, even if the input interleaves trucks.
func DetectEvents(rows []telemetry.TruckTelemetry, th Thresholds) []telemetry.RoughnessEvent {
	byTruck := make(map[int64][]telemetry.TruckTelemetry)
	for _, r := range rows {
		byTruck[r.TruckID] = append(byTruck[r.TruckID], r)
	}

	var all []telemetry.RoughnessEvent
	for truckID, samples := range byTruck {
		sort.Slice(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
		all = append(all, scanTruck(truckID, samples, th)...)
	}
	return all
}

type openEvent struct {
	event         telemetry.RoughnessEvent
	lastTimestamp time.Time
}

func classify(axisZ int16, th Thresholds) telemetry.Severity {
	a := math.Abs(float64(axisZ))
	switch {
	case a > th.CriticalMG:
		return telemetry.SeverityCritical
	case a > th.HighMG:
		return telemetry.SeverityHigh
	case a > th.MediumMG:
		return telemetry.SeverityMedium
	default:
		return telemetry.SeverityNone
	}
}

func scanTruck(truckID int64, samples []telemetry.TruckTelemetry, th Thresholds) []telemetry.RoughnessEvent {
	var events []telemetry.RoughnessEvent
	var current *openEvent

	for _, s := range samples {
		sev := classify(s.AxisZ, th)

		switch {
		case sev == telemetry.SeverityNone && current != nil:
			events = append(events, current.event)
			current = nil

		case sev != telemetry.SeverityNone && current == nil:
			current = &openEvent{
				event: telemetry.RoughnessEvent{
					StartTime:  s.Timestamp,
					TruckID:    truckID,
					Latitude:   s.Latitude,
					Longitude:  s.Longitude,
					SegmentID:  s.SegmentID,
					EventType:  telemetry.EventTypeRoughness,
					Severity:   sev,
					PeakX:      abs16(s.AxisX),
					PeakY:      abs16(s.AxisY),
					PeakZ:      abs16(s.AxisZ),
					Speed:      s.Speed,
					IsLoaded:   s.IsLoaded,
					DurationMs: 0,
				},
				lastTimestamp: s.Timestamp,
			}

		case sev != telemetry.SeverityNone && current != nil:
			current.event.DurationMs += s.Timestamp.Sub(current.lastTimestamp).Milliseconds()
			current.event.PeakX = maxAbs16(current.event.PeakX, s.AxisX)
			current.event.PeakY = maxAbs16(current.event.PeakY, s.AxisY)
			current.event.PeakZ = maxAbs16(current.event.PeakZ, s.AxisZ)
			current.event.Severity = current.event.Severity.Max(sev)
			current.lastTimestamp = s.Timestamp
		}
	}

	if current != nil {
		events = append(events, current.event)
	}
	return events
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

func maxAbs16(a, b int16) int16 {
	ab := abs16(a)
	bb := abs16(b)
	if bb > ab {
		return bb
	}
	return ab
}
