// Package ingest implements the Ingestion Service: it
// orchestrates device validation, IO mapping, and segment resolution
// per decoded packet, then persists the resulting rows.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haulfleet/ingestd/internal/codec"
	"github.com/haulfleet/ingestd/internal/device"
	"github.com/haulfleet/ingestd/internal/iomap"
	"github.com/haulfleet/ingestd/internal/segment"
	"github.com/haulfleet/ingestd/internal/telemetry"
)

// ErrUnauthorizedDevice is returned when the announced identifier
// doesn't resolve to a registered Truck. The caller (the session's
// framing loop) still acknowledges the packet — the device retrying
// an unauthorized identifier forever is harmless — but no rows are
// persisted.
var ErrUnauthorizedDevice = errors.New("ingest: unauthorized device")

// Store is the narrow persistence surface the service needs.
type Store interface {
	InsertTelemetryBatch(ctx context.Context, rows []telemetry.TruckTelemetry) (inserted, skipped int, err error)
}

// Result reports what happened to one packet's records.
type Result struct {
	RecordsProcessed int
	RecordsSkipped   int
}

// Service wires device validation, IO mapping, and segment resolution
// together around a persistence Store.
type Service struct {
	validator *device.Validator
	resolver  *segment.Resolver
	store     Store
}

func New(validator *device.Validator, resolver *segment.Resolver, store Store) *Service {
	return &Service{validator: validator, resolver: resolver, store: store}
}

// Ingest resolves identifier, maps and enriches every record in pkt,
// and batch-inserts the resulting rows with skip-duplicate semantics
// on (truckId, timestamp).
func (s *Service) Ingest(ctx context.Context, pkt *codec.Packet, identifier string) (Result, error) {
	truck, err := s.validator.Resolve(ctx, identifier)
	if err != nil {
		if errors.Is(err, device.ErrUnregistered) {
			return Result{}, ErrUnauthorizedDevice
		}
		return Result{}, err
	}

	rows := make([]telemetry.TruckTelemetry, 0, len(pkt.Records))
	for _, rec := range pkt.Records {
		rows = append(rows, s.buildRow(ctx, truck.ID, rec))
	}

	inserted, skipped, err := s.store.InsertTelemetryBatch(ctx, rows)
	if err != nil {
		return Result{}, err
	}
	return Result{RecordsProcessed: inserted, RecordsSkipped: skipped}, nil
}

func (s *Service) buildRow(ctx context.Context, truckID int64, rec codec.Record) telemetry.TruckTelemetry {
	mapped := iomap.Map(rec.IOElements)
	segmentID := s.resolver.Resolve(ctx, float64(rec.Latitude)/1e7, float64(rec.Longitude)/1e7)
	isLoaded := mapped.DigitalInput1

	return telemetry.TruckTelemetry{
		Timestamp:       rec.Timestamp,
		TruckID:         truckID,
		Latitude:        rec.Latitude,
		Longitude:       rec.Longitude,
		Altitude:        rec.Altitude,
		Speed:           rec.Speed,
		Heading:         rec.Heading,
		Satellites:      rec.Satellites,
		AxisX:           mapped.AxisX,
		AxisY:           mapped.AxisY,
		AxisZ:           mapped.AxisZ,
		Ignition:        mapped.Ignition,
		Movement:        mapped.Movement,
		ExternalVoltage: mapped.ExternalVoltage,
		BatteryVoltage:  mapped.BatteryVoltage,
		DigitalInput1:   mapped.DigitalInput1,
		DigitalInput2:   mapped.DigitalInput2,
		AnalogInput1:    mapped.AnalogInput1,
		TotalOdometer:   mapped.TotalOdometer,
		GSMSignal:       mapped.GSMSignal,
		SegmentID:       segmentID,
		IsLoaded:        &isLoaded,
		Raw:             rawBlob(rec),
		Processed:       false,
	}
}

// rawBlob retains the decoded record as a structured, language-
// agnostic map for diagnostics, rather than a Go-specific encoding.
func rawBlob(rec codec.Record) map[string]any {
	elements := make([]map[string]any, 0, len(rec.IOElements))
	for _, e := range rec.IOElements {
		el := map[string]any{"id": e.ID}
		if e.Raw != nil {
			el["raw"] = e.Raw
		} else {
			el["width"] = e.Width
			el["value"] = e.Value
		}
		elements = append(elements, el)
	}
	blob := map[string]any{
		"timestamp":  rec.Timestamp.Format(time.RFC3339Nano),
		"priority":   rec.Priority,
		"longitude":  rec.Longitude,
		"latitude":   rec.Latitude,
		"altitude":   rec.Altitude,
		"heading":    rec.Heading,
		"satellites": rec.Satellites,
		"speed":      rec.Speed,
		"eventIOID":  rec.EventIOID,
		"ioElements": elements,
	}
	// Round-trip through JSON once so any non-marshalable artifact in
	// a future field addition fails loudly here rather than at write
	// time deep inside the repository adapter.
	if b, err := json.Marshal(blob); err == nil {
		var normalized map[string]any
		if json.Unmarshal(b, &normalized) == nil {
			return normalized
		}
	}
	return blob
}
