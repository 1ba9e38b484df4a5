// Package telemetry holds the data model shared across the ingestion
// and derivation pipelines: the records decoded off the wire, the
// rows persisted for them, and the events/statistics derived later.
package telemetry

import "time"

// TruckStatus is the lifecycle state of a registered truck. Owned by
// the administrative store; the ingestion pipeline only reads it.
type TruckStatus string

const (
	TruckActive      TruckStatus = "ACTIVE"
	TruckMaintenance TruckStatus = "MAINTENANCE"
	TruckRetired     TruckStatus = "RETIRED"
)

// Truck is the administrative record a device identifier resolves
// to. Identifier is unique and never reused.
type Truck struct {
	ID         int64
	Identifier string
	Status     TruckStatus
}

// Severity is the roughness classification assigned to a sample or
// an event. Ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "NONE"
	}
}

// Max returns the more severe of the two.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

// TruckTelemetry is one record per decoded AVL record, mapped and
// enriched and ready for persistence. Invariants: (TruckID, Timestamp)
// is unique; Processed transitions only false -> true. Timestamp is
// the device's own value as decoded; no check against the current
// time is applied, so a future timestamp is stored as sent.
type TruckTelemetry struct {
	ID              int64
	Timestamp       time.Time
	TruckID         int64
	Latitude        int32 // signed fixed-point, 1e-7 degrees
	Longitude       int32 // signed fixed-point, 1e-7 degrees
	Altitude        int16 // meters
	Speed           uint16
	Heading         uint16 // 0..359
	Satellites      uint8
	AxisX           int16 // milli-g
	AxisY           int16 // milli-g
	AxisZ           int16 // milli-g
	Ignition        bool
	Movement        bool
	ExternalVoltage uint16 // mV
	BatteryVoltage  uint16 // mV
	DigitalInput1   bool
	DigitalInput2   bool
	AnalogInput1    uint32
	TotalOdometer   uint32
	GSMSignal       uint8
	SegmentID       *int64
	IsLoaded        *bool
	Raw             map[string]any
	Processed       bool
}

// EventType distinguishes the kind of road-roughness exceedance
// detected. Only one type is produced today (vertical-axis
// roughness), but the field exists so the Event Detector can be
// extended without a schema change.
type EventType string

const EventTypeRoughness EventType = "ROUGHNESS"

// RoughnessEvent is a derived record describing one contiguous
// exceedance window observed for a truck. Severity is the maximum
// severity observed across the event's samples.
type RoughnessEvent struct {
	ID         int64
	StartTime  time.Time
	DurationMs int64
	TruckID    int64
	Latitude   int32
	Longitude  int32
	SegmentID  *int64
	EventType  EventType
	Severity   Severity
	PeakX      int16
	PeakY      int16
	PeakZ      int16
	Speed      uint16
	IsLoaded   *bool
}

// RoadSegmentStats is one row per (SegmentID, Date). Recomputing is
// idempotent.
type RoadSegmentStats struct {
	SegmentID          int64
	Date               time.Time // truncated to day, UTC
	TotalPasses        int64
	LoadedPasses       int64
	AvgSpeed           float64
	StdDevZ            float64
	IRI                float64
	IRICategory        string
	EventCount         int64
	CriticalEventCount int64
}

// RoadSegment is the minimal read-only shape the pipeline needs from
// the administrative road-segment store: enough to run a geodesic
// nearest-point query in the default spatial adapter.
type RoadSegment struct {
	ID       int64
	Name     string
	Vertices []LatLon
}

// LatLon is a point in signed decimal degrees.
type LatLon struct {
	Lat float64
	Lon float64
}
