package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haulfleet/ingestd/internal/codec"
	"github.com/haulfleet/ingestd/internal/device"
	"github.com/haulfleet/ingestd/internal/segment"
	"github.com/haulfleet/ingestd/internal/telemetry"
)

type fakeDeviceRepo struct {
	truck *telemetry.Truck
}

func (f *fakeDeviceRepo) FindTruckByIdentifier(ctx context.Context, identifier string) (*telemetry.Truck, error) {
	return f.truck, nil
}

type fakeSpatial struct{}

func (fakeSpatial) NearestSegmentWithin(ctx context.Context, lat, lon, meters float64) (*int64, error) {
	return nil, nil
}

type fakeStore struct {
	rows []telemetry.TruckTelemetry
	err  error
}

func (f *fakeStore) InsertTelemetryBatch(ctx context.Context, rows []telemetry.TruckTelemetry) (int, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.rows = append(f.rows, rows...)
	return len(rows), 0, nil
}

func newService(truck *telemetry.Truck, store Store) *Service {
	validator := device.New(&fakeDeviceRepo{truck: truck}, device.Config{})
	resolver := segment.New(fakeSpatial{}, segment.Config{})
	return New(validator, resolver, store)
}

func samplePacket() *codec.Packet {
	return &codec.Packet{
		CodecID: codec.IDCodec8,
		Records: []codec.Record{
			{
				Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Latitude:  100000000,
				Longitude: 200000000,
				IOElements: []codec.IOElement{
					{ID: 1, Width: 1, Value: 1}, // din1 -> isLoaded
					{ID: 19, Width: 2, Value: 2600},
				},
			},
			{
				Timestamp: time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
				Latitude:  100000000,
				Longitude: 200000000,
			},
		},
	}
}

func TestIngestBuildsAndPersistsRows(t *testing.T) {
	store := &fakeStore{}
	svc := newService(&telemetry.Truck{ID: 42, Identifier: "abc"}, store)

	result, err := svc.Ingest(context.Background(), samplePacket(), "abc")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.RecordsProcessed != 2 {
		t.Errorf("RecordsProcessed = %d, want 2", result.RecordsProcessed)
	}
	if len(store.rows) != 2 {
		t.Fatalf("len(store.rows) = %d, want 2", len(store.rows))
	}
	if store.rows[0].TruckID != 42 {
		t.Errorf("TruckID = %d, want 42", store.rows[0].TruckID)
	}
	if store.rows[0].IsLoaded == nil || !*store.rows[0].IsLoaded {
		t.Error("IsLoaded should be true (din1=1)")
	}
	if store.rows[0].AxisZ != 2600 {
		t.Errorf("AxisZ = %d, want 2600", store.rows[0].AxisZ)
	}
	if store.rows[0].Raw == nil {
		t.Error("Raw blob should be populated")
	}
}

func TestIngestUnauthorizedDevice(t *testing.T) {
	store := &fakeStore{}
	svc := newService(nil, store)

	_, err := svc.Ingest(context.Background(), samplePacket(), "unknown")
	if !errors.Is(err, ErrUnauthorizedDevice) {
		t.Fatalf("err = %v, want ErrUnauthorizedDevice", err)
	}
	if len(store.rows) != 0 {
		t.Errorf("len(store.rows) = %d, want 0 (unauthorized device must not persist)", len(store.rows))
	}
}

func TestIngestStoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	svc := newService(&telemetry.Truck{ID: 1}, store)

	_, err := svc.Ingest(context.Background(), samplePacket(), "abc")
	if err == nil {
		t.Fatal("expected a repository error to surface")
	}
}
