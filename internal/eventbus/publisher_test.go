package eventbus

import (
	"encoding/json"
	"testing"

	"github.com/Shopify/sarama/mocks"
	"go.uber.org/zap"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

func TestPublishRoughnessEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()

	p := &Publisher{producer: producer, topic: "derived-records", logger: zap.NewNop()}
	defer p.Close()

	p.PublishRoughnessEvent(telemetry.RoughnessEvent{
		TruckID:  7,
		Severity: telemetry.SeverityCritical,
		PeakZ:    3600,
	})
}

func TestPublishSegmentStats(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()

	p := &Publisher{producer: producer, topic: "derived-records", logger: zap.NewNop()}
	defer p.Close()

	p.PublishSegmentStats(telemetry.RoadSegmentStats{SegmentID: 3, TotalPasses: 10})
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errBoom)

	p := &Publisher{producer: producer, topic: "derived-records", logger: zap.NewNop()}
	defer p.Close()

	// Should log and return, not panic, even though the send fails.
	p.PublishRoughnessEvent(telemetry.RoughnessEvent{TruckID: 1})
}

type stubErr string

func (e stubErr) Error() string { return string(e) }

const errBoom = stubErr("boom")

func TestMessageEnvelopeShape(t *testing.T) {
	body, err := json.Marshal(roughnessEventMessage{Kind: "roughness_event", Event: telemetry.RoughnessEvent{TruckID: 9}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["kind"] != "roughness_event" {
		t.Errorf("kind = %v, want roughness_event", decoded["kind"])
	}
}
