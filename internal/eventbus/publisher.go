// Package eventbus publishes derived records (roughness events, daily
// segment statistics) to Kafka for downstream consumers — dashboards,
// alerting, data warehousing — after they've been persisted
// relationally. Publication is fire-and-forget: a publish failure is
// logged but never fails the derivation run that produced the record,
// since the record is already durable in the relational store.
package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// Publisher wraps a sarama.SyncProducer targeting one topic for
// derived records.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// Config holds the producer's connection parameters (KAFKA_BROKERS,
// KAFKA_DERIVED_TOPIC).
type Config struct {
	Brokers []string
	Topic   string
}

func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("eventbus: new producer: %w", err)
	}
	return &Publisher{producer: producer, topic: cfg.Topic, logger: logger}, nil
}

func (p *Publisher) Close() error { return p.producer.Close() }

// roughnessEventMessage and segmentStatsMessage are the compact JSON
// envelopes published to Kafka: enough for a downstream consumer to
// act on without round-tripping to the relational store.
type roughnessEventMessage struct {
	Kind  string                   `json:"kind"`
	Event telemetry.RoughnessEvent `json:"event"`
}

type segmentStatsMessage struct {
	Kind  string                     `json:"kind"`
	Stats telemetry.RoadSegmentStats `json:"stats"`
}

// PublishRoughnessEvent publishes one derived roughness event,
// partitioned by truck id so a consumer can process one truck's
// events in order.
func (p *Publisher) PublishRoughnessEvent(event telemetry.RoughnessEvent) {
	p.publish(fmt.Sprintf("truck-%d", event.TruckID), roughnessEventMessage{Kind: "roughness_event", Event: event})
}

// PublishSegmentStats publishes one derived daily rollup, partitioned
// by segment id.
func (p *Publisher) PublishSegmentStats(stats telemetry.RoadSegmentStats) {
	p.publish(fmt.Sprintf("segment-%d", stats.SegmentID), segmentStatsMessage{Kind: "segment_stats", Stats: stats})
}

func (p *Publisher) publish(key string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("eventbus: marshal derived record", zap.Error(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.logger.Error("eventbus: publish derived record failed", zap.Error(err), zap.String("key", key))
	}
}
