package events

import (
	"context"
	"encoding/json"
	"fmt"
)

type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink writes OTP and credit events to their own topics keyed by
// session or user so one entity's events stay ordered.
type KafkaSink struct {
	producer    MessageProducer
	otpTopic    string
	creditTopic string
}

func NewKafkaSink(producer MessageProducer, otpTopic, creditTopic string) *KafkaSink {
	return &KafkaSink{producer: producer, otpTopic: otpTopic, creditTopic: creditTopic}
}

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic, key := s.otpTopic, e.SessionID
	if e.Domain() == "credit" {
		topic, key = s.creditTopic, e.UserID
	}
	if key == "" {
		key = e.ID
	}
	return s.producer.ProduceMessage(ctx, topic, []byte(key), value, map[string]string{"event-type": e.Type})
}

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// AuditSink keeps a searchable trail of every event in Elasticsearch.
type AuditSink struct {
	indexer DocumentIndexer
	index   string
}

func NewAuditSink(indexer DocumentIndexer, index string) *AuditSink {
	return &AuditSink{indexer: indexer, index: index}
}

func (s *AuditSink) Publish(ctx context.Context, e Event) error {
	return s.indexer.IndexDocument(ctx, s.index, e.ID, e)
}

type Executor interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

const analyticsTable = `
CREATE TABLE IF NOT EXISTS otp_events (
    event_id     String,
    event_type   LowCardinality(String),
    occurred_at  DateTime64(3, 'UTC'),
    event_date   Date,
    session_id   String,
    user_id      String,
    phone_bucket UInt16,
    event_bucket UInt16,
    attributes   Map(String, String)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_bucket, occurred_at)`

const analyticsInsert = `INSERT INTO otp_events
    (event_id, event_type, occurred_at, event_date, session_id, user_id, phone_bucket, event_bucket, attributes)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AnalyticsSink appends events to a ClickHouse MergeTree table.
type AnalyticsSink struct {
	db          Executor
	eventBucket func(id string) int
}

func NewAnalyticsSink(db Executor, eventBucket func(id string) int) *AnalyticsSink {
	return &AnalyticsSink{db: db, eventBucket: eventBucket}
}

func (s *AnalyticsSink) EnsureTable(ctx context.Context) error {
	if err := s.db.Exec(ctx, analyticsTable); err != nil {
		return fmt.Errorf("failed to create analytics table: %w", err)
	}
	return nil
}

func (s *AnalyticsSink) Publish(ctx context.Context, e Event) error {
	shardKey := e.SessionID
	if shardKey == "" {
		shardKey = e.UserID
	}
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	return s.db.Exec(ctx, analyticsInsert,
		e.ID, e.Type, e.OccurredAt, e.OccurredAt, e.SessionID, e.UserID,
		uint16(e.PhoneBucket), uint16(s.eventBucket(shardKey)), attrs)
}
