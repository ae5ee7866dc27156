package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/store"
)

// LogSink writes events to the structured log. This is the default sink
// and the fallback when no durable sink is configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: logging.Component("audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, id string, ts time.Time, ev Event) error {
	s.log.Info("boundary event",
		"audit_id", id,
		"ts", ts.Format(time.RFC3339Nano),
		"direction", ev.Direction,
		"endpoint", ev.Endpoint,
		"request_id", ev.RequestID,
		"company_id", ev.CompanyID,
		"source_id", ev.SourceID,
		"agreement_ref", ev.AgreementRef,
		"status_code", ev.StatusCode,
		"duration_ms", ev.DurationMS,
		"request", string(ev.Request),
		"response", string(ev.Response))
	return nil
}

func (s *LogSink) Close() error { return nil }

// PostgresSink writes events into the audit_log table.
type PostgresSink struct {
	store *store.PostgresStore
}

func NewPostgresSink(st *store.PostgresStore) *PostgresSink {
	return &PostgresSink{store: st}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, id string, ts time.Time, ev Event) error {
	return s.store.InsertAuditRow(ctx, &store.AuditRow{
		ID:           id,
		TS:           ts,
		Direction:    ev.Direction,
		Endpoint:     ev.Endpoint,
		RequestID:    ev.RequestID,
		CompanyID:    ev.CompanyID,
		SourceID:     ev.SourceID,
		AgreementRef: ev.AgreementRef,
		StatusCode:   ev.StatusCode,
		Request:      ev.Request,
		Response:     ev.Response,
		DurationMS:   ev.DurationMS,
	})
}

func (s *PostgresSink) Close() error { return nil }

// KafkaSink produces events to a Kafka topic, fire-and-forget. Produce
// errors surface through the delivery callback and are logged there;
// Write itself never blocks on the broker.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no seed brokers")
	}
	if topic == "" {
		topic = "caravel.audit"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic, log: logging.Component("audit")}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

type kafkaRecord struct {
	ID string    `json:"id"`
	TS time.Time `json:"ts"`
	Event
}

func (s *KafkaSink) Write(ctx context.Context, id string, ts time.Time, ev Event) error {
	payload, err := json.Marshal(kafkaRecord{ID: id, TS: ts, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(ev.RequestID),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Warn("audit produce failed", "topic", s.topic, "audit_id", id, "error", err)
		}
	})
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
