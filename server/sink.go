package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/junglevibe/store"
)

const kafkaSendTimeout = 3 * time.Second

// KafkaSink publishes new messages to the ingest topic, keyed by room so that a room stays
// ordered within one partition.
type KafkaSink struct {
	kafkaWriter IKafkaWriter
	maxBytes    int
	now         func() time.Time
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    KafkaTopic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

func NewKafkaSink(w IKafkaWriter, maxBytes int) *KafkaSink {
	return &KafkaSink{
		kafkaWriter: w,
		maxBytes:    maxBytes,
		now:         time.Now,
	}
}

func (s *KafkaSink) Send(ctx context.Context, m *store.Message) error {
	store.Prepare(m, s.now())

	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshal message: %s, err: %v", m.Id, err)
	}
	if len(value) > s.maxBytes {
		return fmt.Errorf("message exceeds max limit: %d bytes", s.maxBytes)
	}

	km := kafka.Message{
		Key:   []byte(m.RoomId),
		Value: value,
	}

	ctx2, cancel := context.WithTimeout(ctx, kafkaSendTimeout)
	defer cancel()
	if err := s.kafkaWriter.WriteMessages(ctx2, km); err != nil {
		return fmt.Errorf("error write to kafka: %s", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.kafkaWriter.Close()
}
