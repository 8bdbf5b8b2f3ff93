package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/junglevibe/metrics"
	"github.com/mqy/junglevibe/store"
)

const (
	KafkaTopic   = "junglevibe-messages"
	KafkaGroupId = "junglevibe"

	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// ingest consumes sent messages from kafka and saves them to the store.
// Ids are assigned before publishing, so a redelivered record saves as a no-op.
type ingest struct {
	store         store.IMessageStore
	kafkaReader   IKafkaReader
	valueMaxBytes int
	maxAge        time.Duration
	wg            sync.WaitGroup
}

func NewKafkaReader(brokers []string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: KafkaGroupId,
		Topic:   KafkaTopic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

func newIngest(s store.IMessageStore, kafkaReader IKafkaReader, valueMaxBytes int, maxAge time.Duration) *ingest {
	return &ingest{
		store:         s,
		kafkaReader:   kafkaReader,
		valueMaxBytes: valueMaxBytes,
		maxAge:        maxAge,
	}
}

// run may block at reading kafka message.
func (s *ingest) run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	s.wg.Add(1)
	go s.consumeLoop(ctx)

	glog.Info("ingest: ready")
	<-ctx.Done()

	glog.Info("ingest: stopping")
	_ = s.kafkaReader.Close() // slow: take about 7s

	s.wg.Wait()
	glog.Info("ingest: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (s *ingest) consumeLoop(ctx context.Context) {
	glog.Info("ingest: consume loop enter")
	defer func() {
		glog.Info("ingest: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("ingest: fetching message ...")
		msg, err := s.kafkaReader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("ingest: fetch from kafka err: %v", err)
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.IngestErrors.WithLabelValues("fetch").Inc()
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}
		sleep = 0

		// bad format or too old records are committed without saving.
		if m := s.decodeKafkaMsg(&msg); m != nil {
			if !s.save(ctx, m, &sleep) {
				return
			}
		}

		if !s.commit(ctx, msg, &sleep) {
			return
		}
	}
}

// save retries until saved; returns false when ctx is done.
func (s *ingest) save(ctx context.Context, m *store.Message, sleep *time.Duration) bool {
	for {
		glog.V(5).Infof("ingest: saving %s in room %s", m.Id, m.RoomId)
		_, err := s.store.Save(ctx, m)
		if err == nil {
			*sleep = 0
			return true
		}

		if errors.Is(err, store.ErrDuplicateId) {
			glog.Errorf("ingest: drop message %s, id is taken by another message", m.Id)
			metrics.IngestErrors.WithLabelValues("duplicate").Inc()
			return true
		}

		glog.Errorf("ingest: save message err: %v", err)
		if errors.Is(err, context.Canceled) {
			return false
		}
		metrics.IngestErrors.WithLabelValues("save").Inc()
		if !sleepBackoff(ctx, sleep) {
			return false
		}
	}
}

func (s *ingest) commit(ctx context.Context, msg kafka.Message, sleep *time.Duration) bool {
	for {
		err := s.kafkaReader.CommitMessages(ctx, msg)
		if err == nil {
			*sleep = 0
			return true
		}

		// If this message is not committed back, it will be fetched by next FetchMessage(),
		// the store takes it as a redelivery.
		glog.Errorf("ingest: commit to kafka err: %v", err)
		if errors.Is(err, context.Canceled) {
			return false
		}
		metrics.IngestErrors.WithLabelValues("commit").Inc()
		if !sleepBackoff(ctx, sleep) {
			return false
		}
	}
}

func sleepBackoff(ctx context.Context, sleep *time.Duration) bool {
	backoff(sleep)
	select {
	case <-time.After(*sleep):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMinInterval
		}
	}
}

func (s *ingest) shouldDiscard(msg *kafka.Message) bool {
	return s.maxAge > 0 && time.Since(msg.Time) > s.maxAge
}

func (s *ingest) decodeKafkaMsg(msg *kafka.Message) *store.Message {
	if len(msg.Value) > s.valueMaxBytes {
		glog.Errorf("ingest: kafka value out of limit, offset: %d, size: %d", msg.Offset, len(msg.Value))
		metrics.IngestErrors.WithLabelValues("decode").Inc()
		return nil
	}

	var m store.Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		glog.Errorf("ingest: failed to unmarshal kafka msg value: `%s`, error: %v", msg.Value, err)
		metrics.IngestErrors.WithLabelValues("decode").Inc()
		return nil
	}
	if m.Id == "" || m.SenderId == "" {
		glog.Errorf("ingest: incomplete message, offset: %d", msg.Offset)
		metrics.IngestErrors.WithLabelValues("decode").Inc()
		return nil
	}

	if s.shouldDiscard(msg) {
		glog.Errorf("ingest: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", msg.Offset, msg.Time)
		return nil
	}
	return &m
}
