package eventbus

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaSink publishes events to a Kafka topic keyed by thing id, so the
// events of one thing stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config, log *zap.Logger) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkFromProducer(producer, topic, log), nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaSink {
	if topic == "" {
		topic = "thingsync-events"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSink{producer: producer, topic: topic, log: log.Named("kafka")}
}

// Emit implements Sink.
func (s *KafkaSink) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("encode event", zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(ev.Thing),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		s.log.Warn("publish event", zap.String("topic", s.topic), zap.Error(err))
	}
}

// Close closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
