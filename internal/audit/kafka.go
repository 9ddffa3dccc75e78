package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"otp-service/internal/util"
)

// KafkaSink writes audit events to a Kafka topic. Emission is best-effort:
// a broker outage must never fail the OTP operation that produced the event.
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewKafkaSink builds a sink against the given brokers and topic.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write audit events",
					zap.Error(err),
					zap.Int("event_count", len(messages)),
				)
			}
		},
	}

	util.Info("Kafka audit sink initialized",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)

	return &KafkaSink{writer: writer, topic: topic, logger: logger}
}

func (s *KafkaSink) Emit(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal audit event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(event.Type),
		Value: value,
		Time:  event.At,
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Error("failed to emit audit event",
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

func (s *KafkaSink) Close() error {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			util.Error("failed to close Kafka audit sink", zap.Error(err))
			return err
		}
		util.Info("Kafka audit sink closed")
	}
	return nil
}
