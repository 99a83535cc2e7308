package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"carpool-auth/internal/config"
	"carpool-auth/internal/util"
)

// KafkaProducer writes auth domain events. The writer runs async so event
// publication never blocks a state transition.
type KafkaProducer struct {
	Writer *kafka.Writer
	config *config.KafkaConfig
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	kafkaConfig := cfg.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Topic:        kafkaConfig.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				util.Error("failed to write kafka messages",
					util.ErrorField(err),
					util.Int("message_count", len(messages)),
				)
			}
		},
	}

	util.Info("Kafka producer initialized",
		util.Any("brokers", kafkaConfig.Brokers),
		util.String("topic", kafkaConfig.Topic),
	)

	return &KafkaProducer{
		Writer: writer,
		config: &kafkaConfig,
	}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, key string, value []byte) error {
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (p *KafkaProducer) HealthCheck(_ context.Context) error {
	if p.Writer == nil {
		return fmt.Errorf("kafka writer not initialized")
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		return p.Writer.Close()
	}
	return nil
}
