package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"security-core/internal/audit"
	"security-core/internal/config"
	"security-core/internal/util"
)

// KafkaAlertNotifier publishes high-severity audit entries to the admin
// alert topic. Delivery is fire-and-forget from the caller's perspective.
type KafkaAlertNotifier struct {
	writer *kafka.Writer
	config *config.KafkaConfig
	logger *zap.Logger
}

func NewKafkaAlertNotifier(cfg *config.Config, logger *zap.Logger) (*KafkaAlertNotifier, error) {
	kafkaConfig := cfg.Kafka

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Topic:        kafkaConfig.AlertTopic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    1, // alerts are rare and latency-sensitive
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write alert messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	util.Info("Kafka alert notifier initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("topic", kafkaConfig.AlertTopic),
	)

	return &KafkaAlertNotifier{
		writer: writer,
		config: &kafkaConfig,
		logger: logger,
	}, nil
}

// Notify publishes one audit entry to the alert topic.
func (n *KafkaAlertNotifier) Notify(ctx context.Context, entry audit.Entry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal alert entry: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(entry.Type),
		Value: value,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(entry.Severity)},
			{Key: "event_id", Value: []byte(entry.ID)},
		},
	}

	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write alert message: %w", err)
	}

	n.logger.Debug("Admin alert published",
		zap.String("event_type", entry.Type),
		zap.String("event_id", entry.ID),
	)
	return nil
}

func (n *KafkaAlertNotifier) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", n.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read kafka partitions: %w", err)
	}
	return nil
}

func (n *KafkaAlertNotifier) Close() error {
	if n.writer != nil {
		if err := n.writer.Close(); err != nil {
			n.logger.Error("failed to close kafka alert writer", zap.Error(err))
			return err
		}
		util.Info("Kafka alert notifier closed")
	}
	return nil
}
