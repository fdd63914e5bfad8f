package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/bytedance/sonic"
	"github.com/livescore-pipeline/internal/config"
	"github.com/livescore-pipeline/internal/domain"
)

// Publisher forwards score updates to a Kafka topic, keyed by fixture id
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewPublisher connects a synchronous producer to the configured brokers
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewPublisherWithProducer(producer, cfg.UpdatesTopic, logger), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// PublishScoreUpdates sends one message per update
func (p *Publisher) PublishScoreUpdates(ctx context.Context, updates []domain.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := make([]*sarama.ProducerMessage, 0, len(updates))
	for _, update := range updates {
		data, err := sonic.Marshal(update)
		if err != nil {
			return fmt.Errorf("marshaling score update: %w", err)
		}
		messages = append(messages, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(strconv.FormatInt(update.FixtureID, 10)),
			Value: sarama.ByteEncoder(data),
		})
	}

	if err := p.producer.SendMessages(messages); err != nil {
		return fmt.Errorf("publishing score updates: %w", err)
	}
	p.logger.Debug("published score updates", "topic", p.topic, "count", len(messages))
	return nil
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
