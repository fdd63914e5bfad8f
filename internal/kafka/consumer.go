package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/bytedance/sonic"
	"github.com/livescore-pipeline/internal/config"
	"github.com/livescore-pipeline/internal/scoring"
)

// ScoringHandler scores the predictions of a finished fixture
type ScoringHandler interface {
	ScoreFixture(ctx context.Context, fixtureID int64) (scoring.BatchResult, error)
}

// ScoringRequest asks for a fixture to be (re)scored
type ScoringRequest struct {
	FixtureID int64  `json:"fixture_id"`
	Reason    string `json:"reason,omitempty"`
}

// Consumer consumes scoring requests from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       ScoringHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler ScoringHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming scoring requests and returns once the first session is set up
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.ScoringTopic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				handler:      c.handler,
				logger:       c.logger,
				batchSize:    c.config.BatchSize,
				batchTimeout: c.config.BatchTimeout,
				ready:        c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.ScoringTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	handler      ScoringHandler
	logger       *slog.Logger
	batchSize    int
	batchTimeout time.Duration
	ready        chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	if h.ready != nil {
		close(h.ready)
	}
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim collects scoring requests into batches. Repeated fixture ids within a
// batch are scored once.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batchSize := h.batchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	batchTimeout := h.batchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}

	batch := make([]int64, 0, batchSize)
	seen := make(map[int64]struct{}, batchSize)
	batchTimer := time.NewTimer(batchTimeout)
	defer batchTimer.Stop()

	processBatch := func() {
		if len(batch) == 0 {
			return
		}

		for _, fixtureID := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			result, err := h.handler.ScoreFixture(ctx, fixtureID)
			cancel()
			if err != nil {
				h.logger.Error("failed to score fixture", "fixture_id", fixtureID, "error", err)
				continue
			}
			h.logger.Debug("scored fixture from request",
				"fixture_id", fixtureID,
				"scored", result.Scored,
				"already_scored", result.AlreadyScored,
			)
		}

		batch = batch[:0]
		clear(seen)
	}

	for {
		select {
		case <-session.Context().Done():
			// Process remaining batch before exit
			processBatch()
			return nil

		case <-batchTimer.C:
			processBatch()
			batchTimer.Reset(batchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				processBatch()
				return nil
			}

			var request ScoringRequest
			if err := sonic.Unmarshal(message.Value, &request); err != nil {
				h.logger.Warn("failed to unmarshal message",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				session.MarkMessage(message, "")
				continue
			}

			if request.FixtureID <= 0 {
				h.logger.Warn("invalid scoring request", "fixture_id", request.FixtureID)
				session.MarkMessage(message, "")
				continue
			}

			if _, dup := seen[request.FixtureID]; !dup {
				seen[request.FixtureID] = struct{}{}
				batch = append(batch, request.FixtureID)
			}
			session.MarkMessage(message, "")

			if len(batch) >= batchSize {
				processBatch()
				batchTimer.Reset(batchTimeout)
			}
		}
	}
}
