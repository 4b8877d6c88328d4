package connectors

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cpa02cmz/quanforge-sub008/shared/aggregator"
	"github.com/cpa02cmz/quanforge-sub008/shared/integration"
	"github.com/cpa02cmz/quanforge-sub008/shared/types"
)

// KafkaConfig holds event streaming settings
type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Name              string        `yaml:"name" json:"name" mapstructure:"name"`
	Brokers           []string      `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
	ClientID          string        `yaml:"client_id" json:"client_id" mapstructure:"client_id"`
	EventsTopic       string        `yaml:"events_topic" json:"events_topic" mapstructure:"events_topic"`
	AggregationsTopic string        `yaml:"aggregations_topic" json:"aggregations_topic" mapstructure:"aggregations_topic"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size" mapstructure:"batch_size"`
	BatchTimeout      time.Duration `yaml:"batch_timeout" json:"batch_timeout" mapstructure:"batch_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size" json:"buffer_size" mapstructure:"buffer_size"`
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.Name == "" {
		c.Name = "event-stream"
	}
	if c.EventsTopic == "" {
		c.EventsTopic = "quanforge.integration.events"
	}
	if c.AggregationsTopic == "" {
		c.AggregationsTopic = "quanforge.integration.aggregations"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherStats are EventPublisher counters
type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// EventPublisher streams orchestrator events and aggregations to Kafka. Publish
// calls never block: messages are queued and dropped when the queue is full.
type EventPublisher struct {
	config KafkaConfig
	writer messageWriter
	logger *zap.Logger

	mu     sync.RWMutex
	queue  chan kafka.Message
	closed bool
	wg     sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewEventPublisher creates a publisher writing to config.Brokers
func NewEventPublisher(config KafkaConfig, logger *zap.Logger) *EventPublisher {
	config = config.withDefaults()
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchTimeout:           config.BatchTimeout,
		WriteTimeout:           config.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newEventPublisher(config, writer, logger)
}

func newEventPublisher(config KafkaConfig, writer messageWriter, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	p := &EventPublisher{
		config: config,
		writer: writer,
		logger: logger,
		queue:  make(chan kafka.Message, config.BufferSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *EventPublisher) Name() string { return p.config.Name }

func (p *EventPublisher) Kind() types.IntegrationKind { return types.KindExternalAPI }

// PublishEvent queues an orchestrator event keyed by integration name
func (p *EventPublisher) PublishEvent(event integration.Event) {
	p.enqueue(p.config.EventsTopic, event.Integration, string(event.Type), event)
}

// PublishAggregation queues an aggregation keyed by the rule or pattern that produced it
func (p *EventPublisher) PublishAggregation(agg aggregator.AggregatedEvent) {
	p.enqueue(p.config.AggregationsTopic, agg.SourceID, string(agg.Type), agg)
}

func (p *EventPublisher) enqueue(topic, key, messageType string, payload interface{}) {
	value, err := json.Marshal(payload)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Failed to marshal message", zap.String("topic", topic), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(messageType)},
			{Key: "source", Value: []byte("integration-hub")},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("Publish queue full, dropping message", zap.String("topic", topic), zap.String("key", key))
	}
}

func (p *EventPublisher) run() {
	defer p.wg.Done()

	batch := make([]kafka.Message, 0, p.config.BatchSize)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	drain:
		for len(batch) < p.config.BatchSize {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		p.write(batch)
	}
}

func (p *EventPublisher) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.WriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.failed.Add(int64(len(batch)))
		p.logger.Error("Failed to publish messages", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	p.published.Add(int64(len(batch)))
}

// Stats returns publisher counters
func (p *EventPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// HealthCheck dials the first reachable broker and lists the cluster
func (p *EventPublisher) HealthCheck(ctx context.Context) integration.HealthResult {
	return probe(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		details := map[string]interface{}{"stats": p.Stats()}
		var lastErr error = errors.New("no brokers configured")
		for _, broker := range p.config.Brokers {
			conn, err := kafka.DialContext(ctx, "tcp", broker)
			if err != nil {
				lastErr = err
				continue
			}
			brokers, err := conn.Brokers()
			conn.Close()
			if err != nil {
				lastErr = err
				continue
			}
			details["brokers"] = len(brokers)
			return details, nil
		}
		return details, errors.Wrap(lastErr, "kafka health check failed")
	})
}

// Close flushes queued messages and closes the writer
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Publisher closed before queue drained", zap.Int("queued", len(p.queue)))
	}
	return p.writer.Close()
}
