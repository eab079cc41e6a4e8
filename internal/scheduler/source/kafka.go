package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	apperrors "github.com/span-profiler/pkg/errors"
	"github.com/span-profiler/pkg/utils"
)

// SourceTypeKafka is the source type of the Kafka consumer.
const SourceTypeKafka SourceType = "kafka"

func init() {
	Register(SourceTypeKafka, NewKafkaSource)
}

// Kafka message headers set on dead-lettered announcements.
const (
	HeaderFailureReason = "spanprof-failure-reason"
	HeaderSourceTopic   = "spanprof-source-topic"
	HeaderFailureCode   = "spanprof-failure-code"
)

// KafkaOptions holds Kafka source configuration.
type KafkaOptions struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// DeadLetterTopic receives nacked announcements. Nacked messages are
	// committed either way.
	DeadLetterTopic string

	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
	BufferSize     int
}

// DefaultKafkaOptions returns the default options.
func DefaultKafkaOptions() *KafkaOptions {
	return &KafkaOptions{
		Brokers:       []string{"localhost:9092"},
		Topic:         "profiler-dumps",
		ConsumerGroup: "spanprof",
		MinBytes:      1,
		MaxBytes:      1 << 20,
		BufferSize:    100,
	}
}

// KafkaMessage is the JSON form of a dump announcement. A message whose
// value is not a JSON object is taken as a bare storage key.
type KafkaMessage struct {
	Key      string            `json:"key"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes dump announcements from a Kafka topic. Messages are
// committed when the dump is acked or nacked.
type KafkaSource struct {
	name    string
	options *KafkaOptions
	logger  utils.Logger

	reader messageReader
	dlq    messageWriter

	eventChan chan *DumpEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu      sync.RWMutex
	running bool
	lastErr error
}

// NewKafkaSource creates a Kafka consumer from configuration.
func NewKafkaSource(cfg *SourceConfig, deps Deps) (DumpSource, error) {
	defaults := DefaultKafkaOptions()
	opts := &KafkaOptions{
		Brokers:         cfg.GetStringSlice("brokers", defaults.Brokers),
		Topic:           cfg.GetString("topic", defaults.Topic),
		ConsumerGroup:   cfg.GetString("consumer_group", defaults.ConsumerGroup),
		DeadLetterTopic: cfg.GetString("dead_letter_topic", ""),
		MinBytes:        cfg.GetInt("min_bytes", defaults.MinBytes),
		MaxBytes:        cfg.GetInt("max_bytes", defaults.MaxBytes),
		CommitInterval:  cfg.GetDuration("commit_interval", 0),
		BufferSize:      cfg.GetInt("buffer_size", defaults.BufferSize),
	}
	if len(opts.Brokers) == 0 || opts.Topic == "" {
		return nil, fmt.Errorf("kafka source %s requires brokers and a topic", cfg.Name)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        opts.Brokers,
		GroupID:        opts.ConsumerGroup,
		Topic:          opts.Topic,
		MinBytes:       opts.MinBytes,
		MaxBytes:       opts.MaxBytes,
		CommitInterval: opts.CommitInterval,
	})

	var dlq messageWriter
	if opts.DeadLetterTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.DeadLetterTopic,
			Balancer:     kafka.CRC32Balancer{},
			WriteTimeout: 3 * time.Second,
		}
	}
	return newKafkaSource(cfg.Name, opts, reader, dlq, deps.Logger), nil
}

func newKafkaSource(name string, opts *KafkaOptions, reader messageReader, dlq messageWriter, logger utils.Logger) *KafkaSource {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	return &KafkaSource{
		name:      name,
		options:   opts,
		logger:    utils.OrNull(logger),
		reader:    reader,
		dlq:       dlq,
		eventChan: make(chan *DumpEvent, opts.BufferSize),
		stopCh:    make(chan struct{}),
	}
}

func (s *KafkaSource) Type() SourceType { return SourceTypeKafka }

func (s *KafkaSource) Name() string { return s.name }

// Start begins consuming the topic.
func (s *KafkaSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Kafka source %s consuming %s as %s", s.name, s.options.Topic, s.options.ConsumerGroup)

	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
		case <-ctx.Done():
		}
		cancel()
	}()
	go s.consume(ctx)
	return nil
}

func (s *KafkaSource) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.logger.Error("Kafka source %s fetch failed: %v", s.name, err)
			return
		}
		s.setErr(nil)

		event, err := s.decode(msg)
		if err != nil {
			s.logger.Warn("Kafka source %s skipping message at %d/%d: %v", s.name, msg.Partition, msg.Offset, err)
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				s.logger.Error("Kafka source %s commit failed: %v", s.name, err)
			}
			continue
		}

		select {
		case s.eventChan <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (s *KafkaSource) decode(msg kafka.Message) (*DumpEvent, error) {
	value := bytes.TrimSpace(msg.Value)
	if len(value) == 0 {
		return nil, errors.New("empty message")
	}

	var m KafkaMessage
	if value[0] == '{' {
		if err := json.Unmarshal(value, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		m.Key = string(value)
	}
	if m.Key == "" {
		return nil, errors.New("key is required")
	}

	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	event := NewDumpEvent(id, m.Key, SourceTypeKafka, s.name).WithAckToken(msg)
	for k, v := range m.Metadata {
		event.WithMetadata(k, v)
	}
	event.WithMetadata("partition", strconv.Itoa(msg.Partition))
	event.WithMetadata("offset", strconv.FormatInt(msg.Offset, 10))
	return event, nil
}

func (s *KafkaSource) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Stop stops consuming and closes the reader and dead-letter writer.
func (s *KafkaSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	err := s.reader.Close()
	if s.dlq != nil {
		err = errors.Join(err, s.dlq.Close())
	}
	return err
}

func (s *KafkaSource) Events() <-chan *DumpEvent {
	return s.eventChan
}

// Ack commits the message the event came from.
func (s *KafkaSource) Ack(ctx context.Context, event *DumpEvent) error {
	msg, ok := event.AckToken.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka source %s: event %s has no message", s.name, event.ID)
	}
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit %s: %w", event.ID, err)
	}
	return nil
}

// Nack forwards the message to the dead-letter topic, if any, and commits it.
func (s *KafkaSource) Nack(ctx context.Context, event *DumpEvent, cause error) error {
	msg, ok := event.AckToken.(kafka.Message)
	if !ok {
		return fmt.Errorf("kafka source %s: event %s has no message", s.name, event.ID)
	}
	s.logger.Warn("Kafka source %s nacked dump %s: %v", s.name, event.Key, cause)

	if s.dlq != nil {
		dead := kafka.Message{
			Key:   msg.Key,
			Value: msg.Value,
			Headers: append(msg.Headers,
				kafka.Header{Key: HeaderFailureReason, Value: []byte(failureReason(cause))},
				kafka.Header{Key: HeaderFailureCode, Value: []byte(apperrors.CodeOf(cause))},
				kafka.Header{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
			),
		}
		if err := s.dlq.WriteMessages(ctx, dead); err != nil {
			return fmt.Errorf("failed to dead-letter %s: %w", event.ID, err)
		}
	}
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit %s: %w", event.ID, err)
	}
	return nil
}

func failureReason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// HealthCheck reports the last fetch error.
func (s *KafkaSource) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return fmt.Errorf("kafka source %s is not running", s.name)
	}
	if s.lastErr != nil {
		return fmt.Errorf("kafka source %s: %w", s.name, s.lastErr)
	}
	return nil
}
