package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/span-profiler/internal/replay"
	"github.com/span-profiler/internal/scheduler/source"
	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/utils"
)

// DumpReplayer replays a local dump file. *replay.Replayer implements it.
type DumpReplayer interface {
	ReplayFile(ctx context.Context, path string) (*replay.Result, error)
}

// ResultPublisher publishes the summary of a replayed dump.
type ResultPublisher interface {
	Publish(ctx context.Context, event *source.DumpEvent, res *replay.Result) error
	Close() error
}

// ReplayProcessor fetches an announced dump from storage into a scratch
// directory, replays it, and publishes the summary.
type ReplayProcessor struct {
	storage   storage.Storage
	replayer  DumpReplayer
	publisher ResultPublisher
	workDir   string
	logger    utils.Logger
}

// ProcessorConfig holds processor dependencies.
type ProcessorConfig struct {
	Storage  storage.Storage
	Replayer DumpReplayer

	// Publisher is optional.
	Publisher ResultPublisher

	// WorkDir holds the scratch directories; empty means os.TempDir().
	WorkDir string
	Logger  utils.Logger
}

// NewReplayProcessor creates a ReplayProcessor.
func NewReplayProcessor(cfg *ProcessorConfig) *ReplayProcessor {
	return &ReplayProcessor{
		storage:   cfg.Storage,
		replayer:  cfg.Replayer,
		publisher: cfg.Publisher,
		workDir:   cfg.WorkDir,
		logger:    utils.OrNull(cfg.Logger),
	}
}

// Process replays the dump stored at event.Key. The result carries the
// storage key as its source.
func (p *ReplayProcessor) Process(ctx context.Context, event *source.DumpEvent) (*replay.Result, error) {
	dir, err := os.MkdirTemp(p.workDir, "dump-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("Failed to clean up work directory %s: %v", dir, err)
		}
	}()

	local, ct, err := storage.FetchDump(ctx, p.storage, event.Key, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", event.Key, err)
	}
	p.logger.Debug("Fetched %s to %s (compression: %s)", event.Key, local, ct)

	res, err := p.replayer.ReplayFile(ctx, local)
	if err != nil {
		return nil, err
	}
	res.Source = event.Key

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, event, res); err != nil {
			p.logger.Warn("Failed to publish result of %s: %v", event.Key, err)
		}
	}
	return res, nil
}

// ResultMessage is the JSON value of a published summary.
type ResultMessage struct {
	Key        string            `json:"key"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Result     *replay.Result    `json:"result"`
	ReplayedAt time.Time         `json:"replayed_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes summaries to a Kafka topic, keyed by dump key.
type KafkaPublisher struct {
	writer messageWriter
	clock  utils.Clock
}

// NewKafkaPublisher creates a publisher writing to topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     kafka.CRC32Balancer{},
			Compression:  kafka.Lz4,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		clock: utils.NewRealClock(),
	}
}

// Publish writes the summary of one replayed dump.
func (p *KafkaPublisher) Publish(ctx context.Context, event *source.DumpEvent, res *replay.Result) error {
	b, err := json.Marshal(ResultMessage{
		Key:        event.Key,
		Source:     string(event.SourceType) + "/" + event.SourceName,
		Metadata:   event.Metadata,
		Result:     res,
		ReplayedAt: p.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key),
		Value: b,
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
