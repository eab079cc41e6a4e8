package source

import (
	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/utils"
)

// DumpEvent announces one stored dump.
type DumpEvent struct {
	// ID identifies the announcement within its source.
	ID string

	// Key is the storage key of the dump.
	Key string

	SourceType SourceType
	SourceName string

	// Metadata holds source-specific metadata.
	Metadata map[string]string

	// AckToken is what the source needs to acknowledge the event, e.g. the
	// Kafka message.
	AckToken interface{}
}

// NewDumpEvent creates an event for the dump stored at key.
func NewDumpEvent(id, key string, sourceType SourceType, sourceName string) *DumpEvent {
	return &DumpEvent{
		ID:         id,
		Key:        key,
		SourceType: sourceType,
		SourceName: sourceName,
		Metadata:   make(map[string]string),
	}
}

// WithMetadata adds metadata to the event and returns the event for chaining.
func (e *DumpEvent) WithMetadata(key, value string) *DumpEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// WithAckToken sets the ack token and returns the event for chaining.
func (e *DumpEvent) WithAckToken(token interface{}) *DumpEvent {
	e.AckToken = token
	return e
}

// GetMetadata retrieves a metadata value by key.
func (e *DumpEvent) GetMetadata(key string) string {
	return e.Metadata[key]
}

// Deps are the collaborators sources may need.
type Deps struct {
	Storage storage.Storage
	Logger  utils.Logger
}

func (d Deps) withDefaults() Deps {
	d.Logger = utils.OrNull(d.Logger)
	return d
}
