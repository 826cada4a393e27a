// Package broker defines the ordered-log broker contract streambus runs on,
// plus the entry-id arithmetic shared by every backend. Each backend (redis,
// jetstream, channel) lives in its own sub-package and registers itself with
// the broker registry.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry is a single stream entry: the broker-assigned id and the opaque
// payload handed to Append.
type Entry struct {
	ID      EntryID
	Payload []byte
}

// Broker is the minimal primitive set streambus requires from an ordered-log
// broker: stream append, competing-consumer-group read, per-entry
// acknowledge, reclaim-after-idle, and id-bounded reads.
//
// Implementations must be safe for concurrent use; the broker connection is
// shared by every caller and consumer loop in a process.
type Broker interface {
	// Append adds payload to the tail of stream and returns the assigned id.
	// Ids are strictly increasing within a stream.
	Append(ctx context.Context, stream string, payload []byte) (EntryID, error)

	// EnsureGroup creates the named consumer group on stream if it does not
	// exist, positioned so entries with id > start are delivered. ZeroID
	// starts from the beginning of the stream. Existing groups are left
	// untouched.
	EnsureGroup(ctx context.Context, stream, group string, start EntryID) error

	// ReadGroup delivers up to count undelivered entries to consumer within
	// group, creating the group from the stream start if needed. Delivered
	// entries become pending (claimed) for the consumer until acknowledged.
	// When no entries are available it blocks for at most block; a
	// non-positive block returns immediately. An empty result is not an
	// error.
	ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int) ([]Entry, error)

	// Ack acknowledges one pending entry for group, removing it from the
	// pending set so it is never redelivered.
	Ack(ctx context.Context, stream, group string, id EntryID) error

	// Claim transfers ownership of pending entries that have been claimed
	// but unacknowledged for at least minIdle to consumer, returning the
	// reclaimed entries for reprocessing. Backends whose capabilities report
	// ExplicitReclaim as false redeliver through ReadGroup instead and
	// return no entries here.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// Read delivers up to count entries with id strictly greater than after,
	// independent of any consumer group. When the stream tail is reached it
	// blocks for at most block; a non-positive block returns immediately.
	Read(ctx context.Context, stream string, after EntryID, block time.Duration, count int) ([]Entry, error)

	// Range returns up to count entries with lo <= id <= hi. Both bounds are
	// inclusive; use EntryID.Predecessor to build exclusive bounds. Backends
	// without RangeReads return ErrRangeUnsupported.
	Range(ctx context.Context, stream string, lo, hi EntryID, count int) ([]Entry, error)

	// Close releases the broker connection.
	Close() error
}

// ErrRangeUnsupported is returned by Range on backends that cannot address
// entries by id bounds.
var ErrRangeUnsupported = errors.New("broker: range reads not supported")

// Builder is the function signature for creating a broker from config.
// Backend packages provide a Builder and register it under their name.
type Builder func(ctx context.Context, cfg Config, logger *slog.Logger) (Broker, error)

// Config provides the configuration values needed by broker backends. The
// interface keeps backends decoupled from the full config package.
type Config interface {
	// GetBrokerSystem returns the backend name ("redis", "nats-jetstream",
	// "channel").
	GetBrokerSystem() string

	// Redis
	GetRedisURL() string

	// NATS
	GetNATSURL() string

	// GetVisibilityTimeout returns the duration after which a claimed but
	// unacknowledged entry may be handed to another consumer. Backends
	// without explicit reclaim use it as their redelivery ack-wait.
	GetVisibilityTimeout() time.Duration
}
