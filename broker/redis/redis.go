// Package redis provides a Redis Streams broker backend for streambus. It is
// the primary production backend: XADD/XREADGROUP/XACK/XAUTOCLAIM map
// one-to-one onto the broker contract.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streambus/streambus/broker"
)

// BrokerName is the name used to register this backend.
const BrokerName = "redis"

// payloadField is the stream field the envelope bytes are stored under.
const payloadField = "payload"

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.RedisCapabilities)
}

// Build creates a Redis Streams broker from the configured URL.
func Build(ctx context.Context, cfg broker.Config, logger *slog.Logger) (broker.Broker, error) {
	opts, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	return New(client, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() broker.Capabilities {
	return broker.RedisCapabilities
}

// Broker implements the broker contract on Redis Streams.
type Broker struct {
	client *redis.Client
	logger *slog.Logger

	// groups remembers (stream, group) pairs already created so ReadGroup
	// skips the XGROUP round trip on the hot path.
	groups sync.Map
}

// New wraps an existing Redis client. The caller keeps ownership of client
// configuration; Close closes it.
func New(client *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{client: client, logger: logger}
}

// Append XADDs the payload under a single field and parses the assigned id.
func (b *Broker) Append(ctx context.Context, stream string, payload []byte) (broker.EntryID, error) {
	raw, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return broker.ZeroID, fmt.Errorf("redis: xadd %s: %w", stream, err)
	}
	return broker.ParseEntryID(raw)
}

// EnsureGroup creates the consumer group with MKSTREAM, ignoring BUSYGROUP
// when the group already exists.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string, start broker.EntryID) error {
	key := stream + "\x00" + group
	if _, ok := b.groups.Load(key); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start.String()).Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("redis: xgroup create %s/%s: %w", stream, group, err)
	}
	b.groups.Store(key, struct{}{})
	return nil
}

// ReadGroup XREADGROUPs new entries for the consumer.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int) ([]broker.Entry, error) {
	if err := b.EnsureGroup(ctx, stream, group, broker.ZeroID); err != nil {
		return nil, err
	}
	if block <= 0 {
		// go-redis only omits BLOCK for negative values.
		block = -1
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xreadgroup %s/%s: %w", stream, group, err)
	}
	return flatten(streams)
}

// Ack XACKs a single entry.
func (b *Broker) Ack(ctx context.Context, stream, group string, id broker.EntryID) error {
	if err := b.client.XAck(ctx, stream, group, id.String()).Err(); err != nil {
		return fmt.Errorf("redis: xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

// Claim XAUTOCLAIMs pending entries idle for at least minIdle.
func (b *Broker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]broker.Entry, error) {
	if err := b.EnsureGroup(ctx, stream, group, broker.ZeroID); err != nil {
		return nil, err
	}

	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xautoclaim %s/%s: %w", stream, group, err)
	}
	return convert(msgs)
}

// Read XREADs entries after the given id without a consumer group.
func (b *Broker) Read(ctx context.Context, stream string, after broker.EntryID, block time.Duration, count int) ([]broker.Entry, error) {
	if block <= 0 {
		block = -1
	}

	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after.String()},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: xread %s: %w", stream, err)
	}
	return flatten(streams)
}

// Range XRANGEs entries between the inclusive bounds.
func (b *Broker) Range(ctx context.Context, stream string, lo, hi broker.EntryID, count int) ([]broker.Entry, error) {
	msgs, err := b.client.XRangeN(ctx, stream, lo.String(), hi.String(), int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: xrange %s: %w", stream, err)
	}
	return convert(msgs)
}

// Close closes the underlying Redis client.
func (b *Broker) Close() error {
	return b.client.Close()
}

func flatten(streams []redis.XStream) ([]broker.Entry, error) {
	var out []broker.Entry
	for _, s := range streams {
		entries, err := convert(s.Messages)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func convert(msgs []redis.XMessage) ([]broker.Entry, error) {
	out := make([]broker.Entry, 0, len(msgs))
	for _, m := range msgs {
		id, err := broker.ParseEntryID(m.ID)
		if err != nil {
			return nil, err
		}
		var payload []byte
		switch v := m.Values[payloadField].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
		out = append(out, broker.Entry{ID: id, Payload: payload})
	}
	return out, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
