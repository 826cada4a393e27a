// Package jetstream provides a NATS JetStream broker backend for streambus.
// JetStream has no explicit claim primitive; unacknowledged entries are
// redelivered through ReadGroup after the ack wait expires, so the backend
// reports ExplicitReclaim as false and the configured visibility timeout
// becomes the consumer AckWait.
package jetstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streambus/streambus/broker"
)

// BrokerName is the name used to register this backend.
const BrokerName = "nats-jetstream"

const (
	// DefaultAckWait is used when no visibility timeout is configured.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds stream retention.
	DefaultMaxAge = 24 * time.Hour * 7
)

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.JetStreamCapabilities)
}

// Build creates a new JetStream broker from config.
func Build(ctx context.Context, cfg broker.Config, logger *slog.Logger) (broker.Broker, error) {
	return New(Config{
		URL:     cfg.GetNATSURL(),
		AckWait: cfg.GetVisibilityTimeout(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() broker.Capabilities {
	return broker.JetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream all streambus streams map into, one
	// subject per streambus stream. Defaults to "STREAMBUS".
	StreamName string

	// AckWait is the redelivery timeout for unacknowledged entries.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = "STREAMBUS"
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Broker implements the broker contract on a single JetStream stream.
type Broker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*nats.Msg
	pulls    map[string]*nats.Subscription
	readers  map[string]*reader
	closed   bool
}

// reader is a cached plain-read cursor over one subject.
type reader struct {
	sub  *nats.Subscription
	next broker.EntryID
}

// New connects to NATS and ensures the backing stream exists.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	b := &Broker{
		nc:       nc,
		js:       js,
		config:   cfg,
		logger:   logger,
		inflight: make(map[string]*nats.Msg),
		pulls:    make(map[string]*nats.Subscription),
		readers:  make(map[string]*reader),
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      b.config.StreamName,
		Subjects:  []string{b.config.StreamName + ".>"},
		MaxAge:    DefaultMaxAge,
		Replicas:  b.config.Replicas,
		Retention: nats.LimitsPolicy,
	}

	if _, err := b.js.AddStream(streamCfg); err != nil {
		if _, err = b.js.UpdateStream(streamCfg); err != nil {
			b.logger.Info("jetstream stream exists", "stream", b.config.StreamName)
		}
	}
	return nil
}

func (b *Broker) subject(stream string) string {
	return b.config.StreamName + "." + sanitize(stream)
}

// Append publishes the payload and derives the entry id from the stream
// sequence the server assigned.
func (b *Broker) Append(ctx context.Context, stream string, payload []byte) (broker.EntryID, error) {
	ack, err := b.js.Publish(b.subject(stream), payload, nats.Context(ctx))
	if err != nil {
		return broker.ZeroID, fmt.Errorf("jetstream: publish %s: %w", stream, err)
	}
	return broker.EntryID{
		Timestamp: uint64(time.Now().UnixMilli()),
		Seq:       ack.Sequence,
	}, nil
}

// EnsureGroup creates a durable pull consumer for the group.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group string, start broker.EntryID) error {
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durableName(stream, group),
		FilterSubject: b.subject(stream),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if !start.IsZero() {
		consumerCfg.DeliverPolicy = nats.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = start.Seq + 1
	}

	if _, err := b.js.AddConsumer(b.config.StreamName, consumerCfg); err != nil {
		if _, err = b.js.UpdateConsumer(b.config.StreamName, consumerCfg); err != nil {
			return fmt.Errorf("jetstream: consumer %s: %w", consumerCfg.Durable, err)
		}
	}
	return nil
}

// ReadGroup fetches entries from the group's durable consumer. Redeliveries
// of unacknowledged entries arrive here once their ack wait expires.
func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = time.Millisecond
	}

	sub, err := b.pullSubscription(stream, group)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(count, nats.MaxWait(block))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("jetstream: fetch %s/%s: %w", stream, group, err)
	}

	out := make([]broker.Entry, 0, len(msgs))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range msgs {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		id := broker.EntryID{
			Timestamp: uint64(meta.Timestamp.UnixMilli()),
			Seq:       meta.Sequence.Stream,
		}
		b.inflight[inflightKey(stream, group, id)] = msg
		out = append(out, broker.Entry{ID: id, Payload: msg.Data})
	}
	return out, nil
}

func (b *Broker) pullSubscription(stream, group string) (*nats.Subscription, error) {
	key := stream + "\x00" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.pulls[key]; ok {
		return sub, nil
	}

	durable := durableName(stream, group)
	if err := b.EnsureGroup(context.Background(), stream, group, broker.ZeroID); err != nil {
		return nil, err
	}
	sub, err := b.js.PullSubscribe(b.subject(stream), durable)
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", stream, err)
	}
	b.pulls[key] = sub
	return sub, nil
}

// Ack acknowledges an entry previously delivered by ReadGroup. Entries whose
// in-flight message is no longer held (for example after a restart) are
// left to the ack-wait redelivery cycle.
func (b *Broker) Ack(ctx context.Context, stream, group string, id broker.EntryID) error {
	key := inflightKey(stream, group, id)
	b.mu.Lock()
	msg, ok := b.inflight[key]
	delete(b.inflight, key)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("jetstream: ack %s: %w", id, err)
	}
	return nil
}

// Claim is a no-op: JetStream redelivers on its own after the ack wait.
func (b *Broker) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]broker.Entry, error) {
	return nil, nil
}

// Read delivers entries after the given id via an ephemeral ordered
// subscription, cached per stream while reads stay sequential.
func (b *Broker) Read(ctx context.Context, stream string, after broker.EntryID, block time.Duration, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = time.Millisecond
	}

	sub, err := b.plainReader(stream, after)
	if err != nil {
		return nil, err
	}

	var out []broker.Entry
	wait := block
	for len(out) < count {
		msg, err := sub.NextMsg(wait)
		if err != nil {
			if err == nats.ErrTimeout {
				break
			}
			return nil, fmt.Errorf("jetstream: read %s: %w", stream, err)
		}
		wait = time.Millisecond
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		id := broker.EntryID{
			Timestamp: uint64(meta.Timestamp.UnixMilli()),
			Seq:       meta.Sequence.Stream,
		}
		out = append(out, broker.Entry{ID: id, Payload: msg.Data})
	}

	if len(out) > 0 {
		b.mu.Lock()
		if r, ok := b.readers[stream]; ok {
			r.next = out[len(out)-1].ID
		}
		b.mu.Unlock()
	}
	return out, nil
}

func (b *Broker) plainReader(stream string, after broker.EntryID) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.readers[stream]; ok && r.next == after {
		return r.sub, nil
	}
	if r, ok := b.readers[stream]; ok {
		r.sub.Unsubscribe()
		delete(b.readers, stream)
	}

	opts := []nats.SubOpt{nats.AckNone(), nats.DeliverAll()}
	if !after.IsZero() {
		opts = []nats.SubOpt{nats.AckNone(), nats.StartSequence(after.Seq + 1)}
	}
	sub, err := b.js.SubscribeSync(b.subject(stream), opts...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: reader %s: %w", stream, err)
	}
	b.readers[stream] = &reader{sub: sub, next: after}
	return sub, nil
}

// Range is not supported: JetStream cannot address entries by id bounds.
func (b *Broker) Range(ctx context.Context, stream string, lo, hi broker.EntryID, count int) ([]broker.Entry, error) {
	return nil, broker.ErrRangeUnsupported
}

// Close unsubscribes everything and closes the connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.pulls {
		sub.Unsubscribe()
	}
	for _, r := range b.readers {
		r.sub.Unsubscribe()
	}
	b.pulls = make(map[string]*nats.Subscription)
	b.readers = make(map[string]*reader)
	b.mu.Unlock()

	b.nc.Close()
	return nil
}

func inflightKey(stream, group string, id broker.EntryID) string {
	return stream + "\x00" + group + "\x00" + id.String()
}

func durableName(stream, group string) string {
	return sanitize(stream) + "__" + sanitize(group)
}

// sanitize maps stream names onto the character set NATS allows in subjects
// and durable names.
func sanitize(name string) string {
	return strings.NewReplacer(":", "_", ".", "_", " ", "_", "*", "_", ">", "_").Replace(name)
}
