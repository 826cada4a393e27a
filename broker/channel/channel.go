// Package channel provides an in-memory broker backend for streambus. It
// implements the full contract, including per-entry claims, visibility-based
// reclaim, and inclusive range reads, and is useful for testing and local
// development.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/streambus/streambus/broker"
)

// BrokerName is the name used to register this backend.
const BrokerName = "channel"

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.ChannelCapabilities)
}

// Build creates a new in-memory broker.
func Build(ctx context.Context, cfg broker.Config, logger *slog.Logger) (broker.Broker, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() broker.Capabilities {
	return broker.ChannelCapabilities
}

var errClosed = errors.New("channel: broker is closed")

// Broker is an in-memory ordered-log broker. Streams are created on first
// use and live until Close.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	logger  *slog.Logger
	closed  bool
}

type stream struct {
	entries []broker.Entry
	groups  map[string]*group

	// wake is closed and replaced on every append so blocked readers can
	// re-check the tail.
	wake chan struct{}
}

type group struct {
	// next indexes the first entry not yet delivered to any consumer of the
	// group. Entries are never trimmed, so indexes stay valid.
	next    int
	pending map[broker.EntryID]*claim
}

type claim struct {
	entry     broker.Entry
	consumer  string
	claimedAt time.Time
}

// New creates an empty in-memory broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		streams: make(map[string]*stream),
		logger:  logger,
	}
}

func (b *Broker) getStream(name string) *stream {
	st, ok := b.streams[name]
	if !ok {
		st = &stream{
			groups: make(map[string]*group),
			wake:   make(chan struct{}),
		}
		b.streams[name] = st
	}
	return st
}

// Append adds payload to the stream tail. Ids follow the usual stream
// convention: Unix-millisecond timestamp plus a per-millisecond sequence,
// never moving backwards even if the wall clock does.
func (b *Broker) Append(ctx context.Context, name string, payload []byte) (broker.EntryID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ZeroID, errClosed
	}

	st := b.getStream(name)

	id := broker.EntryID{Timestamp: uint64(time.Now().UnixMilli())}
	if n := len(st.entries); n > 0 {
		last := st.entries[n-1].ID
		if id.Timestamp <= last.Timestamp {
			id = broker.EntryID{Timestamp: last.Timestamp, Seq: last.Seq + 1}
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	st.entries = append(st.entries, broker.Entry{ID: id, Payload: buf})

	close(st.wake)
	st.wake = make(chan struct{})

	return id, nil
}

// EnsureGroup creates the group positioned after start if it does not exist.
func (b *Broker) EnsureGroup(ctx context.Context, name, groupName string, start broker.EntryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	st := b.getStream(name)
	if _, ok := st.groups[groupName]; ok {
		return nil
	}
	st.groups[groupName] = &group{
		next:    searchAfter(st.entries, start),
		pending: make(map[broker.EntryID]*claim),
	}
	return nil
}

// ReadGroup delivers undelivered entries to consumer, claiming them until
// acknowledged. Consumers in the same group compete: each entry is delivered
// to exactly one of them unless reclaimed later.
func (b *Broker) ReadGroup(ctx context.Context, name, groupName, consumer string, block time.Duration, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errClosed
		}

		st := b.getStream(name)
		g, ok := st.groups[groupName]
		if !ok {
			g = &group{pending: make(map[broker.EntryID]*claim)}
			st.groups[groupName] = g
		}

		var out []broker.Entry
		now := time.Now()
		for g.next < len(st.entries) && len(out) < count {
			e := st.entries[g.next]
			g.next++
			g.pending[e.ID] = &claim{entry: e, consumer: consumer, claimedAt: now}
			out = append(out, e)
		}

		wake := st.wake
		b.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}

		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack removes a pending entry from the group's claim set. Acknowledging an
// entry that is not pending is a no-op.
func (b *Broker) Ack(ctx context.Context, name, groupName string, id broker.EntryID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed
	}

	st := b.getStream(name)
	if g, ok := st.groups[groupName]; ok {
		delete(g.pending, id)
	}
	return nil
}

// Claim reassigns pending entries idle for at least minIdle to consumer and
// returns them in id order.
func (b *Broker) Claim(ctx context.Context, name, groupName, consumer string, minIdle time.Duration, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	st := b.getStream(name)
	g, ok := st.groups[groupName]
	if !ok {
		return nil, nil
	}

	now := time.Now()
	var stale []*claim
	for _, c := range g.pending {
		if now.Sub(c.claimedAt) >= minIdle {
			stale = append(stale, c)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].entry.ID.Before(stale[j].entry.ID) })

	var out []broker.Entry
	for _, c := range stale {
		if len(out) >= count {
			break
		}
		c.consumer = consumer
		c.claimedAt = now
		out = append(out, c.entry)
	}
	return out, nil
}

// Read delivers entries with id strictly greater than after, independent of
// any group.
func (b *Broker) Read(ctx context.Context, name string, after broker.EntryID, block time.Duration, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}

	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, errClosed
		}

		st := b.getStream(name)
		start := searchAfter(st.entries, after)
		end := min(start+count, len(st.entries))
		var out []broker.Entry
		if start < end {
			out = append(out, st.entries[start:end]...)
		}
		wake := st.wake
		b.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}

		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Range returns entries with lo <= id <= hi, both bounds inclusive.
func (b *Broker) Range(ctx context.Context, name string, lo, hi broker.EntryID, count int) ([]broker.Entry, error) {
	if count <= 0 {
		count = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	st := b.getStream(name)
	var out []broker.Entry
	for i := searchAfter(st.entries, lo.Predecessor()); i < len(st.entries) && len(out) < count; i++ {
		e := st.entries[i]
		if hi.Before(e.ID) {
			break
		}
		if !e.ID.Before(lo) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close shuts the broker down. Blocked readers return an error.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, st := range b.streams {
		close(st.wake)
		st.wake = make(chan struct{})
	}
	return nil
}

// searchAfter returns the index of the first entry with id strictly greater
// than after.
func searchAfter(entries []broker.Entry, after broker.EntryID) int {
	return sort.Search(len(entries), func(i int) bool {
		return after.Before(entries[i].ID)
	})
}
