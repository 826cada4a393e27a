package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/streambus/streambus/broker"
	"github.com/streambus/streambus/internal/runtime/casting"
	"github.com/streambus/streambus/internal/runtime/codec"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
	"github.com/streambus/streambus/internal/runtime/logging"
)

// EventHandler consumes one delivered event. The payload has been cast with
// the event's declared field types when those are known locally. Returning
// an error leaves the entry unacknowledged so the group redelivers it.
type EventHandler func(ctx context.Context, payload map[string]any, id broker.EntryID) error

// EventHandlerRegistration binds a handler to an event within a consumer
// group. Listeners registered under the same group compete for entries;
// distinct groups each see the full stream.
type EventHandlerRegistration struct {
	// Event is the event name within the API.
	Event string

	// Group names the consumer group this handler joins.
	Group string

	// Handler receives the delivered events.
	Handler EventHandler

	// StartFrom is the first entry id delivered to a newly created group,
	// inclusive. ZeroID replays the whole stream history. Ignored when the
	// group already exists.
	StartFrom broker.EntryID
}

// eventListener is one consumer-group subscription on an API's event stream,
// possibly carrying handlers for several event names.
type eventListener struct {
	api      string
	group    string
	start    broker.EntryID
	handlers map[string][]EventHandler
}

// PublishEvent appends an event to the API's event stream and returns the
// assigned entry id, which doubles as the event's stream position. When the
// event is defined locally the payload is validated against its declared
// fields first.
func (s *Service) PublishEvent(ctx context.Context, api, event string, payload map[string]any) (broker.EntryID, error) {
	if event == "" {
		return broker.ZeroID, errspkg.ErrEventNameRequired
	}

	ctx, span := s.tracer.Start(ctx, "streambus.publish_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("streambus.api", api),
		attribute.String("streambus.event", event),
	)

	if a, ok := s.lookupAPI(api); ok {
		if def, ok := a.Event(event); ok {
			if err := def.validatePayload(api, payload); err != nil {
				span.SetStatus(codes.Error, "invalid payload")
				return broker.ZeroID, err
			}
		}
	}

	wirePayload := make(map[string]any, len(payload))
	for name, v := range payload {
		wirePayload[name] = casting.ToWire(v)
	}

	data, err := codec.Marshal(codec.Event{API: api, Event: event, Payload: wirePayload})
	if err != nil {
		return broker.ZeroID, fmt.Errorf("streambus: encode event: %w", err)
	}

	id, err := s.broker.Append(ctx, s.eventStream(api), data)
	if err != nil {
		span.SetStatus(codes.Error, "append failed")
		return broker.ZeroID, &errspkg.TransportError{Op: "append event", Err: err}
	}
	s.metrics.eventPublished(api, event)
	return id, nil
}

// RegisterEventHandler subscribes a handler to an event. Handlers for the
// same API and group share one listener loop and one group membership.
func (s *Service) RegisterEventHandler(apiName string, reg EventHandlerRegistration) error {
	if apiName == "" {
		return errspkg.ErrAPINameRequired
	}
	if reg.Event == "" {
		return errspkg.ErrEventNameRequired
	}
	if reg.Group == "" {
		return errspkg.ErrGroupRequired
	}
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	for _, l := range s.listeners {
		if l.api == apiName && l.group == reg.Group {
			l.handlers[reg.Event] = append(l.handlers[reg.Event], reg.Handler)
			return nil
		}
	}
	s.listeners = append(s.listeners, &eventListener{
		api:      apiName,
		group:    reg.Group,
		start:    reg.StartFrom,
		handlers: map[string][]EventHandler{reg.Event: {reg.Handler}},
	})
	return nil
}

// RegisterEventListener subscribes a typed handler: the wire payload is cast
// into P before the handler runs.
func RegisterEventListener[P any](s *Service, apiName, event, group string, fn func(ctx context.Context, payload P, id broker.EntryID) error) error {
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	desc := casting.OfType[P]()
	if desc.Kind != casting.KindRecord {
		return fmt.Errorf("streambus: event %s.%s: payload type %T must be a struct", apiName, event, *new(P))
	}
	return s.RegisterEventHandler(apiName, EventHandlerRegistration{
		Event: event,
		Group: group,
		Handler: func(ctx context.Context, payload map[string]any, id broker.EntryID) error {
			v, err := casting.FromWire(payload, desc)
			if err != nil {
				return err
			}
			typed, ok := v.(P)
			if !ok {
				return fmt.Errorf("streambus: event %s.%s: malformed payload", apiName, event)
			}
			return fn(ctx, typed, id)
		},
	})
}

// serveEvents runs one listener loop, mirroring the RPC worker loop: join
// the group, reclaim stuck entries on a cadence, deliver what arrives.
func (s *Service) serveEvents(ctx context.Context, l *eventListener) {
	stream := s.eventStream(l.api)
	log := s.Logger.With(logging.LogFields{
		"stream": stream,
		"group":  l.group,
	})

	// StartFrom is inclusive; the group start bound is exclusive.
	if err := s.broker.EnsureGroup(ctx, stream, l.group, l.start.Predecessor()); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("create consumer group", err, nil)
	}

	lastClaim := time.Now()
	for ctx.Err() == nil {
		if s.caps.ExplicitReclaim && time.Since(lastClaim) >= s.Conf.ClaimInterval {
			lastClaim = time.Now()
			reclaimed, err := s.broker.Claim(ctx, stream, l.group, s.consumerName, s.Conf.VisibilityTimeout, s.Conf.ReadBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("reclaim pending entries", logging.LogFields{"error": err})
			} else if len(reclaimed) > 0 {
				s.metrics.reclaimed(stream, len(reclaimed))
				for _, entry := range reclaimed {
					s.handleEvent(ctx, l, stream, entry, log)
				}
			}
		}

		entries, err := s.readGroup(ctx, stream, l.group)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("read event stream", err, nil)
			continue
		}
		for _, entry := range entries {
			s.handleEvent(ctx, l, stream, entry, log)
		}
	}
}

// handleEvent delivers one entry to the listener's handlers. The entry is
// acknowledged only after every handler succeeds, so a failing handler sees
// the event again after the visibility timeout.
func (s *Service) handleEvent(ctx context.Context, l *eventListener, stream string, entry broker.Entry, log logging.ServiceLogger) {
	ev, err := codec.DecodeEvent(entry.Payload)
	if err != nil {
		log.Warn("dropping undecodable event entry", logging.LogFields{
			"entry_id": entry.ID.String(),
			"error":    err,
		})
		s.ack(ctx, stream, l.group, entry.ID, log)
		return
	}

	ctx, span := s.tracer.Start(ctx, "streambus.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("streambus.api", l.api),
		attribute.String("streambus.event", ev.Event),
		attribute.String("streambus.group", l.group),
	)

	handlers := l.handlers[ev.Event]
	if len(handlers) == 0 {
		// Not subscribed to this event name; acknowledge so the group
		// position advances past it.
		s.ack(ctx, stream, l.group, entry.ID, log)
		s.metrics.eventDelivered(l.api, ev.Event, l.group, "ignored")
		return
	}

	payload := ev.Payload
	if a, ok := s.lookupAPI(l.api); ok {
		if def, ok := a.Event(ev.Event); ok {
			cast, err := casting.CastParameters(def.Signature, ev.Payload)
			if err != nil {
				// A payload that cannot be constructed never will be;
				// redelivering it would loop forever.
				log.Warn("dropping uncastable event payload", logging.LogFields{
					"event":    ev.Event,
					"entry_id": entry.ID.String(),
					"error":    err,
				})
				s.ack(ctx, stream, l.group, entry.ID, log)
				s.metrics.eventDelivered(l.api, ev.Event, l.group, "invalid")
				return
			}
			payload = cast
		}
	}

	for _, h := range handlers {
		if err := h(ctx, payload, entry.ID); err != nil {
			if ctx.Err() == nil {
				log.Warn("event handler failed, leaving entry pending", logging.LogFields{
					"event":    ev.Event,
					"entry_id": entry.ID.String(),
					"error":    err,
				})
			}
			s.metrics.eventDelivered(l.api, ev.Event, l.group, "error")
			return
		}
	}
	s.ack(ctx, stream, l.group, entry.ID, log)
	s.metrics.eventDelivered(l.api, ev.Event, l.group, "ok")
}
