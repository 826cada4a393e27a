package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/streambus/streambus/broker"
	"github.com/streambus/streambus/internal/runtime/casting"
	"github.com/streambus/streambus/internal/runtime/codec"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
	"github.com/streambus/streambus/internal/runtime/ids"
	"github.com/streambus/streambus/internal/runtime/logging"
)

type callOptions struct {
	timeout time.Duration
}

// CallOption customises a single Call.
type CallOption func(*callOptions)

// WithCallTimeout overrides the configured default call deadline.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call invokes a remote procedure and waits for its result. The call is
// appended once; when no result arrives before the deadline a TimeoutError
// surfaces and the remote execution, which may still happen, is ignored.
func (s *Service) Call(ctx context.Context, api, procedure string, kwargs map[string]any, opts ...CallOption) (any, error) {
	options := callOptions{timeout: s.Conf.CallTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, span := s.tracer.Start(ctx, "streambus.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("streambus.api", api),
		attribute.String("streambus.procedure", procedure),
	)

	s.ensureResultLoop()

	callID := ids.NewCallID()
	ch := s.waiters.register(callID)
	defer s.waiters.unregister(callID)

	wireKwargs := make(map[string]any, len(kwargs))
	for name, v := range kwargs {
		wireKwargs[name] = casting.ToWire(v)
	}

	payload, err := codec.Marshal(codec.Call{
		ID:         callID,
		API:        api,
		Procedure:  procedure,
		Kwargs:     wireKwargs,
		ReturnPath: s.resultStream,
		IssuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("streambus: encode call: %w", err)
	}

	if _, err := s.broker.Append(ctx, s.rpcStream(api), payload); err != nil {
		span.SetStatus(codes.Error, "append failed")
		return nil, &errspkg.TransportError{Op: "append call", Err: err}
	}
	s.metrics.callPublished(api, procedure)

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return s.finishCall(api, procedure, res, span)
	case <-timer.C:
		s.metrics.callTimedOut(api, procedure)
		span.SetStatus(codes.Error, "timed out")
		return nil, &errspkg.TimeoutError{
			CallID:    callID,
			API:       api,
			Procedure: procedure,
			Timeout:   options.timeout,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishCall turns a result envelope into the caller's return value,
// casting it with the locally registered return descriptor when one exists.
func (s *Service) finishCall(api, procedure string, res codec.Result, span spanRecorder) (any, error) {
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Kind)
		return nil, &errspkg.RemoteError{Kind: res.Err.Kind, Message: res.Err.Message}
	}
	if a, ok := s.lookupAPI(api); ok {
		if proc, ok := a.Procedure(procedure); ok && proc.Signature.Return != nil {
			return casting.FromWire(res.Result, proc.Signature.Return)
		}
	}
	return res.Result, nil
}

// spanRecorder is the slice of the otel span surface finishCall needs.
type spanRecorder interface {
	SetStatus(code codes.Code, description string)
}

// serveRPC is one worker loop: it joins the API's request stream as a
// competing consumer, periodically reclaims entries stuck with dead
// consumers, and handles every delivered call.
func (s *Service) serveRPC(ctx context.Context, api *API) {
	stream := s.rpcStream(api.Name())
	group := s.Conf.ConsumerGroup
	log := s.Logger.With(logging.LogFields{
		"stream": stream,
		"group":  group,
	})

	if err := s.broker.EnsureGroup(ctx, stream, group, broker.ZeroID); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error("create consumer group", err, nil)
	}

	lastClaim := time.Now()
	for ctx.Err() == nil {
		if s.caps.ExplicitReclaim && time.Since(lastClaim) >= s.Conf.ClaimInterval {
			lastClaim = time.Now()
			reclaimed, err := s.broker.Claim(ctx, stream, group, s.consumerName, s.Conf.VisibilityTimeout, s.Conf.ReadBatch)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("reclaim pending entries", logging.LogFields{"error": err})
			} else if len(reclaimed) > 0 {
				s.metrics.reclaimed(stream, len(reclaimed))
				log.Info("reclaimed entries from idle consumer", logging.LogFields{"count": len(reclaimed)})
				for _, entry := range reclaimed {
					s.handleCall(ctx, api, stream, group, entry)
				}
			}
		}

		entries, err := s.readGroup(ctx, stream, group)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("read request stream", err, nil)
			continue
		}
		for _, entry := range entries {
			s.handleCall(ctx, api, stream, group, entry)
		}
	}
}

// readGroup wraps the blocking group read in retry with exponential backoff
// so transient broker hiccups never kill a worker loop.
func (s *Service) readGroup(ctx context.Context, stream, group string) ([]broker.Entry, error) {
	block := s.Conf.ReadBlock
	if s.caps.ExplicitReclaim && s.Conf.ClaimInterval < block {
		// Keep the claim cadence even when the stream is quiet.
		block = s.Conf.ClaimInterval
	}
	op := func() ([]broker.Entry, error) {
		entries, err := s.broker.ReadGroup(ctx, stream, group, s.consumerName, block, s.Conf.ReadBatch)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return entries, err
	}
	return backoff.Retry(ctx, op, s.retryOpts()...)
}

func (s *Service) retryOpts() []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	if s.Conf.ReadRetryInitialInterval > 0 {
		bo.InitialInterval = s.Conf.ReadRetryInitialInterval
	}
	if s.Conf.ReadRetryMaxInterval > 0 {
		bo.MaxInterval = s.Conf.ReadRetryMaxInterval
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(bo)}
	if s.Conf.ReadRetryMaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(s.Conf.ReadRetryMaxTries))
	}
	return opts
}

// handleCall processes one delivered call entry. Acknowledge-after-result
// gives at-least-once execution: a worker dying mid-call leaves the entry
// pending, and another worker reclaims it after the visibility timeout. A
// handler that returns an error has handled the call; the error travels back
// as the result and the entry is acknowledged. A handler that panics has
// not, so the entry stays pending for redelivery.
func (s *Service) handleCall(ctx context.Context, api *API, stream, group string, entry broker.Entry) {
	log := s.Logger.With(logging.LogFields{
		"stream":   stream,
		"entry_id": entry.ID.String(),
	})

	call, err := codec.DecodeCall(entry.Payload)
	if err != nil {
		// Undecodable entries would be redelivered forever; drop them.
		log.Warn("dropping undecodable call entry", logging.LogFields{"error": err})
		s.ack(ctx, stream, group, entry.ID, log)
		s.metrics.callHandled(api.Name(), "", "undecodable", 0)
		return
	}
	log = log.With(logging.LogFields{"call_id": call.ID, "procedure": call.Procedure})

	proc, ok := api.Procedure(call.Procedure)
	if !ok {
		s.publishResult(ctx, call, codec.Result{
			CallID:    call.ID,
			Err:       &codec.ErrorInfo{Kind: "UnknownProcedure", Message: fmt.Sprintf("no procedure %q on api %q", call.Procedure, api.Name())},
			Responder: s.consumerName,
		}, log)
		s.ack(ctx, stream, group, entry.ID, log)
		s.metrics.callHandled(api.Name(), call.Procedure, "unknown", 0)
		return
	}

	ctx, span := s.tracer.Start(ctx, "streambus.handle_call")
	defer span.End()
	span.SetAttributes(
		attribute.String("streambus.api", api.Name()),
		attribute.String("streambus.procedure", call.Procedure),
		attribute.String("streambus.call_id", call.ID),
	)

	started := time.Now()
	result, callErr, crashed := s.invoke(ctx, proc, call.Kwargs)
	elapsed := time.Since(started)
	if crashed {
		// Crash semantics: no result, no ack. The entry is reclaimed after
		// the visibility timeout and the call runs again elsewhere.
		span.SetStatus(codes.Error, "crashed")
		s.metrics.callHandled(api.Name(), call.Procedure, "crashed", elapsed)
		return
	}

	res := codec.Result{CallID: call.ID, Responder: s.consumerName}
	status := "ok"
	if callErr != nil {
		res.Err = &codec.ErrorInfo{Kind: errorKind(callErr), Message: callErr.Error()}
		status = "error"
	} else {
		res.Result = casting.ToWire(result)
	}

	if !s.publishResult(ctx, call, res, log) {
		// Leave the entry pending so the call is retried once the result
		// path works again.
		return
	}
	s.ack(ctx, stream, group, entry.ID, log)
	s.metrics.callHandled(api.Name(), call.Procedure, status, elapsed)
}

// invoke runs the procedure under a recover so a panicking handler takes
// down only the call, not the worker loop.
func (s *Service) invoke(ctx context.Context, proc *Procedure, kwargs map[string]any) (result any, err error, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			s.Logger.Error("procedure panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"procedure": proc.Name,
			})
		}
	}()
	result, err = proc.invoke(ctx, kwargs)
	return
}

// publishResult appends the result envelope to the caller's return path and
// reports success. Calls without a return path are fire-and-forget.
func (s *Service) publishResult(ctx context.Context, call codec.Call, res codec.Result, log logging.ServiceLogger) bool {
	if call.ReturnPath == "" {
		return true
	}
	payload, err := codec.Marshal(res)
	if err != nil {
		log.Error("encode result", err, nil)
		return false
	}
	if _, err := s.broker.Append(ctx, call.ReturnPath, payload); err != nil {
		if ctx.Err() == nil {
			log.Error("append result", err, logging.LogFields{"return_path": call.ReturnPath})
		}
		return false
	}
	return true
}

func (s *Service) ack(ctx context.Context, stream, group string, id broker.EntryID, log logging.ServiceLogger) {
	if err := s.broker.Ack(ctx, stream, group, id); err != nil && ctx.Err() == nil {
		log.Warn("acknowledge entry", logging.LogFields{"error": err})
	}
}

// errorKind names an error for the wire. Typed errors keep their type name;
// plain errors collapse to "Error".
func errorKind(err error) string {
	kind := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if idx := strings.LastIndexByte(kind, '.'); idx >= 0 {
		pkg := kind[:idx]
		name := kind[idx+1:]
		if pkg == "errors" || pkg == "fmt" {
			return "Error"
		}
		return name
	}
	return kind
}
