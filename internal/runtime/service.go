package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/streambus/streambus/broker"
	"github.com/streambus/streambus/internal/runtime/codec"
	"github.com/streambus/streambus/internal/runtime/config"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
	"github.com/streambus/streambus/internal/runtime/ids"
	"github.com/streambus/streambus/internal/runtime/logging"
)

// Service is the process-local bus endpoint. It publishes calls and events,
// runs the worker and listener loops for everything registered on it, and
// owns the result stream other processes answer this process on.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	broker     broker.Broker
	ownsBroker bool
	caps       broker.Capabilities
	metrics    *Metrics
	tracer     trace.Tracer

	consumerName string
	resultStream string

	waiters    *resultWaiters
	resultOnce sync.Once

	mu        sync.RWMutex
	apis      map[string]*API
	listeners []*eventListener
	started   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceDependencies allows overriding pieces of the Service wiring,
// primarily for tests and embedding.
type ServiceDependencies struct {
	// Broker replaces the config-built broker connection. The Service does
	// not close an injected broker.
	Broker broker.Broker

	// Registry overrides the default broker registry.
	Registry *broker.Registry

	// Registerer receives the Prometheus collectors. Nil uses the default
	// registerer.
	Registerer prometheus.Registerer
}

// NewService creates a Service and panics on failure. Use TryNewService when
// the error should be handled.
func NewService(conf *config.Config, logger logging.ServiceLogger, deps *ServiceDependencies) *Service {
	s, err := TryNewService(conf, logger, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates the config, connects the broker backend, and
// returns a Service ready for registration and use.
func TryNewService(conf *config.Config, logger logging.ServiceLogger, deps *ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("streambus: invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.NewSlogServiceLogger(slog.Default())
	}
	if deps == nil {
		deps = &ServiceDependencies{}
	}
	registry := deps.Registry
	if registry == nil {
		registry = broker.DefaultRegistry
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	b := deps.Broker
	ownsBroker := false
	if b == nil {
		built, err := registry.Build(baseCtx, conf, slog.Default())
		if err != nil {
			cancel()
			return nil, err
		}
		b = built
		ownsBroker = true
	}

	consumerName := conf.ConsumerName
	if consumerName == "" {
		// The word pair is for humans; the ULID tail keeps two processes
		// that picked the same pair apart.
		u := ids.CreateULID()
		consumerName = ids.ConsumerName() + "-" + strings.ToLower(u[len(u)-6:])
	}

	metrics := NewMetrics(deps.Registerer)
	if conf.MetricsEnabled {
		if err := metrics.Register(); err != nil {
			logger.Warn("register metrics collectors", logging.LogFields{"error": err})
		}
	}

	s := &Service{
		Conf:         conf,
		Logger:       logger.With(logging.LogFields{"consumer": consumerName}),
		broker:       b,
		ownsBroker:   ownsBroker,
		caps:         registry.GetCapabilities(conf.Broker),
		metrics:      metrics,
		tracer:       otel.Tracer("github.com/streambus/streambus"),
		consumerName: consumerName,
		waiters:      newResultWaiters(),
		apis:         make(map[string]*API),
		baseCtx:      baseCtx,
		cancel:       cancel,
	}
	s.resultStream = s.Conf.StreamPrefix + ":result:" + consumerName
	return s, nil
}

// ConsumerName returns this process's consumer identity.
func (s *Service) ConsumerName() string { return s.consumerName }

// Capabilities reports what the configured broker backend supports.
func (s *Service) Capabilities() broker.Capabilities { return s.caps }

// RegisterAPI makes an API's procedures servable and its event definitions
// available for payload validation and casting.
func (s *Service) RegisterAPI(a *API) error {
	if a == nil || a.Name() == "" {
		return errspkg.ErrAPINameRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errspkg.ErrServiceStarted
	}
	if _, exists := s.apis[a.Name()]; exists {
		return fmt.Errorf("streambus: api %q already registered", a.Name())
	}
	s.apis[a.Name()] = a
	return nil
}

func (s *Service) lookupAPI(name string) (*API, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apis[name]
	return a, ok
}

func (s *Service) rpcStream(api string) string {
	return s.Conf.StreamPrefix + ":rpc:" + api
}

func (s *Service) eventStream(api string) string {
	return s.Conf.StreamPrefix + ":event:" + api
}

// Start runs the RPC worker loops and event listener loops until ctx is
// cancelled or the Service is closed, then waits for them to drain.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errspkg.ErrServiceStarted
	}
	s.started = true
	var served []*API
	for _, a := range s.apis {
		if a.HasProcedures() {
			served = append(served, a)
		}
	}
	listeners := make([]*eventListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.baseCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.ensureResultLoop()

	for _, a := range served {
		a := a
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveRPC(runCtx, a)
		}()
	}
	for _, l := range listeners {
		l := l
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveEvents(runCtx, l)
		}()
	}

	s.Logger.Info("service started", logging.LogFields{
		"broker":    s.Conf.Broker,
		"group":     s.Conf.ConsumerGroup,
		"apis":      len(served),
		"listeners": len(listeners),
	})

	<-runCtx.Done()
	s.wg.Wait()
	if err := context.Cause(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops every loop and releases the broker connection when the
// Service built it.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.ownsBroker {
		return s.broker.Close()
	}
	return nil
}

// ensureResultLoop lazily starts the single reader of this process's result
// stream. Lazy so pure worker processes that never call anything do not
// poll an empty stream.
func (s *Service) ensureResultLoop() {
	s.resultOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resultLoop(s.baseCtx)
		}()
	})
}

// resultLoop tails the result stream and routes each envelope to its
// waiter. Results for calls that already timed out find no waiter and are
// counted and dropped.
func (s *Service) resultLoop(ctx context.Context) {
	log := s.Logger.With(logging.LogFields{"stream": s.resultStream})
	last := broker.ZeroID
	for ctx.Err() == nil {
		entries, err := s.readResults(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("read result stream", err, nil)
			continue
		}
		for _, e := range entries {
			last = e.ID
			res, err := codec.DecodeResult(e.Payload)
			if err != nil {
				log.Warn("skipping undecodable result entry", logging.LogFields{
					"entry_id": e.ID.String(),
					"error":    err,
				})
				continue
			}
			if !s.waiters.dispatch(res) {
				s.metrics.resultDiscarded()
				log.Debug("discarding unmatched result", logging.LogFields{
					"call_id":   res.CallID,
					"responder": res.Responder,
				})
			}
		}
	}
}

func (s *Service) readResults(ctx context.Context, after broker.EntryID) ([]broker.Entry, error) {
	op := func() ([]broker.Entry, error) {
		entries, err := s.broker.Read(ctx, s.resultStream, after, s.Conf.ReadBlock, s.Conf.ReadBatch)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return entries, err
	}
	return backoff.Retry(ctx, op, s.retryOpts()...)
}
