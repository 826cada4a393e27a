package runtime

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambus/streambus/broker"
	"github.com/streambus/streambus/broker/channel"
	"github.com/streambus/streambus/internal/runtime/config"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
	"github.com/streambus/streambus/internal/runtime/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		Broker:            "channel",
		StreamPrefix:      "t",
		ConsumerGroup:     "workers",
		VisibilityTimeout: 100 * time.Millisecond,
		ClaimInterval:     20 * time.Millisecond,
		ReadBlock:         50 * time.Millisecond,
		ReadBatch:         50,
		CallTimeout:       5 * time.Second,
		ReadRetryMaxTries: 3,
		MetricsEnabled:    false,
	}
}

// newTestService builds a Service on a shared in-memory broker. Several
// services on the same broker behave like separate processes on one bus.
func newTestService(t *testing.T, b broker.Broker, mutate func(*config.Config)) *Service {
	t.Helper()
	conf := testConfig()
	if mutate != nil {
		mutate(conf)
	}
	svc, err := TryNewService(conf, logging.Nop(), &ServiceDependencies{
		Broker:     b,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = svc.Start(ctx) }()
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestCallRoundTrip(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("calculator")
	require.NoError(t, RegisterProcedure(api, "add", func(ctx context.Context, args addArgs) (int, error) {
		return args.A + args.B, nil
	}))
	require.NoError(t, svc.RegisterAPI(api))
	startService(t, svc)

	result, err := svc.Call(context.Background(), "calculator", "add", map[string]any{"a": 2, "b": "3"})
	require.NoError(t, err)
	assert.Equal(t, 5, result)
}

func TestCallAcrossServices(t *testing.T) {
	shared := channel.New(nil)
	worker := newTestService(t, shared, nil)
	caller := newTestService(t, shared, nil)

	api := NewAPI("calculator")
	require.NoError(t, RegisterProcedure(api, "add", func(ctx context.Context, args addArgs) (int, error) {
		return args.A + args.B, nil
	}))
	require.NoError(t, worker.RegisterAPI(api))
	startService(t, worker)

	result, err := caller.Call(context.Background(), "calculator", "add", map[string]any{"a": 40, "b": 2})
	require.NoError(t, err)
	// The caller has no local signature, so the wire number arrives loose.
	assert.Equal(t, float64(42), result)
}

func TestCallRemoteError(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("auth")
	require.NoError(t, RegisterProcedure(api, "check", func(ctx context.Context, args greetArgs) (bool, error) {
		return false, errors.New("bad password")
	}))
	require.NoError(t, svc.RegisterAPI(api))
	startService(t, svc)

	_, err := svc.Call(context.Background(), "auth", "check", map[string]any{"name": "ada"})
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Error", remote.Kind)
	assert.Contains(t, remote.Message, "bad password")
}

func TestCallUnknownProcedure(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("auth")
	require.NoError(t, RegisterProcedure(api, "check", func(ctx context.Context, args greetArgs) (bool, error) {
		return true, nil
	}))
	require.NoError(t, svc.RegisterAPI(api))
	startService(t, svc)

	_, err := svc.Call(context.Background(), "auth", "nope", map[string]any{})
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "UnknownProcedure", remote.Kind)
}

func TestCallTimeout(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	api := NewAPI("slow")
	require.NoError(t, RegisterProcedure(api, "sleep", func(ctx context.Context, args greetArgs) (bool, error) {
		time.Sleep(time.Second)
		return true, nil
	}))
	require.NoError(t, svc.RegisterAPI(api))
	startService(t, svc)

	start := time.Now()
	_, err := svc.Call(context.Background(), "slow", "sleep", map[string]any{}, WithCallTimeout(50*time.Millisecond))
	var timeout *errspkg.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCallWithoutWorkerTimesOut(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	_, err := svc.Call(context.Background(), "ghost", "noop", nil, WithCallTimeout(50*time.Millisecond))
	var timeout *errspkg.TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

// A crashing handler must never lose its call: the entry stays pending and a
// reclaim hands it to the next attempt. With a 50% crash rate every call
// either resolves or, when crashes eat the whole deadline, times out. Nothing
// may do both or neither.
func TestCrashRecoveryUnderFaultInjection(t *testing.T) {
	shared := channel.New(nil)
	worker := newTestService(t, shared, nil)
	caller := newTestService(t, shared, nil)

	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(1, 2))

	api := NewAPI("flaky")
	require.NoError(t, RegisterProcedure(api, "echo", func(ctx context.Context, args addArgs) (int, error) {
		mu.Lock()
		crash := rng.Float64() < 0.5
		mu.Unlock()
		if crash {
			panic("simulated worker crash")
		}
		return args.A, nil
	}))
	require.NoError(t, worker.RegisterAPI(api))
	startService(t, worker)

	const calls = 100
	var resolved, timedOut, unexpected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := caller.Call(context.Background(), "flaky", "echo",
				map[string]any{"a": n, "b": 0}, WithCallTimeout(250*time.Millisecond))
			switch {
			case err == nil && result == float64(n):
				resolved.Add(1)
			case errors.As(err, new(*errspkg.TimeoutError)):
				timedOut.Add(1)
			default:
				unexpected.Add(1)
				t.Errorf("call %d: result=%v err=%v", n, result, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(0), unexpected.Load())
	assert.Equal(t, int64(calls), resolved.Load()+timedOut.Load())
	// With crashes on half the attempts, some calls must survive a retry and
	// some must exhaust the deadline.
	assert.Positive(t, resolved.Load())
	assert.Positive(t, timedOut.Load())
}

func TestLateResultDiscarded(t *testing.T) {
	svc := newTestService(t, channel.New(nil), nil)

	release := make(chan struct{})
	api := NewAPI("slow")
	require.NoError(t, RegisterProcedure(api, "wait", func(ctx context.Context, args greetArgs) (string, error) {
		<-release
		return "done", nil
	}))
	require.NoError(t, svc.RegisterAPI(api))
	startService(t, svc)

	_, err := svc.Call(context.Background(), "slow", "wait", map[string]any{}, WithCallTimeout(50*time.Millisecond))
	require.ErrorAs(t, err, new(*errspkg.TimeoutError))

	// Let the handler finish; its result has no waiter left and is dropped
	// without disturbing the next call.
	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, svc.waiters.pending())
}
