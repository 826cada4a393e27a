package streambus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streambus/streambus/broker/channel"
)

type echoArgs struct {
	Text string `json:"text"`
}

// End-to-end through the public surface only: config, service, typed
// procedure, typed event listener.
func TestFacadeRoundTrip(t *testing.T) {
	conf := &Config{
		Broker:            "channel",
		StreamPrefix:      "facade",
		ConsumerGroup:     "workers",
		VisibilityTimeout: time.Second,
		ClaimInterval:     100 * time.Millisecond,
		ReadBlock:         50 * time.Millisecond,
		ReadBatch:         10,
		CallTimeout:       5 * time.Second,
		MetricsEnabled:    false,
	}
	require.NoError(t, ValidateConfig(conf))

	svc, err := TryNewService(conf, NopLogger(), &ServiceDependencies{
		Broker:     channel.New(nil),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer svc.Close()

	api := NewAPI("echo")
	require.NoError(t, RegisterProcedure(api, "shout", func(ctx context.Context, args echoArgs) (string, error) {
		return args.Text + "!", nil
	}))
	require.NoError(t, DefineEvent[echoArgs](api, "shouted"))
	require.NoError(t, svc.RegisterAPI(api))

	heard := make(chan echoArgs, 1)
	require.NoError(t, RegisterEventListener(svc, "echo", "shouted", "listeners",
		func(ctx context.Context, payload echoArgs, id EntryID) error {
			heard <- payload
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()

	result, err := svc.Call(ctx, "echo", "shout", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi!", result)

	id, err := svc.PublishEvent(ctx, "echo", "shouted", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	select {
	case payload := <-heard:
		assert.Equal(t, "hi", payload.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestParseEntryIDFacade(t *testing.T) {
	id, err := ParseEntryID("1754000000000-3")
	require.NoError(t, err)
	assert.Equal(t, EntryID{Timestamp: 1754000000000, Seq: 3}, id)
	assert.True(t, ZeroID.Before(id))
}
