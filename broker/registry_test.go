package broker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct{ Broker }

type fakeConfig struct{ system string }

func (c fakeConfig) GetBrokerSystem() string             { return c.system }
func (c fakeConfig) GetRedisURL() string                 { return "" }
func (c fakeConfig) GetNATSURL() string                  { return "" }
func (c fakeConfig) GetVisibilityTimeout() time.Duration { return time.Minute }

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(ctx context.Context, cfg Config, logger *slog.Logger) (Broker, error) {
		return &fakeBroker{}, nil
	})

	assert.True(t, r.Has("fake"))
	assert.Contains(t, r.Names(), "fake")

	b, err := r.Build(context.Background(), fakeConfig{system: "fake"}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &fakeBroker{}, b)
}

func TestRegistryBuildUnknownBackend(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(context.Background(), fakeConfig{system: "nope"}, slog.Default())
	assert.ErrorContains(t, err, "unknown backend")
}

func TestRegistryBuildNilConfig(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(context.Background(), nil, slog.Default())
	assert.Error(t, err)
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry()
	caps := Capabilities{Name: "fake", ExplicitReclaim: true, RangeReads: true}
	r.RegisterWithCapabilities("fake", func(ctx context.Context, cfg Config, logger *slog.Logger) (Broker, error) {
		return &fakeBroker{}, nil
	}, caps)

	assert.Equal(t, caps, r.GetCapabilities("fake"))

	// Unknown backends report a zero capability set under their own name.
	unknown := r.GetCapabilities("mystery")
	assert.Equal(t, "mystery", unknown.Name)
	assert.False(t, unknown.ExplicitReclaim)
}
