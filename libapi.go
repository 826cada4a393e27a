package streambus

import (
	"context"

	"github.com/streambus/streambus/broker"
	runtimepkg "github.com/streambus/streambus/internal/runtime"
	"github.com/streambus/streambus/internal/runtime/casting"
	"github.com/streambus/streambus/internal/runtime/codec"
	configpkg "github.com/streambus/streambus/internal/runtime/config"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
	idspkg "github.com/streambus/streambus/internal/runtime/ids"
	loggingpkg "github.com/streambus/streambus/internal/runtime/logging"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Metrics             = runtimepkg.Metrics

	API                      = runtimepkg.API
	Procedure                = runtimepkg.Procedure
	EventDef                 = runtimepkg.EventDef
	CallOption               = runtimepkg.CallOption
	EventHandler             = runtimepkg.EventHandler
	EventHandlerRegistration = runtimepkg.EventHandlerRegistration

	// Broker surface for custom backends and position bookkeeping.
	Broker             = broker.Broker
	BrokerBuilder      = broker.Builder
	BrokerConfig       = broker.Config
	BrokerCapabilities = broker.Capabilities
	BrokerRegistry     = broker.Registry
	Entry              = broker.Entry
	EntryID            = broker.EntryID

	// Wire envelopes, exported for interop tooling.
	Call      = codec.Call
	Result    = codec.Result
	Event     = codec.Event
	ErrorInfo = codec.ErrorInfo

	// Casting capability hooks.
	Enum          = casting.Enum
	Constructible = casting.Constructible

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	TimeoutError   = errspkg.TimeoutError
	TransportError = errspkg.TransportError
	RemoteError    = errspkg.RemoteError
	CastingError   = errspkg.CastingError
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	NewMetrics     = runtimepkg.NewMetrics
	FromEnv        = configpkg.FromEnv
	ValidateConfig = configpkg.ValidateConfig

	NewAPI          = runtimepkg.NewAPI
	WithCallTimeout = runtimepkg.WithCallTimeout

	// Entry-id helpers.
	ZeroID       = broker.ZeroID
	ParseEntryID = broker.ParseEntryID

	// Broker registry. Backends register themselves on import:
	//   _ "github.com/streambus/streambus/broker/redis"
	DefaultBrokerRegistry          = broker.DefaultRegistry
	RegisterBroker                 = broker.Register
	RegisterBrokerWithCapabilities = broker.RegisterWithCapabilities

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrAPINameRequired       = errspkg.ErrAPINameRequired
	ErrProcedureNameRequired = errspkg.ErrProcedureNameRequired
	ErrEventNameRequired     = errspkg.ErrEventNameRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrGroupRequired         = errspkg.ErrGroupRequired
	ErrDuplicateProcedure    = errspkg.ErrDuplicateProcedure
	ErrDuplicateEvent        = errspkg.ErrDuplicateEvent
	ErrServiceStarted        = errspkg.ErrServiceStarted
	ErrRangeUnsupported      = broker.ErrRangeUnsupported

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	CreateULID = idspkg.CreateULID
	NewCallID  = idspkg.NewCallID
)

// RegisterProcedure registers a typed procedure on an API. The parameter
// struct's fields become the procedure's named parameters.
func RegisterProcedure[T any, R any](a *API, name string, fn func(ctx context.Context, args T) (R, error)) error {
	return runtimepkg.RegisterProcedure(a, name, fn)
}

// DefineEvent declares a typed event on an API. The payload struct's fields
// become the event's declared payload fields.
func DefineEvent[P any](a *API, name string) error {
	return runtimepkg.DefineEvent[P](a, name)
}

// RegisterEventListener subscribes a typed event handler within a consumer
// group.
func RegisterEventListener[P any](svc *Service, apiName, event, group string, fn func(ctx context.Context, payload P, id EntryID) error) error {
	return runtimepkg.RegisterEventListener(svc, apiName, event, group, fn)
}
