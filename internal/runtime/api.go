package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/streambus/streambus/internal/runtime/casting"
	errspkg "github.com/streambus/streambus/internal/runtime/errors"
)

// API is a named collection of procedures and events sharing one set of
// transport streams. Procedures and events are registered up front; the
// resulting signatures are immutable and reused for every call.
type API struct {
	name string

	mu         sync.RWMutex
	procedures map[string]*Procedure
	events     map[string]*EventDef
}

// NewAPI creates an empty API definition.
func NewAPI(name string) *API {
	return &API{
		name:       name,
		procedures: make(map[string]*Procedure),
		events:     make(map[string]*EventDef),
	}
}

// Name returns the API name.
func (a *API) Name() string { return a.name }

// Procedure looks up a registered procedure.
func (a *API) Procedure(name string) (*Procedure, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.procedures[name]
	return p, ok
}

// Event looks up a defined event.
func (a *API) Event(name string) (*EventDef, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.events[name]
	return e, ok
}

// HasProcedures reports whether any procedure is registered, i.e. whether a
// worker loop is worth running for this API.
func (a *API) HasProcedures() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.procedures) > 0
}

// Procedure is a callable exposed for remote invocation together with its
// precomputed signature.
type Procedure struct {
	Name string

	// Signature carries the declared parameter and return descriptors. For
	// untyped procedures it is empty and every argument passes through.
	Signature *casting.Signature

	invoke func(ctx context.Context, kwargs map[string]any) (any, error)
}

// RegisterProcedure registers a typed procedure. The parameter struct's
// fields are the procedure's named parameters; descriptors for them and for
// the return type are derived by reflection once, here.
func RegisterProcedure[T any, R any](a *API, name string, fn func(context.Context, T) (R, error)) error {
	if name == "" {
		return errspkg.ErrProcedureNameRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	argDesc := casting.OfType[T]()
	if argDesc.Kind != casting.KindRecord {
		return fmt.Errorf("streambus: procedure %s.%s: parameter type %T must be a struct", a.name, name, *new(T))
	}
	retDesc := casting.OfType[R]()

	p := &Procedure{
		Name:      name,
		Signature: casting.RecordSignature(argDesc, retDesc),
		invoke: func(ctx context.Context, kwargs map[string]any) (any, error) {
			v, err := casting.FromWire(kwargs, argDesc)
			if err != nil {
				return nil, err
			}
			args, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("streambus: procedure %s.%s: malformed arguments", a.name, name)
			}
			return fn(ctx, args)
		},
	}
	return a.addProcedure(p)
}

// RegisterRawProcedure registers an untyped procedure: keyword arguments are
// delivered as the raw wire map and the return value is published as-is.
func (a *API) RegisterRawProcedure(name string, fn func(ctx context.Context, kwargs map[string]any) (any, error)) error {
	if name == "" {
		return errspkg.ErrProcedureNameRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	return a.addProcedure(&Procedure{
		Name:      name,
		Signature: casting.NewSignature(nil, nil),
		invoke:    fn,
	})
}

func (a *API) addProcedure(p *Procedure) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.procedures[p.Name]; exists {
		return fmt.Errorf("%w: %s.%s", errspkg.ErrDuplicateProcedure, a.name, p.Name)
	}
	a.procedures[p.Name] = p
	return nil
}

// EventDef declares a named event and the typing of its payload fields.
type EventDef struct {
	Name string

	// Signature holds one parameter per declared payload field.
	Signature *casting.Signature

	payload *casting.Descriptor
}

// DefineEvent declares a typed event. The payload struct's fields are the
// event's declared payload fields.
func DefineEvent[P any](a *API, name string) error {
	if name == "" {
		return errspkg.ErrEventNameRequired
	}
	desc := casting.OfType[P]()
	if desc.Kind != casting.KindRecord {
		return fmt.Errorf("streambus: event %s.%s: payload type %T must be a struct", a.name, name, *new(P))
	}
	return a.addEvent(&EventDef{
		Name:      name,
		Signature: casting.RecordSignature(desc, nil),
		payload:   desc,
	})
}

// DefineRawEvent declares an event with explicitly listed, optionally typed
// payload fields.
func (a *API) DefineRawEvent(name string, fields []casting.Param) error {
	if name == "" {
		return errspkg.ErrEventNameRequired
	}
	return a.addEvent(&EventDef{
		Name:      name,
		Signature: casting.NewSignature(fields, nil),
	})
}

func (a *API) addEvent(def *EventDef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.events[def.Name]; exists {
		return fmt.Errorf("%w: %s.%s", errspkg.ErrDuplicateEvent, a.name, def.Name)
	}
	a.events[def.Name] = def
	return nil
}

// validatePayload checks that the published payload carries exactly the
// event's declared fields.
func (def *EventDef) validatePayload(api string, payload map[string]any) error {
	declared := def.Signature.Params
	for _, p := range declared {
		if _, ok := payload[p.Name]; !ok {
			return fmt.Errorf("streambus: event %s.%s: missing payload field %q", api, def.Name, p.Name)
		}
	}
	for name := range payload {
		if !hasParam(declared, name) {
			return fmt.Errorf("streambus: event %s.%s: undeclared payload field %q", api, def.Name, name)
		}
	}
	return nil
}

func hasParam(params []casting.Param, name string) bool {
	for _, p := range params {
		if p.Name == name {
			return true
		}
	}
	return false
}
