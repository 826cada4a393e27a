package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/streambus/streambus/internal/runtime/errors"
)

type greetArgs struct {
	Name string `json:"name"`
}

func TestRegisterProcedure(t *testing.T) {
	api := NewAPI("auth")
	err := RegisterProcedure(api, "greet", func(ctx context.Context, args greetArgs) (string, error) {
		return "hi " + args.Name, nil
	})
	require.NoError(t, err)

	proc, ok := api.Procedure("greet")
	require.True(t, ok)
	require.Len(t, proc.Signature.Params, 1)
	assert.Equal(t, "name", proc.Signature.Params[0].Name)
	assert.True(t, api.HasProcedures())

	// Arguments are cast before the handler sees them.
	out, err := proc.invoke(context.Background(), map[string]any{"name": 42.0})
	require.NoError(t, err)
	assert.Equal(t, "hi 42", out)
}

func TestRegisterProcedureValidation(t *testing.T) {
	api := NewAPI("auth")

	err := RegisterProcedure(api, "", func(ctx context.Context, args greetArgs) (string, error) { return "", nil })
	assert.ErrorIs(t, err, errspkg.ErrProcedureNameRequired)

	err = RegisterProcedure[greetArgs, string](api, "greet", nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	// Parameter types must be structs so fields map to named parameters.
	err = RegisterProcedure(api, "greet", func(ctx context.Context, args int) (string, error) { return "", nil })
	assert.ErrorContains(t, err, "must be a struct")
}

func TestRegisterProcedureDuplicate(t *testing.T) {
	api := NewAPI("auth")
	fn := func(ctx context.Context, args greetArgs) (string, error) { return "", nil }
	require.NoError(t, RegisterProcedure(api, "greet", fn))
	assert.ErrorIs(t, RegisterProcedure(api, "greet", fn), errspkg.ErrDuplicateProcedure)
}

func TestDefineEvent(t *testing.T) {
	api := NewAPI("auth")
	require.NoError(t, DefineEvent[greetArgs](api, "greeted"))
	assert.ErrorIs(t, DefineEvent[greetArgs](api, "greeted"), errspkg.ErrDuplicateEvent)

	def, ok := api.Event("greeted")
	require.True(t, ok)
	require.Len(t, def.Signature.Params, 1)

	assert.NoError(t, def.validatePayload("auth", map[string]any{"name": "ada"}))
	assert.ErrorContains(t, def.validatePayload("auth", map[string]any{}), "missing payload field")
	assert.ErrorContains(t, def.validatePayload("auth", map[string]any{"name": "ada", "x": 1}), "undeclared payload field")
}

func TestDefineRawEvent(t *testing.T) {
	api := NewAPI("auth")
	require.NoError(t, api.DefineRawEvent("pinged", nil))
	def, ok := api.Event("pinged")
	require.True(t, ok)
	assert.Empty(t, def.Signature.Params)
	assert.ErrorContains(t, def.validatePayload("auth", map[string]any{"x": 1}), "undeclared")
}
