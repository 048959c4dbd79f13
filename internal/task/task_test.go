package task

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	allowed := [][2]State{
		{StateCreated, StateRunning},
		{StateCreated, StateFailure},
		{StateRunning, StateSuccess},
		{StateRunning, StateFailure},
		{StateRunning, StateAborted},
	}
	for _, tc := range allowed {
		assert.NoError(t, Transition(tc[0], tc[1]), "%s -> %s", tc[0], tc[1])
	}

	rejected := [][2]State{
		{StateCreated, StateSuccess},
		{StateCreated, StateAborted},
		{StateRunning, StateCreated},
		{StateSuccess, StateFailure},
		{StateFailure, StateRunning},
		{StateAborted, StateSuccess},
	}
	for _, tc := range rejected {
		err := Transition(tc[0], tc[1])
		require.Error(t, err, "%s -> %s", tc[0], tc[1])
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StateCreated.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSuccess.Terminal())
	assert.True(t, StateFailure.Terminal())
	assert.True(t, StateAborted.Terminal())
}

func TestActionErrorUnwrap(t *testing.T) {
	err := errors.Wrap(&ActionError{Action: "create_backup", ExitCode: 2, Output: "boom"}, "table orders")
	assert.True(t, errors.Is(err, ErrActionFailure))
	assert.Contains(t, err.Error(), "boom")

	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, 2, actionErr.ExitCode)
}

func TestValidationf(t *testing.T) {
	err := Validationf("missing field %q", "universe")
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "universe")
}

func TestPercent(t *testing.T) {
	tk := &Task{}
	assert.Zero(t, tk.Percent())
	tk.TotalGroups, tk.CompletedGroups = 4, 1
	assert.InDelta(t, 25.0, tk.Percent(), 0.001)
}
