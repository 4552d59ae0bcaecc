package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireOrder(t *testing.T) {
	r := NewRegistry()

	var trace []string
	require.NoError(t, r.Before(Perform, func(args ...any) { trace = append(trace, "before1") }))
	require.NoError(t, r.Before(Perform, func(args ...any) { trace = append(trace, "before2") }))
	require.NoError(t, r.After(Perform, func(args ...any) { trace = append(trace, "after1") }))
	require.NoError(t, r.After(Perform, func(args ...any) { trace = append(trace, "after2") }))
	require.NoError(t, r.Around(Perform, func(inner func(), args ...any) {
		trace = append(trace, "around1-in")
		inner()
		trace = append(trace, "around1-out")
	}))
	require.NoError(t, r.Around(Perform, func(inner func(), args ...any) {
		trace = append(trace, "around2-in")
		inner()
		trace = append(trace, "around2-out")
	}))

	require.NoError(t, r.Fire(Perform, func() { trace = append(trace, "inner") }, "worker", "job"))

	assert.Equal(t, []string{
		"before1", "before2",
		"around1-in", "around2-in",
		"inner",
		"around2-out", "around1-out",
		"after1", "after2",
	}, trace, "first-registered around must be outermost")
}

func TestFirePassesArgs(t *testing.T) {
	r := NewRegistry()

	var got []any
	require.NoError(t, r.Before(Error, func(args ...any) { got = args }))

	require.NoError(t, r.Fire(Error, nil, "worker", "job", "boom"))
	assert.Equal(t, []any{"worker", "job", "boom"}, got)
}

func TestUnknownEvent(t *testing.T) {
	r := NewRegistry()

	err := r.Before(Event("nope"), func(args ...any) {})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = r.Around(Event("nope"), func(inner func(), args ...any) {})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = r.Fire(Event("nope"), nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestArityMismatch(t *testing.T) {
	r := NewRegistry()

	fired := false
	require.NoError(t, r.Before(Pop, func(args ...any) { fired = true }))

	err := r.Fire(Pop, nil, "worker", "extra")
	assert.ErrorIs(t, err, ErrArityMismatch)
	assert.False(t, fired, "nothing may run when arity validation fails")

	assert.ErrorIs(t, r.Fire(Retry, nil, "worker"), ErrArityMismatch)
}

func TestFireWithoutCallbacks(t *testing.T) {
	r := NewRegistry()

	ran := false
	require.NoError(t, r.Fire(InvokeJob, func() { ran = true }, "job"))
	assert.True(t, ran, "inner action must run even with no callbacks")

	require.NoError(t, r.Fire(Loop, nil, "worker"))
}
