package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalInvokesHandler(t *testing.T) {
	t.Parallel()

	caster := NewLocal(nil)
	var got []byte
	invoke, err := caster.Broadcast("test", func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})
	require.NoError(t, err)

	invoke(context.Background(), []byte(`{"x":1}`))
	assert.Equal(t, []byte(`{"x":1}`), got)

	assert.NoError(t, caster.Close())
}

func TestLocalSwallowsHandlerErrors(t *testing.T) {
	t.Parallel()

	caster := NewLocal(nil)
	invoke, err := caster.Broadcast("failing", func(ctx context.Context, payload []byte) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	// Broadcast invocations never propagate handler errors to the caller.
	invoke(context.Background(), []byte("payload"))
}

func TestLocalKeepsHandlersIndependent(t *testing.T) {
	t.Parallel()

	caster := NewLocal(nil)
	var aCalls, bCalls int

	invokeA, err := caster.Broadcast("a", func(ctx context.Context, payload []byte) error {
		aCalls++
		return nil
	})
	require.NoError(t, err)
	_, err = caster.Broadcast("b", func(ctx context.Context, payload []byte) error {
		bCalls++
		return nil
	})
	require.NoError(t, err)

	invokeA(context.Background(), nil)
	assert.Equal(t, 1, aCalls)
	assert.Equal(t, 0, bCalls)
}
