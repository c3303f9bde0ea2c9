package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCloser struct {
	closed bool
}

func (c *recordingCloser) Close() {
	c.closed = true
}

func TestShutdownHooks_Registration(t *testing.T) {
	t.Run("nil hooks are ignored", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("ctx", nil)
		hooks.Add("plain", nil)
		hooks.AddClose("closer", nil)
		require.Empty(t, hooks.hooks)
	})

	t.Run("hooks keep registration order", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("first", func(context.Context) error { return nil })
		hooks.Add("second", func() error { return nil })

		require.Len(t, hooks.hooks, 2)
		assert.Equal(t, "first", hooks.hooks[0].name)
		assert.Equal(t, "second", hooks.hooks[1].name)
	})
}

func TestShutdownHooks_Execute(t *testing.T) {
	t.Run("runs mixed hook types in order", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var order []string

		hooks.AddContext("context", func(context.Context) error {
			order = append(order, "context")
			return nil
		})
		hooks.Add("simple", func() error {
			order = append(order, "simple")
			return nil
		})
		closer := &recordingCloser{}
		hooks.AddClose("closer", closer)

		hooks.Execute(context.Background())

		assert.Equal(t, []string{"context", "simple"}, order)
		assert.True(t, closer.closed)
	})

	t.Run("continues past failing hooks", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		var executed []string

		hooks.Add("failing", func() error {
			executed = append(executed, "failing")
			return errors.New("hook failed")
		})
		hooks.Add("after", func() error {
			executed = append(executed, "after")
			return nil
		})

		hooks.Execute(context.Background())

		assert.Equal(t, []string{"failing", "after"}, executed)
	})

	t.Run("passes the shutdown context through", func(t *testing.T) {
		type ctxKey struct{}

		hooks := &ShutdownHooks{}
		var received any
		hooks.AddContext("ctx-check", func(ctx context.Context) error {
			received = ctx.Value(ctxKey{})
			return nil
		})

		hooks.Execute(context.WithValue(context.Background(), ctxKey{}, "deadline"))

		assert.Equal(t, "deadline", received)
	})

	t.Run("tolerates an empty registry", func(t *testing.T) {
		(&ShutdownHooks{}).Execute(context.Background())
	})
}
