package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownRunsLIFOOnce(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	m.Register("third", CloseResource(closerFunc(func() error { order = append(order, "third"); return nil }), "third"))

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, []string{"third", "second", "first"}, order)
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestWaitWithContextTrigger(t *testing.T) {
	m := New(time.Second, nil)
	ran := make(chan struct{})
	m.Register("mark", func(context.Context) error { close(ran); return nil })

	go m.Trigger()
	require.NoError(t, m.WaitWithContext(context.Background()))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("shutdown function did not run")
	}
}

func TestContextCancelledOnTrigger(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := m.Context()
	defer cancel()

	m.Trigger()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
}
