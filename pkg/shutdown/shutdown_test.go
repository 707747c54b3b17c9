package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_RunsStagesInOrder(t *testing.T) {
	m := NewManager()
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Handler {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	m.OnShutdown(StageStorage, "store", record("store"))
	m.OnShutdown(StageProducers, "stream", record("stream"))
	m.OnShutdown(StageServices, "metrics", record("metrics"))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"stream", "metrics", "store"}, order)
}

func TestShutdown_SameStageRunsConcurrently(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocker := func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
	m.OnShutdown(StageProducers, "a", blocker)
	m.OnShutdown(StageProducers, "b", blocker)

	go func() {
		<-started
		<-started
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}

func TestShutdown_CollectsErrorsAndPanics(t *testing.T) {
	m := NewManager()
	storageRan := false
	m.OnShutdown(StageProducers, "bad", func(context.Context) error { return errors.New("boom") })
	m.OnShutdown(StageProducers, "worse", func(context.Context) error { panic("kaboom") })
	m.OnShutdown(StageStorage, "store", func(context.Context) error {
		storageRan = true
		return nil
	})

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "kaboom")
	assert.True(t, storageRan, "later stages still run after failures")
}

func TestShutdown_OnlyOnce(t *testing.T) {
	m := NewManager()
	calls := 0
	m.OnShutdown(StageStorage, "store", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestShutdown_Timeout(t *testing.T) {
	m := NewManager()
	m.OnShutdown(StageProducers, "stuck", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestShutdown_NoCallbacks(t *testing.T) {
	assert.NoError(t, NewManager().Shutdown(context.Background()))
}
