package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingbot/relay/pkg/logger"
)

type fakeStarter struct {
	calls     int
	succeedAt int // 第几次调用成功，0 表示永远失败
	onStart   func()
}

func (f *fakeStarter) StartStreaming(context.Context, func(string)) error {
	f.calls++
	if f.onStart != nil {
		f.onStart()
	}
	if f.succeedAt != 0 && f.calls >= f.succeedAt {
		return nil
	}
	return errors.New("login failed")
}

func (f *fakeStarter) StreamActive() bool {
	return f.succeedAt != 0 && f.calls >= f.succeedAt
}

func captureLogs(t *testing.T) *test.Hook {
	t.Helper()
	l, hook := test.NewNullLogger()
	prev := logger.Logger
	logger.Logger = l
	t.Cleanup(func() { logger.Logger = prev })
	return hook
}

func countEntries(hook *test.Hook, level logrus.Level, substr string) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

func TestStartStream_GivesUpAfterAllAttempts(t *testing.T) {
	hook := captureLogs(t)
	s := &fakeStarter{}

	startStream(context.Background(), s, 3, time.Millisecond)

	assert.Equal(t, 3, s.calls)
	assert.Equal(t, 3, countEntries(hook, logrus.WarnLevel, "Order stream start attempt"))
	assert.Equal(t, 1, countEntries(hook, logrus.ErrorLevel, "could not establish stream connection"))
}

func TestStartStream_StopsOnSuccess(t *testing.T) {
	hook := captureLogs(t)
	s := &fakeStarter{succeedAt: 2}

	startStream(context.Background(), s, 3, time.Millisecond)

	assert.Equal(t, 2, s.calls)
	assert.Equal(t, 1, countEntries(hook, logrus.WarnLevel, "Order stream start attempt"))
	assert.Zero(t, countEntries(hook, logrus.ErrorLevel, "could not establish stream connection"))
}

func TestStartStream_WaitsBetweenAttempts(t *testing.T) {
	captureLogs(t)
	s := &fakeStarter{}

	start := time.Now()
	startStream(context.Background(), s, 3, 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestStartStream_ReturnsWhenCancelled(t *testing.T) {
	hook := captureLogs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &fakeStarter{onStart: cancel}

	done := make(chan struct{})
	go func() {
		startStream(ctx, s, 3, time.Hour)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "startStream did not return after cancel")
	}
	assert.Equal(t, 1, s.calls)
	assert.Zero(t, countEntries(hook, logrus.ErrorLevel, "could not establish stream connection"))
}
