package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/internal/metrics"
)

// StreamState 订单流守护协程的生命周期状态
type StreamState int32

const (
	StreamIdle StreamState = iota
	StreamStarting
	StreamRunning
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamStarting:
		return "starting"
	case StreamRunning:
		return "running"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

var errStreamEnded = errors.New("order stream ended")

// StreamState 返回当前守护状态
func (e *Engine) StreamState() StreamState {
	return StreamState(e.streamState.Load())
}

// StreamActive 守护协程是否在运行
func (e *Engine) StreamActive() bool {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	return e.streamDone != nil
}

// StartStreaming 启动订单推送守护协程。需要时先登录，登录失败直接返回且不启动；
// 已在运行时调用不做任何事。handler 默认为 HandleOrderUpdate。
func (e *Engine) StartStreaming(ctx context.Context, handler func(message string)) error {
	if !e.Authenticated() {
		if _, err := e.Login(ctx); err != nil {
			log.Errorf("Login failed: %v", err)
			return err
		}
	}
	if !e.Authenticated() {
		return ErrLoginFailed
	}
	if handler == nil {
		handler = e.HandleOrderUpdate
	}

	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if e.streamDone != nil {
		log.Debugf("order stream already active")
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.streamCancel = cancel
	e.streamDone = done
	e.streamState.Store(int32(StreamStarting))

	go e.supervise(runCtx, done, handler)
	log.Info("order stream supervisor started")
	return nil
}

// StopStreaming 关闭连接、取消守护协程并最多等待 StopTimeout。
// 即使关闭失败也会清空句柄。
func (e *Engine) StopStreaming() {
	e.streamMu.Lock()
	stream, cancel, done := e.stream, e.streamCancel, e.streamDone
	e.stream, e.streamCancel, e.streamDone = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	e.streamState.Store(int32(StreamIdle))
	e.streamMu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Warnf("Failed to close order stream: %v", err)
		}
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		log.Info("order stream stopped")
	case <-time.After(e.cfg.StopTimeout):
		log.Warnf("order stream did not stop within %s", e.cfg.StopTimeout)
	}
}

// setRunState 仅当 done 属于当前运行时才更新状态
func (e *Engine) setRunState(done chan struct{}, st StreamState) {
	e.streamMu.Lock()
	if e.streamDone == done {
		e.streamState.Store(int32(st))
	}
	e.streamMu.Unlock()
}

func (e *Engine) supervise(ctx context.Context, done chan struct{}, handler func(string)) {
	defer close(done)
	defer e.setRunState(done, StreamIdle)

	attempt := 0
	for {
		started := time.Now()
		err := e.runStream(ctx, done, handler)
		if ctx.Err() != nil {
			return
		}
		metrics.StreamDisconnects.Add(1)

		// 连接维持足够久后重置退避
		if time.Since(started) > e.cfg.MaxReconnectDelay {
			attempt = 0
		}
		delay := Backoff(e.cfg.ReconnectDelay, e.cfg.MaxReconnectDelay, attempt)
		attempt++
		e.setRunState(done, StreamStarting)
		log.Warnf("order stream ended: %v; reconnecting in %s (attempt %d)", err, delay, attempt)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runStream 建立一条连接并阻塞在 Connect 直到结束
func (e *Engine) runStream(ctx context.Context, done chan struct{}, handler func(string)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()

	sess, ok := e.Session()
	if !ok {
		if _, err := e.Login(ctx); err != nil {
			return err
		}
		if sess, ok = e.Session(); !ok {
			return ErrLoginFailed
		}
	}

	stream, err := e.newStream(broker.StreamCredentials{
		JWTToken:   sess.Data.JWTToken,
		APIKey:     e.cfg.APIKey,
		ClientCode: e.cfg.ClientCode,
		FeedToken:  sess.Data.FeedToken,
	})
	if err != nil {
		return fmt.Errorf("build order stream: %w", err)
	}
	stream.OnMessage(e.guard(handler))

	e.streamMu.Lock()
	if ctx.Err() != nil {
		e.streamMu.Unlock()
		_ = stream.Close()
		return nil
	}
	e.stream = stream
	if e.streamDone == done {
		e.streamState.Store(int32(StreamRunning))
	}
	e.streamMu.Unlock()
	metrics.StreamConnects.Add(1)

	err = stream.Connect(ctx)

	e.streamMu.Lock()
	if e.stream == stream {
		e.stream = nil
	}
	e.streamMu.Unlock()

	if err == nil {
		err = errStreamEnded
	}
	return err
}

// guard 防止 handler 的 panic 断开连接
func (e *Engine) guard(handler func(string)) func(string) {
	return func(message string) {
		defer func() {
			if r := recover(); r != nil {
				metrics.UpdatesMalformed.Add(1)
				log.Errorf("Failed to process order update: %v", panicError(r))
			}
		}()
		handler(message)
	}
}
