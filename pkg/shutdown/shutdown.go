package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradingbot/relay/pkg/logger"
)

// Stage 关闭阶段。阶段按数值从小到大依次执行，同一阶段内的回调并发执行。
type Stage int

const (
	// StageProducers 停止产生新工作的组件（订单流、HTTP 入口）
	StageProducers Stage = iota
	// StageServices 停止依赖存储的服务（指标服务等）
	StageServices
	// StageStorage 关闭存储，必须在所有使用方停止之后
	StageStorage
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type callback struct {
	name    string
	stage   Stage
	handler Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	callbacks []callback
	mu        sync.Mutex
	once      sync.Once
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(stage Stage, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback{name: name, stage: stage, handler: handler})
}

// Shutdown 按阶段执行所有关闭回调（阻塞调用），只生效一次。
// ctx 应带超时；超时后剩余阶段仍会以已取消的 ctx 执行，便于存储尽力落盘。
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	m.once.Do(func() {
		errs = m.run(ctx)
	})
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("shutdown: %d callback(s) failed: %v", len(errs), errs)
}

func (m *Manager) run(ctx context.Context) []error {
	m.mu.Lock()
	callbacks := append([]callback(nil), m.callbacks...)
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Info("No shutdown callbacks registered")
		return nil
	}
	logger.Infof("Graceful shutdown started, %d callback(s)", len(callbacks))

	sort.SliceStable(callbacks, func(i, j int) bool { return callbacks[i].stage < callbacks[j].stage })

	var errs []error
	for start := 0; start < len(callbacks); {
		end := start
		for end < len(callbacks) && callbacks[end].stage == callbacks[start].stage {
			end++
		}
		errs = append(errs, runStage(ctx, callbacks[start:end])...)
		start = end
	}

	if len(errs) == 0 {
		logger.Info("All shutdown callbacks completed")
	}
	return errs
}

func runStage(ctx context.Context, group []callback) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, cb := range group {
		wg.Add(1)
		go func(cb callback) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: panic: %v", cb.name, r))
					mu.Unlock()
					logger.Errorf("Shutdown callback %s panicked: %v", cb.name, r)
				}
			}()
			if err := cb.handler(ctx); err != nil {
				logger.Warnf("Shutdown callback %s failed: %v", cb.name, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cb.name, err))
				mu.Unlock()
				return
			}
			logger.Debugf("Shutdown callback %s done", cb.name)
		}(cb)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warnf("Shutdown timed out waiting for stage %d: %v", group[0].stage, ctx.Err())
		mu.Lock()
		errs = append(errs, ctx.Err())
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]error(nil), errs...)
}
