package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tradingbot/relay/internal/broker/smartapi"
	"github.com/tradingbot/relay/internal/engine"
	"github.com/tradingbot/relay/internal/metrics"
	"github.com/tradingbot/relay/internal/position"
	"github.com/tradingbot/relay/internal/server"
	"github.com/tradingbot/relay/pkg/config"
	"github.com/tradingbot/relay/pkg/kvstore"
	"github.com/tradingbot/relay/pkg/logger"
	"github.com/tradingbot/relay/pkg/persistence"
	"github.com/tradingbot/relay/pkg/shutdown"
)

func main() {
	// 尽力加载 .env，不存在时直接使用环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "optional YAML/JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		JSON:       !cfg.Debug,
	}); err != nil {
		fatal(err)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("relay stopped with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	sd := shutdown.NewManager()
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var kv *kvstore.Store
	if cfg.UsesBadger() {
		key, err := kvstore.ParseKey(cfg.Storage.BadgerEncryptionKey)
		if err != nil {
			return err
		}
		kv, err = kvstore.Open(kvstore.OpenOptions{
			Path:          filepath.Join(cfg.Storage.DataDir, "relay.badger"),
			EncryptionKey: key,
		})
		if err != nil {
			return fmt.Errorf("open badger: %w", err)
		}
		sd.OnShutdown(shutdown.StageStorage, "badger", func(context.Context) error { return kv.Close() })
	}

	var tokens persistence.Store
	switch cfg.Storage.TokenStore {
	case config.TokenStoreBadger:
		tokens = persistence.NewBadgerStore(kv, "token:")
	case config.TokenStoreFile:
		tokens = persistence.NewFileStore(cfg.Storage.DataDir)
	}

	positions, err := position.Open(ctx, cfg.Storage.PositionStore, cfg.PositionDSN(), kv)
	if err != nil {
		return err
	}
	sd.OnShutdown(shutdown.StageStorage, "positions", func(context.Context) error { return positions.Close() })

	eng, err := engine.New(engine.Config{
		APIKey:         cfg.SmartAPI.APIKey,
		ClientCode:     cfg.SmartAPI.ClientCode,
		Password:       cfg.SmartAPI.Password,
		TOTP:           cfg.SmartAPI.TOTP,
		TokenKey:       cfg.Storage.TokenKey,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
	}, engine.Deps{
		Clients: smartapi.Factory(smartapi.Options{
			BaseURL:         cfg.SmartAPI.BaseURL,
			ClientCode:      cfg.SmartAPI.ClientCode,
			OrdersPerSecond: cfg.SmartAPI.OrdersPerSecond,
		}),
		Streams:   smartapi.StreamFactory(smartapi.StreamOptions{URL: cfg.SmartAPI.StreamURL}),
		Tokens:    tokens,
		Positions: positions,
	})
	if err != nil {
		return err
	}
	sd.OnShutdown(shutdown.StageProducers, "order stream", func(context.Context) error {
		eng.StopStreaming()
		return nil
	})

	if cfg.MetricsListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsListen); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		logger.Infof("debug server listening on %s", cfg.MetricsListen)
	}

	logger.Infof("Starting %s", cfg.AppName)
	if cfg.Stream.Enabled {
		startStream(ctx, eng, cfg.Stream.StartAttempts, cfg.Stream.StartDelay)
	}

	srv, err := server.New(server.Config{Addr: cfg.API.Addr(), AppName: cfg.AppName}, eng)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	sd.OnShutdown(shutdown.StageProducers, "http", srv.Shutdown)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return sd.Shutdown(shutdownCtx)
}

// streamStarter 是启动订单流所需的最小引擎接口
type streamStarter interface {
	StartStreaming(ctx context.Context, handler func(message string)) error
	StreamActive() bool
}

// startStream 在对外服务前尝试建立订单流，最多 attempts 次、间隔 delay。
// 全部失败只记录错误，进程继续运行。
func startStream(ctx context.Context, eng streamStarter, attempts int, delay time.Duration) {
	for i := 1; i <= attempts; i++ {
		logger.Infof("Starting order stream (attempt %d/%d)", i, attempts)
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := eng.StartStreaming(startCtx, nil)
		cancel()
		if err == nil && eng.StreamActive() {
			return
		}
		if err != nil {
			logger.Warnf("Order stream start attempt %d failed: %v", i, err)
		}
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	logger.Errorf("could not establish stream connection after %d attempts", attempts)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
