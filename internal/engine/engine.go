// Package engine 管理券商会话、下单和订单推送流。
// 进程启动时构造一个 Engine，由 HTTP handler 共享。
package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/internal/position"
	"github.com/tradingbot/relay/pkg/persistence"
)

var log = logrus.WithField("component", "engine")

const DefaultTokenKey = "smartapi_token.json"

// Config 券商凭证和守护协程时间参数
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	// TOTP 六位动态码或其 base32 密钥
	TOTP string

	TokenKey string

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	StopTimeout       time.Duration
	// StoreTimeout 限制推送处理中每次持仓存储调用的耗时
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenKey == "" {
		c.TokenKey = DefaultTokenKey
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 60 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Deps 引擎依赖。Tokens 为 nil 时不缓存 token
type Deps struct {
	Clients   broker.ClientFactory
	Streams   broker.StreamFactory
	Tokens    persistence.Store
	Positions position.Store
}

type Engine struct {
	cfg       Config
	newClient broker.ClientFactory
	newStream broker.StreamFactory
	tokens    persistence.Store
	positions position.Store

	// client 和 session 总是一起设置、一起清空
	mu        sync.RWMutex
	client    broker.Client
	session   *broker.Session
	fromCache bool
	logins    singleflight.Group

	streamMu     sync.Mutex
	stream       broker.Stream
	streamCancel func()
	streamDone   chan struct{}
	streamState  atomic.Int32
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Clients == nil {
		return nil, errors.New("engine: client factory is required")
	}
	if deps.Streams == nil {
		return nil, errors.New("engine: stream factory is required")
	}
	if deps.Positions == nil {
		return nil, errors.New("engine: position store is required")
	}
	return &Engine{
		cfg:       cfg.withDefaults(),
		newClient: deps.Clients,
		newStream: deps.Streams,
		tokens:    deps.Tokens,
		positions: deps.Positions,
	}, nil
}

// Positions 返回推送处理写入的持仓存储
func (e *Engine) Positions() position.Store {
	return e.positions
}
