// Package server 通过 HTTP 暴露引擎：登录控制、TradingView webhook、持仓查询和健康检查。
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/internal/engine"
	"github.com/tradingbot/relay/internal/position"
)

var log = logrus.WithField("component", "server")

// Engine 是 handler 依赖的引擎能力
type Engine interface {
	Login(ctx context.Context) (*broker.Session, error)
	Logout(ctx context.Context)
	Authenticated() bool
	StreamActive() bool
	StreamState() engine.StreamState
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error)
	Positions() position.Store
}

type Config struct {
	Addr    string
	AppName string
	// RequestTimeout 限制单个请求内券商和存储调用的耗时
	RequestTimeout time.Duration
}

type Server struct {
	cfg    Config
	engine Engine
	http   *http.Server
}

func New(cfg Config, eng Engine) (*Server, error) {
	if eng == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.AppName == "" {
		cfg.AppName = "tradingbot-smartapi"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, engine: eng}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestID(), requestLogger(), recovery())

	auth := r.Group("/auth")
	auth.POST("/login", s.handleLogin)
	auth.POST("/logout", s.handleLogout)
	auth.GET("/status", s.handleAuthStatus)

	webhook := r.Group("/webhook")
	webhook.POST("", s.handleWebhook)
	webhook.POST("/tradingview", s.handleWebhook)
	webhook.GET("/test", s.handleWebhookTest)

	health := r.Group("/health")
	health.GET("", s.handleHealth)
	health.GET("/ready", s.handleReady)

	positions := r.Group("/positions")
	positions.GET("", s.handlePositionsList)
	positions.DELETE("", s.handlePositionsClear)
	positions.GET("/:symbol", s.handlePositionGet)
	positions.DELETE("/:symbol", s.handlePositionDelete)

	return r
}

// Start 监听 cfg.Addr 并在后台提供服务
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server stopped: %v", err)
		}
	}()
	log.Infof("http server listening on %s", s.http.Addr)
	return nil
}

// Addr 返回启动后实际绑定的地址
func (s *Server) Addr() string {
	if s.http == nil {
		return s.cfg.Addr
	}
	return s.http.Addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}
