package smartapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradingbot/relay/internal/broker"
)

// StreamOptions 订单推送 websocket 配置
type StreamOptions struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.URL == "" {
		o.URL = DefaultStreamURL
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	return o
}

// Stream SmartAPI 订单状态推送。一个 Stream 对应一条连接，
// 引擎每次重连都会新建
type Stream struct {
	opts  StreamOptions
	creds broker.StreamCredentials

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(string)
	closed  bool
	stopCh  chan struct{}
}

var _ broker.Stream = (*Stream)(nil)

func NewStream(creds broker.StreamCredentials, opts StreamOptions) *Stream {
	return &Stream{opts: opts.withDefaults(), creds: creds, stopCh: make(chan struct{})}
}

// StreamFactory 返回绑定 opts 的 broker.StreamFactory
func StreamFactory(opts StreamOptions) broker.StreamFactory {
	return func(creds broker.StreamCredentials) (broker.Stream, error) {
		if creds.JWTToken == "" || creds.FeedToken == "" {
			return nil, fmt.Errorf("smartapi: stream needs jwt and feed token")
		}
		return NewStream(creds, opts), nil
	}
}

func (s *Stream) OnMessage(fn func(message string)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

func (s *Stream) headers() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+s.creds.JWTToken)
	h.Set("x-api-key", s.creds.APIKey)
	h.Set("x-client-code", s.creds.ClientCode)
	h.Set("x-feed-token", s.creds.FeedToken)
	return h
}

// Connect 建立连接并持续读取直到连接结束。Close 或 ctx 取消后返回 nil，
// 其他结束方式返回错误
func (s *Stream) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, s.headers())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("smartapi: dial order stream: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()
	log.Infof("order stream connected to %s", s.opts.URL)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-s.stopCh:
		case <-done:
		}
	}()
	go s.pingLoop(conn, done)

	err = s.readLoop(conn)
	_ = conn.Close()
	if s.isClosed() || ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Stream) readLoop(conn *websocket.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during ReadMessage: %v", r)
		}
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("smartapi: read order stream: %w", err)
		}
		trimmed := bytes.TrimSpace(message)
		if len(trimmed) == 0 || bytes.EqualFold(trimmed, []byte("pong")) {
			continue
		}
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(string(trimmed))
		}
	}
}

// pingLoop 按推送服务要求发送文本 "ping" 作为心跳
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				log.Warnf("order stream ping failed: %v", err)
				return
			}
		}
	}
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 结束连接，之后 Connect 返回 nil
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	// 读循环可能已经关闭了 conn
	_ = conn.Close()
	return nil
}
