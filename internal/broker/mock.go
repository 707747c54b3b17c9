package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MockClient 测试用的内存 Client
type MockClient struct {
	mu sync.Mutex

	// 返回数据
	SessionResponse *Session
	OrderResponse   *OrderResponse

	// 调用统计
	Calls      map[string]int
	SessionJWT string
	Orders     []OrderRequest

	// 错误注入
	ErrorOnNext map[string]error
	PanicOnNext map[string]any
}

// NewMockClient 返回的客户端登录得到
// {data:{jwtToken:"jwt", feedToken:"feed"}}，下单总是成功
func NewMockClient() *MockClient {
	return &MockClient{
		SessionResponse: &Session{
			Status: true,
			Data:   SessionData{JWTToken: "jwt", FeedToken: "feed"},
		},
		OrderResponse: &OrderResponse{
			OrderID: "201020000000080",
			Raw:     json.RawMessage(`{"status":true,"message":"SUCCESS","data":{"orderid":"201020000000080"}}`),
		},
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
		PanicOnNext: make(map[string]any),
	}
}

func (m *MockClient) trackCall(name string) error {
	m.mu.Lock()
	m.Calls[name]++
	p, doPanic := m.PanicOnNext[name]
	delete(m.PanicOnNext, name)
	err, fail := m.ErrorOnNext[name]
	delete(m.ErrorOnNext, name)
	m.mu.Unlock()

	if doPanic {
		panic(p)
	}
	if fail {
		return err
	}
	return nil
}

// CallCount 返回指定方法的调用次数
func (m *MockClient) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

func (m *MockClient) SetSession(jwt string) {
	_ = m.trackCall("SetSession")
	m.mu.Lock()
	m.SessionJWT = jwt
	m.mu.Unlock()
}

func (m *MockClient) GenerateSession(_ context.Context, _, _, _ string) (*Session, error) {
	if err := m.trackCall("GenerateSession"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SessionResponse == nil {
		return nil, errors.New("mock: no session configured")
	}
	s := *m.SessionResponse
	m.SessionJWT = s.Data.JWTToken
	return &s, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	if err := m.trackCall("PlaceOrder"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, req)
	return m.OrderResponse, nil
}

func (m *MockClient) Logout(_ context.Context) error {
	return m.trackCall("Logout")
}

// Factory 返回总是给出 m 并统计构造次数的 ClientFactory
func (m *MockClient) Factory() ClientFactory {
	return func(apiKey string) (Client, error) {
		if err := m.trackCall("New"); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// MockStream 的 Connect 阻塞到 Close 或 ctx 取消
type MockStream struct {
	mu        sync.Mutex
	Creds     StreamCredentials
	handler   func(string)
	closed    chan struct{}
	closeOnce sync.Once

	Connected  chan struct{}
	ConnectErr error
	CloseErr   error
	CloseCalls int
}

func NewMockStream(creds StreamCredentials) *MockStream {
	return &MockStream{
		Creds:     creds,
		closed:    make(chan struct{}),
		Connected: make(chan struct{}, 16),
	}
}

func (s *MockStream) OnMessage(fn func(string)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Emit 向已注册的 handler 投递消息
func (s *MockStream) Emit(message string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(message)
	}
}

func (s *MockStream) Connect(ctx context.Context) error {
	select {
	case s.Connected <- struct{}{}:
	default:
	}
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	select {
	case <-ctx.Done():
		return nil
	case <-s.closed:
		return nil
	}
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return s.CloseErr
}

// Closed 是否至少调用过一次 Close
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCalls > 0
}

// MockStreamFactory 记录构造过的每个 stream
type MockStreamFactory struct {
	mu      sync.Mutex
	Streams []*MockStream
	Err     error
	// Prepare 非空时在返回前定制每个 stream
	Prepare func(*MockStream)
}

func (f *MockStreamFactory) New(creds StreamCredentials) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := NewMockStream(creds)
	if f.Prepare != nil {
		f.Prepare(s)
	}
	f.Streams = append(f.Streams, s)
	return s, nil
}

// Count 返回已构造的 stream 数量
func (f *MockStreamFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Streams)
}

// Last 返回最近构造的 stream，没有则为 nil
func (f *MockStreamFactory) Last() *MockStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Streams) == 0 {
		return nil
	}
	return f.Streams[len(f.Streams)-1]
}
