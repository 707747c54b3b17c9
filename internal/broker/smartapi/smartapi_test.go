package smartapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingbot/relay/internal/broker"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any
	login    string
	order    string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{
		login: `{"status":true,"message":"SUCCESS","errorcode":"","data":{"jwtToken":"jwt-1","refreshToken":"r-1","feedToken":"feed-1"}}`,
		order: `{"status":true,"message":"SUCCESS","errorcode":"","data":{"script":"SBIN-EQ","orderid":"201020000000080","uniqueorderid":"u-1"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, body)
		login, order := f.login, f.order
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case loginPath:
			_, _ = w.Write([]byte(login))
		case orderPath:
			_, _ = w.Write([]byte(order))
		case logoutPath:
			_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","data":""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) last() (*http.Request, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func TestClient_GenerateSessionAndPlaceOrder(t *testing.T) {
	f, srv := newFakeAPI(t)
	c, err := NewClient("api-key", Options{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := c.GenerateSession(ctx, "A123", "pin", "123456")
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", sess.Data.JWTToken)
	assert.Equal(t, "feed-1", sess.Data.FeedToken)
	assert.Equal(t, "A123", sess.Data.ClientCode)
	assert.Contains(t, string(sess.Raw), `"jwtToken":"jwt-1"`, "原始登录报文随会话保留，缓存时原样写入")

	req, body := f.last()
	assert.Equal(t, "api-key", req.Header.Get("X-PrivateKey"))
	assert.Equal(t, "USER", req.Header.Get("X-UserType"))
	assert.Equal(t, "123456", body["totp"])
	assert.Equal(t, "A123", body["clientcode"])

	resp, err := c.PlaceOrder(ctx, broker.OrderRequest{
		Variety: "NORMAL", TradingSymbol: "SBIN-EQ", TransactionType: "BUY",
		Exchange: "NSE", OrderType: "MARKET", ProductType: "INTRADAY",
		Duration: "DAY", Quantity: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "201020000000080", resp.OrderID)
	assert.Equal(t, "u-1", resp.UniqueOrderID)
	assert.Contains(t, string(resp.Raw), `"script":"SBIN-EQ"`)

	req, body = f.last()
	assert.Equal(t, "Bearer jwt-1", req.Header.Get("Authorization"))
	assert.Equal(t, "SBIN-EQ", body["tradingsymbol"])
	assert.Equal(t, "1", body["quantity"])
}

func TestClient_CachedSessionIsUsedForOrders(t *testing.T) {
	f, srv := newFakeAPI(t)
	c, err := NewClient("api-key", Options{BaseURL: srv.URL, ClientCode: "A123"})
	require.NoError(t, err)
	c.SetSession("cached-jwt")

	_, err = c.PlaceOrder(context.Background(), broker.OrderRequest{TradingSymbol: "TCS-EQ"})
	require.NoError(t, err)
	req, _ := f.last()
	assert.Equal(t, "Bearer cached-jwt", req.Header.Get("Authorization"))

	require.NoError(t, c.Logout(context.Background()))
	req, body := f.last()
	assert.Equal(t, logoutPath, req.URL.Path)
	assert.Equal(t, "A123", body["clientcode"])
}

func TestClient_StatusFalseIsAnError(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.login = `{"status":false,"message":"Invalid totp","errorcode":"AB1050","data":null}`
	c, err := NewClient("api-key", Options{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.GenerateSession(context.Background(), "A123", "pin", "000000")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AB1050", apiErr.ErrorCode)
	assert.Contains(t, err.Error(), "Invalid totp")
}

func TestClient_RejectedOrder(t *testing.T) {
	f, srv := newFakeAPI(t)
	f.order = `{"status":false,"message":"Invalid symbol","errorcode":"AB1019","data":null}`
	c, err := NewClient("api-key", Options{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.PlaceOrder(context.Background(), broker.OrderRequest{TradingSymbol: "NOPE"})
	assert.ErrorContains(t, err, "Invalid symbol")
}

func TestNewClient_EmptyKey(t *testing.T) {
	_, err := Factory(Options{})(" ")
	assert.Error(t, err)
}

func TestTOTP(t *testing.T) {
	// RFC 6238 附录 B，SHA-1 种子 "12345678901234567890"
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	code, err := GenerateTOTP(secret, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	code, err = GenerateTOTP(strings.ToLower(secret), time.Unix(1111111109, 0))
	require.NoError(t, err)
	assert.Equal(t, "081804", code)

	code, err = ResolveTOTP("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	code, err = ResolveTOTP("654321", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "654321", code)

	_, err = ResolveTOTP("not base32!", time.Now())
	assert.Error(t, err)
	_, err = ResolveTOTP("", time.Now())
	assert.Error(t, err)
}

func newFakeFeed(t *testing.T, onConn func(*websocket.Conn, *http.Request)) string {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		onConn(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_DeliversMessagesAndFiltersPong(t *testing.T) {
	headers := make(chan http.Header, 1)
	url := newFakeFeed(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"tradingsymbol":"SBIN-EQ"}`))
		// 保持连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := NewStream(broker.StreamCredentials{JWTToken: "jwt", APIKey: "k", ClientCode: "A1", FeedToken: "feed"},
		StreamOptions{URL: url, PingInterval: 50 * time.Millisecond})
	got := make(chan string, 4)
	s.OnMessage(func(m string) { got <- m })

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()

	h := <-headers
	assert.Equal(t, "Bearer jwt", h.Get("Authorization"))
	assert.Equal(t, "feed", h.Get("x-feed-token"))
	assert.Equal(t, "A1", h.Get("x-client-code"))

	select {
	case m := <-got:
		assert.Equal(t, `{"tradingsymbol":"SBIN-EQ"}`, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	assert.Empty(t, got)
}

func TestStream_ServerDropIsAnError(t *testing.T) {
	url := newFakeFeed(t, func(conn *websocket.Conn, _ *http.Request) {})

	s := NewStream(broker.StreamCredentials{JWTToken: "jwt", FeedToken: "feed"}, StreamOptions{URL: url})
	err := s.Connect(context.Background())
	assert.Error(t, err)
}

func TestStream_ContextCancelReturnsNil(t *testing.T) {
	url := newFakeFeed(t, func(conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(broker.StreamCredentials{JWTToken: "jwt", FeedToken: "feed"}, StreamOptions{URL: url})

	done := make(chan error, 1)
	go func() { done <- s.Connect(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after cancel")
	}
}

func TestStreamFactory_RequiresTokens(t *testing.T) {
	_, err := StreamFactory(StreamOptions{})(broker.StreamCredentials{JWTToken: "jwt"})
	assert.Error(t, err)
}
