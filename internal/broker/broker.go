// Package broker 定义引擎使用的券商接口。
package broker

import (
	"context"
	"encoding/json"
)

// Session 是登录换得的凭证。Raw 保存券商返回的原始报文，
// 缓存时原样写入，读取时原样保留，类型化字段只是它的视图。
type Session struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message,omitempty"`
	ErrorCode string          `json:"errorcode,omitempty"`
	Data      SessionData     `json:"data"`
	Raw       json.RawMessage `json:"-"`
}

// MarshalJSON 有原始报文时直接返回原始报文
func (s Session) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	type plain Session
	return json.Marshal(plain(s))
}

func (s *Session) UnmarshalJSON(b []byte) error {
	type plain Session
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = Session(p)
	s.Raw = append(json.RawMessage(nil), b...)
	return nil
}

type SessionData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	FeedToken    string `json:"feedToken"`
	ClientCode   string `json:"clientcode,omitempty"`
}

// Valid 会话是否带有下单凭证
func (s *Session) Valid() bool {
	return s != nil && s.Data.JWTToken != ""
}

// OrderRequest SmartAPI 扁平下单参数，引擎原样透传给客户端
type OrderRequest struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken,omitempty"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	SquareOff       string `json:"squareoff,omitempty"`
	StopLoss        string `json:"stoploss,omitempty"`
	Quantity        string `json:"quantity"`
}

// OrderResponse 券商分配的订单号及原始返回报文
type OrderResponse struct {
	OrderID       string          `json:"orderid"`
	UniqueOrderID string          `json:"uniqueorderid,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// MarshalJSON 有原始报文时直接返回原始报文
func (r OrderResponse) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	type plain OrderResponse
	return json.Marshal(plain(r))
}

// Client 券商 REST 接口的认证句柄
type Client interface {
	// SetSession 安装已有的下单凭证
	SetSession(jwt string)
	GenerateSession(ctx context.Context, clientCode, password, totp string) (*Session, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	Logout(ctx context.Context) error
}

// ClientFactory 按 API key 构造 Client
type ClientFactory func(apiKey string) (Client, error)

// StreamCredentials 订单推送的认证信息
type StreamCredentials struct {
	JWTToken   string
	APIKey     string
	ClientCode string
	FeedToken  string
}

// Stream 推送原始订单消息的连接
type Stream interface {
	OnMessage(fn func(message string))
	// Connect 在连接存续期间阻塞；主动关闭返回 nil，其余情况返回错误
	Connect(ctx context.Context) error
	Close() error
}

// StreamFactory 用会话的推送凭证构造 Stream
type StreamFactory func(creds StreamCredentials) (Stream, error)
