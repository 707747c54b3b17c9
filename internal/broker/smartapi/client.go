// Package smartapi 基于 Angel One SmartAPI 实现券商接口。
package smartapi

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/pkg/ratelimit"
)

var log = logrus.WithField("component", "smartapi")

const (
	DefaultBaseURL   = "https://apiconnect.angelbroking.com"
	DefaultStreamURL = "wss://tns.angelone.in/smart-order-update"

	loginPath  = "/rest/auth/angelbroking/user/v1/loginByPassword"
	orderPath  = "/rest/secure/angelbroking/order/v1/placeOrder"
	logoutPath = "/rest/secure/angelbroking/user/v1/logout"
)

// Options REST 客户端配置
type Options struct {
	BaseURL string
	Timeout time.Duration
	// ClientCode 会话来自缓存时供 Logout 使用
	ClientCode string
	// OrdersPerSecond 下单限速，<= 0 不限速
	OrdersPerSecond float64

	LocalIP  string
	PublicIP string
	MAC      string
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.LocalIP == "" {
		o.LocalIP = "127.0.0.1"
	}
	if o.PublicIP == "" {
		o.PublicIP = "127.0.0.1"
	}
	if o.MAC == "" {
		o.MAC = "00:00:00:00:00:00"
	}
	return o
}

// Client SmartAPI REST 客户端
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter ratelimit.Limiter

	mu         sync.RWMutex
	jwt        string
	clientCode string
}

var _ broker.Client = (*Client)(nil)

// NewClient 为 apiKey 构造客户端
func NewClient(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("smartapi: api key is empty")
	}
	opts = opts.withDefaults()

	// 下单不是幂等操作，关闭 resty 重试
	hc := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetHeader("X-UserType", "USER").
		SetHeader("X-SourceID", "WEB").
		SetHeader("X-ClientLocalIP", opts.LocalIP).
		SetHeader("X-ClientPublicIP", opts.PublicIP).
		SetHeader("X-MACAddress", opts.MAC).
		SetHeader("X-PrivateKey", apiKey)

	return &Client{
		http:       hc,
		apiKey:     apiKey,
		limiter:    ratelimit.NewTokenBucket(1, opts.OrdersPerSecond),
		clientCode: opts.ClientCode,
	}, nil
}

// Factory 返回绑定 opts 的 broker.ClientFactory
func Factory(opts Options) broker.ClientFactory {
	return func(apiKey string) (broker.Client, error) {
		return NewClient(apiKey, opts)
	}
}

// envelope SmartAPI 通用响应外层
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// APIError SmartAPI 非成功响应
type APIError struct {
	HTTPStatus int
	Message    string
	ErrorCode  string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return "smartapi: " + e.Message + " (" + e.ErrorCode + ")"
	}
	return "smartapi: " + e.Message
}

func (c *Client) SetSession(jwt string) {
	c.mu.Lock()
	c.jwt = jwt
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwt
}

func (c *Client) secureRequest(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if jwt := c.token(); jwt != "" {
		r.SetAuthToken(jwt)
	}
	return r
}

// do 发送请求并解析 envelope。传输错误、非 2xx 响应和 status=false 都作为错误返回
func do(r *resty.Request, method, path string) (*envelope, []byte, error) {
	resp, err := r.Execute(method, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s %s", method, path)
	}
	body := resp.Body()
	var env envelope
	if jerr := json.Unmarshal(body, &env); jerr != nil {
		if resp.IsError() {
			return nil, body, &APIError{HTTPStatus: resp.StatusCode(), Message: strings.TrimSpace(string(body))}
		}
		return nil, body, errors.Wrapf(jerr, "decode %s response", path)
	}
	if resp.IsError() || !env.Status {
		msg := env.Message
		if msg == "" {
			msg = resp.Status()
		}
		return &env, body, &APIError{HTTPStatus: resp.StatusCode(), Message: msg, ErrorCode: env.ErrorCode}
	}
	return &env, body, nil
}

// GenerateSession 用凭证换取会话。totp 可以是六位动态码或 base32 密钥
func (c *Client) GenerateSession(ctx context.Context, clientCode, password, totp string) (*broker.Session, error) {
	code, err := ResolveTOTP(totp, time.Now())
	if err != nil {
		return nil, err
	}
	r := c.http.R().SetContext(ctx).SetBody(map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       code,
	})
	env, body, err := do(r, resty.MethodPost, loginPath)
	if err != nil {
		return nil, err
	}

	sess := &broker.Session{Status: env.Status, Message: env.Message, ErrorCode: env.ErrorCode, Raw: body}
	if err := json.Unmarshal(env.Data, &sess.Data); err != nil {
		return nil, errors.Wrap(err, "decode session data")
	}
	if sess.Data.ClientCode == "" {
		sess.Data.ClientCode = clientCode
	}
	if !sess.Valid() {
		return nil, &APIError{Message: "login response carried no jwtToken"}
	}

	c.mu.Lock()
	c.jwt = sess.Data.JWTToken
	c.clientCode = clientCode
	c.mu.Unlock()
	log.Infof("session generated for %s", clientCode)
	return sess, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "order throttle")
	}
	env, body, err := do(c.secureRequest(ctx).SetBody(req), resty.MethodPost, orderPath)
	if err != nil {
		return nil, err
	}
	out := &broker.OrderResponse{Raw: json.RawMessage(body)}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, errors.Wrap(err, "decode order response")
		}
		out.Raw = json.RawMessage(body)
	}
	log.WithFields(logrus.Fields{
		"symbol":  req.TradingSymbol,
		"side":    req.TransactionType,
		"orderid": out.OrderID,
	}).Info("order accepted")
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.RLock()
	code := c.clientCode
	c.mu.RUnlock()
	_, _, err := do(c.secureRequest(ctx).SetBody(map[string]string{"clientcode": code}), resty.MethodPost, logoutPath)
	if err != nil {
		return err
	}
	c.SetSession("")
	return nil
}
