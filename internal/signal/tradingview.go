// Package signal 将 TradingView 告警转换为券商下单请求。
package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradingbot/relay/internal/broker"
)

// 允许的枚举值
var (
	Sides        = []string{"BUY", "SELL"}
	OrderTypes   = []string{"MARKET", "LIMIT", "SL", "SL-M"}
	ProductTypes = []string{"INTRADAY", "DELIVERY", "CARRYFORWARD"}
	Exchanges    = []string{"NSE", "BSE", "NFO", "BFO", "MCX"}
)

// Webhook TradingView 告警请求体，指针字段为可选
type Webhook struct {
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side,omitempty"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	OrderType   string           `json:"order_type,omitempty"`
	ProductType string           `json:"product_type,omitempty"`
	Exchange    string           `json:"exchange,omitempty"`
	Token       string           `json:"token,omitempty"`
	Variety     string           `json:"variety,omitempty"`
	Duration    string           `json:"duration,omitempty"`
	SquareOff   *decimal.Decimal `json:"squareoff,omitempty"`
	StopLoss    *decimal.Decimal `json:"stoploss,omitempty"`
}

// FieldError 单条校验失败
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 汇总请求体违反的全部规则
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid webhook: " + strings.Join(parts, "; ")
}

// Parse 解析请求体，非 JSON 对象直接拒绝
func Parse(body []byte) (*Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &w, nil
}

// Normalize 填充默认值并将枚举字段转为大写
func (w *Webhook) Normalize() {
	w.Symbol = strings.TrimSpace(w.Symbol)
	w.Side = upperOr(w.Side, "BUY")
	w.OrderType = upperOr(w.OrderType, "MARKET")
	w.ProductType = upperOr(w.ProductType, "INTRADAY")
	w.Exchange = upperOr(w.Exchange, "NSE")
	w.Variety = upperOr(w.Variety, "NORMAL")
	w.Duration = upperOr(w.Duration, "DAY")
	if w.Qty == nil {
		one := decimal.NewFromInt(1)
		w.Qty = &one
	}
}

func upperOr(v, def string) string {
	v = strings.ToUpper(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}

// Validate 校验已规范化的 webhook
func (w *Webhook) Validate() error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if w.Symbol == "" {
		add("symbol", "is required")
	}
	if w.Qty == nil || !w.Qty.IsPositive() {
		add("qty", "must be greater than 0")
	} else if !w.Qty.IsInteger() {
		add("qty", "must be a whole number")
	}
	if w.Price != nil && !w.Price.IsPositive() {
		add("price", "must be greater than 0")
	}
	if w.OrderType == "LIMIT" && w.Price == nil {
		add("price", "is required for limit orders")
	}
	checkEnum := func(field, v string, allowed []string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		add(field, "must be one of %s", strings.Join(allowed, ", "))
	}
	checkEnum("side", w.Side, Sides)
	checkEnum("order_type", w.OrderType, OrderTypes)
	checkEnum("product_type", w.ProductType, ProductTypes)
	checkEnum("exchange", w.Exchange, Exchanges)

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// OrderRequest 规范化、校验并映射为券商下单参数
func (w *Webhook) OrderRequest() (broker.OrderRequest, error) {
	w.Normalize()
	if err := w.Validate(); err != nil {
		return broker.OrderRequest{}, err
	}
	return broker.OrderRequest{
		Variety:         w.Variety,
		TradingSymbol:   w.Symbol,
		SymbolToken:     w.Token,
		TransactionType: w.Side,
		Exchange:        w.Exchange,
		OrderType:       w.OrderType,
		ProductType:     w.ProductType,
		Duration:        w.Duration,
		Price:           decString(w.Price, "0"),
		SquareOff:       decString(w.SquareOff, "0"),
		StopLoss:        decString(w.StopLoss, "0"),
		Quantity:        w.Qty.String(),
	}, nil
}

func decString(d *decimal.Decimal, def string) string {
	if d == nil {
		return def
	}
	return d.String()
}

// Example 测试接口返回的示例请求体
func Example() map[string]any {
	return map[string]any{
		"symbol":       "SBIN-EQ",
		"side":         "BUY",
		"qty":          1,
		"order_type":   "MARKET",
		"product_type": "INTRADAY",
		"exchange":     "NSE",
	}
}
