package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradingbot/relay/internal/metrics"
)

// flexString 兼容 JSON 字符串和数字
type flexString struct {
	set   bool
	value string
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.set, f.value = true, strings.TrimSpace(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	f.set, f.value = true, n.String()
	return nil
}

func (f flexString) present() bool { return f.set && f.value != "" }

// orderUpdate 一条推送消息。SmartAPI 把订单字段嵌在 orderData 下，
// 扁平消息则放在顶层
type orderUpdate struct {
	TradingSymbol   flexString   `json:"tradingsymbol"`
	SymbolToken     flexString   `json:"symboltoken"`
	Quantity        flexString   `json:"quantity"`
	TransactionType flexString   `json:"transactiontype"`
	OrderData       *orderUpdate `json:"orderData,omitempty"`
}

func (u *orderUpdate) symbol() string {
	if u.TradingSymbol.present() {
		return u.TradingSymbol.value
	}
	if u.SymbolToken.present() {
		return u.SymbolToken.value
	}
	return ""
}

// flatten 用 orderData 补全顶层缺失字段
func (u *orderUpdate) flatten() {
	d := u.OrderData
	if d == nil {
		return
	}
	if !u.TradingSymbol.present() {
		u.TradingSymbol = d.TradingSymbol
	}
	if !u.SymbolToken.present() {
		u.SymbolToken = d.SymbolToken
	}
	if !u.Quantity.present() {
		u.Quantity = d.Quantity
	}
	if !u.TransactionType.present() {
		u.TransactionType = d.TransactionType
	}
}

// delta 一条推送对应的带符号持仓变化；ok 为 false 表示无需处理
type delta struct {
	symbol string
	qty    int64
}

func parseOrderUpdate(message string) (d delta, ok bool, err error) {
	var u orderUpdate
	if err := json.Unmarshal([]byte(message), &u); err != nil {
		return delta{}, false, fmt.Errorf("decode: %w", err)
	}
	u.flatten()

	sym := u.symbol()
	if sym == "" || !u.Quantity.present() {
		return delta{}, false, nil
	}
	q, err := decimal.NewFromString(u.Quantity.value)
	if err != nil {
		return delta{}, false, fmt.Errorf("quantity %q: %w", u.Quantity.value, err)
	}
	if !q.IsInteger() {
		return delta{}, false, fmt.Errorf("quantity %q is not an integer", u.Quantity.value)
	}
	qty := q.IntPart()
	if qty == 0 {
		return delta{}, false, nil
	}

	switch strings.ToUpper(u.TransactionType.value) {
	case "BUY":
		return delta{symbol: sym, qty: qty}, true, nil
	case "SELL":
		return delta{symbol: sym, qty: -qty}, true, nil
	default:
		return delta{}, false, nil
	}
}

// HandleOrderUpdate 将推送应用到持仓：BUY 增加、SELL 减少，其余忽略。
// 失败只记录日志，不会返回给推送流。
func (e *Engine) HandleOrderUpdate(message string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.UpdatesMalformed.Add(1)
			log.Errorf("Failed to process order update: %v", panicError(r))
		}
	}()

	d, ok, err := parseOrderUpdate(message)
	if err != nil {
		metrics.UpdatesMalformed.Add(1)
		log.Errorf("Failed to process order update: %v", err)
		return
	}
	if !ok {
		metrics.UpdatesIgnored.Add(1)
		log.Debugf("order update ignored: %s", message)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	qty, err := e.positions.Adjust(ctx, d.symbol, d.qty)
	if err != nil {
		log.Errorf("Failed to process order update: adjust %s: %v", d.symbol, err)
		return
	}
	metrics.UpdatesApplied.Add(1)
	log.WithFields(logrus.Fields{"symbol": d.symbol, "delta": d.qty, "position": qty}).Info("position updated")
}
