package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tradingbot/relay/internal/broker"
	"github.com/tradingbot/relay/internal/metrics"
)

// PlaceOrder 向券商下单，无会话时先登录。登录错误原样返回且不下单；
// 券商错误（包括 panic）统一包装为 *OrderError。不做重试。
func (e *Engine) PlaceOrder(ctx context.Context, req broker.OrderRequest) (resp *broker.OrderResponse, err error) {
	if !e.Authenticated() {
		if _, err := e.Login(ctx); err != nil {
			log.Errorf("Login failed: %v", err)
			return nil, err
		}
	}
	client, ok := e.authenticatedClient()
	if !ok {
		return nil, ErrLoginFailed
	}

	fields := logrus.Fields{"symbol": req.TradingSymbol, "side": req.TransactionType, "qty": req.Quantity}
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &OrderError{Symbol: req.TradingSymbol, Err: panicError(r)}
		}
		if err != nil {
			metrics.OrdersFailed.Add(1)
			log.WithFields(fields).Errorf("Failed to place order: %v", err)
		}
	}()

	resp, err = client.PlaceOrder(ctx, req)
	if err != nil {
		return nil, &OrderError{Symbol: req.TradingSymbol, Err: err}
	}
	metrics.OrdersPlaced.Add(1)
	if resp != nil {
		fields["orderid"] = resp.OrderID
	}
	log.WithFields(fields).Info("Order placed")
	return resp, nil
}
