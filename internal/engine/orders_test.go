package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingbot/relay/internal/broker"
)

var sbinBuy = broker.OrderRequest{
	Variety:         "NORMAL",
	TradingSymbol:   "SBIN-EQ",
	SymbolToken:     "3045",
	TransactionType: "BUY",
	Exchange:        "NSE",
	OrderType:       "MARKET",
	ProductType:     "INTRADAY",
	Duration:        "DAY",
	Quantity:        "1",
}

func TestPlaceOrder_LogsInOnceBeforePlacing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.engine.PlaceOrder(ctx, sbinBuy)
	require.NoError(t, err)
	assert.Equal(t, "201020000000080", resp.OrderID)
	assert.Equal(t, 1, f.client.CallCount("New"))
	assert.Equal(t, 1, f.client.CallCount("GenerateSession"))
	assert.Equal(t, 1, f.client.CallCount("PlaceOrder"))

	_, err = f.engine.PlaceOrder(ctx, sbinBuy)
	require.NoError(t, err)
	assert.Equal(t, 1, f.client.CallCount("New"), "an active session is reused")
	assert.Equal(t, 2, f.client.CallCount("PlaceOrder"))
}

func TestPlaceOrder_PassesRequestAndResponseThrough(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.PlaceOrder(context.Background(), sbinBuy)
	require.NoError(t, err)
	assert.Same(t, f.client.OrderResponse, resp)
	require.Len(t, f.client.Orders, 1)
	assert.Equal(t, sbinBuy, f.client.Orders[0])
}

func TestPlaceOrder_LoginErrorIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("fail")
	e := f.build(t, failingFactory(cause))

	resp, err := e.PlaceOrder(context.Background(), sbinBuy)
	assert.Nil(t, resp)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Same(t, cause, authErr.Err)
	assert.Equal(t, 0, f.client.CallCount("PlaceOrder"))
}

func TestPlaceOrder_NeverPanics(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(m *broker.MockClient)
		wantErr bool
	}{
		{name: "success", prepare: func(*broker.MockClient) {}},
		{name: "broker error", prepare: func(m *broker.MockClient) {
			m.ErrorOnNext["PlaceOrder"] = errors.New("RMS: margin exceeded")
		}, wantErr: true},
		{name: "broker panic", prepare: func(m *broker.MockClient) {
			m.PanicOnNext["PlaceOrder"] = "nil map write"
		}, wantErr: true},
		{name: "broker panic with error", prepare: func(m *broker.MockClient) {
			m.PanicOnNext["PlaceOrder"] = errors.New("index out of range")
		}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Login(context.Background())
			require.NoError(t, err)
			tc.prepare(f.client)

			var resp *broker.OrderResponse
			assert.NotPanics(t, func() { resp, err = f.engine.PlaceOrder(context.Background(), sbinBuy) })
			if !tc.wantErr {
				assert.NoError(t, err)
				assert.NotNil(t, resp)
				return
			}
			assert.Nil(t, resp)
			var orderErr *OrderError
			require.ErrorAs(t, err, &orderErr)
			assert.Equal(t, "SBIN-EQ", orderErr.Symbol)
			// 下单失败不清除会话
			assert.True(t, f.engine.Authenticated())
		})
	}
}
