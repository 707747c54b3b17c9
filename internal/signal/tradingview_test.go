package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingbot/relay/internal/broker"
)

func TestOrderRequest_Defaults(t *testing.T) {
	w, err := Parse([]byte(`{"symbol":"SBIN-EQ"}`))
	require.NoError(t, err)

	req, err := w.OrderRequest()
	require.NoError(t, err)
	assert.Equal(t, broker.OrderRequest{
		Variety:         "NORMAL",
		TradingSymbol:   "SBIN-EQ",
		TransactionType: "BUY",
		Exchange:        "NSE",
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Duration:        "DAY",
		Price:           "0",
		SquareOff:       "0",
		StopLoss:        "0",
		Quantity:        "1",
	}, req)
}

func TestOrderRequest_LimitSell(t *testing.T) {
	w, err := Parse([]byte(`{"symbol":"INFY-EQ","side":"sell","qty":25,"price":1520.55,
		"order_type":"LIMIT","product_type":"DELIVERY","exchange":"BSE","token":"1594","stoploss":"1500.1"}`))
	require.NoError(t, err)

	req, err := w.OrderRequest()
	require.NoError(t, err)
	assert.Equal(t, "SELL", req.TransactionType)
	assert.Equal(t, "25", req.Quantity)
	assert.Equal(t, "1520.55", req.Price)
	assert.Equal(t, "1500.1", req.StopLoss)
	assert.Equal(t, "1594", req.SymbolToken)
	assert.Equal(t, "BSE", req.Exchange)
	assert.Equal(t, "DELIVERY", req.ProductType)
}

func TestValidate_Rules(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"missing symbol", `{"qty":1}`, "symbol"},
		{"zero qty", `{"symbol":"X","qty":0}`, "qty"},
		{"negative qty", `{"symbol":"X","qty":-2}`, "qty"},
		{"fractional qty", `{"symbol":"X","qty":1.5}`, "qty"},
		{"zero price", `{"symbol":"X","price":0}`, "price"},
		{"limit without price", `{"symbol":"X","order_type":"LIMIT"}`, "price"},
		{"bad side", `{"symbol":"X","side":"HOLD"}`, "side"},
		{"bad order type", `{"symbol":"X","order_type":"ICEBERG"}`, "order_type"},
		{"bad product", `{"symbol":"X","product_type":"MARGIN"}`, "product_type"},
		{"bad exchange", `{"symbol":"X","exchange":"NYSE"}`, "exchange"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := Parse([]byte(tc.body))
			require.NoError(t, err)
			_, err = w.OrderRequest()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			fields := make([]string, 0, len(verr.Fields))
			for _, f := range verr.Fields {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"symbol":`))
	assert.Error(t, err)
	_, err = Parse([]byte(`["SBIN-EQ"]`))
	assert.Error(t, err)
}
