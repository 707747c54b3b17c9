package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_CachedFormRoundTrips(t *testing.T) {
	raw := `{"status":true,"message":"SUCCESS","data":{"jwtToken":"t1","refreshToken":"r1","feedToken":"f1"}}`
	var s Session
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.True(t, s.Valid())
	assert.Equal(t, "t1", s.Data.JWTToken)
	assert.Equal(t, "f1", s.Data.FeedToken)

	var empty *Session
	assert.False(t, empty.Valid())
}

func TestSession_KeepsUnmodelledFields(t *testing.T) {
	raw := `{"data":{"jwtToken":"t1","feedToken":"f1","state":"live"},"extra":1}`
	var s Session
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	b, err := json.Marshal(&s)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(b))

	b, err = json.Marshal(Session{Data: SessionData{JWTToken: "t2", FeedToken: "f2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":false,"data":{"jwtToken":"t2","feedToken":"f2"}}`, string(b))
}

func TestOrderResponse_MarshalsRawPayloadVerbatim(t *testing.T) {
	resp := OrderResponse{OrderID: "1", Raw: json.RawMessage(`{"status":true,"data":{"orderid":"1","script":"SBIN-EQ"}}`)}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, string(resp.Raw), string(b))

	b, err = json.Marshal(OrderResponse{OrderID: "2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderid":"2"}`, string(b))
}

func TestMockClient_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMockClient()
	boom := errors.New("boom")
	m.ErrorOnNext["PlaceOrder"] = boom

	_, err := m.PlaceOrder(ctx, OrderRequest{TradingSymbol: "SBIN-EQ"})
	assert.Equal(t, boom, err)

	// 第二次调用成功
	resp, err := m.PlaceOrder(ctx, OrderRequest{TradingSymbol: "SBIN-EQ"})
	require.NoError(t, err)
	assert.Equal(t, "201020000000080", resp.OrderID)
	assert.Equal(t, 2, m.CallCount("PlaceOrder"))
	assert.Len(t, m.Orders, 1)
}

func TestMockStream_ConnectBlocksUntilClose(t *testing.T) {
	s := NewMockStream(StreamCredentials{FeedToken: "f"})
	var got []string
	s.OnMessage(func(msg string) { got = append(got, msg) })

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background()) }()
	<-s.Connected

	s.Emit("hello")
	require.NoError(t, s.Close())
	require.NoError(t, <-done)
	assert.Equal(t, []string{"hello"}, got)
	assert.True(t, s.Closed())
}
