package metrics

import "expvar"

// 会话 / token
var (
	Logins            = expvar.NewInt("logins")
	CachedLogins      = expvar.NewInt("cached_logins")
	LoginFailures     = expvar.NewInt("login_failures")
	TokenSaves        = expvar.NewInt("token_saves")
	TokenSaveFailures = expvar.NewInt("token_save_failures")
)

// 下单
var (
	OrdersPlaced = expvar.NewInt("orders_placed")
	OrdersFailed = expvar.NewInt("orders_failed")
)

// 推送流与持仓更新
var (
	StreamConnects    = expvar.NewInt("stream_connects")
	StreamDisconnects = expvar.NewInt("stream_disconnects")
	UpdatesApplied    = expvar.NewInt("updates_applied")
	UpdatesIgnored    = expvar.NewInt("updates_ignored")
	UpdatesMalformed  = expvar.NewInt("updates_malformed")
)

// Snapshot 返回当前计数值，key 为 expvar 名称
func Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, v := range []*expvar.Int{
		Logins, CachedLogins, LoginFailures, TokenSaves, TokenSaveFailures,
		OrdersPlaced, OrdersFailed,
		StreamConnects, StreamDisconnects, UpdatesApplied, UpdatesIgnored, UpdatesMalformed,
	} {
		out[name(v)] = v.Value()
	}
	return out
}

func name(v *expvar.Int) string {
	var found string
	expvar.Do(func(kv expvar.KeyValue) {
		if kv.Value == v {
			found = kv.Key
		}
	})
	return found
}
