package position

import (
	"context"
	"fmt"

	"github.com/tradingbot/relay/pkg/kvstore"
)

// Open 支持的后端名
const (
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open 构造配置的持仓存储。kv 只有 badger 后端使用，其他情况可为 nil
func Open(ctx context.Context, backend, dsn string, kv *kvstore.Store) (Store, error) {
	switch backend {
	case BackendBadger:
		if kv == nil {
			return nil, fmt.Errorf("position: badger backend needs an open kvstore")
		}
		return NewBadgerStore(kv), nil
	case BackendSQLite:
		return OpenSQL(ctx, DriverSQLite, dsn)
	case BackendPostgres:
		return OpenSQL(ctx, DriverPostgres, dsn)
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("position: unknown backend %q", backend)
	}
}

// Ping 检查存储是否可读
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.Get(ctx, "__ping__")
	return err
}
