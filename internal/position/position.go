// Package position 按交易标的记录带符号的净持仓。
//
// 持仓只通过 Adjust（订单推送）或运维显式的 Set/Delete 改变。
// 从未出现过的标的持仓为 0。
package position

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Position 单个标的的净持仓
type Position struct {
	Symbol    string    `json:"symbol"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"last_updated,omitzero"`
}

// Store 持仓存储接口，Adjust 对单个标的必须是原子的
type Store interface {
	Get(ctx context.Context, symbol string) (int64, error)
	Set(ctx context.Context, symbol string, qty int64) error
	// Adjust 将 delta 加到持仓上并返回新值
	Adjust(ctx context.Context, symbol string, delta int64) (int64, error)
	List(ctx context.Context) ([]Position, error)
	Delete(ctx context.Context, symbol string) error
	Clear(ctx context.Context) error
	Close() error
}

var ErrEmptySymbol = errors.New("position: symbol is empty")

func normalize(symbol string) (string, error) {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return "", ErrEmptySymbol
	}
	return s, nil
}
