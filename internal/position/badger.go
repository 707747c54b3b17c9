package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tradingbot/relay/pkg/kvstore"
)

const badgerKeyPrefix = "position:"

// BadgerStore 持仓存于共享的 Badger 库，每个 symbol 一条 JSON 记录，
// key 为 "position:<symbol>"
type BadgerStore struct {
	kv  *kvstore.Store
	now func() time.Time
}

func NewBadgerStore(kv *kvstore.Store) *BadgerStore {
	return &BadgerStore{kv: kv, now: time.Now}
}

type badgerRecord struct {
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *BadgerStore) Get(_ context.Context, symbol string) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	b, found, err := s.kv.Get(badgerKeyPrefix + sym)
	if err != nil || !found {
		return 0, err
	}
	var rec badgerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return 0, fmt.Errorf("position: decode %s: %w", sym, err)
	}
	return rec.Quantity, nil
}

func (s *BadgerStore) Set(_ context.Context, symbol string, qty int64) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	b, err := json.Marshal(badgerRecord{Quantity: qty, UpdatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.kv.Set(badgerKeyPrefix+sym, b)
}

// Adjust 在一个事务内读改写记录；写冲突时 kvstore 重试事务，
// 并发调整不会丢失更新
func (s *BadgerStore) Adjust(_ context.Context, symbol string, delta int64) (int64, error) {
	sym, err := normalize(symbol)
	if err != nil {
		return 0, err
	}
	key := []byte(badgerKeyPrefix + sym)
	var next int64
	err = s.kv.Update(func(txn *badger.Txn) error {
		var rec badgerRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("position: decode %s: %w", sym, err)
			}
		}
		rec.Quantity += delta
		rec.UpdatedAt = s.now().UTC()
		next = rec.Quantity
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *BadgerStore) List(_ context.Context) ([]Position, error) {
	var out []Position
	err := s.kv.Scan(badgerKeyPrefix, func(key string, val []byte) error {
		var rec badgerRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("position: decode %s: %w", key, err)
		}
		out = append(out, Position{
			Symbol:    strings.TrimPrefix(key, badgerKeyPrefix),
			Quantity:  rec.Quantity,
			UpdatedAt: rec.UpdatedAt,
		})
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(_ context.Context, symbol string) error {
	sym, err := normalize(symbol)
	if err != nil {
		return err
	}
	return s.kv.Delete(badgerKeyPrefix + sym)
}

func (s *BadgerStore) Clear(_ context.Context) error {
	return s.kv.DeletePrefix(badgerKeyPrefix)
}

// Close 不做任何事，共享的 kvstore 由其所有者关闭
func (s *BadgerStore) Close() error { return nil }
