// Package kvstore 封装 token 和持仓共用的 Badger 数据库。
package kvstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries Badger 报告写冲突时 Update 的最大重试次数
const maxConflictRetries = 64

// Store 小型 KV 封装（Badger），可选静态加密。
// 注意：加密由 Badger 选项提供（value log + key registry），而非本封装。
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 字节；为 nil 时不加密
	ReadOnly      bool
	InMemory      bool // 仅测试用，忽略 Path
}

func Open(opts OpenOptions) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("kvstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 Badger 需要 index cache
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", opts.Path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready(key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("kvstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return nil, errors.New("kvstore: key is empty")
	}
	return k, nil
}

// Get 返回 key 对应值的副本，key 不存在时 found 为 false
func (s *Store) Get(key string) (val []byte, found bool, err error) {
	k, err := s.ready(key)
	if err != nil {
		return nil, false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

func (s *Store) Set(key string, val []byte) error {
	k, err := s.ready(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, val)
	})
}

func (s *Store) Has(key string) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

func (s *Store) Delete(key string) error {
	k, err := s.ready(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Update 在读写事务中执行 fn，Badger 检测到并发提交冲突时重试，
// 使单 key 的读改写序列可线性化
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	if s == nil || s.db == nil {
		return errors.New("kvstore: not opened")
	}
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("kvstore: update gave up after %d conflicts: %w", maxConflictRetries, err)
}

// Scan 按 key 顺序对每个带前缀的 key 调用 fn
func (s *Store) Scan(prefix string, fn func(key string, val []byte) error) error {
	if s == nil || s.db == nil {
		return errors.New("kvstore: not opened")
	}
	p := []byte(prefix)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix 删除所有带前缀的 key
func (s *Store) DeletePrefix(prefix string) error {
	if s == nil || s.db == nil {
		return errors.New("kvstore: not opened")
	}
	return s.db.DropPrefix([]byte(prefix))
}

// ParseKey 解析 32 字节密钥（base64 或 hex），输入为空时返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	// 优先按 hex 解析，避免 64 位 hex 被误读为 base64
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
