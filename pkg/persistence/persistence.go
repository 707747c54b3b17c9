package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tradingbot/relay/pkg/kvstore"
	"github.com/tradingbot/relay/pkg/logger"
)

// Store 按 key 读写一段不透明的字节（token 存储契约）
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	// Load 在 key 不存在时返回 ErrNotExists
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence data not exists")

// SaveJSON 将 v 编码为 JSON 后保存
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Save(ctx, key, b)
}

// LoadJSON 读取并解码 JSON；不存在时返回 ErrNotExists
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// FileStore 基于本地目录的持久化实现，每个 key 一个文件
type FileStore struct {
	baseDir string
}

// NewFileStore 创建文件持久化服务
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *FileStore) filePath(key string) string {
	return filepath.Join(s.baseDir, keySanitizer.ReplaceAllString(key, "_"))
}

// Save 原子写入（先写临时文件再 rename）
func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	logger.Debugf("[persistence] Save: key=%s", key)
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return err
	}
	path := s.filePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load 读取数据
func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	logger.Debugf("[persistence] Load: key=%s", key)
	b, err := os.ReadFile(s.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExists
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, ErrNotExists
	}
	return b, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	info, err := os.Stat(s.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() > 0, nil
}

// BadgerStore 基于 kvstore 的持久化实现，所有 key 带统一前缀
type BadgerStore struct {
	kv     *kvstore.Store
	prefix string
}

// NewBadgerStore 创建 Badger 持久化服务
func NewBadgerStore(kv *kvstore.Store, prefix string) *BadgerStore {
	return &BadgerStore{kv: kv, prefix: prefix}
}

func (s *BadgerStore) Save(_ context.Context, key string, data []byte) error {
	logger.Debugf("[persistence] Save: key=%s%s", s.prefix, key)
	return s.kv.Set(s.prefix+key, data)
}

func (s *BadgerStore) Load(_ context.Context, key string) ([]byte, error) {
	logger.Debugf("[persistence] Load: key=%s%s", s.prefix, key)
	b, found, err := s.kv.Get(s.prefix + key)
	if err != nil {
		return nil, err
	}
	if !found || len(b) == 0 {
		return nil, ErrNotExists
	}
	return b, nil
}

func (s *BadgerStore) Exists(_ context.Context, key string) (bool, error) {
	return s.kv.Has(s.prefix + key)
}
