package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradingbot/relay/pkg/kvstore"
)

// Config 服务运行配置
type Config struct {
	SmartAPI SmartAPIConfig
	Storage  StorageConfig
	API      APIConfig
	Stream   StreamConfig
	Log      LogConfig

	MetricsListen string
	AppName       string
	Debug         bool
}

type SmartAPIConfig struct {
	APIKey          string
	ClientCode      string
	Password        string
	TOTP            string
	BaseURL         string
	StreamURL       string
	OrdersPerSecond float64
}

type StorageConfig struct {
	DataDir             string
	TokenStore          string // badger | file | none
	TokenKey            string
	BadgerEncryptionKey string
	PositionStore       string // badger | sqlite | postgres | memory
	PositionDSN         string
}

type APIConfig struct {
	Host string
	Port int
}

// Addr 返回 host:port
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StreamConfig struct {
	Enabled        bool
	StartAttempts  int
	StartDelay     time.Duration
	ReconnectDelay time.Duration
}

type LogConfig struct {
	Level string
	File  string
}

// ConfigFile 配置文件结构（YAML/JSON），未出现的字段保持零值
type ConfigFile struct {
	SmartAPI struct {
		APIKey          string  `yaml:"api_key" json:"api_key"`
		ClientCode      string  `yaml:"client_code" json:"client_code"`
		Password        string  `yaml:"password" json:"password"`
		TOTP            string  `yaml:"totp" json:"totp"`
		BaseURL         string  `yaml:"base_url" json:"base_url"`
		StreamURL       string  `yaml:"stream_url" json:"stream_url"`
		OrdersPerSecond float64 `yaml:"orders_per_second" json:"orders_per_second"`
	} `yaml:"smartapi" json:"smartapi"`
	Storage struct {
		DataDir             string `yaml:"data_dir" json:"data_dir"`
		TokenStore          string `yaml:"token_store" json:"token_store"`
		TokenKey            string `yaml:"token_key" json:"token_key"`
		BadgerEncryptionKey string `yaml:"badger_encryption_key" json:"badger_encryption_key"`
		PositionStore       string `yaml:"position_store" json:"position_store"`
		PositionDSN         string `yaml:"position_dsn" json:"position_dsn"`
	} `yaml:"storage" json:"storage"`
	API struct {
		Host string `yaml:"host" json:"host"`
		Port int    `yaml:"port" json:"port"`
	} `yaml:"api" json:"api"`
	Stream struct {
		Enabled        *bool  `yaml:"enabled" json:"enabled"`
		StartAttempts  int    `yaml:"start_attempts" json:"start_attempts"`
		StartDelay     string `yaml:"start_delay" json:"start_delay"`
		ReconnectDelay string `yaml:"reconnect_delay" json:"reconnect_delay"`
	} `yaml:"stream" json:"stream"`
	Log struct {
		Level string `yaml:"level" json:"level"`
		File  string `yaml:"file" json:"file"`
	} `yaml:"log" json:"log"`
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"`
	AppName       string `yaml:"app_name" json:"app_name"`
	Debug         bool   `yaml:"debug" json:"debug"`
}

const (
	TokenStoreBadger = "badger"
	TokenStoreFile   = "file"
	TokenStoreNone   = "none"
)

// Load 加载配置：环境变量 > 配置文件 > 默认值。filePath 为空时只读环境变量。
func Load(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		loaded, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", filePath, err)
		}
		cf = loaded
	}

	startDelay, err := durationFrom(cf.Stream.StartDelay, "STREAM_START_DELAY", 2*time.Second)
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := durationFrom(cf.Stream.ReconnectDelay, "WEBSOCKET_RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return nil, err
	}
	streamEnabled := true
	if cf.Stream.Enabled != nil {
		streamEnabled = *cf.Stream.Enabled
	}

	cfg := &Config{
		SmartAPI: SmartAPIConfig{
			APIKey:          getEnv("SMARTAPI_API_KEY", cf.SmartAPI.APIKey),
			ClientCode:      getEnv("SMARTAPI_CLIENT_CODE", cf.SmartAPI.ClientCode),
			Password:        getEnv("SMARTAPI_PASSWORD", cf.SmartAPI.Password),
			TOTP:            getEnv("SMARTAPI_TOTP", cf.SmartAPI.TOTP),
			BaseURL:         getEnv("SMARTAPI_BASE_URL", cf.SmartAPI.BaseURL),
			StreamURL:       getEnv("SMARTAPI_STREAM_URL", cf.SmartAPI.StreamURL),
			OrdersPerSecond: parseFloatEnv("SMARTAPI_ORDERS_PER_SECOND", orFloat(cf.SmartAPI.OrdersPerSecond, 10)),
		},
		Storage: StorageConfig{
			DataDir:             getEnv("DATA_DIR", orString(cf.Storage.DataDir, "data")),
			TokenStore:          strings.ToLower(getEnv("TOKEN_STORE", orString(cf.Storage.TokenStore, TokenStoreBadger))),
			TokenKey:            getEnv("TOKEN_KEY", orString(cf.Storage.TokenKey, "smartapi_token.json")),
			BadgerEncryptionKey: getEnv("BADGER_ENCRYPTION_KEY", cf.Storage.BadgerEncryptionKey),
			PositionStore:       strings.ToLower(getEnv("POSITION_STORE", orString(cf.Storage.PositionStore, "badger"))),
			PositionDSN:         getEnv("POSITION_DSN", cf.Storage.PositionDSN),
		},
		API: APIConfig{
			Host: getEnv("API_HOST", orString(cf.API.Host, "0.0.0.0")),
			Port: parseIntEnv("API_PORT", orInt(cf.API.Port, 8000)),
		},
		Stream: StreamConfig{
			Enabled:        parseBoolEnv("STREAM_ENABLED", streamEnabled),
			StartAttempts:  parseIntEnv("STREAM_START_ATTEMPTS", orInt(cf.Stream.StartAttempts, 3)),
			StartDelay:     startDelay,
			ReconnectDelay: reconnectDelay,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", orString(cf.Log.Level, "info")),
			File:  getEnv("LOG_FILE", cf.Log.File),
		},
		MetricsListen: getEnv("METRICS_LISTEN", cf.MetricsListen),
		AppName:       getEnv("APP_NAME", orString(cf.AppName, "tradingbot-smartapi")),
		Debug:         parseBoolEnv("DEBUG", cf.Debug),
	}
	if cfg.Debug && os.Getenv("LOG_LEVEL") == "" && cf.Log.Level == "" {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.SmartAPI.APIKey == "" {
		return fmt.Errorf("SMARTAPI_API_KEY is not set")
	}
	if c.SmartAPI.ClientCode == "" {
		return fmt.Errorf("SMARTAPI_CLIENT_CODE is not set")
	}
	if c.SmartAPI.OrdersPerSecond < 0 {
		return fmt.Errorf("SMARTAPI_ORDERS_PER_SECOND must not be negative")
	}
	switch c.Storage.TokenStore {
	case TokenStoreBadger, TokenStoreFile, TokenStoreNone:
	default:
		return fmt.Errorf("TOKEN_STORE must be one of badger, file, none (got %q)", c.Storage.TokenStore)
	}
	switch c.Storage.PositionStore {
	case "badger", "memory", "sqlite":
	case "postgres":
		if c.Storage.PositionDSN == "" {
			return fmt.Errorf("POSITION_DSN is required for the postgres position store")
		}
	default:
		return fmt.Errorf("POSITION_STORE must be one of badger, sqlite, postgres, memory (got %q)", c.Storage.PositionStore)
	}
	if _, err := kvstore.ParseKey(c.Storage.BadgerEncryptionKey); err != nil {
		return fmt.Errorf("BADGER_ENCRYPTION_KEY: %w", err)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("API_PORT out of range: %d", c.API.Port)
	}
	if c.Stream.StartAttempts < 1 {
		return fmt.Errorf("STREAM_START_ATTEMPTS must be at least 1")
	}
	if c.Stream.StartDelay < 0 || c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream delays must be positive")
	}
	return nil
}

// UsesBadger 是否需要打开 badger 数据库
func (c *Config) UsesBadger() bool {
	return c.Storage.TokenStore == TokenStoreBadger || c.Storage.PositionStore == "badger"
}

// PositionDSN 返回位置存储的 DSN，sqlite 未配置时落在 DataDir 下
func (c *Config) PositionDSN() string {
	if c.Storage.PositionDSN == "" && c.Storage.PositionStore == "sqlite" {
		return filepath.Join(c.Storage.DataDir, "positions.db")
	}
	return c.Storage.PositionDSN
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", filepath.Ext(filePath))
	}
	return &cf, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return b
}

// durationFrom 解析时长；纯数字按秒处理（兼容 WEBSOCKET_RECONNECT_DELAY=5 的写法）
func durationFrom(fileValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(envKey, fileValue)
	if raw == "" {
		return defaultValue, nil
	}
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", envKey, raw)
	}
	return d, nil
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v != 0 {
		return v
	}
	return def
}
