package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 存储后端
const (
	StoreBackendMongo  = "mongo"
	StoreBackendSQLite = "sqlite"
)

// TelegramDownloadLimit Bot API getFile 能下载的最大文件（20 MB）
const TelegramDownloadLimit int64 = 20 << 20

// Config 应用程序配置（启动时加载一次，显式传入各组件）
type Config struct {
	Telegram        TelegramConfig
	Mastodon        MastodonConfig
	Store           StoreConfig
	PollingInterval time.Duration // 两轮转发之间的间隔
	MaxRetries      int           // 单条消息最大尝试次数
	FetchPageSize   int           // 每轮最多拉取的消息数
	MessageTimeout  time.Duration // 单条消息一次尝试的超时
	LeaseDuration   time.Duration // pending 记录租约
	MetricsAddr     string        // /metrics 监听地址，空表示关闭
}

// TelegramConfig 源频道配置
type TelegramConfig struct {
	Token           string        // Bot Token
	ChannelID       int64         // 源频道 ID
	ChannelUsername string        // 频道公开用户名（用于原文链接）
	RequestTimeout  time.Duration // HTTP 超时
	MediaMaxBytes   int64         // 单个媒体最大字节数
	AlbumWait       time.Duration // 相册收集等待时间
}

// MastodonConfig 目标账号配置
type MastodonConfig struct {
	InstanceURL    string
	AccessToken    string
	Visibility     string
	Language       string
	MaxChars       int
	RequestTimeout time.Duration
	RatePerSecond  int
}

// StoreConfig 台账存储配置
type StoreConfig struct {
	Backend     string
	MongoURI    string
	MongoDBName string
	SQLitePath  string
}

// LoadDotEnv 加载存在的 .env 文件（不存在时忽略）
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files %v: %w", existing, err)
	}
	return nil
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	cfg := &Config{
		Telegram: TelegramConfig{
			Token:           firstEnv("TELEGRAM_BOT_TOKEN", "TELEGRAM_TOKEN"),
			ChannelUsername: strings.TrimPrefix(strings.TrimSpace(os.Getenv("TELEGRAM_CHANNEL_USERNAME")), "@"),
			AlbumWait:       2 * time.Second,
		},
		Mastodon: MastodonConfig{
			InstanceURL: strings.TrimRight(strings.TrimSpace(os.Getenv("MASTODON_INSTANCE_URL")), "/"),
			AccessToken: strings.TrimSpace(os.Getenv("MASTODON_ACCESS_TOKEN")),
			Visibility:  strings.TrimSpace(os.Getenv("MASTODON_VISIBILITY")),
			Language:    strings.TrimSpace(os.Getenv("MASTODON_LANGUAGE")),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))),
			MongoURI:    os.Getenv("MONGO_URI"),
			MongoDBName: os.Getenv("MONGO_DB_NAME"),
			SQLitePath:  strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		},
		MetricsAddr: strings.TrimSpace(os.Getenv("METRICS_ADDR")),
	}

	if cfg.Mastodon.Visibility == "" {
		cfg.Mastodon.Visibility = "public"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendMongo
	}
	if cfg.Store.MongoDBName == "" {
		cfg.Store.MongoDBName = "tg_to_mastodon"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/bridge.db"
	}

	// CHANNEL_ID（运行转发时必填，由 Validate 检查）
	if channelIDStr := strings.TrimSpace(os.Getenv("CHANNEL_ID")); channelIDStr != "" {
		channelID, err := strconv.ParseInt(channelIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CHANNEL_ID: %w", err)
		}
		cfg.Telegram.ChannelID = channelID
	}

	// POLLING_INTERVAL 单位秒，允许小数（默认 1 小时）
	interval, err := parseSeconds("POLLING_INTERVAL", 3600)
	if err != nil {
		return nil, err
	}
	cfg.PollingInterval = interval

	if cfg.MaxRetries, err = parsePositiveInt("MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.FetchPageSize, err = parsePositiveInt("FETCH_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.Mastodon.MaxChars, err = parsePositiveInt("MASTODON_MAX_CHARS", 500); err != nil {
		return nil, err
	}
	if cfg.Mastodon.RatePerSecond, err = parsePositiveInt("MASTODON_RATE_PER_SECOND", 5); err != nil {
		return nil, err
	}

	requestTimeout, err := parseSeconds("REQUEST_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.Telegram.RequestTimeout = requestTimeout
	cfg.Mastodon.RequestTimeout = requestTimeout

	if cfg.MessageTimeout, err = parseSeconds("MESSAGE_TIMEOUT_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.LeaseDuration, err = parseSeconds("LEASE_SECONDS", 600); err != nil {
		return nil, err
	}

	cfg.Telegram.MediaMaxBytes = TelegramDownloadLimit
	if maxBytesStr := strings.TrimSpace(os.Getenv("MEDIA_MAX_BYTES")); maxBytesStr != "" {
		maxBytes, err := strconv.ParseInt(maxBytesStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MEDIA_MAX_BYTES: %w", err)
		}
		if maxBytes <= 0 {
			return nil, fmt.Errorf("MEDIA_MAX_BYTES must be > 0, got %d", maxBytes)
		}
		if maxBytes > TelegramDownloadLimit {
			return nil, fmt.Errorf("MEDIA_MAX_BYTES must be <= %d (Bot API getFile limit), got %d", TelegramDownloadLimit, maxBytes)
		}
		cfg.Telegram.MediaMaxBytes = maxBytes
	}

	return cfg, nil
}

// Validate 校验运行转发所需的配置
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.Telegram.ChannelID == 0 {
		errs = append(errs, errors.New("CHANNEL_ID is required"))
	}
	if c.Mastodon.InstanceURL == "" {
		errs = append(errs, errors.New("MASTODON_INSTANCE_URL is required"))
	}
	if c.Mastodon.AccessToken == "" {
		errs = append(errs, errors.New("MASTODON_ACCESS_TOKEN is required"))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}

	switch c.Mastodon.Visibility {
	case "public", "unlisted", "private", "direct":
	default:
		errs = append(errs, fmt.Errorf("invalid MASTODON_VISIBILITY %q", c.Mastodon.Visibility))
	}

	return errors.Join(errs...)
}

// ValidateStore 只校验存储配置（运维命令只需要台账）
func (c *Config) ValidateStore() error {
	switch c.Store.Backend {
	case StoreBackendMongo:
		if c.Store.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_BACKEND=mongo")
		}
	case StoreBackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func parseSeconds(key string, fallback float64) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return time.Duration(fallback * float64(time.Second)), nil
	}

	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("%s must be > 0, got %s", key, raw)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if value < 1 {
		return 0, fmt.Errorf("%s must be >= 1, got %d", key, value)
	}
	return value, nil
}
