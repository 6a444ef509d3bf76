package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"tg_to_mastodon/internal/config"
)

// Client 封装 MongoDB 客户端及其数据库名
type Client struct {
	*mongo.Client
	dbName string
}

// Config 定义 MongoDB 连接配置
type Config struct {
	URI         string        // MongoDB 连接 URI，例如 "mongodb://localhost:27017"
	Database    string        // 数据库名称
	Timeout     time.Duration // 连接超时时间
	AppName     string        // 连接上报的应用名
	MaxPoolSize uint64        // 连接池上限，0 使用驱动默认值
}

// NewClient 连接并 ping MongoDB
func NewClient(cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MongoDB URI cannot be empty")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("database name cannot be empty")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	// 台账写入需多数派确认
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetRetryWrites(true).
		SetWriteConcern(writeconcern.Majority()).
		SetServerSelectionTimeout(cfg.Timeout)
	if cfg.AppName != "" {
		clientOptions.SetAppName(cfg.AppName)
	}
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		Client: client,
		dbName: cfg.Database,
	}, nil
}

// InitFromConfig 按应用配置创建客户端
func InitFromConfig(cfg *config.Config) (*Client, error) {
	return NewClient(Config{
		URI:         cfg.Store.MongoURI,
		Database:    cfg.Store.MongoDBName,
		Timeout:     10 * time.Second,
		AppName:     "tg_to_mastodon",
		MaxPoolSize: 10,
	})
}

// Close 断开连接
func (c *Client) Close(ctx context.Context) error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Disconnect(ctx)
}

// Database 返回配置的数据库句柄
func (c *Client) Database() *mongo.Database {
	if c.Client == nil {
		return nil
	}
	return c.Client.Database(c.dbName)
}

// Ping 验证与 MongoDB 的连接
func (c *Client) Ping(ctx context.Context) error {
	if c.Client == nil {
		return fmt.Errorf("MongoDB client is not initialized")
	}
	return c.Client.Ping(ctx, readpref.Primary())
}
