package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/logger"
	"tg_to_mastodon/internal/mongo"
	"tg_to_mastodon/internal/repository"
	"tg_to_mastodon/internal/sqlite"
)

// Stores 收件箱、台账、游标三个仓储
type Stores struct {
	Inbox   repository.InboxRepository
	Ledger  repository.Ledger
	Cursors repository.CursorRepository

	mongoClient *mongo.Client
	sqliteDB    *sql.DB
}

// OpenStores 按 STORE_BACKEND 打开存储并确保索引
func OpenStores(ctx context.Context, cfg *config.Config, ledgerOpts repository.LedgerOptions) (*Stores, error) {
	stores := &Stores{}

	switch cfg.Store.Backend {
	case config.StoreBackendMongo:
		client, err := mongo.InitFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("init MongoDB failed: %w", err)
		}
		stores.mongoClient = client
		db := client.Database()
		stores.Inbox = repository.NewMongoInboxRepository(db)
		stores.Ledger = repository.NewMongoLedger(db, ledgerOpts)
		stores.Cursors = repository.NewMongoCursorRepository(db)
		logger.L().Infof("MongoDB initialized successfully: database=%s", cfg.Store.MongoDBName)

	case config.StoreBackendSQLite:
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init SQLite failed: %w", err)
		}
		stores.sqliteDB = db
		stores.Inbox = repository.NewSQLiteInboxRepository(db)
		stores.Ledger = repository.NewSQLiteLedger(db, ledgerOpts)
		stores.Cursors = repository.NewSQLiteCursorRepository(db)
		logger.L().Infof("SQLite initialized successfully: path=%s", cfg.Store.SQLitePath)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if err := stores.ensureIndexes(ctx); err != nil {
		_ = stores.Close(context.Background())
		return nil, err
	}

	return stores, nil
}

func (s *Stores) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.Inbox.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure inbox indexes: %w", err)
	}
	if err := s.Ledger.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure ledger indexes: %w", err)
	}
	if err := s.Cursors.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure cursor indexes: %w", err)
	}
	logger.L().Debug("Store indexes ensured")
	return nil
}

// Ping 检查存储连接（/healthz 使用）
func (s *Stores) Ping(ctx context.Context) error {
	if s.mongoClient != nil {
		return s.mongoClient.Ping(ctx)
	}
	if s.sqliteDB != nil {
		return s.sqliteDB.PingContext(ctx)
	}
	return fmt.Errorf("no store opened")
}

// Close 关闭底层连接
func (s *Stores) Close(ctx context.Context) error {
	if s.mongoClient != nil {
		if err := s.mongoClient.Close(ctx); err != nil {
			return fmt.Errorf("close MongoDB failed: %w", err)
		}
	}
	if s.sqliteDB != nil {
		if err := s.sqliteDB.Close(); err != nil {
			return fmt.Errorf("close SQLite failed: %w", err)
		}
	}
	return nil
}
