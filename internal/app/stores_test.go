package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tg_to_mastodon/internal/config"
	"tg_to_mastodon/internal/models"
	"tg_to_mastodon/internal/repository"
)

func TestOpenStoresSQLite(t *testing.T) {
	cfg := &config.Config{
		Store: config.StoreConfig{
			Backend:    config.StoreBackendSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "bridge.db"),
		},
	}

	ctx := context.Background()
	stores, err := OpenStores(ctx, cfg, repository.LedgerOptions{Owner: "test", Lease: time.Minute})
	if err != nil {
		t.Fatalf("OpenStores failed: %v", err)
	}
	defer stores.Close(ctx)

	if err := stores.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	msg := &models.SourceMessage{ID: 7, ChatID: -100, Date: time.Now(), Text: "hello", MessageIDs: []int64{7}}
	if err := stores.Inbox.Save(ctx, msg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := stores.Inbox.ListAfter(ctx, -100, 0, 10)
	if err != nil {
		t.Fatalf("ListAfter failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 7 {
		t.Fatalf("unexpected inbox contents: %+v", got)
	}

	if _, err := stores.Ledger.Begin(ctx, -100, 7); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := stores.Ledger.Commit(ctx, -100, 7, "post-1"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := stores.Cursors.Save(ctx, -100, 7); err != nil {
		t.Fatalf("cursor Save failed: %v", err)
	}

	if err := stores.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// 重新打开后数据仍在
	reopened, err := OpenStores(ctx, cfg, repository.LedgerOptions{Owner: "test-2"})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close(ctx)

	forwarded, err := reopened.Ledger.HasForwarded(ctx, -100, 7)
	if err != nil || !forwarded {
		t.Fatalf("expected forwarded after reopen, got %v, %v", forwarded, err)
	}
	cursor, err := reopened.Cursors.Load(ctx, -100)
	if err != nil || cursor != 7 {
		t.Fatalf("expected cursor 7 after reopen, got %d, %v", cursor, err)
	}
}

func TestOpenStoresUnknownBackend(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Backend: "redis"}}
	if _, err := OpenStores(context.Background(), cfg, repository.LedgerOptions{}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
