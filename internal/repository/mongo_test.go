package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tg_to_mastodon/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func namespace(mt *mtest.T) string {
	return mt.DB.Name() + "." + mt.Coll.Name()
}

func fixedLedger(mt *mtest.T, now time.Time) *MongoLedger {
	return &MongoLedger{
		collection: mt.Coll,
		opts: LedgerOptions{
			Owner: "worker-a",
			Lease: time.Minute,
			Now:   func() time.Time { return now },
		}.withDefaults(),
	}
}

func duplicateKeyResponse() bson.D {
	return mtest.CreateWriteErrorsResponse(mtest.WriteError{
		Index:   0,
		Code:    11000,
		Message: "E11000 duplicate key error collection: forward_records",
	})
}

func TestMongoInboxRepositorySave(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		repo := &MongoInboxRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
		))

		msg := &models.SourceMessage{ID: 101, ChatID: -100, Text: "hello world"}
		if err := repo.Save(context.Background(), msg); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if msg.CreatedAt.IsZero() {
			t.Fatalf("expected created_at to be set")
		}
	})

	mt.Run("update error", func(mt *mtest.T) {
		repo := &MongoInboxRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    123,
			Name:    "WriteError",
			Message: "mock write failure",
		}))

		err := repo.Save(context.Background(), &models.SourceMessage{ID: 102, ChatID: -100})
		if err == nil || !strings.Contains(err.Error(), "failed to save source message") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestMongoInboxRepositoryListAfter(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		repo := &MongoInboxRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCursorResponse(
			0,
			namespace(mt),
			mtest.FirstBatch,
			bson.D{
				{Key: "source_id", Value: int64(101)},
				{Key: "chat_id", Value: int64(-100)},
				{Key: "text", Value: "hello world"},
			},
			bson.D{
				{Key: "source_id", Value: int64(102)},
				{Key: "chat_id", Value: int64(-100)},
				{Key: "media", Value: bson.A{
					bson.D{{Key: "kind", Value: models.MediaKindImage}, {Key: "file_id", Value: "photo-1"}},
				}},
			},
		))

		messages, err := repo.ListAfter(context.Background(), -100, 100, 50)
		if err != nil {
			t.Fatalf("ListAfter failed: %v", err)
		}
		if len(messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(messages))
		}
		if messages[0].ID != 101 || messages[0].Text != "hello world" {
			t.Fatalf("unexpected first message: %+v", messages[0])
		}
		if len(messages[1].Media) != 1 || messages[1].Media[0].FileID != "photo-1" {
			t.Fatalf("unexpected media: %+v", messages[1].Media)
		}
	})
}

func TestMongoLedgerBegin(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mt.Run("fresh record", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		record, err := ledger.Begin(context.Background(), -100, 101)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if record.Status != models.ForwardStatusPending || record.Attempts != 1 {
			t.Fatalf("unexpected record: %+v", record)
		}
		if record.LeaseOwner != "worker-a" || !record.LeaseUntil.Equal(now.Add(time.Minute)) {
			t.Fatalf("unexpected lease: owner=%s until=%v", record.LeaseOwner, record.LeaseUntil)
		}
	})

	mt.Run("reuses failed record", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			duplicateKeyResponse(),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "source_id", Value: int64(101)},
				{Key: "status", Value: models.ForwardStatusPending},
				{Key: "attempts", Value: int32(2)},
				{Key: "lease_owner", Value: "worker-a"},
			}}),
		)

		record, err := ledger.Begin(context.Background(), -100, 101)
		if err != nil {
			t.Fatalf("Begin failed: %v", err)
		}
		if record.Attempts != 2 {
			t.Fatalf("expected attempts=2, got %d", record.Attempts)
		}
	})

	mt.Run("live lease", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			duplicateKeyResponse(),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(103)},
				{Key: "status", Value: models.ForwardStatusPending},
				{Key: "lease_owner", Value: "worker-b"},
				{Key: "lease_until", Value: now.Add(time.Minute)},
			}),
		)

		_, err := ledger.Begin(context.Background(), -100, 103)
		var inFlight *models.AlreadyInFlightError
		if !errors.As(err, &inFlight) {
			t.Fatalf("expected AlreadyInFlightError, got %v", err)
		}
		if inFlight.LeaseOwner != "worker-b" {
			t.Fatalf("unexpected lease owner: %s", inFlight.LeaseOwner)
		}
	})

	mt.Run("terminal record", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			duplicateKeyResponse(),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(102)},
				{Key: "status", Value: models.ForwardStatusSkipped},
			}),
		)

		_, err := ledger.Begin(context.Background(), -100, 102)
		if !errors.Is(err, models.ErrRecordClosed) {
			t.Fatalf("expected ErrRecordClosed, got %v", err)
		}
	})
}

func TestMongoLedgerCommit(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	now := time.Now().UTC()

	mt.Run("pending record", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		if err := ledger.Commit(context.Background(), -100, 101, "post-1"); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	})

	mt.Run("same post id is idempotent", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(101)},
				{Key: "status", Value: models.ForwardStatusSucceeded},
				{Key: "destination_post_id", Value: "post-1"},
			}),
		)

		if err := ledger.Commit(context.Background(), -100, 101, "post-1"); err != nil {
			t.Fatalf("expected idempotent commit, got %v", err)
		}
	})

	mt.Run("different post id conflicts", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(101)},
				{Key: "status", Value: models.ForwardStatusSucceeded},
				{Key: "destination_post_id", Value: "post-1"},
			}),
		)

		err := ledger.Commit(context.Background(), -100, 101, "post-2")
		var conflict *models.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
		if conflict.Existing != "post-1" || conflict.Attempted != "post-2" {
			t.Fatalf("unexpected conflict: %+v", conflict)
		}
	})

	mt.Run("missing record", func(mt *mtest.T) {
		ledger := fixedLedger(mt, now)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch),
		)

		if err := ledger.Commit(context.Background(), -100, 999, "post-1"); !errors.Is(err, models.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})
}

func TestMongoLedgerHasForwarded(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("succeeded", func(mt *mtest.T) {
		ledger := fixedLedger(mt, time.Now())
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
			{Key: "source_id", Value: int64(101)},
			{Key: "status", Value: models.ForwardStatusSucceeded},
		}))

		ok, err := ledger.HasForwarded(context.Background(), -100, 101)
		if err != nil || !ok {
			t.Fatalf("expected forwarded, got ok=%v err=%v", ok, err)
		}
	})

	mt.Run("not found", func(mt *mtest.T) {
		ledger := fixedLedger(mt, time.Now())
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		ok, err := ledger.HasForwarded(context.Background(), -100, 101)
		if err != nil || ok {
			t.Fatalf("expected not forwarded, got ok=%v err=%v", ok, err)
		}
	})
}

func TestMongoLedgerFinishRequiresLease(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("other owner", func(mt *mtest.T) {
		ledger := fixedLedger(mt, time.Now())
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(103)},
				{Key: "status", Value: models.ForwardStatusPending},
				{Key: "lease_owner", Value: "worker-b"},
			}),
		)

		err := ledger.Fail(context.Background(), -100, 103, "boom")
		if err == nil || !strings.Contains(err.Error(), "worker-b") {
			t.Fatalf("expected lease error, got %v", err)
		}
	})

	mt.Run("already in target status", func(mt *mtest.T) {
		ledger := fixedLedger(mt, time.Now())
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
				{Key: "source_id", Value: int64(102)},
				{Key: "status", Value: models.ForwardStatusSkipped},
			}),
		)

		if err := ledger.Skip(context.Background(), -100, 102, "no content"); err != nil {
			t.Fatalf("expected repeated skip to succeed, got %v", err)
		}
	})
}

func TestMongoCursorRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("load missing", func(mt *mtest.T) {
		repo := &MongoCursorRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		cursor, err := repo.Load(context.Background(), -100)
		if err != nil || cursor != 0 {
			t.Fatalf("expected zero cursor, got %d err=%v", cursor, err)
		}
	})

	mt.Run("load existing", func(mt *mtest.T) {
		repo := &MongoCursorRepository{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{
			{Key: "chat_id", Value: int64(-100)},
			{Key: "source_id", Value: int64(105)},
		}))

		cursor, err := repo.Load(context.Background(), -100)
		if err != nil || cursor != 105 {
			t.Fatalf("expected cursor 105, got %d err=%v", cursor, err)
		}
	})

	mt.Run("save behind existing cursor", func(mt *mtest.T) {
		repo := &MongoCursorRepository{collection: mt.Coll}
		mt.AddMockResponses(duplicateKeyResponse())

		if err := repo.Save(context.Background(), -100, 90); err != nil {
			t.Fatalf("expected stale save to be ignored, got %v", err)
		}
	})
}
