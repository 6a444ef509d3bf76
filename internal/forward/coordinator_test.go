package forward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tg_to_mastodon/internal/metrics"
	"tg_to_mastodon/internal/models"
	"tg_to_mastodon/internal/repository"
	"tg_to_mastodon/internal/sqlite"
	"tg_to_mastodon/internal/translator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChatID int64 = -100777

type fakeSource struct {
	mu       sync.Mutex
	messages []*models.SourceMessage
	fetchErr error
}

func (s *fakeSource) ChatID() int64 { return testChatID }

func (s *fakeSource) FetchNewMessages(_ context.Context, since int64, limit int) ([]*models.SourceMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []*models.SourceMessage
	for _, msg := range s.messages {
		if msg.ID > since && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *fakeSource) add(msgs ...*models.SourceMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		msg.ChatID = testChatID
	}
	s.messages = append(s.messages, msgs...)
}

// scriptedPublisher 按 source id 预设每次调用返回的错误
type scriptedPublisher struct {
	mu        sync.Mutex
	failures  map[int64][]error
	published []*models.DestinationPost
	calls     map[int64]int
	onPublish func(post *models.DestinationPost)
}

func newScriptedPublisher() *scriptedPublisher {
	return &scriptedPublisher{
		failures: make(map[int64][]error),
		calls:    make(map[int64]int),
	}
}

func (p *scriptedPublisher) Publish(ctx context.Context, post *models.DestinationPost) (string, error) {
	if p.onPublish != nil {
		p.onPublish(post)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[post.SourceID]++
	if queue := p.failures[post.SourceID]; len(queue) > 0 {
		p.failures[post.SourceID] = queue[1:]
		return "", queue[0]
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.published = append(p.published, post)
	return fmt.Sprintf("status-%d", post.SourceID), nil
}

func (p *scriptedPublisher) publishedIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.published))
	for _, post := range p.published {
		ids = append(ids, post.SourceID)
	}
	return ids
}

type harness struct {
	db        *sql.DB
	source    *fakeSource
	publisher *scriptedPublisher
	ledger    repository.Ledger
	cursors   repository.CursorRepository
	coord     *Coordinator
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		db:        db,
		source:    &fakeSource{},
		publisher: newScriptedPublisher(),
		ledger:    repository.NewSQLiteLedger(db, repository.LedgerOptions{Owner: "test-worker", Lease: time.Minute}),
		cursors:   repository.NewSQLiteCursorRepository(db),
	}
	h.coord = NewCoordinator(
		h.source,
		translator.New(translator.Options{}),
		h.publisher,
		h.ledger,
		h.cursors,
		metrics.New(),
		opts,
	)
	return h
}

func (h *harness) cursor(t *testing.T) int64 {
	t.Helper()
	cursor, err := h.cursors.Load(context.Background(), testChatID)
	require.NoError(t, err)
	return cursor
}

func (h *harness) status(t *testing.T, sourceID int64) *models.ForwardRecord {
	t.Helper()
	record, err := h.ledger.Get(context.Background(), testChatID, sourceID)
	require.NoError(t, err)
	return record
}

func transient(msg string) error {
	return &models.TransientPublishError{Err: errors.New(msg)}
}

func TestRunPassForwardsTextMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(&models.SourceMessage{ID: 101, Text: "hello world"})

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, PassResult{Processed: 1, Forwarded: 1}, result)
	require.Len(t, h.publisher.published, 1)
	assert.Equal(t, "hello world", h.publisher.published[0].Text)

	record := h.status(t, 101)
	assert.Equal(t, models.ForwardStatusSucceeded, record.Status)
	assert.Equal(t, "status-101", record.DestinationPostID)
	assert.Equal(t, int64(101), h.cursor(t))
}

func TestRunPassSkipsEmptyMessage(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(&models.SourceMessage{ID: 102})

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.False(t, result.Halted)

	assert.Equal(t, models.ForwardStatusSkipped, h.status(t, 102).Status)
	assert.Equal(t, int64(102), h.cursor(t))
	assert.Empty(t, h.publisher.published)

	// 跳过的消息不会再次尝试
	require.NoError(t, h.cursors.Rewind(context.Background(), testChatID, 0))
	_, err = h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.status(t, 102).Attempts)
	assert.Zero(t, h.publisher.calls[102])
}

func TestRunPassRetriesTransientFailureAcrossPasses(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 5})
	h.source.add(
		&models.SourceMessage{ID: 104, Text: "flaky"},
		&models.SourceMessage{ID: 105, Text: "after"},
	)
	h.publisher.failures[104] = []error{transient("503"), transient("timeout")}

	for pass := 1; pass <= 2; pass++ {
		result, err := h.coord.RunPass(context.Background())
		require.NoError(t, err)
		assert.True(t, result.Halted, "pass %d should halt", pass)
		assert.Equal(t, int64(104), result.HaltedAt)
		assert.Positive(t, result.RetryAfter)

		assert.Equal(t, models.ForwardStatusFailed, h.status(t, 104).Status)
		assert.Equal(t, int64(0), h.cursor(t), "cursor must not pass a failed message")
		assert.Empty(t, h.publisher.publishedIDs(), "later messages must wait")
	}

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Halted)
	assert.Equal(t, 2, result.Forwarded)

	record := h.status(t, 104)
	assert.Equal(t, models.ForwardStatusSucceeded, record.Status)
	assert.Equal(t, 3, record.Attempts)
	assert.Equal(t, []int64{104, 105}, h.publisher.publishedIDs())
	assert.Equal(t, int64(105), h.cursor(t))
}

func TestRunPassAbandonsAfterMaxRetries(t *testing.T) {
	h := newHarness(t, Options{MaxRetries: 2})
	h.source.add(
		&models.SourceMessage{ID: 106, Text: "always failing"},
		&models.SourceMessage{ID: 107, Text: "next"},
	)
	h.publisher.failures[106] = []error{transient("503"), transient("503"), transient("503")}

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Halted)

	result, err = h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Halted)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Forwarded)

	record := h.status(t, 106)
	assert.Equal(t, models.ForwardStatusFailedPermanent, record.Status)
	assert.Contains(t, record.LastError, "retries exhausted")
	assert.Equal(t, 2, h.publisher.calls[106])
	assert.Equal(t, int64(107), h.cursor(t))
}

func TestRunPassFatalPublishAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(
		&models.SourceMessage{ID: 108, Text: "rejected"},
		&models.SourceMessage{ID: 109, Text: "fine"},
	)
	h.publisher.failures[108] = []error{&models.FatalPublishError{Err: errors.New("422 validation failed")}}

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassResult{Processed: 2, Forwarded: 1, Failed: 1}, result)

	assert.Equal(t, models.ForwardStatusFailedPermanent, h.status(t, 108).Status)
	assert.Equal(t, int64(109), h.cursor(t))
}

func TestRunPassFatalFetchAdvances(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(&models.SourceMessage{ID: 110, Text: "too big video"})
	h.publisher.failures[110] = []error{&models.FatalFetchError{Err: errors.New("file is too big")}}

	_, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ForwardStatusFailedPermanent, h.status(t, 110).Status)
	assert.Equal(t, int64(110), h.cursor(t))
}

func TestRunPassIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(
		&models.SourceMessage{ID: 111, Text: "one"},
		&models.SourceMessage{ID: 112, Text: "two"},
	)

	_, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, h.publisher.publishedIDs(), 2)

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassResult{}, result)

	// 即使游标被回拨，台账也保证不会重复发布
	require.NoError(t, h.cursors.Rewind(context.Background(), testChatID, 0))
	result, err = h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Zero(t, result.Forwarded)
	assert.Len(t, h.publisher.publishedIDs(), 2)
}

func TestRunPassPreservesOrderAndPageSize(t *testing.T) {
	h := newHarness(t, Options{PageSize: 2})
	for id := int64(120); id < 125; id++ {
		h.source.add(&models.SourceMessage{ID: id, Text: fmt.Sprintf("post %d", id)})
	}

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	for i := 0; i < 2; i++ {
		_, err = h.coord.RunPass(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{120, 121, 122, 123, 124}, h.publisher.publishedIDs())
}

func TestRunPassHaltsOnForeignLease(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(&models.SourceMessage{ID: 130, Text: "contested"})

	// 另一个实例先持有租约
	other := repository.NewSQLiteLedger(h.db, repository.LedgerOptions{Owner: "other-worker", Lease: time.Minute})
	_, err := other.Begin(context.Background(), testChatID, 130)
	require.NoError(t, err)

	result, err := h.coord.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Halted)
	assert.GreaterOrEqual(t, result.RetryAfter, time.Second)
	assert.Empty(t, h.publisher.publishedIDs())
	assert.Equal(t, int64(0), h.cursor(t))
}

func TestRunPassStopsBetweenMessagesOnShutdown(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.add(
		&models.SourceMessage{ID: 140, Text: "first"},
		&models.SourceMessage{ID: 141, Text: "second"},
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.publisher.onPublish = func(post *models.DestinationPost) {
		if post.SourceID == 140 {
			cancel()
		}
	}

	result, err := h.coord.RunPass(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Forwarded, "in-flight message completes despite shutdown")
	assert.Equal(t, []int64{140}, h.publisher.publishedIDs())
	assert.Equal(t, models.ForwardStatusSucceeded, h.status(t, 140).Status)
	assert.Equal(t, int64(140), h.cursor(t))
}

func TestRunPassFetchErrorHalts(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.fetchErr = &models.TransientFetchError{Err: errors.New("store unavailable"), RetryAfter: 2 * time.Second}

	result, err := h.coord.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, result.Halted)
	assert.Equal(t, 2*time.Second+forwardRetryJitter(testChatID), result.RetryAfter)
}
