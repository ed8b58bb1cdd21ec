// internal/crawler/crawler_test.go
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/saimqureshi656/github-crawler-assessment/internal/github"
	"github.com/saimqureshi656/github-crawler-assessment/internal/model"
)

// MockFetcher is a mock of the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchPage(ctx context.Context, cursor string, pageSize int) (*model.Page, error) {
	args := m.Called(ctx, cursor, pageSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Page), args.Error(1)
}

func (m *MockFetcher) LastRateLimit() (int, time.Time) {
	args := m.Called()
	return args.Int(0), args.Get(1).(time.Time)
}

// MockStore is a mock of the Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) UpsertRepositories(ctx context.Context, repos []model.Repository) error {
	args := m.Called(ctx, repos)
	return args.Error(0)
}

func (m *MockStore) AppendStarObservations(ctx context.Context, obs []model.StarObservation) error {
	args := m.Called(ctx, obs)
	return args.Error(0)
}

func newTestCrawler(f Fetcher, s Store, target, pageSize int) *Crawler {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := New(f, s, logger, target, pageSize)
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func makeRepos(startID int64, n int) []model.Repository {
	repos := make([]model.Repository, n)
	for i := range repos {
		id := startID + int64(i)
		repos[i] = model.Repository{
			ID:       id,
			Name:     fmt.Sprintf("repo-%d", id),
			Owner:    "owner",
			FullName: fmt.Sprintf("owner/repo-%d", id),
			Stars:    int(id),
		}
	}
	return repos
}

func makePage(startID int64, n int, cursor string, hasNext bool) *model.Page {
	return &model.Page{
		Repos:       makeRepos(startID, n),
		EndCursor:   cursor,
		HasNextPage: hasNext,
	}
}

func TestCrawler_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("completes with overshoot once the target is met", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 250, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(makePage(1, 100, "c1", true), nil).Once()
		fetcher.On("FetchPage", mock.Anything, "c1", 100).Return(makePage(101, 100, "c2", true), nil).Once()
		fetcher.On("FetchPage", mock.Anything, "c2", 100).Return(makePage(201, 100, "c3", true), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Times(3)
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Times(3)

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, progress.Outcome)
		assert.Equal(t, 300, progress.Fetched, "a page is never split to hit the target exactly")
		fetcher.AssertExpectations(t)
		store.AssertExpectations(t)
	})

	t.Run("ends exhausted when the source runs out of pages", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100000, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(makePage(1, 100, "c1", true), nil).Once()
		fetcher.On("FetchPage", mock.Anything, "c1", 100).Return(makePage(101, 100, "c2", true), nil).Once()
		fetcher.On("FetchPage", mock.Anything, "c2", 100).Return(makePage(201, 100, "c3", false), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Times(3)
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Times(3)

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, OutcomeExhausted, progress.Outcome)
		assert.Equal(t, 300, progress.Fetched)
	})

	t.Run("ends exhausted on a raw empty page", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(&model.Page{HasNextPage: true}, nil).Once()

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, OutcomeExhausted, progress.Outcome)
		assert.Zero(t, progress.Fetched)
		store.AssertNotCalled(t, "UpsertRepositories")
	})

	t.Run("filters records without an id and counts only persisted ones", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 5)

		page := makePage(1, 5, "c1", false)
		page.Repos[1] = model.Repository{} // null search node
		page.Repos[3] = model.Repository{}
		fetcher.On("FetchPage", mock.Anything, "", 5).Return(page, nil).Once()

		store.On("UpsertRepositories", mock.Anything, mock.MatchedBy(func(repos []model.Repository) bool {
			return len(repos) == 3 && repos[0].ID == 1 && repos[1].ID == 3 && repos[2].ID == 5
		})).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, 3, progress.Fetched, "progress counts persisted records, not raw page size")
		store.AssertExpectations(t)
	})

	t.Run("advances past a page that is empty after filtering", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 2)

		allNull := &model.Page{
			Repos:       []model.Repository{{}, {}},
			EndCursor:   "c1",
			HasNextPage: true,
		}
		fetcher.On("FetchPage", mock.Anything, "", 2).Return(allNull, nil).Once()
		fetcher.On("FetchPage", mock.Anything, "c1", 2).Return(makePage(1, 2, "c2", false), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, OutcomeExhausted, progress.Outcome)
		assert.Equal(t, 2, progress.Fetched)
		fetcher.AssertExpectations(t)
	})

	t.Run("retries the same cursor after a transient fetch failure", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(nil, github.ErrRetriesExhausted).Once()
		fetcher.On("FetchPage", mock.Anything, "", 100).Return(makePage(1, 100, "c1", false), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, 100, progress.Fetched, "no page is skipped on transient failure")
		fetcher.AssertExpectations(t)
	})

	t.Run("retries the same cursor after a persistence failure", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(makePage(1, 100, "c1", false), nil).Twice()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		progress, err := c.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, OutcomeExhausted, progress.Outcome)
		assert.Equal(t, 100, progress.Fetched)
		store.AssertExpectations(t)
	})

	t.Run("aborts after repeated failures at the same cursor", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(nil, github.ErrRetriesExhausted).Times(maxPageFailures)

		progress, err := c.Run(ctx)

		require.Error(t, err)
		assert.ErrorIs(t, err, github.ErrRetriesExhausted)
		assert.Equal(t, OutcomeAborted, progress.Outcome)
		fetcher.AssertExpectations(t)
	})

	t.Run("aborts immediately on an auth error", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(nil, github.ErrAuth).Once()

		progress, err := c.Run(ctx)

		require.ErrorIs(t, err, github.ErrAuth)
		assert.Equal(t, OutcomeAborted, progress.Outcome)
		fetcher.AssertNumberOfCalls(t, "FetchPage", 1)
		store.AssertNotCalled(t, "UpsertRepositories")
	})

	t.Run("aborts between pages on cancellation", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100000, 100)

		cancelCtx, cancel := context.WithCancel(context.Background())
		fetcher.On("FetchPage", mock.Anything, "", 100).Run(func(mock.Arguments) {
			cancel()
		}).Return(makePage(1, 100, "c1", true), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		progress, err := c.Run(cancelCtx)

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, OutcomeAborted, progress.Outcome)
		assert.Equal(t, 100, progress.Fetched, "the persisted page stays counted")
	})

	t.Run("progress snapshot is readable while running", func(t *testing.T) {
		fetcher := new(MockFetcher)
		store := new(MockStore)
		c := newTestCrawler(fetcher, store, 100, 100)

		fetcher.On("FetchPage", mock.Anything, "", 100).Return(makePage(1, 100, "c1", true), nil).Once()
		store.On("UpsertRepositories", mock.Anything, mock.Anything).Return(nil).Once()
		store.On("AppendStarObservations", mock.Anything, mock.Anything).Return(nil).Once()

		_, err := c.Run(ctx)
		require.NoError(t, err)

		p := c.Progress()
		assert.Equal(t, 100, p.Fetched)
		assert.Equal(t, "c1", p.Cursor)
		assert.Equal(t, OutcomeCompleted, p.Outcome)
	})
}
