// internal/crawler/crawler.go
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saimqureshi656/github-crawler-assessment/internal/github"
	"github.com/saimqureshi656/github-crawler-assessment/internal/model"
)

const (
	// maxPageFailures bounds consecutive failures at one cursor before the
	// crawl is abandoned instead of stalling forever on a poisoned page.
	maxPageFailures = 5

	pageRetryDelay = 5 * time.Second

	// courtesyInterval paces successive requests against the shared API.
	courtesyInterval = 100 * time.Millisecond
)

// Outcome is the terminal state of a crawl run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed" // target reached
	OutcomeExhausted Outcome = "exhausted" // source ran out of pages
	OutcomeAborted   Outcome = "aborted"   // unrecoverable error or cancellation
)

// Progress tracks a run's position. It is process-local: a restarted crawl
// begins from an empty cursor and relies on the store's idempotency.
type Progress struct {
	Fetched   int
	Target    int
	Cursor    string
	StartedAt time.Time
	Outcome   Outcome
}

// Fetcher is the page source consumed by the crawler.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor string, pageSize int) (*model.Page, error)
	LastRateLimit() (remaining int, resetAt time.Time)
}

// Store is the persistence surface consumed by the crawler.
type Store interface {
	UpsertRepositories(ctx context.Context, repos []model.Repository) error
	AppendStarObservations(ctx context.Context, obs []model.StarObservation) error
}

// Crawler drives the harvest loop: fetch a page, filter it, persist it,
// advance, until the target is met, the source is exhausted, or the run is
// aborted. It owns all control-flow decisions; fetch and store failures never
// propagate without one being made.
type Crawler struct {
	fetcher  Fetcher
	store    Store
	logger   *slog.Logger
	target   int
	pageSize int
	limiter  *rate.Limiter

	// sleep is swappable so tests do not wait out real retry delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	progress Progress
}

// New creates a Crawler for the given target and page size.
func New(fetcher Fetcher, store Store, logger *slog.Logger, target, pageSize int) *Crawler {
	return &Crawler{
		fetcher:  fetcher,
		store:    store,
		logger:   logger,
		target:   target,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(rate.Every(courtesyInterval), 1),
		sleep:    sleepCtx,
	}
}

// Progress returns a snapshot of the run's counters, safe to call from other
// goroutines (the stats API reads it while the crawl runs).
func (c *Crawler) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Run executes the crawl to a terminal state. The returned Progress always
// carries an Outcome; the error is non-nil only for aborted runs and then
// explains the abort.
func (c *Crawler) Run(ctx context.Context) (Progress, error) {
	c.setProgress(Progress{Target: c.target, StartedAt: time.Now()})
	c.logger.Info("Starting crawl", "target", c.target, "page_size", c.pageSize)

	failures := 0

	for {
		p := c.Progress()

		if err := ctx.Err(); err != nil {
			c.logger.Info("Crawl cancelled", "fetched", p.Fetched)
			return c.finish(OutcomeAborted), err
		}
		if p.Fetched >= c.target {
			return c.finish(OutcomeCompleted), nil
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return c.finish(OutcomeAborted), err
		}

		page, err := c.fetcher.FetchPage(ctx, p.Cursor, c.pageSize)
		if err != nil {
			if errors.Is(err, github.ErrAuth) || errors.Is(err, context.Canceled) {
				return c.finish(OutcomeAborted), err
			}
			failures++
			if failures >= maxPageFailures {
				c.logger.Error("Page keeps failing, abandoning crawl", "cursor", p.Cursor, "failures", failures, "error", err)
				return c.finish(OutcomeAborted), fmt.Errorf("page at cursor %q failed %d times: %w", p.Cursor, failures, err)
			}
			c.logger.Error("Page fetch failed, will retry same cursor", "cursor", p.Cursor, "failures", failures, "error", err)
			if serr := c.sleep(ctx, pageRetryDelay); serr != nil {
				return c.finish(OutcomeAborted), serr
			}
			continue
		}

		if len(page.Repos) == 0 {
			c.logger.Info("Source returned an empty page, stopping", "fetched", p.Fetched)
			return c.finish(OutcomeExhausted), nil
		}

		repos := filterValid(page.Repos)
		if dropped := len(page.Repos) - len(repos); dropped > 0 {
			c.logger.Debug("Dropped records without a numeric id", "count", dropped)
		}

		if len(repos) > 0 {
			if err := c.persistPage(ctx, repos); err != nil {
				failures++
				if failures >= maxPageFailures {
					c.logger.Error("Persistence keeps failing, abandoning crawl", "cursor", p.Cursor, "failures", failures, "error", err)
					return c.finish(OutcomeAborted), fmt.Errorf("persisting page at cursor %q failed %d times: %w", p.Cursor, failures, err)
				}
				c.logger.Error("Persistence failed, will retry same cursor", "cursor", p.Cursor, "failures", failures, "error", err)
				if serr := c.sleep(ctx, pageRetryDelay); serr != nil {
					return c.finish(OutcomeAborted), serr
				}
				continue
			}
		}

		// The page is durable: only now advance the cursor and the counters.
		failures = 0
		p = c.advance(len(repos), page.EndCursor)
		c.logProgress(p, page)

		if p.Fetched >= c.target {
			return c.finish(OutcomeCompleted), nil
		}
		if !page.HasNextPage {
			c.logger.Info("Reached end of available repositories", "fetched", p.Fetched)
			return c.finish(OutcomeExhausted), nil
		}
	}
}

// persistPage writes one filtered page through both store operations. Each
// call is atomic on its own; re-delivery after a failure between the two is
// absorbed by the store's idempotency.
func (c *Crawler) persistPage(ctx context.Context, repos []model.Repository) error {
	if err := c.store.UpsertRepositories(ctx, repos); err != nil {
		return fmt.Errorf("upserting repositories: %w", err)
	}
	now := time.Now().UTC()
	obs := make([]model.StarObservation, len(repos))
	for i, r := range repos {
		obs[i] = model.StarObservation{RepositoryID: r.ID, Stars: r.Stars, ObservedAt: now}
	}
	if err := c.store.AppendStarObservations(ctx, obs); err != nil {
		return fmt.Errorf("appending star observations: %w", err)
	}
	return nil
}

func (c *Crawler) advance(persisted int, cursor string) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Fetched += persisted
	c.progress.Cursor = cursor
	return c.progress
}

func (c *Crawler) setProgress(p Progress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
}

func (c *Crawler) finish(o Outcome) Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Outcome = o
	return c.progress
}

func (c *Crawler) logProgress(p Progress, page *model.Page) {
	elapsed := time.Since(p.StartedAt)
	perSec := float64(p.Fetched) / elapsed.Seconds()
	var eta time.Duration
	if perSec > 0 && p.Fetched < p.Target {
		eta = time.Duration(float64(p.Target-p.Fetched)/perSec) * time.Second
	}
	c.logger.Info("Progress",
		"fetched", p.Fetched,
		"target", p.Target,
		"rate_per_sec", fmt.Sprintf("%.1f", perSec),
		"eta", eta.Round(time.Second).String(),
		"api_remaining", page.RateRemaining,
		"page_cost", page.Cost,
	)
}

// filterValid drops records without a stable numeric id (deleted or
// inaccessible repositories surface as null search nodes).
func filterValid(repos []model.Repository) []model.Repository {
	valid := repos[:0:0]
	for _, r := range repos {
		if r.ID != 0 {
			valid = append(valid, r)
		}
	}
	return valid
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
