// internal/github/client.go
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	gh "github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"github.com/saimqureshi656/github-crawler-assessment/internal/model"
)

const defaultEndpoint = "https://api.github.com/graphql"

// searchQuery fetches one page of repositories with more than one star,
// together with pagination info and rate-limit telemetry in the same request.
const searchQuery = `
query($cursor: String, $pageSize: Int!) {
  search(query: "stars:>1", type: REPOSITORY, first: $pageSize, after: $cursor) {
    pageInfo {
      hasNextPage
      endCursor
    }
    nodes {
      ... on Repository {
        databaseId
        name
        nameWithOwner
        owner {
          login
        }
        stargazerCount
        createdAt
        updatedAt
      }
    }
  }
  rateLimit {
    remaining
    resetAt
    cost
  }
}`

// RetryConfig holds the retry and backoff tuning for FetchPage.
type RetryConfig struct {
	// MaxAttempts is the retry budget for transient and protocol failures.
	// Rate-limit waits do not consume attempts.
	MaxAttempts int

	// InitialBackoff is the first backoff duration; it doubles per attempt.
	InitialBackoff time.Duration

	// RequestTimeout bounds a single HTTP round-trip.
	RequestTimeout time.Duration

	// RateLimitMargin is added on top of the reported reset time before the
	// next attempt after a quota exhaustion.
	RateLimitMargin time.Duration

	// MinRateLimitWait is the floor for a rate-limit wait, guarding against
	// stale or missing reset timestamps.
	MinRateLimitWait time.Duration
}

// DefaultRetryConfig returns the retry configuration used in production.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		InitialBackoff:   1 * time.Second,
		RequestTimeout:   30 * time.Second,
		RateLimitMargin:  10 * time.Second,
		MinRateLimitWait: 60 * time.Second,
	}
}

// Client issues paginated repository searches against the GitHub GraphQL API.
// All credential and endpoint state lives on the instance, so independently
// configured clients can coexist.
type Client struct {
	httpClient *http.Client
	gh         *gh.Client
	endpoint   string
	retry      RetryConfig
	logger     *slog.Logger

	mu            sync.Mutex
	rateRemaining int
	rateResetAt   time.Time
}

// Option customizes a Client, mainly for tests.
type Option func(*Client)

// WithEndpoint points the client at an alternative GraphQL endpoint.
func WithEndpoint(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithRetryConfig overrides the default retry tuning.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retry = rc }
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	c := &Client{
		httpClient:    tc,
		gh:            gh.NewClient(tc),
		endpoint:      defaultEndpoint,
		retry:         DefaultRetryConfig(),
		logger:        logger,
		rateRemaining: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LastRateLimit reports the quota telemetry captured from the most recent
// response, successful or not. Remaining is -1 before the first response.
func (c *Client) LastRateLimit() (remaining int, resetAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateRemaining, c.rateResetAt
}

// StartupRateLimit probes the REST /rate_limit endpoint (which also reports
// the GraphQL resource) so the quota can be logged before the crawl begins.
func (c *Client) StartupRateLimit(ctx context.Context) (remaining, limit int, resetAt time.Time, err error) {
	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("rate limit probe: %w", err)
	}
	g := limits.GetGraphQL()
	return g.Remaining, g.Limit, g.Reset.Time, nil
}

// outcomeKind tags the result of a single request attempt so the retry loop
// is a plain function of the classification rather than of error types.
type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeAuth
	outcomeRateLimited
	outcomeProtocol
	outcomeTransient
)

type attemptOutcome struct {
	kind    outcomeKind
	page    *model.Page
	resetAt time.Time
	err     error
}

// FetchPage fetches one page of repositories starting after cursor. An empty
// cursor fetches the first page. It blocks through backoff sleeps and
// rate-limit waits; the only unrecoverable results are ErrAuth, a final
// *ProtocolError, ErrRetriesExhausted, or context cancellation.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*model.Page, error) {
	var lastErr error
	backoff := c.retry.InitialBackoff

	for attempt := 1; attempt <= c.retry.MaxAttempts; {
		out := c.doRequest(ctx, cursor, pageSize)

		switch out.kind {
		case outcomeOK:
			return out.page, nil

		case outcomeAuth:
			return nil, ErrAuth

		case outcomeRateLimited:
			// Quota exhaustion is flow control, not a failure: wait out the
			// window without consuming the retry budget.
			wait := time.Until(out.resetAt) + c.retry.RateLimitMargin
			if wait < c.retry.MinRateLimitWait {
				wait = c.retry.MinRateLimitWait
			}
			c.logger.Warn("Rate limit exhausted, waiting for reset", "wait", wait.String(), "reset_at", out.resetAt)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}

		case outcomeProtocol:
			lastErr = out.err
			if attempt >= c.retry.MaxAttempts {
				return nil, out.err
			}
			c.logger.Warn("GraphQL error payload, retrying", "attempt", attempt, "error", out.err)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			attempt++

		case outcomeTransient:
			lastErr = out.err
			if attempt >= c.retry.MaxAttempts {
				return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retry.MaxAttempts, lastErr)
			}
			c.logger.Warn("Transient request failure, backing off", "attempt", attempt, "backoff", backoff.String(), "error", out.err)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			attempt++
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retry.MaxAttempts, lastErr)
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type repoNode struct {
	DatabaseID     int64     `json:"databaseId"`
	Name           string    `json:"name"`
	NameWithOwner  string    `json:"nameWithOwner"`
	Owner          struct{ Login string } `json:"owner"`
	StargazerCount int       `json:"stargazerCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type graphQLResponse struct {
	Data *struct {
		Search struct {
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []*repoNode `json:"nodes"`
		} `json:"search"`
		RateLimit struct {
			Remaining int       `json:"remaining"`
			ResetAt   time.Time `json:"resetAt"`
			Cost      int       `json:"cost"`
		} `json:"rateLimit"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// doRequest performs one HTTP round-trip and classifies the result.
func (c *Client) doRequest(ctx context.Context, cursor string, pageSize int) attemptOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, c.retry.RequestTimeout)
	defer cancel()

	variables := map[string]any{"pageSize": pageSize}
	if cursor != "" {
		variables["cursor"] = cursor
	}
	body, err := json.Marshal(graphQLRequest{Query: searchQuery, Variables: variables})
	if err != nil {
		return attemptOutcome{kind: outcomeTransient, err: err}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{kind: outcomeTransient, err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return attemptOutcome{kind: outcomeTransient, err: err}
	}
	defer resp.Body.Close()

	headerRemaining, headerReset := rateLimitFromHeaders(resp.Header)
	c.recordRateLimit(headerRemaining, headerReset)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return attemptOutcome{kind: outcomeAuth}

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return attemptOutcome{kind: outcomeRateLimited, resetAt: headerReset}

	case resp.StatusCode != http.StatusOK:
		return attemptOutcome{kind: outcomeTransient, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var decoded graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return attemptOutcome{kind: outcomeTransient, err: fmt.Errorf("decoding response: %w", err)}
	}

	if decoded.Data != nil {
		c.recordRateLimit(decoded.Data.RateLimit.Remaining, decoded.Data.RateLimit.ResetAt)
	}

	if len(decoded.Errors) > 0 {
		msgs := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			msgs[i] = e.Message
		}
		return attemptOutcome{kind: outcomeProtocol, err: &ProtocolError{Messages: msgs}}
	}
	if decoded.Data == nil {
		return attemptOutcome{kind: outcomeProtocol, err: &ProtocolError{Messages: []string{"response carried neither data nor errors"}}}
	}

	if decoded.Data.RateLimit.Remaining == 0 {
		// Quota hit exactly on a successful response: the page is still
		// usable, the next FetchPage call will wait via the 403 path.
		c.logger.Warn("GraphQL quota fully consumed", "reset_at", decoded.Data.RateLimit.ResetAt)
	}

	return attemptOutcome{kind: outcomeOK, page: toPage(decoded)}
}

func (c *Client) recordRateLimit(remaining int, resetAt time.Time) {
	if remaining < 0 {
		return
	}
	c.mu.Lock()
	c.rateRemaining = remaining
	if !resetAt.IsZero() {
		c.rateResetAt = resetAt
	}
	c.mu.Unlock()
}

// toPage translates a decoded search response to the internal page model.
// Null nodes (deleted or inaccessible repositories) become zero-ID records;
// the crawler filters those out.
func toPage(r graphQLResponse) *model.Page {
	repos := make([]model.Repository, 0, len(r.Data.Search.Nodes))
	for _, n := range r.Data.Search.Nodes {
		if n == nil {
			repos = append(repos, model.Repository{})
			continue
		}
		repos = append(repos, model.Repository{
			ID:        n.DatabaseID,
			Name:      n.Name,
			Owner:     n.Owner.Login,
			FullName:  n.NameWithOwner,
			Stars:     n.StargazerCount,
			CreatedAt: n.CreatedAt,
			UpdatedAt: n.UpdatedAt,
		})
	}
	return &model.Page{
		Repos:         repos,
		EndCursor:     r.Data.Search.PageInfo.EndCursor,
		HasNextPage:   r.Data.Search.PageInfo.HasNextPage,
		RateRemaining: r.Data.RateLimit.Remaining,
		RateResetAt:   r.Data.RateLimit.ResetAt,
		Cost:          r.Data.RateLimit.Cost,
	}
}

func rateLimitFromHeaders(h http.Header) (remaining int, resetAt time.Time) {
	remaining = -1
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}
	return remaining, resetAt
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
