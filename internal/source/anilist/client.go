// Package anilist wraps the AniList GraphQL API behind an adaptive
// requests-per-minute budget and a circuit breaker, so a misbehaving
// upstream degrades into typed errors instead of stalling the pipeline.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

const (
	defaultEndpoint = "https://graphql.anilist.co"
	sourceID        = "anilist"
)

type Config struct {
	Endpoint             string
	RequestsPerMinute    int // default 90
	MinRequestsPerMinute int // adaptive floor; default base/9
	Timeout              time.Duration
	// RetryMax is the number of re-attempts after the first transient failure.
	RetryMax int

	// Breaker settings.
	FailureThreshold int           // default 5
	Cooldown         time.Duration // default 60s
}

// Client executes AniList queries under the client's private limiter and
// breaker. It performs no persistence writes.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *Limiter
	breaker *Breaker
	log     logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func New(cfg Config, client *http.Client, log logx.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    client,
		limiter: NewLimiter(cfg.RequestsPerMinute, cfg.MinRequestsPerMinute),
		breaker: NewBreaker(cfg.FailureThreshold, cfg.Cooldown),
		log:     log.With(logx.String("source", sourceID)),
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) ID() string { return sourceID }

// Breaker exposes the client's circuit state for status reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// airingQuery lists episodes that aired within the requested unix range.
const airingQuery = `
query ($from: Int, $to: Int, $page: Int) {
  Page(page: $page, perPage: 50) {
    pageInfo { hasNextPage }
    airingSchedules(airingAt_greater: $from, airingAt_lesser: $to, sort: TIME) {
      episode
      airingAt
      media {
        siteUrl
        isAdult
        genres
        title { romaji english native }
      }
    }
  }
}`

type gqlResponse struct {
	Data struct {
		Page struct {
			PageInfo struct {
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			AiringSchedules []airingSchedule `json:"airingSchedules"`
		} `json:"Page"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type airingSchedule struct {
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
	Media    struct {
		SiteURL string   `json:"siteUrl"`
		IsAdult bool     `json:"isAdult"`
		Genres  []string `json:"genres"`
		Title   struct {
			Romaji  string `json:"romaji"`
			English string `json:"english"`
			Native  string `json:"native"`
		} `json:"title"`
	} `json:"media"`
}

// Fetch returns episodes that aired in the last 24 hours, paging through the
// API under the rate budget.
func (c *Client) Fetch(ctx context.Context) ([]source.Item, error) {
	now := time.Now()
	from := now.Add(-24 * time.Hour).Unix()
	to := now.Unix()

	var items []source.Item
	for page := 1; ; page++ {
		vars := map[string]any{"from": from, "to": to, "page": page}
		resp, err := c.query(ctx, airingQuery, vars)
		if err != nil {
			return nil, err
		}
		for _, sched := range resp.Data.Page.AiringSchedules {
			items = append(items, scheduleToItem(sched))
		}
		if !resp.Data.Page.PageInfo.HasNextPage {
			break
		}
	}
	c.log.Debug("anilist fetch complete", logx.Int("items", len(items)))
	return items, nil
}

// query runs one GraphQL request with bounded exponential backoff on
// transient failures. Non-retryable errors propagate immediately without
// touching the backoff state.
func (c *Client) query(ctx context.Context, gql string, vars map[string]any) (*gqlResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoffDelay(attempt)); err != nil {
				return nil, err
			}
			c.log.Debug("retrying anilist query", logx.Int("attempt", attempt))
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.Cancel()
			return nil, err
		}

		resp, err := c.queryOnce(ctx, gql, vars)
		if err == nil {
			c.breaker.RecordSuccess()
			c.limiter.RecordSuccess()
			return resp, nil
		}

		if !isTransient(err) {
			// Permanent: not the upstream's health, so no failure is counted —
			// but a held probe slot must be released or the circuit jams.
			c.breaker.Cancel()
			return nil, err
		}
		c.breaker.RecordFailure()
		c.limiter.RecordFailure()
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("anilist: retries exhausted: %w", lastErr)
}

func (c *Client) queryOnce(ctx context.Context, gql string, vars map[string]any) (*gqlResponse, error) {
	body, err := json.Marshal(map[string]any{"query": gql, "variables": vars})
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var out gqlResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("anilist: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("anilist: graphql error: %s", out.Errors[0].Message)
	}
	return &out, nil
}

// backoffDelay is exponential with full jitter on the upper half:
// base*2^(n-1) scaled by [0.5, 1.0), capped at maxDelay.
func (c *Client) backoffDelay(attempt int) time.Duration {
	const (
		base     = 500 * time.Millisecond
		maxDelay = 15 * time.Second
	)
	d := base << (attempt - 1)
	if d > maxDelay {
		d = maxDelay
	}
	half := d / 2
	return half + time.Duration(c.rng.Int63n(int64(half)+1))
}

func scheduleToItem(s airingSchedule) source.Item {
	title := s.Media.Title.Romaji
	if title == "" {
		title = s.Media.Title.English
	}
	if title == "" {
		title = s.Media.Title.Native
	}

	tags := append([]string(nil), s.Media.Genres...)
	if s.Media.IsAdult {
		tags = append(tags, "R18")
	}

	return source.Item{
		Source:        sourceID,
		WorkKind:      "anime",
		Title:         title,
		URL:           s.Media.SiteURL,
		Platform:      "AniList",
		Published:     time.Unix(s.AiringAt, 0).UTC(),
		Tags:          tags,
		EpisodeNumber: itoaNonZero(s.Episode),
	}
}

func itoaNonZero(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%d", n)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
