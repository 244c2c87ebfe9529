package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// Config describes one polled endpoint.
type Config struct {
	ID      string
	URL     string
	Kind    string        // "anime" or "manga"
	Timeout time.Duration // per-request; default 20s
	// RetryMax is the number of re-attempts after the first failure.
	RetryMax int // default 2
}

// Adapter polls a single feed endpoint. Adapters are independent: a failing
// endpoint returns an error from Fetch and affects nothing else.
type Adapter struct {
	cfg   Config
	http  *http.Client
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

const maxFeedBody = 4 << 20 // 4 MiB

func New(cfg Config, client *http.Client, log logx.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		cfg:   cfg,
		http:  client,
		log:   log.With(logx.String("feed", cfg.ID)),
		sleep: sleepCtx,
	}
}

func (a *Adapter) ID() string { return a.cfg.ID }

// Fetch downloads and parses the feed, retrying transient failures a small
// capped number of times with linear spacing.
func (a *Adapter) Fetch(ctx context.Context) ([]source.Item, error) {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return nil, err
			}
			a.log.Debug("retrying feed fetch", logx.Int("attempt", attempt))
		}
		doc, err := a.fetchOnce(ctx)
		if err == nil {
			return a.toItems(doc), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("feed %s: %w", a.cfg.ID, lastErr)
}

func (a *Adapter) fetchOnce(ctx context.Context) (*Document, error) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, a.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, err
	}
	return Parse(body)
}

func (a *Adapter) toItems(doc *Document) []source.Item {
	items := make([]source.Item, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		if e.Title == "" {
			continue
		}
		items = append(items, source.Item{
			Source:      a.cfg.ID,
			WorkKind:    a.cfg.Kind,
			Title:       e.Title,
			URL:         e.Link,
			Description: e.Description,
			Platform:    a.cfg.ID,
			Published:   e.Published,
			Tags:        e.Categories,
		})
	}
	return items
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
