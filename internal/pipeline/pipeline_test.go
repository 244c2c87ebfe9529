package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/filter"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/notify"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

type fakeSource struct {
	id    string
	items []source.Item
	err   error
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Fetch(ctx context.Context) ([]source.Item, error) {
	return s.items, s.err
}

type countingMessenger struct {
	mu   sync.Mutex
	sent int
}

func (m *countingMessenger) Send(ctx context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

func (m *countingMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func newTestPipeline(t *testing.T, sources []source.Source, deny []string) (*Pipeline, store.Store, *countingMessenger) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	msgr := &countingMessenger{}
	disp := notify.NewDispatcher(st, msgr, nil, notify.Config{Recipient: "12345"}, logx.Nop())
	return New(sources, filter.New(deny), st, disp, logx.Nop()), st, msgr
}

func TestRunOnceDeduplicatesWithinRun(t *testing.T) {
	t.Parallel()
	published := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	item := source.Item{
		Source:        "anilist",
		WorkKind:      "anime",
		Title:         "サンプル作品",
		EpisodeNumber: "12",
		Platform:      "AniList",
		Published:     published,
		URL:           "https://anilist.co/anime/1",
	}
	// The same release arrives twice in one batch.
	src := &fakeSource{id: "anilist", items: []source.Item{item, item}}
	p, st, msgr := newTestPipeline(t, []source.Source{src}, nil)

	rep, err := p.RunOnce(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Fetched != 2 {
		t.Fatalf("fetched = %d, want 2", rep.Fetched)
	}
	if rep.PersistedNew != 1 {
		t.Fatalf("persisted = %d, want 1 (duplicate collapsed)", rep.PersistedNew)
	}
	if rep.Notified != 1 || msgr.count() != 1 {
		t.Fatalf("notified = %d, sends = %d, want 1/1", rep.Notified, msgr.count())
	}

	rows, err := st.ListUnnotified(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("unnotified after run = %d", len(rows))
	}
}

func TestRunOnceIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "feed", items: []source.Item{{
		Source:   "feed",
		WorkKind: "manga",
		Title:    "サンプル作品 第3巻",
		URL:      "https://example.jp/item/1",
	}}}
	p, _, msgr := newTestPipeline(t, []source.Source{src}, nil)
	ctx := context.Background()

	rep1, err := p.RunOnce(ctx, Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if rep1.PersistedNew != 1 || rep1.Notified != 1 {
		t.Fatalf("first run report = %+v", rep1)
	}

	rep2, err := p.RunOnce(ctx, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep2.PersistedNew != 0 || rep2.Notified != 0 {
		t.Fatalf("second run report = %+v, want no new rows and no sends", rep2)
	}
	if msgr.count() != 1 {
		t.Fatalf("total sends = %d, want exactly 1", msgr.count())
	}
}

func TestRunOnceDenylist(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "feed", items: []source.Item{
		{Source: "feed", WorkKind: "manga", Title: "Work R18 Special 第1巻"},
		{Source: "feed", WorkKind: "manga", Title: "健全な作品 第1巻"},
	}}
	p, _, msgr := newTestPipeline(t, []source.Source{src}, []string{"R18"})

	rep, err := p.RunOnce(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Filtered != 1 {
		t.Fatalf("filtered = %d, want 1", rep.Filtered)
	}
	if rep.PersistedNew != 1 || msgr.count() != 1 {
		t.Fatalf("persisted = %d sends = %d, want 1/1", rep.PersistedNew, msgr.count())
	}
}

func TestRunOnceDryRun(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "feed", items: []source.Item{
		{Source: "feed", WorkKind: "manga", Title: "サンプル作品 第3巻"},
	}}
	p, st, msgr := newTestPipeline(t, []source.Source{src}, nil)

	rep, err := p.RunOnce(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Fetched != 1 {
		t.Fatalf("fetched = %d", rep.Fetched)
	}
	if rep.PersistedNew != 0 || msgr.count() != 0 {
		t.Fatal("dry run produced side effects")
	}
	rows, err := st.ListUnnotified(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("dry run persisted releases")
	}
}

func TestRunOnceIsolatesSourceFailure(t *testing.T) {
	t.Parallel()
	broken := &fakeSource{id: "anilist", err: errors.New("upstream down")}
	healthy := &fakeSource{id: "feed", items: []source.Item{
		{Source: "feed", WorkKind: "manga", Title: "サンプル作品 第3巻"},
	}}
	p, _, msgr := newTestPipeline(t, []source.Source{broken, healthy}, nil)

	rep, err := p.RunOnce(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunOnce: %v (source outage must not abort the cycle)", err)
	}
	if len(rep.SourceErrors) != 1 || rep.SourceErrors["anilist"] == nil {
		t.Fatalf("source errors = %v", rep.SourceErrors)
	}
	if rep.PersistedNew != 1 || msgr.count() != 1 {
		t.Fatalf("healthy source not processed: %+v", rep)
	}
}

func TestRunOnceCancelled(t *testing.T) {
	t.Parallel()
	src := &fakeSource{id: "feed"}
	p, _, _ := newTestPipeline(t, []source.Source{src}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.RunOnce(ctx, Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
