package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string // subjects, in order
	fails int      // fail the first N sends
}

func (m *fakeMessenger) Send(ctx context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("send failed")
	}
	m.sent = append(m.sent, subject)
	return nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeCalendar struct {
	mu       sync.Mutex
	existing map[string]string // dedup key -> ref already on the calendar
	created  []Event
	fails    int
	nextRef  int
}

func (c *fakeCalendar) FindEvent(ctx context.Context, calendarID, dedupKey string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.existing[dedupKey]
	return ref, ok, nil
}

func (c *fakeCalendar) CreateEvent(ctx context.Context, ev Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return "", errors.New("calendar unavailable")
	}
	c.nextRef++
	ref := "evt_" + string(rune('0'+c.nextRef))
	if c.existing == nil {
		c.existing = map[string]string{}
	}
	c.existing[ev.DedupKey] = ref
	c.created = append(c.created, ev)
	return ref, nil
}

func newTestDispatcher(t *testing.T, msgr Messenger, cal Calendar, cfg Config) (*Dispatcher, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if cfg.Recipient == "" {
		cfg.Recipient = "12345"
	}
	d := NewDispatcher(st, msgr, cal, cfg, logx.Nop())
	d.sleep = func(ctx context.Context, dur time.Duration) error { return ctx.Err() }
	return d, st
}

func seedRelease(t *testing.T, st store.Store, number string) store.Release {
	t.Helper()
	ctx := context.Background()
	id, _, err := st.IngestRelease(ctx,
		store.Work{Title: "サンプル作品", Kind: "anime"},
		store.Release{ReleaseKind: "episode", Number: number, Platform: "AniList",
			ReleaseDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			Source:      "anilist", SourceURL: "https://anilist.co/anime/1"})
	if err != nil {
		t.Fatalf("IngestRelease: %v", err)
	}
	rows, err := st.ListUnnotified(ctx, 100)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	for _, r := range rows {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("seeded release %d not listed", id)
	return store.Release{}
}

func TestDispatchMarksNotifiedOnce(t *testing.T) {
	t.Parallel()
	msgr := &fakeMessenger{}
	cal := &fakeCalendar{}
	d, st := newTestDispatcher(t, msgr, cal, Config{CalendarID: "primary"})
	ctx := context.Background()
	rel := seedRelease(t, st, "12")

	sum := d.Dispatch(ctx, "run-1", []store.Release{rel})
	if sum.Sent != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if msgr.count() != 1 {
		t.Fatalf("messages = %d, want 1", msgr.count())
	}
	if !strings.Contains(msgr.sent[0], "サンプル作品") {
		t.Fatalf("subject = %q", msgr.sent[0])
	}

	// The release is gone from the unnotified set: re-dispatch sends nothing.
	rows, err := st.ListUnnotified(ctx, 100)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("unnotified after dispatch = %d", len(rows))
	}
	if len(cal.created) != 1 {
		t.Fatalf("calendar events = %d, want 1", len(cal.created))
	}
}

func TestDispatchPrimaryFailureStaysEligible(t *testing.T) {
	t.Parallel()
	msgr := &fakeMessenger{fails: 10}
	d, st := newTestDispatcher(t, msgr, nil, Config{RetryMax: 2})
	ctx := context.Background()
	rel := seedRelease(t, st, "1")

	sum := d.Dispatch(ctx, "run-1", []store.Release{rel})
	if sum.Sent != 0 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	rows, err := st.ListUnnotified(ctx, 100)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 1 {
		t.Fatal("failed release must stay unnotified for the next cycle")
	}

	// Each attempt left an audit row.
	last, err := st.LastAttempt(ctx, "telegram")
	if err != nil {
		t.Fatalf("LastAttempt: %v", err)
	}
	if last == nil || last.OK || last.Error == "" {
		t.Fatalf("last attempt = %+v", last)
	}
}

func TestDispatchRetriesPrimary(t *testing.T) {
	t.Parallel()
	msgr := &fakeMessenger{fails: 2}
	d, st := newTestDispatcher(t, msgr, nil, Config{RetryMax: 2})
	rel := seedRelease(t, st, "2")

	sum := d.Dispatch(context.Background(), "run-1", []store.Release{rel})
	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, want success on third attempt", sum)
	}
}

func TestDispatchCalendarDuplicateGuard(t *testing.T) {
	t.Parallel()
	msgr := &fakeMessenger{}
	d, st := newTestDispatcher(t, msgr, nil, Config{})
	rel := seedRelease(t, st, "3")

	cal := &fakeCalendar{existing: map[string]string{eventDedupKey(rel): "evt_existing"}}
	d.cal = cal
	d.cfg.CalendarID = "primary"

	sum := d.Dispatch(context.Background(), "run-1", []store.Release{rel})
	if sum.Sent != 1 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(cal.created) != 0 {
		t.Fatal("duplicate guard did not prevent creation")
	}
	missing, err := st.ListMissingEventRef(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListMissingEventRef: %v", err)
	}
	if len(missing) != 0 {
		t.Fatal("existing ref was not attached")
	}
}

func TestCalendarFailureDoesNotGateNotified(t *testing.T) {
	t.Parallel()
	msgr := &fakeMessenger{}
	cal := &fakeCalendar{fails: 10}
	d, st := newTestDispatcher(t, msgr, cal, Config{CalendarID: "primary", RetryMax: 1})
	ctx := context.Background()
	rel := seedRelease(t, st, "4")

	sum := d.Dispatch(ctx, "run-1", []store.Release{rel})
	if sum.Sent != 1 {
		t.Fatalf("summary = %+v, calendar failure must not count as Failed", sum)
	}

	rows, err := st.ListUnnotified(ctx, 100)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 0 {
		t.Fatal("release must be notified despite calendar failure")
	}

	// The event stays missing and is recovered once the calendar heals.
	cal.mu.Lock()
	cal.fails = 0
	cal.mu.Unlock()
	if got := d.RetryMissingEvents(ctx, "run-2", 10); got != 1 {
		t.Fatalf("RetryMissingEvents = %d, want 1", got)
	}
	missing, err := st.ListMissingEventRef(ctx, 10)
	if err != nil {
		t.Fatalf("ListMissingEventRef: %v", err)
	}
	if len(missing) != 0 {
		t.Fatal("event ref still missing after recovery")
	}
}

func TestRenderSubjectAndBody(t *testing.T) {
	t.Parallel()
	rel := store.Release{
		WorkTitle:   "サンプル作品",
		WorkKind:    "anime",
		ReleaseKind: "episode",
		Number:      "12",
		Platform:    "AniList",
		ReleaseDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		SourceURL:   "https://anilist.co/anime/1",
	}
	subject := renderSubject(rel)
	if !strings.Contains(subject, "サンプル作品") || !strings.Contains(subject, "第12話") {
		t.Fatalf("subject = %q", subject)
	}
	body := renderBody(rel)
	for _, want := range []string{"2025-01-10", "AniList", "https://anilist.co/anime/1"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
