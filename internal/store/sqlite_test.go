package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestUpsertWorkIdempotent(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id1, err := st.UpsertWork(ctx, Work{Title: "サンプル作品", Kind: "anime"})
	if err != nil {
		t.Fatalf("UpsertWork: %v", err)
	}
	id2, err := st.UpsertWork(ctx, Work{Title: "サンプル作品", Kind: "anime"})
	if err != nil {
		t.Fatalf("UpsertWork repeat: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids differ: %d vs %d", id1, id2)
	}

	// Same title, different kind is a distinct work.
	id3, err := st.UpsertWork(ctx, Work{Title: "サンプル作品", Kind: "manga"})
	if err != nil {
		t.Fatalf("UpsertWork manga: %v", err)
	}
	if id3 == id1 {
		t.Fatal("kind is part of the work identity")
	}
}

func TestUpsertWorkFillOnly(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.UpsertWork(ctx, Work{Title: "作品", Kind: "anime", TitleEn: "Original"})
	if err != nil {
		t.Fatalf("UpsertWork: %v", err)
	}

	// Fills the empty official URL but must not overwrite the English title.
	if _, err := st.UpsertWork(ctx, Work{Title: "作品", Kind: "anime", TitleEn: "Changed", OfficialURL: "https://example.jp"}); err != nil {
		t.Fatalf("UpsertWork fill: %v", err)
	}

	rid, _, err := st.UpsertRelease(ctx, Release{WorkID: id, ReleaseKind: "episode", Number: "1", Platform: "AniList", ReleaseDate: day(2025, 1, 10)})
	if err != nil {
		t.Fatalf("UpsertRelease: %v", err)
	}
	rows, err := st.ListUnnotified(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != rid {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].WorkTitle != "作品" {
		t.Fatalf("joined work title = %q", rows[0].WorkTitle)
	}
}

func TestUpsertReleaseDedup(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	wid, err := st.UpsertWork(ctx, Work{Title: "作品", Kind: "anime"})
	if err != nil {
		t.Fatalf("UpsertWork: %v", err)
	}
	rel := Release{WorkID: wid, ReleaseKind: "episode", Number: "12", Platform: "AniList", ReleaseDate: day(2025, 1, 10), Source: "anilist"}

	id1, created, err := st.UpsertRelease(ctx, rel)
	if err != nil {
		t.Fatalf("UpsertRelease: %v", err)
	}
	if !created {
		t.Fatal("first insert reported created=false")
	}

	id2, created, err := st.UpsertRelease(ctx, rel)
	if err != nil {
		t.Fatalf("UpsertRelease repeat: %v", err)
	}
	if created || id2 != id1 {
		t.Fatalf("duplicate: id=%d created=%v, want id=%d created=false", id2, created, id1)
	}

	// Any differing key component is a new release.
	for _, alt := range []Release{
		{WorkID: wid, ReleaseKind: "volume", Number: "12", Platform: "AniList", ReleaseDate: day(2025, 1, 10)},
		{WorkID: wid, ReleaseKind: "episode", Number: "13", Platform: "AniList", ReleaseDate: day(2025, 1, 10)},
		{WorkID: wid, ReleaseKind: "episode", Number: "12", Platform: "BookWalker", ReleaseDate: day(2025, 1, 10)},
		{WorkID: wid, ReleaseKind: "episode", Number: "12", Platform: "AniList", ReleaseDate: day(2025, 1, 11)},
	} {
		id, created, err := st.UpsertRelease(ctx, alt)
		if err != nil {
			t.Fatalf("UpsertRelease variant: %v", err)
		}
		if !created || id == id1 {
			t.Fatalf("variant %+v not treated as new (id=%d created=%v)", alt, id, created)
		}
	}
}

func TestIngestRelease(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	w := Work{Title: "作品", Kind: "manga"}
	r := Release{ReleaseKind: "volume", Number: "3", Platform: "BookWalker", ReleaseDate: day(2025, 1, 10)}

	id1, created, err := st.IngestRelease(ctx, w, r)
	if err != nil {
		t.Fatalf("IngestRelease: %v", err)
	}
	if !created {
		t.Fatal("first ingest reported created=false")
	}
	id2, created, err := st.IngestRelease(ctx, w, r)
	if err != nil {
		t.Fatalf("IngestRelease repeat: %v", err)
	}
	if created || id2 != id1 {
		t.Fatalf("re-ingest: id=%d created=%v", id2, created)
	}
}

func TestListUnnotifiedOrderAndMark(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	wid, err := st.UpsertWork(ctx, Work{Title: "作品", Kind: "anime"})
	if err != nil {
		t.Fatalf("UpsertWork: %v", err)
	}
	// Inserted out of date order on purpose.
	late, _, err := st.UpsertRelease(ctx, Release{WorkID: wid, ReleaseKind: "episode", Number: "2", Platform: "AniList", ReleaseDate: day(2025, 1, 12)})
	if err != nil {
		t.Fatalf("UpsertRelease: %v", err)
	}
	early, _, err := st.UpsertRelease(ctx, Release{WorkID: wid, ReleaseKind: "episode", Number: "1", Platform: "AniList", ReleaseDate: day(2025, 1, 10)})
	if err != nil {
		t.Fatalf("UpsertRelease: %v", err)
	}

	rows, err := st.ListUnnotified(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != early || rows[1].ID != late {
		t.Fatalf("order = %v, want [%d %d]", ids(rows), early, late)
	}

	ok, err := st.MarkNotified(ctx, early, "")
	if err != nil || !ok {
		t.Fatalf("MarkNotified = %v, %v", ok, err)
	}
	rows, err = st.ListUnnotified(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnnotified: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != late {
		t.Fatalf("after mark: %v", ids(rows))
	}

	if ok, err := st.MarkNotified(ctx, 99999, ""); err != nil || ok {
		t.Fatalf("MarkNotified(unknown) = %v, %v", ok, err)
	}
}

func TestEventRefLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	wid, err := st.UpsertWork(ctx, Work{Title: "作品", Kind: "anime"})
	if err != nil {
		t.Fatalf("UpsertWork: %v", err)
	}
	rid, _, err := st.UpsertRelease(ctx, Release{WorkID: wid, ReleaseKind: "episode", Number: "1", Platform: "AniList", ReleaseDate: day(2025, 1, 10)})
	if err != nil {
		t.Fatalf("UpsertRelease: %v", err)
	}

	// Notified without an event ref: eligible for calendar retry.
	if _, err := st.MarkNotified(ctx, rid, ""); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	missing, err := st.ListMissingEventRef(ctx, 10)
	if err != nil {
		t.Fatalf("ListMissingEventRef: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != rid {
		t.Fatalf("missing = %v", ids(missing))
	}

	if err := st.SetEventRef(ctx, rid, "evt_1"); err != nil {
		t.Fatalf("SetEventRef: %v", err)
	}
	// A second ref never overwrites the first.
	if err := st.SetEventRef(ctx, rid, "evt_2"); err != nil {
		t.Fatalf("SetEventRef repeat: %v", err)
	}
	missing, err = st.ListMissingEventRef(ctx, 10)
	if err != nil {
		t.Fatalf("ListMissingEventRef: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing after ref = %v", ids(missing))
	}
}

func TestAttempts(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if last, err := st.LastAttempt(ctx, ""); err != nil || last != nil {
		t.Fatalf("LastAttempt(empty db) = %+v, %v", last, err)
	}

	base := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	for i, a := range []NotificationAttempt{
		{At: base, RunID: "run-1", Channel: "telegram", ReleaseID: 1, OK: false, Error: "timeout", Items: 1},
		{At: base.Add(time.Minute), RunID: "run-1", Channel: "telegram", ReleaseID: 1, OK: true, Items: 1},
		{At: base.Add(2 * time.Minute), RunID: "run-1", Channel: "calendar", ReleaseID: 1, OK: true, Items: 1},
	} {
		if err := st.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt #%d: %v", i, err)
		}
	}

	last, err := st.LastAttempt(ctx, "telegram")
	if err != nil {
		t.Fatalf("LastAttempt: %v", err)
	}
	if last == nil || !last.OK || last.Channel != "telegram" {
		t.Fatalf("last telegram attempt = %+v", last)
	}
	any, err := st.LastAttempt(ctx, "")
	if err != nil {
		t.Fatalf("LastAttempt any: %v", err)
	}
	if any == nil || any.Channel != "calendar" {
		t.Fatalf("last attempt = %+v, want the calendar row", any)
	}
}

func ids(rows []Release) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}
