package store

import "time"

// Work is a tracked creative title, parent of releases.
// (title, kind) is unique. Works are never deleted; optional fields are
// fill-only (an empty column may be set once, never overwritten).
type Work struct {
	ID          int64
	Title       string
	Kind        string // "anime" or "manga"
	TitleEn     string
	TitleKana   string
	OfficialURL string
}

// Release is one unit of new content for a work.
// (work_id, release_kind, number, platform, release_date) is the dedup key.
// notified is monotonic false→true; event_ref is set at most once.
type Release struct {
	ID          int64
	WorkID      int64
	WorkTitle   string // joined for dispatch rendering, not a column
	WorkKind    string
	ReleaseKind string // "episode", "volume", "special"
	Number      string
	Platform    string
	ReleaseDate time.Time
	Source      string
	SourceURL   string
	Notified    bool
	EventRef    string
	CreatedAt   time.Time
}

// NotificationAttempt is one append-only delivery audit row.
type NotificationAttempt struct {
	ID        int64
	At        time.Time
	RunID     string
	Channel   string // "telegram" or "calendar"
	ReleaseID int64
	OK        bool
	Error     string
	Items     int
}

const releaseDateLayout = "2006-01-02"
