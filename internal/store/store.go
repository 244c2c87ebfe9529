// Package store owns release identity: it is the single source of truth for
// "already known" state and the dedup invariant.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// Store is the persistence API used by the pipeline and dispatcher.
//
// Writers are serialized; reads may run concurrently. Every multi-step write
// happens inside one transaction, so a crash never leaves a work without its
// release or a duplicate dedup key.
type Store interface {
	// UpsertWork returns the existing id when (title, kind) is already known,
	// creating the row otherwise. Optional fields fill previously empty
	// columns and never overwrite non-empty ones.
	UpsertWork(ctx context.Context, w Work) (int64, error)

	// UpsertRelease returns (id, created). A duplicate dedup key — including
	// one raised as a unique-constraint violation by a concurrent insert —
	// yields the existing id with created=false, never an error.
	UpsertRelease(ctx context.Context, r Release) (int64, bool, error)

	// IngestRelease runs UpsertWork + UpsertRelease in one transaction.
	IngestRelease(ctx context.Context, w Work, r Release) (releaseID int64, created bool, err error)

	// ListUnnotified returns releases with notified=false, ordered by
	// release date ascending then insertion order, for deterministic dispatch.
	ListUnnotified(ctx context.Context, limit int) ([]Release, error)

	// ListMissingEventRef returns notified releases whose calendar event was
	// never created, so the secondary channel can be retried on later cycles.
	ListMissingEventRef(ctx context.Context, limit int) ([]Release, error)

	// MarkNotified sets notified=true (monotonic; never reset) and attaches
	// the event ref when non-empty. Returns false if the release is unknown.
	MarkNotified(ctx context.Context, releaseID int64, eventRef string) (bool, error)

	// SetEventRef attaches a calendar event reference to an already-notified
	// release. An existing ref is never overwritten.
	SetEventRef(ctx context.Context, releaseID int64, eventRef string) error

	// AppendAttempt records one delivery attempt. Attempt rows are immutable.
	AppendAttempt(ctx context.Context, a NotificationAttempt) error

	// LastAttempt returns the most recent attempt for a channel ("" = any),
	// or nil if there is none.
	LastAttempt(ctx context.Context, channel string) (*NotificationAttempt, error)

	Close() error
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Open initializes the store, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
