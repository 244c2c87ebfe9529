// Package source defines the intermediate record every upstream emits and
// the interface the pipeline polls.
package source

import (
	"context"
	"time"
)

// Item is the closed intermediate shape crossing the source boundary.
// Sources fill what they know; the normalizer resolves the rest from the
// title using per-source patterns.
type Item struct {
	Source      string // source identifier ("anilist" or a feed id)
	WorkKind    string // "anime" or "manga"
	Title       string // raw title as published by the source
	URL         string
	Description string
	Platform    string
	Published   time.Time
	Tags        []string

	// Structured hints, set only when the source provides them natively.
	EpisodeNumber string
	VolumeNumber  string
}

// Source is one pollable upstream. Fetch must honor ctx and return a typed
// error on failure; it must not write to the store.
type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]Item, error)
}
