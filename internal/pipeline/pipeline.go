// Package pipeline sequences one collection cycle:
// fetch → normalize → filter → persist → notify.
//
// The pipeline has no internal timers; periodic triggering is the caller's
// job, which keeps a cycle testable without mocking time.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/filter"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/normalize"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/notify"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// Options tunes one run.
type Options struct {
	// DryRun executes through the policy filter and reports counts, but
	// skips persistence and notification side effects entirely.
	DryRun bool

	// DispatchLimit caps releases dispatched per cycle; 0 means no cap.
	DispatchLimit int
}

// Report is the observable outcome of one cycle. It is always populated,
// so partial success stays visible even when some sources failed.
type Report struct {
	RunID     string
	StartedAt time.Time
	Took      time.Duration

	Fetched      int // items received from all sources
	ParseSkipped int // items dropped by normalization
	Filtered     int // candidates rejected by the denylist
	PersistedNew int // releases created this run
	PersistErrs  int
	Notified     int // primary-channel successes
	NotifyFailed int
	EventsSkipped   int // calendar duplicate-guard hits
	EventsRecovered int // missing event refs filled this run

	// SourceErrors maps source id → terminal fetch error. One source's
	// outage never aborts the cycle; it lands here instead.
	SourceErrors map[string]error
}

// Pipeline wires the collection stages together.
type Pipeline struct {
	sources []source.Source
	flt     *filter.Filter
	st      store.Store
	disp    *notify.Dispatcher
	log     logx.Logger
	now     func() time.Time
}

func New(sources []source.Source, flt *filter.Filter, st store.Store, disp *notify.Dispatcher, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		sources: sources,
		flt:     flt,
		st:      st,
		disp:    disp,
		log:     log,
		now:     time.Now,
	}
}

// RunOnce executes one collection cycle. It returns a non-nil error only
// for run-fatal conditions (cancellation, storage unavailable); per-source
// and per-item failures are isolated into the report.
func (p *Pipeline) RunOnce(ctx context.Context, opts Options) (Report, error) {
	start := p.now()
	rep := Report{
		RunID:        uuid.NewString(),
		StartedAt:    start,
		SourceErrors: map[string]error{},
	}
	log := p.log.With(logx.String("run", rep.RunID))
	defer func() { rep.Took = p.now().Sub(start) }()

	// Fetch: bounded parallelism, one concurrent slot per source. Each
	// source owns its own rate limiter and breaker, so no coordination is
	// needed beyond merging results.
	items := p.fetchAll(ctx, log, &rep)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	candidates, skipped := normalize.Items(items, start)
	rep.ParseSkipped = skipped

	kept, rejected := p.flt.Apply(candidates)
	rep.Filtered = rejected

	if opts.DryRun {
		log.Info("dry run complete",
			logx.Int("fetched", rep.Fetched),
			logx.Int("filtered", rep.Filtered),
			logx.Int("would_persist", len(kept)))
		return rep, nil
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	p.persist(ctx, log, kept, &rep)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	if err := p.dispatch(ctx, log, opts, &rep); err != nil {
		// Storage going away mid-run is the one non-isolated failure.
		return rep, err
	}

	log.Info("cycle complete",
		logx.Int("fetched", rep.Fetched),
		logx.Int("filtered", rep.Filtered),
		logx.Int("persisted_new", rep.PersistedNew),
		logx.Int("notified", rep.Notified),
		logx.Int("failed", rep.NotifyFailed+rep.PersistErrs+len(rep.SourceErrors)),
		logx.Duration("took", p.now().Sub(start)))
	return rep, ctx.Err()
}

func (p *Pipeline) fetchAll(ctx context.Context, log logx.Logger, rep *Report) []source.Item {
	var (
		mu    sync.Mutex
		items []source.Item
		wg    sync.WaitGroup
	)
	for _, src := range p.sources {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			got, err := src.Fetch(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Isolated: log with enough context to act on, keep going.
				log.Error("source fetch failed", logx.String("source", src.ID()), logx.Err(err))
				rep.SourceErrors[src.ID()] = err
				return
			}
			items = append(items, got...)
			rep.Fetched += len(got)
		}(src)
	}
	wg.Wait()
	return items
}

func (p *Pipeline) persist(ctx context.Context, log logx.Logger, candidates []normalize.Candidate, rep *Report) {
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		w := store.Work{
			Title:       c.WorkTitle,
			Kind:        c.WorkKind,
			OfficialURL: c.SourceURL,
		}
		r := store.Release{
			ReleaseKind: string(c.ReleaseKind),
			Number:      c.Number,
			Platform:    c.Platform,
			ReleaseDate: c.ReleaseDate,
			Source:      c.Source,
			SourceURL:   c.SourceURL,
		}
		_, created, err := p.st.IngestRelease(ctx, w, r)
		if err != nil {
			log.Error("persist failed",
				logx.String("source", c.Source),
				logx.String("work", c.WorkTitle),
				logx.Err(err))
			rep.PersistErrs++
			continue
		}
		if created {
			rep.PersistedNew++
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, log logx.Logger, opts Options, rep *Report) error {
	if p.disp == nil {
		return nil
	}
	releases, err := p.st.ListUnnotified(ctx, opts.DispatchLimit)
	if err != nil {
		log.Error("list unnotified failed", logx.Err(err))
		return err
	}
	sum := p.disp.Dispatch(ctx, rep.RunID, releases)
	rep.Notified = sum.Sent
	rep.NotifyFailed = sum.Failed
	rep.EventsSkipped = sum.Skipped

	rep.EventsRecovered = p.disp.RetryMissingEvents(ctx, rep.RunID, opts.DispatchLimit)
	return nil
}
