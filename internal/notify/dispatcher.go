package notify

import (
	"context"
	"math/rand"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

const (
	channelTelegram = "telegram"
	channelCalendar = "calendar"
)

// Config controls per-channel retry behavior and addressing.
type Config struct {
	Recipient  string // primary channel recipient (Telegram chat id)
	CalendarID string // empty disables the secondary channel

	// RetryMax is the number of re-attempts per channel after the first
	// failure. Each channel retries independently.
	RetryMax      int           // default 2
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s
}

// Summary reports one dispatch pass.
type Summary struct {
	Sent    int // releases whose primary delivery succeeded
	Failed  int // releases whose primary delivery exhausted retries
	Skipped int // calendar events skipped by the duplicate guard
}

// Dispatcher delivers unnotified releases. The notified flag transitions
// only on primary-channel success; the calendar outcome is recorded but a
// missing event ref stays retryable on later cycles.
type Dispatcher struct {
	st   store.Store
	msgr Messenger
	cal  Calendar // nil when the secondary channel is disabled
	cfg  Config
	log  logx.Logger

	bo    backoff
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(st store.Store, msgr Messenger, cal Calendar, cfg Config, log logx.Logger) *Dispatcher {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		st:    st,
		msgr:  msgr,
		cal:   cal,
		cfg:   cfg,
		log:   log,
		bo:    newBackoff(cfg.RetryBase, cfg.RetryMaxDelay, rand.New(rand.NewSource(time.Now().UnixNano()))),
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Dispatch processes the given releases in order. One release's failure
// never blocks the rest; the summary makes partial success observable.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, releases []store.Release) Summary {
	var sum Summary
	for _, rel := range releases {
		if ctx.Err() != nil {
			break
		}
		d.dispatchOne(ctx, runID, rel, &sum)
	}
	return sum
}

func (d *Dispatcher) dispatchOne(ctx context.Context, runID string, rel store.Release, sum *Summary) {
	log := d.log.With(logx.Int64("release", rel.ID), logx.String("work", rel.WorkTitle))

	if !d.sendPrimary(ctx, runID, rel, log) {
		sum.Failed++
		return
	}

	// Persist the notified transition before touching the secondary channel:
	// once primary delivery happened, this release must never be re-sent.
	if ok, err := d.st.MarkNotified(ctx, rel.ID, ""); err != nil || !ok {
		log.Error("mark notified failed", logx.Err(err))
		sum.Failed++
		return
	}
	sum.Sent++

	d.sendCalendar(ctx, runID, rel, log, sum)
}

// sendPrimary retries the message channel up to the configured bound.
// Every attempt appends one immutable audit row.
func (d *Dispatcher) sendPrimary(ctx context.Context, runID string, rel store.Release, log logx.Logger) bool {
	subject := renderSubject(rel)
	body := renderBody(rel)

	for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.bo.delay(attempt)); err != nil {
				return false
			}
		}
		err := d.msgr.Send(ctx, d.cfg.Recipient, subject, body)
		d.appendAttempt(ctx, runID, channelTelegram, rel.ID, err)
		if err == nil {
			return true
		}
		log.Warn("primary delivery failed", logx.Int("attempt", attempt), logx.Err(err))
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// sendCalendar attempts the secondary channel with its own retry budget and
// reports whether the release ended up with an event ref. The duplicate
// guard checks for an event with the same dedup key before creating one.
func (d *Dispatcher) sendCalendar(ctx context.Context, runID string, rel store.Release, log logx.Logger, sum *Summary) bool {
	if d.cal == nil || d.cfg.CalendarID == "" {
		return false
	}

	key := eventDedupKey(rel)
	if ref, found, err := d.cal.FindEvent(ctx, d.cfg.CalendarID, key); err == nil && found {
		if sum != nil {
			sum.Skipped++
		}
		if err := d.st.SetEventRef(ctx, rel.ID, ref); err != nil {
			log.Error("attach existing event ref failed", logx.Err(err))
		}
		return true
	} else if err != nil {
		log.Warn("calendar lookup failed", logx.Err(err))
	}

	ev := Event{
		CalendarID:  d.cfg.CalendarID,
		Title:       renderSubject(rel),
		Description: renderBody(rel),
		Start:       rel.ReleaseDate,
		End:         rel.ReleaseDate.Add(24 * time.Hour),
		DedupKey:    key,
	}

	for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.bo.delay(attempt)); err != nil {
				return false
			}
		}
		ref, err := d.cal.CreateEvent(ctx, ev)
		d.appendAttempt(ctx, runID, channelCalendar, rel.ID, err)
		if err == nil {
			if serr := d.st.SetEventRef(ctx, rel.ID, ref); serr != nil {
				log.Error("attach event ref failed", logx.Err(serr))
			}
			return true
		}
		log.Warn("calendar delivery failed", logx.Int("attempt", attempt), logx.Err(err))
		if ctx.Err() != nil {
			return false
		}
	}
	// Exhausted: the release stays notified, and the missing event ref keeps
	// it eligible for RetryMissingEvents on later cycles.
	return false
}

// RetryMissingEvents re-attempts calendar creation for releases that were
// notified but never got their event. Returns how many gained a ref.
func (d *Dispatcher) RetryMissingEvents(ctx context.Context, runID string, limit int) int {
	if d.cal == nil || d.cfg.CalendarID == "" {
		return 0
	}
	releases, err := d.st.ListMissingEventRef(ctx, limit)
	if err != nil {
		d.log.Error("list missing event refs failed", logx.Err(err))
		return 0
	}

	recovered := 0
	for _, rel := range releases {
		if ctx.Err() != nil {
			break
		}
		if d.sendCalendar(ctx, runID, rel, d.log.With(logx.Int64("release", rel.ID)), nil) {
			recovered++
		}
	}
	return recovered
}

func (d *Dispatcher) appendAttempt(ctx context.Context, runID, channel string, releaseID int64, sendErr error) {
	a := store.NotificationAttempt{
		At:        d.now(),
		RunID:     runID,
		Channel:   channel,
		ReleaseID: releaseID,
		OK:        sendErr == nil,
		Items:     1,
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}
	if err := d.st.AppendAttempt(ctx, a); err != nil {
		d.log.Error("append attempt failed", logx.Err(err))
	}
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
