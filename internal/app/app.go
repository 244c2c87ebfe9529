// Package app wires configuration into the collection pipeline and owns
// component lifetimes.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/config"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/filter"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/notify"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/pipeline"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source/anilist"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/source/feed"
	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/store"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

// Options selects how much of the stack to build.
type Options struct {
	// DryRun builds no notification channels: the run stops after the
	// policy filter, so the Telegram client (which dials out on
	// construction) is never needed.
	DryRun bool
}

// App holds the wired components for one process.
type App struct {
	cfgPath string
	log     logx.Logger
	logEnd  func() error

	st store.Store

	mu   sync.Mutex
	cfg  *config.Config
	pipe *pipeline.Pipeline
}

// New loads and validates config, then builds the store, sources, channels,
// and pipeline. Configuration failures abort here, before any external call.
func New(cfgPath string, opts Options) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logEnd, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, log: log, logEnd: logEnd, cfg: cfg}

	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log)
	if err != nil {
		_ = logEnd()
		return nil, fmt.Errorf("store: %w", err)
	}
	a.st = st

	pipe, err := a.buildPipeline(cfg, opts)
	if err != nil {
		_ = st.Close()
		_ = logEnd()
		return nil, err
	}
	a.pipe = pipe
	return a, nil
}

func (a *App) buildPipeline(cfg *config.Config, opts Options) (*pipeline.Pipeline, error) {
	sources, err := a.buildSources(cfg)
	if err != nil {
		return nil, err
	}

	var disp *notify.Dispatcher
	if !opts.DryRun {
		disp, err = a.buildDispatcher(cfg)
		if err != nil {
			return nil, err
		}
	}

	flt := filter.New(cfg.Denylist)
	return pipeline.New(sources, flt, a.st, disp, a.log), nil
}

func (a *App) buildSources(cfg *config.Config) ([]source.Source, error) {
	httpClient := &http.Client{}

	timeout, err := config.ParseDurationOrDefault("api.anilist.timeout", cfg.API.AniList.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	cooldown, err := config.ParseDurationOrDefault("circuit_breaker.cooldown", cfg.CircuitBreaker.Cooldown, time.Minute)
	if err != nil {
		return nil, err
	}

	sources := []source.Source{
		anilist.New(anilist.Config{
			Endpoint:             cfg.API.AniList.Endpoint,
			RequestsPerMinute:    cfg.API.AniList.RequestsPerMinute,
			MinRequestsPerMinute: cfg.API.AniList.MinRequestsPerMinute,
			Timeout:              timeout,
			RetryMax:             cfg.API.AniList.RetryMax,
			FailureThreshold:     cfg.CircuitBreaker.FailureThreshold,
			Cooldown:             cooldown,
		}, httpClient, a.log),
	}

	for _, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}
		ft, err := config.ParseDurationOrDefault("feeds."+fc.ID+".timeout", fc.Timeout, 20*time.Second)
		if err != nil {
			return nil, err
		}
		sources = append(sources, feed.New(feed.Config{
			ID:      fc.ID,
			URL:     fc.URL,
			Kind:    fc.Kind,
			Timeout: ft,
		}, httpClient, a.log))
	}
	return sources, nil
}

func (a *App) buildDispatcher(cfg *config.Config) (*notify.Dispatcher, error) {
	msgr, err := notify.NewTelegramMessenger(notify.TelegramConfig{
		Token: cfg.Notification.Telegram.Token,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	var cal notify.Calendar
	if cfg.Notification.Calendar.CalendarID != "" {
		ct, err := config.ParseDurationOrDefault("notification.calendar.timeout",
			cfg.Notification.Calendar.Timeout, 20*time.Second)
		if err != nil {
			return nil, err
		}
		cal = notify.NewHTTPCalendar(notify.CalendarConfig{
			BaseURL: cfg.Notification.Calendar.BaseURL,
			Token:   cfg.Notification.Calendar.Token,
			Timeout: ct,
		}, nil, a.log)
	}

	retryBase, err := config.ParseDurationOrDefault("notification.retry_base",
		cfg.Notification.RetryBase, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notification.retry_max_delay",
		cfg.Notification.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return nil, err
	}

	return notify.NewDispatcher(a.st, msgr, cal, notify.Config{
		Recipient:     strconv.FormatInt(cfg.Notification.Telegram.ChatID, 10),
		CalendarID:    cfg.Notification.Calendar.CalendarID,
		RetryMax:      cfg.Notification.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, a.log), nil
}

// Logger returns the application logger.
func (a *App) Logger() logx.Logger { return a.log }

// RunOnce executes one collection cycle.
func (a *App) RunOnce(ctx context.Context, dryRun bool) (pipeline.Report, error) {
	a.mu.Lock()
	pipe := a.pipe
	a.mu.Unlock()
	return pipe.RunOnce(ctx, pipeline.Options{DryRun: dryRun})
}

// Status summarizes the most recent delivery attempts per channel.
func (a *App) Status(ctx context.Context) (string, error) {
	out := ""
	for _, ch := range []string{"telegram", "calendar"} {
		at, err := a.st.LastAttempt(ctx, ch)
		if err != nil {
			return "", err
		}
		if at == nil {
			out += fmt.Sprintf("%s: no attempts recorded\n", ch)
			continue
		}
		state := "ok"
		if !at.OK {
			state = "failed: " + at.Error
		}
		out += fmt.Sprintf("%s: last attempt %s (%s)\n", ch, at.At.Format(time.RFC3339), state)
	}
	return out, nil
}

// Reload re-reads the config file and swaps in a pipeline built from it.
// A broken file leaves the running configuration untouched.
func (a *App) Reload(opts Options) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	pipe, err := a.buildPipeline(cfg, opts)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cfg = cfg
	a.pipe = pipe
	a.mu.Unlock()
	a.log.Info("config reloaded", logx.String("path", a.cfgPath))
	return nil
}

// Schedule returns the daemon cron spec from the active config.
func (a *App) Schedule() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Scheduler.Schedule != "" {
		return a.cfg.Scheduler.Schedule
	}
	return "0 8,20 * * *"
}

// Close releases the store and log file.
func (a *App) Close() error {
	var first error
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			first = err
		}
	}
	if a.logEnd != nil {
		if err := a.logEnd(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
