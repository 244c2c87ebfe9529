package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/app"
	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"
)

func main() {
	os.Exit(run())
}

// run carries the exit code back to main so deferred cleanup (store, log
// file) always executes; os.Exit inside would skip it.
func run() int {
	var (
		cfgPath string
		dryRun  bool
		daemon  bool
		status  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.BoolVar(&dryRun, "dry-run", false, "collect and filter only; skip persistence and notifications")
	flag.BoolVar(&daemon, "daemon", false, "run on the configured schedule instead of once")
	flag.BoolVar(&status, "status", false, "print last delivery attempts and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{DryRun: dryRun})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return 1
	}
	defer a.Close()

	switch {
	case status:
		out, err := a.Status(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			return 1
		}
		fmt.Print(out)

	case daemon:
		if err := a.RunDaemon(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			return 1
		}

	default:
		rep, err := a.RunOnce(ctx, dryRun)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			return 1
		}
		a.Logger().Info("run finished",
			logx.String("run", rep.RunID),
			logx.Int("fetched", rep.Fetched),
			logx.Int("filtered", rep.Filtered),
			logx.Int("persisted_new", rep.PersistedNew),
			logx.Int("notified", rep.Notified),
			logx.Int("failed", rep.NotifyFailed+rep.PersistErrs+len(rep.SourceErrors)))
		// A terminally failed source makes the run non-zero so cron/CI
		// surfaces it, even though the cycle itself completed.
		if len(rep.SourceErrors) > 0 {
			return 2
		}
	}
	return 0
}
