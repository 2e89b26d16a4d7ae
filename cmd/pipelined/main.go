// Command pipelined runs the pipeline engine as a long-lived worker
// process, generalized from the donor's cmd/main.go (which started an HTTP
// server plus a background worker) down to the headless worker loop this
// spec's engine needs (spec.md §6: "no HTTP, no dashboard").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xdotcontractor01/mdvideo/internal/bootstrap"
	"github.com/xdotcontractor01/mdvideo/internal/platform/envutil"

	"github.com/xdotcontractor01/mdvideo/internal/temporalx"
	"github.com/xdotcontractor01/mdvideo/internal/temporalx/temporalworker"
)

func main() {
	app, err := bootstrap.New()
	if err != nil {
		fmt.Printf("failed to initialize pipelined: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mode := envutil.Str("WORKER_MODE", "poll")
	app.Log.Info("starting pipelined", "mode", mode)

	switch mode {
	case "temporal":
		if err := runTemporal(ctx, app); err != nil {
			app.Log.Error("temporal worker failed", "error", err)
			os.Exit(1)
		}
	default:
		runPollLoop(ctx, app)
	}
}

// runPollLoop claims and drives jobs directly against the Job Store,
// without Temporal, for single-process / local deployments.
func runPollLoop(ctx context.Context, app *bootstrap.App) {
	staleRunning := time.Duration(envutil.Int("STALE_RUNNING_SECONDS", app.Cfg.StaleRunningSeconds)) * time.Second
	pollInterval := envutil.Duration("WORKER_POLL_INTERVAL", 2*time.Second)

	for {
		select {
		case <-ctx.Done():
			app.Log.Info("pipelined shutting down")
			return
		default:
		}

		j, err := app.Engine.Claim(ctx, staleRunning)
		if err != nil {
			app.Log.Warn("claim failed", "error", err)
			time.Sleep(pollInterval)
			continue
		}
		if j == nil {
			time.Sleep(pollInterval)
			continue
		}

		app.Log.Info("claimed job", "job_id", j.ID)
		if _, err := app.Engine.RunOnce(ctx, j.ID, ctx.Done()); err != nil {
			app.Log.Warn("job tick returned an error", "job_id", j.ID, "error", err)
		}
	}
}

// runTemporal starts a Temporal worker instead of the direct poll loop, for
// deployments that want Temporal's durable execution and visibility.
func runTemporal(ctx context.Context, app *bootstrap.App) error {
	tc, err := temporalx.NewClient(app.Log)
	if err != nil {
		return fmt.Errorf("connect to temporal: %w", err)
	}
	defer tc.Close()

	w, err := temporalworker.NewRunner(app.Log, tc, app.Engine)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	app.Log.Info("pipelined shutting down")
	return nil
}
