package pipelinerun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/engine"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"

	"go.temporal.io/sdk/activity"
)

// Activities adapts engine.Engine.RunOnce to a Temporal activity, grounded
// on the donor's jobrun.Activities.Tick (load -> dispatch -> report).
type Activities struct {
	Log    *logger.Logger
	Engine *engine.Engine
}

func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.Engine == nil {
		return res, fmt.Errorf("pipelinerun: activity not configured")
	}

	parsed, err := uuid.Parse(res.JobID)
	if err != nil || parsed == uuid.Nil {
		return res, fmt.Errorf("pipelinerun: invalid job_id")
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	tr, err := a.Engine.RunOnce(ctx, parsed, ctx.Done())
	if err != nil && !tr.Done {
		return res, err
	}

	res.Status = string(tr.Status)
	res.Stage = tr.StageName
	res.StageIndex = tr.StageIndex
	return res, nil
}

func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
