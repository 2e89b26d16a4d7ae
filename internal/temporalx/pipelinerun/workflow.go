package pipelinerun

import (
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/workflow"
)

// Workflow ticks a job forward one engine.RunOnce call at a time,
// sleeping between ticks and continuing-as-new once the history grows
// large, structurally identical to the donor's jobrun.Workflow.
func Workflow(ctx workflow.Context) error {
	jobID := strings.TrimSpace(workflow.GetInfo(ctx).WorkflowExecution.ID)
	if jobID == "" {
		return fmt.Errorf("pipelinerun: missing job_id")
	}

	const (
		pollInterval      = 3 * time.Second
		continueTickLimit = 2000
		continueHistLimit = 15000
	)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // stage-level retries are handled inside the Stage Runner
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	tickCount := 0

	for {
		tickCount++

		sel := workflow.NewSelector(ctx)
		cancelled := false
		sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
			var v any
			c.Receive(ctx, &v)
			cancelled = true
		})
		sel.AddDefault(func() {})
		sel.Select(ctx)
		if cancelled {
			return fmt.Errorf("job cancelled by signal")
		}

		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, jobID).Get(ctx, &out); err != nil {
			return err
		}

		status := strings.ToLower(strings.TrimSpace(out.Status))
		switch status {
		case "succeeded", "degraded", "cancelled":
			return nil
		case "failed":
			return fmt.Errorf("job failed (stage=%s)", out.Stage)
		default:
			if err := workflow.Sleep(ctx, pollInterval); err != nil {
				return err
			}
			if shouldContinueAsNew(ctx, tickCount, continueTickLimit, continueHistLimit) {
				return workflow.NewContinueAsNewError(ctx, Workflow)
			}
		}
	}
}

func shouldContinueAsNew(ctx workflow.Context, ticks, maxTicks, maxHistory int) bool {
	if maxTicks > 0 && ticks >= maxTicks {
		return true
	}
	info := workflow.GetInfo(ctx)
	if info == nil || maxHistory <= 0 {
		return false
	}
	return info.GetCurrentHistoryLength() >= maxHistory
}
