// Package pipelinerun wraps internal/engine.Engine.RunOnce in a Temporal
// workflow/activity pair, replacing the donor's internal/temporalx/jobrun
// package: same poll/sleep/continue-as-new tick shape, but driving the
// fixed 11-stage registry of this spec instead of the donor's job-type
// dispatch registry.
package pipelinerun

import "time"

const (
	WorkflowName = "pipeline_run"
	ActivityTick = "pipeline_run_tick"
	SignalCancel = "pipeline_cancel"
)

// TickResult mirrors jobrun.TickResult's field shape so the workflow loop
// below is a direct structural adaptation of the donor's Workflow function.
type TickResult struct {
	JobID      string     `json:"job_id"`
	Status     string     `json:"status"`
	Stage      string     `json:"stage,omitempty"`
	StageIndex int        `json:"stage_index,omitempty"`
	WaitUntil  *time.Time `json:"wait_until,omitempty"`
}
