// Package notify implements the JobNotifier external collaborator: a
// redis/go-redis/v9 pub/sub channel the Engine publishes stage-completion
// and terminal-status events to, so a CLI or UI can stream progress without
// polling the Job Store. Grounded on
// internal/clients/redis/sse_bus.go's Publish/StartForwarder shape,
// generalized from the donor's generic SSEMessage envelope to a typed
// JobEvent carrying this spec's stage/status vocabulary.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// JobEvent is one published notification about a job's progress.
type JobEvent struct {
	JobID      uuid.UUID        `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	StageIndex int              `json:"stage_index"`
	StageName  string           `json:"stage_name"`
	Message    string           `json:"message,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// JobNotifier publishes job lifecycle events and, on the subscriber side,
// forwards them to a callback. The Engine only ever calls the publishing
// methods (StageCompleted, JobDegraded, JobSucceeded, JobFailed).
type JobNotifier interface {
	StageCompleted(ctx context.Context, jobID uuid.UUID, stageIndex int, stageName string) error
	JobDegraded(ctx context.Context, jobID uuid.UUID, reason string) error
	JobSucceeded(ctx context.Context, jobID uuid.UUID, outputPath string) error
	JobFailed(ctx context.Context, jobID uuid.UUID, reason string) error
	StartForwarder(ctx context.Context, onEvent func(JobEvent)) error
	Close() error
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// New constructs a JobNotifier against a running redis instance. A blank
// channel defaults to "pipeline_jobs".
func New(log *logger.Logger, addr, channel string) (JobNotifier, error) {
	if addr == "" {
		return nil, fmt.Errorf("notify: missing redis address")
	}
	if channel == "" {
		channel = "pipeline_jobs"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("notify: redis ping: %w", err)
	}

	return &redisNotifier{
		log:     log.With("component", "JobNotifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (n *redisNotifier) publish(ctx context.Context, ev JobEvent) error {
	ev.OccurredAt = time.Now()
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, raw).Err()
}

func (n *redisNotifier) StageCompleted(ctx context.Context, jobID uuid.UUID, stageIndex int, stageName string) error {
	return n.publish(ctx, JobEvent{JobID: jobID, Status: domain.JobRunning, StageIndex: stageIndex, StageName: stageName})
}

func (n *redisNotifier) JobDegraded(ctx context.Context, jobID uuid.UUID, reason string) error {
	return n.publish(ctx, JobEvent{JobID: jobID, Status: domain.JobDegraded, Message: reason})
}

func (n *redisNotifier) JobSucceeded(ctx context.Context, jobID uuid.UUID, outputPath string) error {
	return n.publish(ctx, JobEvent{JobID: jobID, Status: domain.JobSucceeded, Message: outputPath})
}

func (n *redisNotifier) JobFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	return n.publish(ctx, JobEvent{JobID: jobID, Status: domain.JobFailed, Message: reason})
}

func (n *redisNotifier) StartForwarder(ctx context.Context, onEvent func(JobEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("notify: onEvent callback required")
	}
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("notify: redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev JobEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					n.log.Warn("bad job event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (n *redisNotifier) Close() error {
	if n == nil || n.rdb == nil {
		return nil
	}
	return n.rdb.Close()
}

// NoopNotifier discards every event — used when REDIS_ADDR is unset, so the
// Engine can always depend on a non-nil JobNotifier.
type NoopNotifier struct{}

func (NoopNotifier) StageCompleted(context.Context, uuid.UUID, int, string) error { return nil }
func (NoopNotifier) JobDegraded(context.Context, uuid.UUID, string) error         { return nil }
func (NoopNotifier) JobSucceeded(context.Context, uuid.UUID, string) error        { return nil }
func (NoopNotifier) JobFailed(context.Context, uuid.UUID, string) error           { return nil }
func (NoopNotifier) StartForwarder(context.Context, func(JobEvent)) error         { return nil }
func (NoopNotifier) Close() error                                                { return nil }
