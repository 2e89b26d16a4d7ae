package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

func newTestNotifier(t *testing.T) (JobNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	log, err := logger.New("test")
	require.NoError(t, err)

	n, err := New(log, mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, mr
}

func TestNew_RejectsMissingAddress(t *testing.T) {
	log, err := logger.New("test")
	require.NoError(t, err)
	_, err = New(log, "", "channel")
	require.Error(t, err)
}

func TestNew_DefaultsChannelWhenBlank(t *testing.T) {
	n, mr := newTestNotifier(t)
	rn, ok := n.(*redisNotifier)
	require.True(t, ok)
	require.Equal(t, "pipeline_jobs", rn.channel)
	require.NotEmpty(t, mr.Addr())
}

func TestStageCompleted_PublishesRunningEventWithStageFields(t *testing.T) {
	n, _ := newTestNotifier(t)
	received := make(chan JobEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, n.StartForwarder(ctx, func(ev JobEvent) { received <- ev }))
	time.Sleep(50 * time.Millisecond) // allow the subscriber goroutine to attach

	jobID := uuid.New()
	require.NoError(t, n.StageCompleted(ctx, jobID, 3, "synthesize_audio"))

	select {
	case ev := <-received:
		require.Equal(t, jobID, ev.JobID)
		require.Equal(t, domain.JobRunning, ev.Status)
		require.Equal(t, 3, ev.StageIndex)
		require.Equal(t, "synthesize_audio", ev.StageName)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestJobFailed_PublishesFailedStatusWithReasonAsMessage(t *testing.T) {
	n, _ := newTestNotifier(t)
	received := make(chan JobEvent, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, n.StartForwarder(ctx, func(ev JobEvent) { received <- ev }))
	time.Sleep(50 * time.Millisecond)

	jobID := uuid.New()
	require.NoError(t, n.JobFailed(ctx, jobID, "render stage exhausted retries"))

	select {
	case ev := <-received:
		require.Equal(t, domain.JobFailed, ev.Status)
		require.Equal(t, "render stage exhausted retries", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestStartForwarder_RejectsNilCallback(t *testing.T) {
	n, _ := newTestNotifier(t)
	err := n.StartForwarder(context.Background(), nil)
	require.Error(t, err)
}

func TestNoopNotifier_AllMethodsAreNoErrorNoPanic(t *testing.T) {
	var n NoopNotifier
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, n.StageCompleted(ctx, jobID, 0, "stage"))
	require.NoError(t, n.JobDegraded(ctx, jobID, "reason"))
	require.NoError(t, n.JobSucceeded(ctx, jobID, "/out.mp4"))
	require.NoError(t, n.JobFailed(ctx, jobID, "reason"))
	require.NoError(t, n.StartForwarder(ctx, func(JobEvent) {}))
	require.NoError(t, n.Close())
}
