package statusbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

func snapshot(jobID, configID string, status service.JobStatusValue, at time.Time) service.JobStatus {
	return service.JobStatus{
		ID:        jobID,
		ConfigID:  configID,
		Mode:      service.ModeOnce,
		Status:    status,
		UpdatedAt: at,
	}
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func TestSubscribeReplaysRetained(t *testing.T) {
	b := New()
	now := time.Now()

	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, now))

	sub := b.Subscribe("job-1", "")
	defer sub.Cancel()

	m := recv(t, sub.C)
	assert.Equal(t, TypeStatus, m.Type)
	require.NotNil(t, m.Status)
	assert.Equal(t, service.JobRunning, m.Status.Status)
}

func TestStaleSnapshotDropped(t *testing.T) {
	b := New()
	now := time.Now()

	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, now))
	// A frame from before the retained snapshot must not win.
	b.Publish(snapshot("job-1", "cfg-1", service.JobQueued, now.Add(-time.Second)))

	s, ok := b.Retained("job-1")
	require.True(t, ok)
	assert.Equal(t, service.JobRunning, s.Status)
}

func TestCompletedOnceIsSticky(t *testing.T) {
	b := New()
	now := time.Now()

	b.Publish(snapshot("job-1", "cfg-1", service.JobCompleted, now))
	// A late running frame with a newer timestamp still cannot reverse
	// terminal state for a one-shot job.
	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, now.Add(time.Second)))

	s, ok := b.Retained("job-1")
	require.True(t, ok)
	assert.Equal(t, service.JobCompleted, s.Status)
}

func TestConfigScopedSubscription(t *testing.T) {
	b := New()
	now := time.Now()

	sub := b.Subscribe("", "cfg-1")
	defer sub.Cancel()

	b.Publish(snapshot("job-other", "cfg-2", service.JobRunning, now))
	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, now))

	m := recv(t, sub.C)
	assert.Equal(t, "cfg-1", m.ConfigID)
	assert.Equal(t, "job-1", m.JobID)
}

func TestGlobalSubscriptionSeesEverything(t *testing.T) {
	b := New()
	now := time.Now()

	sub := b.Subscribe("", "")
	defer sub.Cancel()

	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, now))
	b.PublishError("job-1", "cfg-1", "boom")
	b.PublishConfigChanged("cfg-1")

	assert.Equal(t, TypeStatus, recv(t, sub.C).Type)

	m := recv(t, sub.C)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "boom", m.Error)

	assert.Equal(t, TypeConfigChanged, recv(t, sub.C).Type)
}

func TestForgetDropsRetained(t *testing.T) {
	b := New()
	b.Publish(snapshot("job-1", "cfg-1", service.JobCompleted, time.Now()))

	b.Forget("job-1")

	_, ok := b.Retained("job-1")
	assert.False(t, ok)

	// Sticky flag is gone too: a running frame retains again.
	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, time.Now()))
	s, ok := b.Retained("job-1")
	require.True(t, ok)
	assert.Equal(t, service.JobRunning, s.Status)
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := New()
	sub := b.Subscribe("", "")
	sub.Cancel()

	b.Publish(snapshot("job-1", "cfg-1", service.JobRunning, time.Now()))

	select {
	case m := <-sub.C:
		t.Fatalf("unexpected delivery after cancel: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}
