// Package job owns run lifecycle: one active job per configuration, global
// concurrency caps, cooperative cancellation, and the quota and credential
// adjustments applied at start.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
	"github.com/bozp-pzob/ai-news-sub003/internal/statusbus"
)

// Job is one running (or finished) aggregation run. It doubles as the
// pipeline's progress reporter; every mutation publishes a fresh snapshot to
// the status bus with a monotonic UpdatedAt.
type Job struct {
	bus *statusbus.Bus

	// local marks a job started through local mode; such jobs carry no owner
	// and are controllable by id alone.
	local bool

	mu         sync.Mutex
	status     service.JobStatus
	cancel     context.CancelFunc
	platformAI bool
	userID     string
}

func newJob(bus *statusbus.Bus, id, configID string, mode service.JobMode) *Job {
	now := time.Now().UTC()
	return &Job{
		bus: bus,
		status: service.JobStatus{
			ID:        id,
			ConfigID:  configID,
			Mode:      mode,
			Status:    service.JobQueued,
			Stats:     service.JobStats{Sources: map[string]service.SourceStat{}},
			StartedAt: now,
			UpdatedAt: now,
		},
	}
}

// touchLocked advances UpdatedAt strictly, so bus ordering never ties.
func (j *Job) touchLocked() {
	now := time.Now().UTC()
	if !now.After(j.status.UpdatedAt) {
		now = j.status.UpdatedAt.Add(time.Millisecond)
	}
	j.status.UpdatedAt = now
}

func (j *Job) publishLocked() {
	j.bus.Publish(j.snapshotLocked())
}

func (j *Job) snapshotLocked() service.JobStatus {
	snap := j.status
	snap.Stats.Sources = make(map[string]service.SourceStat, len(j.status.Stats.Sources))
	for k, v := range j.status.Stats.Sources {
		snap.Stats.Sources[k] = v
	}
	snap.Stats.Errors = append([]string(nil), j.status.Stats.Errors...)
	return snap
}

// Snapshot returns a copy of the current job state.
func (j *Job) Snapshot() service.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) transition(state service.JobStatusValue, phase service.JobPhase) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Status.Terminal() {
		return
	}
	j.status.Status = state
	j.status.Phase = phase
	j.touchLocked()
	j.publishLocked()
}

func (j *Job) finish(state service.JobStatusValue, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Status.Terminal() {
		return
	}
	j.status.Status = state
	j.status.Phase = ""
	j.status.Error = errMsg
	j.touchLocked()
	j.publishLocked()
}

func (j *Job) markAISkipped() {
	j.mu.Lock()
	j.status.Stats.AISkipped = true
	j.mu.Unlock()
}

func (j *Job) addAICalls(n int) {
	j.mu.Lock()
	j.status.Stats.AICalls += n
	j.mu.Unlock()
}

func (j *Job) aiCalls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.Stats.AICalls
}

// ─── aggregator.Reporter ───

func (j *Job) Phase(phase service.JobPhase) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Status.Terminal() || j.status.Phase == phase {
		return
	}
	j.status.Phase = phase
	j.touchLocked()
	j.publishLocked()
}

func (j *Job) Source(name string, stat service.SourceStat) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Stats.Sources[name] = stat
	j.status.Stats.TotalItemsFetched += stat.Fetched
	j.touchLocked()
	j.publishLocked()
}

func (j *Job) Stored(newItems int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.Stats.NewItems += newItems
	j.touchLocked()
	j.publishLocked()
}

func (j *Job) Generated(summaryType string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.touchLocked()
	j.publishLocked()
}

const maxRecordedErrors = 20

func (j *Job) ReportError(err error) {
	j.mu.Lock()
	if len(j.status.Stats.Errors) < maxRecordedErrors {
		j.status.Stats.Errors = append(j.status.Stats.Errors, err.Error())
	}
	j.touchLocked()
	j.publishLocked()
	id, configID := j.status.ID, j.status.ConfigID
	j.mu.Unlock()

	j.bus.PublishError(id, configID, err.Error())
}
