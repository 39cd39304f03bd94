// Package statusbus is the per-job pub/sub that carries phase, progress, and
// stats to a dynamic set of listeners. The bus owns the retained last-value
// cell per job: new subscribers receive the current snapshot immediately,
// later snapshots overwrite earlier ones.
package statusbus

import (
	"sync"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// MessageType tags a wire message on the status channel.
type MessageType string

const (
	TypeStatus        MessageType = "status"
	TypeError         MessageType = "error"
	TypeConfigChanged MessageType = "configChanged"
	TypeJobStatus     MessageType = "jobStatus"
	TypeJobStarted    MessageType = "jobStarted"
)

// Message is the tagged union delivered to subscribers.
type Message struct {
	Type     MessageType        `json:"type"`
	JobID    string             `json:"jobId,omitempty"`
	ConfigID string             `json:"configId,omitempty"`
	Status   *service.JobStatus `json:"status,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// subscriber buffer size. Delivery is best-effort: a subscriber that cannot
// keep up loses intermediate snapshots but the retained cell guarantees it
// converges on the latest state.
const subBuffer = 64

type subscriber struct {
	id       int
	jobID    string // non-empty = job-specific
	configID string // non-empty = config-specific
	ch       chan Message
}

func (s *subscriber) wants(m Message) bool {
	if s.jobID != "" {
		return m.JobID == s.jobID
	}
	if s.configID != "" {
		return m.ConfigID == s.configID
	}
	return true // global
}

// Bus is the process-wide status bus.
type Bus struct {
	mu       sync.Mutex
	retained map[string]service.JobStatus // jobID -> last snapshot
	sticky   map[string]bool              // once-jobs marked completed
	subs     map[int]*subscriber
	nextID   int
}

func New() *Bus {
	return &Bus{
		retained: map[string]service.JobStatus{},
		sticky:   map[string]bool{},
		subs:     map[int]*subscriber{},
	}
}

// Subscription is a live attachment to the bus. Cancel is immediate; pending
// deliveries are discarded.
type Subscription struct {
	C      <-chan Message
	cancel func()
}

func (s *Subscription) Cancel() { s.cancel() }

// Subscribe attaches a listener. jobID and configID narrow delivery; both
// empty means global (all jobs). When jobID names a job with a retained
// snapshot, that snapshot is delivered first.
func (b *Bus) Subscribe(jobID, configID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{
		id:       b.nextID,
		jobID:    jobID,
		configID: configID,
		ch:       make(chan Message, subBuffer),
	}
	b.subs[sub.id] = sub

	// Replay the retained cell so the first observed snapshot is at least as
	// fresh as anything emitted before attach.
	if jobID != "" {
		if snap, ok := b.retained[jobID]; ok {
			s := snap
			sub.ch <- Message{Type: TypeStatus, JobID: s.ID, ConfigID: s.ConfigID, Status: &s}
		}
	} else if configID != "" {
		for _, snap := range b.retained {
			if snap.ConfigID == configID {
				s := snap
				sub.ch <- Message{Type: TypeStatus, JobID: s.ID, ConfigID: s.ConfigID, Status: &s}
			}
		}
	}

	id := sub.id
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		},
	}
}

// Publish emits a job snapshot. Stale updates (UpdatedAt older than the
// retained snapshot) are dropped. Once a one-shot job is retained as
// completed, later running updates for the same job id are ignored so late
// frames cannot reverse terminal state.
func (b *Bus) Publish(status service.JobStatus) {
	b.mu.Lock()

	if prev, ok := b.retained[status.ID]; ok && status.UpdatedAt.Before(prev.UpdatedAt) {
		b.mu.Unlock()
		return
	}
	if b.sticky[status.ID] && status.Status == service.JobRunning {
		b.mu.Unlock()
		return
	}

	b.retained[status.ID] = status
	if status.Mode == service.ModeOnce && status.Status == service.JobCompleted {
		b.sticky[status.ID] = true
	}

	msg := Message{Type: TypeStatus, JobID: status.ID, ConfigID: status.ConfigID, Status: &status}
	b.fanOutLocked(msg)
	b.mu.Unlock()
}

// PublishError emits an error string for a job. The error is also part of the
// next snapshot; this message exists so listeners see it promptly.
func (b *Bus) PublishError(jobID, configID, errMsg string) {
	b.mu.Lock()
	b.fanOutLocked(Message{Type: TypeError, JobID: jobID, ConfigID: configID, Error: errMsg})
	b.mu.Unlock()
}

// PublishConfigChanged notifies listeners that a configuration was updated.
func (b *Bus) PublishConfigChanged(configID string) {
	b.mu.Lock()
	b.fanOutLocked(Message{Type: TypeConfigChanged, ConfigID: configID})
	b.mu.Unlock()
}

// PublishJobStarted announces a new job id for a configuration.
func (b *Bus) PublishJobStarted(configID, jobID string) {
	b.mu.Lock()
	b.fanOutLocked(Message{Type: TypeJobStarted, JobID: jobID, ConfigID: configID})
	b.mu.Unlock()
}

func (b *Bus) fanOutLocked(m Message) {
	for _, sub := range b.subs {
		if !sub.wants(m) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
			// Slow subscriber: drop. The retained cell keeps it convergent.
		}
	}
}

// Retained returns the last snapshot for a job, if any.
func (b *Bus) Retained(jobID string) (service.JobStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.retained[jobID]
	return s, ok
}

// Forget drops the retained cell for a job. Called after the late-replay
// window of a terminated job expires.
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	delete(b.retained, jobID)
	delete(b.sticky, jobID)
	b.mu.Unlock()
}
