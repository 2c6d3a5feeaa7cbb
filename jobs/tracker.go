package jobs

import (
	"context"
	"sync"

	"goa.design/clue/log"
)

// Update kinds delivered to subscribers. SSE and WebSocket adapters map
// these one-to-one onto their wire format.
const (
	UpdateStatus   = "job_status"
	UpdateProgress = "job_progress"
	UpdateComplete = "job_complete"
	UpdateError    = "error"
)

type (
	// Update is one fan-out notification for a job.
	Update struct {
		Kind     string `json:"type"`
		JobID    string `json:"jobId"`
		Status   Status `json:"status,omitempty"`
		Progress int    `json:"progress"`
		Message  string `json:"message,omitempty"`
		Error    string `json:"error,omitempty"`
		Asset    *Asset `json:"asset,omitempty"`
	}

	// Subscription is one subscriber's handle on a job's updates. Updates
	// arrive on a bounded channel; when a subscriber falls behind, the oldest
	// buffered update is dropped so progress streams never block publishers.
	Subscription struct {
		jobID string
		ch    chan Update

		once   sync.Once
		remove func()
	}

	// Tracker fans job updates out to subscribers. Subscriber state is shared
	// across request handlers and consumers and guarded by a mutex. Slow or
	// closed subscribers cannot poison fan-out for the others.
	Tracker struct {
		mu     sync.Mutex
		subs   map[string]map[*Subscription]struct{}
		buffer int
	}
)

const defaultSubscriberBuffer = 16

// NewTracker constructs a Tracker. buffer bounds each subscriber's channel;
// zero or negative uses the default.
func NewTracker(buffer int) *Tracker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Tracker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for the job's updates. The caller must
// Close the subscription when done.
func (t *Tracker) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID: jobID,
		ch:    make(chan Update, t.buffer),
	}
	sub.remove = func() { t.unsubscribe(jobID, sub) }

	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		t.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Updates is the channel job updates arrive on. It closes when the
// subscription is closed.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.remove()
		close(s.ch)
	})
}

func (t *Tracker) unsubscribe(jobID string, sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[jobID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(t.subs, jobID)
	}
}

// Publish fans the update out to the job's subscribers.
func (t *Tracker) Publish(ctx context.Context, u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs[u.JobID] {
		select {
		case sub.ch <- u:
		default:
			// Subscriber fell behind: drop the oldest buffered update to make
			// room so the publisher never blocks.
			select {
			case <-sub.ch:
				log.Printf(ctx, "job %s: subscriber lagging, dropped oldest update", u.JobID)
			default:
			}
			select {
			case sub.ch <- u:
			default:
			}
		}
	}
}

// PublishStatus notifies subscribers of a status change.
func (t *Tracker) PublishStatus(ctx context.Context, job *Job) {
	t.Publish(ctx, Update{
		Kind:     UpdateStatus,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ProgressMessage,
		Error:    job.ErrorMessage,
	})
}

// PublishProgress notifies subscribers of a progress step.
func (t *Tracker) PublishProgress(ctx context.Context, job *Job) {
	t.Publish(ctx, Update{
		Kind:     UpdateProgress,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ProgressMessage,
	})
}

// PublishComplete notifies subscribers of the terminal transition, carrying
// the latest asset when one exists.
func (t *Tracker) PublishComplete(ctx context.Context, job *Job, latest *Asset) {
	t.Publish(ctx, Update{
		Kind:     UpdateComplete,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.ErrorMessage,
		Asset:    latest,
	})
}
