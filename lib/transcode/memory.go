/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transcode

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pawelmojski/portcullis/lib/store"
)

// MemoryQueue is an in-process Queue with the same semantics as the
// store-backed one. Used in tests and by single-process deployments
// that do not want queue rows.
type MemoryQueue struct {
	clock clockwork.Clock

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*store.TranscodeJob
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(clock clockwork.Clock) *MemoryQueue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryQueue{clock: clock, jobs: make(map[int64]*store.TranscodeJob)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, stayID uuid.UUID, pendingMax int) (*store.TranscodeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.StayID != stayID {
			continue
		}
		if job.Status == store.JobFailed {
			job.Status = store.JobPending
			job.Error = ""
			job.Progress, job.Total, job.ETASeconds = 0, 0, 0
		}
		out := *job
		return &out, nil
	}
	pending := 0
	for _, job := range q.jobs {
		if job.Status == store.JobPending {
			pending++
		}
	}
	if pending >= pendingMax {
		return nil, trace.LimitExceeded("transcode queue is full (%d pending)", pending)
	}
	q.nextID++
	job := &store.TranscodeJob{
		ID:        q.nextID,
		StayID:    stayID,
		Status:    store.JobPending,
		CreatedAt: q.clock.Now().UTC(),
	}
	q.jobs[job.ID] = job
	out := *job
	return &out, nil
}

// Claim implements Queue.
func (q *MemoryQueue) Claim(ctx context.Context) (*store.TranscodeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pending []*store.TranscodeJob
	for _, job := range q.jobs {
		if job.Status == store.JobPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return nil, trace.NotFound("no pending transcode jobs")
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	job := pending[0]
	job.Status = store.JobRunning
	now := q.clock.Now().UTC()
	job.StartedAt = &now
	out := *job
	return &out, nil
}

// Heartbeat implements Queue.
func (q *MemoryQueue) Heartbeat(ctx context.Context, id int64, progress, total, etaSeconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return trace.NotFound("transcode job %v not found", id)
	}
	job.Progress, job.Total, job.ETASeconds = progress, total, etaSeconds
	return nil
}

// Complete implements Queue.
func (q *MemoryQueue) Complete(ctx context.Context, id int64, outputPath string) error {
	return q.finish(id, store.JobDone, outputPath, "")
}

// Fail implements Queue.
func (q *MemoryQueue) Fail(ctx context.Context, id int64, errMsg string) error {
	return q.finish(id, store.JobFailed, "", errMsg)
}

func (q *MemoryQueue) finish(id int64, status store.JobStatus, outputPath, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return trace.NotFound("transcode job %v not found", id)
	}
	if job.Status != store.JobRunning {
		return trace.CompareFailed("transcode job %v is %v, not running", id, job.Status)
	}
	job.Status = status
	job.OutputPath = outputPath
	job.Error = errMsg
	now := q.clock.Now().UTC()
	job.FinishedAt = &now
	return nil
}

// Rush implements Queue.
func (q *MemoryQueue) Rush(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return trace.NotFound("transcode job %v not found", id)
	}
	if job.Status != store.JobPending {
		return trace.CompareFailed("transcode job %v is %v, not pending", id, job.Status)
	}
	max := 0
	for _, other := range q.jobs {
		if other.Status == store.JobPending && other.Priority > max {
			max = other.Priority
		}
	}
	job.Priority = max + 1
	return nil
}

// ForStay implements Queue.
func (q *MemoryQueue) ForStay(ctx context.Context, stayID uuid.UUID) (*store.TranscodeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.StayID == stayID {
			out := *job
			return &out, nil
		}
	}
	return nil, trace.NotFound("no transcode job for stay %v", stayID)
}

// Counts implements Queue.
func (q *MemoryQueue) Counts(ctx context.Context) (map[store.JobStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[store.JobStatus]int)
	for _, job := range q.jobs {
		out[job.Status]++
	}
	return out, nil
}
