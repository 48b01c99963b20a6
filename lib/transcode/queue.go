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

// Package transcode runs the replay-to-mp4 pipeline: a persistent
// priority queue of jobs and a bounded pool of workers that drive an
// external transcoder process per job. Workers talk to the queue
// through one typed interface; they never touch job rows directly.
package transcode

import (
	"context"

	"github.com/google/uuid"

	"github.com/pawelmojski/portcullis/lib/store"
)

// Queue is the job store surface the workers and the CLI share.
// Claiming is safe across processes; a claim hands the job to exactly
// one worker.
type Queue interface {
	// Enqueue files a job for a stay. Re-enqueueing a failed job
	// resets it to pending; enqueueing an existing pending, running or
	// done job returns it unchanged. A full queue returns a limit
	// error.
	Enqueue(ctx context.Context, stayID uuid.UUID, pendingMax int) (*store.TranscodeJob, error)

	// Claim atomically takes the highest-priority oldest pending job
	// and marks it running. Returns NotFound when the queue is empty.
	Claim(ctx context.Context) (*store.TranscodeJob, error)

	// Heartbeat records progress of a running job.
	Heartbeat(ctx context.Context, id int64, progress, total, etaSeconds int) error

	// Complete marks a running job done with its output path.
	Complete(ctx context.Context, id int64, outputPath string) error

	// Fail marks a running job failed with its last error line.
	Fail(ctx context.Context, id int64, errMsg string) error

	// Rush bumps a pending job ahead of every other pending job.
	Rush(ctx context.Context, id int64) error

	// ForStay returns the job for a stay, NotFound when none exists.
	ForStay(ctx context.Context, stayID uuid.UUID) (*store.TranscodeJob, error)

	// Counts returns the number of jobs per status.
	Counts(ctx context.Context) (map[store.JobStatus]int, error)
}

// storeQueue adapts the relational store to the Queue interface.
type storeQueue struct {
	store *store.Store
}

// NewQueue wraps the store as a Queue.
func NewQueue(st *store.Store) Queue {
	return &storeQueue{store: st}
}

func (q *storeQueue) Enqueue(ctx context.Context, stayID uuid.UUID, pendingMax int) (*store.TranscodeJob, error) {
	return q.store.EnqueueTranscode(ctx, stayID, pendingMax)
}

func (q *storeQueue) Claim(ctx context.Context) (*store.TranscodeJob, error) {
	return q.store.ClaimTranscode(ctx)
}

func (q *storeQueue) Heartbeat(ctx context.Context, id int64, progress, total, etaSeconds int) error {
	return q.store.UpdateTranscodeProgress(ctx, id, progress, total, etaSeconds)
}

func (q *storeQueue) Complete(ctx context.Context, id int64, outputPath string) error {
	return q.store.CompleteTranscode(ctx, id, outputPath)
}

func (q *storeQueue) Fail(ctx context.Context, id int64, errMsg string) error {
	return q.store.FailTranscode(ctx, id, errMsg)
}

func (q *storeQueue) Rush(ctx context.Context, id int64) error {
	return q.store.RushTranscode(ctx, id)
}

func (q *storeQueue) ForStay(ctx context.Context, stayID uuid.UUID) (*store.TranscodeJob, error) {
	return q.store.TranscodeForStay(ctx, stayID)
}

func (q *storeQueue) Counts(ctx context.Context) (map[store.JobStatus]int, error) {
	return q.store.TranscodeCounts(ctx)
}
