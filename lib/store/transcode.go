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

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, stay_id, status, priority, progress, total, eta_seconds,
	output_path, error, created_at, started_at, finished_at`

// EnqueueTranscode queues a replay conversion for a stay. A failed job
// for the same stay is reset to pending instead of erroring, so a
// conversion can be retried from the same endpoint. The pending queue
// is capped; past the cap the caller gets LimitExceeded and should
// surface backpressure rather than queue deeper.
func (s *Store) EnqueueTranscode(ctx context.Context, stayID uuid.UUID, pendingMax int) (*TranscodeJob, error) {
	var job *TranscodeJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := jobForStay(ctx, tx, stayID)
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if existing != nil {
			switch existing.Status {
			case JobFailed:
				err := tx.QueryRow(ctx,
					`UPDATE transcode_job
					 SET status = 'pending', progress = 0, total = 0, eta_seconds = 0,
					     error = '', started_at = NULL, finished_at = NULL, created_at = now()
					 WHERE id = $1 RETURNING `+jobColumns, existing.ID).
					Scan(jobDest(existing)...)
				if err != nil {
					return convertError(err)
				}
				job = existing
				return nil
			default:
				job = existing
				return nil
			}
		}
		var pending int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM transcode_job WHERE status = 'pending'`).Scan(&pending); err != nil {
			return trace.Wrap(err)
		}
		if pendingMax > 0 && pending >= pendingMax {
			return trace.LimitExceeded("transcode queue is full (%v pending)", pending)
		}
		j := &TranscodeJob{StayID: stayID, Status: JobPending}
		err = tx.QueryRow(ctx,
			`INSERT INTO transcode_job (stay_id) VALUES ($1) RETURNING `+jobColumns, stayID).
			Scan(jobDest(j)...)
		if err != nil {
			return convertError(err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return job, nil
}

// ClaimTranscode atomically takes the highest-priority pending job and
// marks it running. Returns NotFound when the queue is empty. SKIP
// LOCKED lets multiple workers claim concurrently without conflicts.
func (s *Store) ClaimTranscode(ctx context.Context) (*TranscodeJob, error) {
	var job TranscodeJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE transcode_job SET status = 'running', started_at = now()
			 WHERE id = (
			     SELECT id FROM transcode_job WHERE status = 'pending'
			     ORDER BY priority DESC, created_at ASC
			     FOR UPDATE SKIP LOCKED LIMIT 1
			 )
			 RETURNING `+jobColumns).Scan(jobDest(&job)...)
		return convertError(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &job, nil
}

// UpdateTranscodeProgress records frame progress and the ETA estimate
// on a running job.
func (s *Store) UpdateTranscodeProgress(ctx context.Context, id int64, progress, total, etaSeconds int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE transcode_job SET progress = $2, total = $3, eta_seconds = $4
		 WHERE id = $1 AND status = 'running'`,
		id, progress, total, etaSeconds)
	return convertError(err)
}

// CompleteTranscode marks a job done with its output file.
func (s *Store) CompleteTranscode(ctx context.Context, id int64, outputPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcode_job
		 SET status = 'done', output_path = $2, eta_seconds = 0, finished_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, outputPath)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("running transcode job %v not found", id)
	}
	return nil
}

// FailTranscode marks a job failed with the error message. Failed jobs
// stay queryable and can be re-enqueued.
func (s *Store) FailTranscode(ctx context.Context, id int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcode_job SET status = 'failed', error = $2, finished_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, errMsg)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("running transcode job %v not found", id)
	}
	return nil
}

// RushTranscode bumps a pending job above everything currently queued
// by giving it the maximum pending priority plus one.
func (s *Store) RushTranscode(ctx context.Context, id int64) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE transcode_job
			 SET priority = 1 + coalesce((SELECT max(priority) FROM transcode_job WHERE status = 'pending'), 0)
			 WHERE id = $1 AND status = 'pending'`, id)
		if err != nil {
			return convertError(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("pending transcode job %v not found", id)
		}
		return nil
	})
	return trace.Wrap(err)
}

// TranscodeForStay returns the job for one stay, if any.
func (s *Store) TranscodeForStay(ctx context.Context, stayID uuid.UUID) (*TranscodeJob, error) {
	var job *TranscodeJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := jobForStay(ctx, tx, stayID)
		if err != nil {
			return trace.Wrap(err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return job, nil
}

// TranscodeCounts returns per-status queue depths.
func (s *Store) TranscodeCounts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM transcode_job GROUP BY status`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	out := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, trace.Wrap(err)
		}
		out[JobStatus(status)] = count
	}
	return out, trace.Wrap(rows.Err())
}

// RequeueRunningTranscodes flips running jobs back to pending. Run at
// startup: a running row with no worker process is a crash leftover.
func (s *Store) RequeueRunningTranscodes(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcode_job SET status = 'pending', started_at = NULL WHERE status = 'running'`)
	if err != nil {
		return 0, convertError(err)
	}
	return tag.RowsAffected(), nil
}

func jobForStay(ctx context.Context, tx pgx.Tx, stayID uuid.UUID) (*TranscodeJob, error) {
	var job TranscodeJob
	err := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM transcode_job WHERE stay_id = $1`, stayID).
		Scan(jobDest(&job)...)
	if err != nil {
		return nil, convertError(err)
	}
	return &job, nil
}

func jobDest(j *TranscodeJob) []any {
	return []any{&j.ID, &j.StayID, &j.Status, &j.Priority, &j.Progress, &j.Total,
		&j.ETASeconds, &j.OutputPath, &j.Error, &j.CreatedAt, &j.StartedAt, &j.FinishedAt}
}
