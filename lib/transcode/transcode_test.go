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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

func TestQueueCapsAndRush(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)
	const pendingMax = 10

	// Two running workers plus a full pending backlog.
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(ctx, uuid.New(), pendingMax)
		require.NoError(t, err)
		_, err = q.Claim(ctx)
		require.NoError(t, err)
	}
	var jobs []*store.TranscodeJob
	for i := 0; i < pendingMax; i++ {
		job, err := q.Enqueue(ctx, uuid.New(), pendingMax)
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	// The thirteenth request does not fit.
	_, err := q.Enqueue(ctx, uuid.New(), pendingMax)
	require.True(t, trace.IsLimitExceeded(err))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[store.JobRunning])
	require.Equal(t, pendingMax, counts[store.JobPending])

	// Rushing the last job puts it ahead of the older ones.
	rushed := jobs[len(jobs)-1]
	require.NoError(t, q.Rush(ctx, rushed.ID))
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, rushed.ID, next.ID)
}

func TestQueueEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)
	stayID := uuid.New()

	first, err := q.Enqueue(ctx, stayID, 10)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, stayID, 10)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// A failed job is retried by re-enqueueing.
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, claimed.ID, "boom"))
	third, err := q.Enqueue(ctx, stayID, 10)
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)
	require.Equal(t, store.JobPending, third.Status)
	require.Empty(t, third.Error)
}

// writeTranscoder drops a stand-in transcoder script.
func writeTranscoder(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestPool(t *testing.T, q Queue, transcoder, replayDir, outputDir string) context.CancelFunc {
	t.Helper()
	pool, err := NewPool(Config{
		Queue:          q,
		Workers:        1,
		TranscoderPath: transcoder,
		ReplayDir:      replayDir,
		OutputDir:      outputDir,
		Log:            utils.NewLoggerForTests(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

func TestWorkerCompletesJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)
	replayDir := t.TempDir()
	outputDir := t.TempDir()
	stayID := uuid.New()
	require.NoError(t, os.WriteFile(
		filepath.Join(replayDir, stayID.String()+".replay"), []byte("replay"), 0o600))

	transcoder := writeTranscoder(t, `
echo "frame 1 of 2"
echo "frame 2 of 2"
printf mp4data > "$2"
exit 0
`)
	job, err := q.Enqueue(ctx, stayID, 10)
	require.NoError(t, err)
	newTestPool(t, q, transcoder, replayDir, outputDir)

	require.Eventually(t, func() bool {
		got, err := q.ForStay(ctx, stayID)
		return err == nil && got.Status == store.JobDone
	}, 10*time.Second, 50*time.Millisecond)

	got, err := q.ForStay(ctx, stayID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, 2, got.Progress)
	require.Equal(t, 2, got.Total)

	data, err := os.ReadFile(filepath.Join(outputDir, stayID.String()+".mp4"))
	require.NoError(t, err)
	require.Equal(t, "mp4data", string(data))
}

func TestWorkerRecordsFailure(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(nil)
	replayDir := t.TempDir()
	outputDir := t.TempDir()
	stayID := uuid.New()

	transcoder := writeTranscoder(t, `
echo "codec exploded"
exit 1
`)
	_, err := q.Enqueue(ctx, stayID, 10)
	require.NoError(t, err)
	newTestPool(t, q, transcoder, replayDir, outputDir)

	require.Eventually(t, func() bool {
		got, err := q.ForStay(ctx, stayID)
		return err == nil && got.Status == store.JobFailed
	}, 10*time.Second, 50*time.Millisecond)

	got, err := q.ForStay(ctx, stayID)
	require.NoError(t, err)
	require.Equal(t, "codec exploded", got.Error)

	// No partial mp4 is published.
	_, err = os.Stat(filepath.Join(outputDir, stayID.String()+".mp4"))
	require.True(t, os.IsNotExist(err))
}
