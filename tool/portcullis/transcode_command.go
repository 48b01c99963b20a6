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

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kingpin/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/transcode"
)

// TranscodeCommand implements the "transcode" verb: request, rush or
// inspect the replay-to-mp4 conversion of a stay. The running gateway's
// workers pick the job up from the shared queue.
type TranscodeCommand struct {
	stayID string
	rush   bool
	status bool

	transcode *kingpin.CmdClause
}

// Initialize registers the clause.
func (c *TranscodeCommand) Initialize(app *kingpin.Application) {
	c.transcode = app.Command("transcode", "Request conversion of a stay's RDP replay to MP4.")
	c.transcode.Arg("stay_id", "Stay whose replay to convert.").Required().StringVar(&c.stayID)
	c.transcode.Flag("rush", "Put the job ahead of every other pending job.").BoolVar(&c.rush)
	c.transcode.Flag("status", "Only report the job, do not enqueue.").BoolVar(&c.status)
}

// TryRun executes the matching clause.
func (c *TranscodeCommand) TryRun(ctx context.Context, cmd string, st *store.Store) (bool, error) {
	if cmd != c.transcode.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.onTranscode(ctx, st))
}

func (c *TranscodeCommand) onTranscode(ctx context.Context, st *store.Store) error {
	stayID, err := uuid.Parse(c.stayID)
	if err != nil {
		return trace.BadParameter("invalid stay ID %q", c.stayID)
	}
	queue := transcode.NewQueue(st)

	var job *store.TranscodeJob
	if c.status {
		job, err = queue.ForStay(ctx, stayID)
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		stay, err := st.GetStay(ctx, stayID)
		if err != nil {
			return trace.Wrap(err)
		}
		if stay.Protocol != store.ProtocolRDP {
			return trace.BadParameter("stay %v is %v, only RDP stays have replays", stayID, stay.Protocol)
		}
		if stay.Active() {
			return trace.BadParameter("stay %v is still open, close it before converting", stayID)
		}
		job, err = queue.Enqueue(ctx, stayID, pendingMax())
		if err != nil {
			return trace.Wrap(err)
		}
		if c.rush && job.Status == store.JobPending {
			if err := queue.Rush(ctx, job.ID); err != nil {
				return trace.Wrap(err)
			}
			job, err = queue.ForStay(ctx, stayID)
			if err != nil {
				return trace.Wrap(err)
			}
		}
	}

	printJob(job)
	return nil
}

func printJob(job *store.TranscodeJob) {
	switch job.Status {
	case store.JobRunning:
		if job.Total > 0 {
			fmt.Printf("Job %v running: frame %v of %v, about %vs left.\n",
				job.ID, job.Progress, job.Total, job.ETASeconds)
			return
		}
		fmt.Printf("Job %v running.\n", job.ID)
	case store.JobDone:
		fmt.Printf("Job %v done: %v\n", job.ID, job.OutputPath)
	case store.JobFailed:
		fmt.Printf("Job %v failed: %v\n", job.ID, job.Error)
	default:
		fmt.Printf("Job %v pending, priority %v.\n", job.ID, job.Priority)
	}
}

// pendingMax mirrors the gateway's queue cap so the CLI refuses work
// the workers would not accept.
func pendingMax() int {
	if v := os.Getenv("TRANSCODE_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaults.TranscodePendingMax
}
