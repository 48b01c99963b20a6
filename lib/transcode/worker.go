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
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/utils"
)

var jobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "portcullis_transcode_jobs_total",
	Help: "Finished transcode jobs by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(jobsCompleted)
}

// progressRe matches the transcoder's progress lines.
var progressRe = regexp.MustCompile(`frame (\d+) of (\d+)`)

// resourceCheckInterval is how often a running transcoder's CPU and
// memory are sampled.
const resourceCheckInterval = 5 * time.Second

// Config holds worker pool parameters.
type Config struct {
	// Queue hands out jobs.
	Queue Queue

	// Workers bounds concurrently running jobs.
	Workers int

	// PollInterval is the queue poll period, floored at one second to
	// bound store load.
	PollInterval time.Duration

	// TranscoderPath is the external replay-to-mp4 binary. It takes
	// the replay path and the output path and reports progress on
	// stdout as "frame K of N" lines.
	TranscoderPath string

	// ReplayDir is where stay replays live.
	ReplayDir string

	// OutputDir is where finished mp4 files land.
	OutputDir string

	// CPUPercentMax kills a transcoder exceeding this CPU share.
	CPUPercentMax float64

	// RSSMax kills a transcoder exceeding this resident size in bytes.
	RSSMax uint64

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if c.TranscoderPath == "" {
		return trace.BadParameter("missing parameter TranscoderPath")
	}
	if c.ReplayDir == "" {
		return trace.BadParameter("missing parameter ReplayDir")
	}
	if c.OutputDir == "" {
		return trace.BadParameter("missing parameter OutputDir")
	}
	if c.Workers <= 0 {
		c.Workers = defaults.TranscodeWorkers
	}
	if c.PollInterval < defaults.TranscodePollInterval {
		c.PollInterval = defaults.TranscodePollInterval
	}
	if c.CPUPercentMax == 0 {
		c.CPUPercentMax = defaults.TranscodeCPUPercentMax
	}
	if c.RSSMax == 0 {
		c.RSSMax = defaults.TranscodeRSSMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentTranscode)
	}
	return nil
}

// Pool is the bounded worker pool.
type Pool struct {
	cfg Config
	log *logrus.Entry
}

// NewPool creates the worker pool.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{cfg: cfg, log: cfg.Log}, nil
}

// Run polls the queue with the configured number of workers until the
// context ends.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	log := p.log.WithField("worker", worker)
	ticker := p.cfg.Clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		job, err := p.cfg.Queue.Claim(ctx)
		if err != nil {
			if !trace.IsNotFound(err) && ctx.Err() == nil {
				log.WithError(err).Warn("Failed to claim transcode job.")
			}
			continue
		}
		p.runJob(ctx, log.WithField("job", job.ID), job.ID, job.StayID.String())
	}
}

// runJob drives one transcoder process from claim to done or failed.
func (p *Pool) runJob(ctx context.Context, log *logrus.Entry, jobID int64, stayID string) {
	replay := filepath.Join(p.cfg.ReplayDir, stayID+".replay")
	output := filepath.Join(p.cfg.OutputDir, stayID+".mp4")

	// The transcoder writes into renameio's temp file; the rename to
	// the final name happens only after a clean exit, so a crashed or
	// killed job never leaves a partial mp4 behind.
	pending, err := renameio.TempFile(p.cfg.OutputDir, output)
	if err != nil {
		log.WithError(err).Error("Failed to create transcode output file.")
		p.fail(ctx, log, jobID, "output file creation failed")
		return
	}
	defer pending.Cleanup()

	cmd := exec.CommandContext(ctx, p.cfg.TranscoderPath, replay, pending.Name())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.fail(ctx, log, jobID, err.Error())
		return
	}
	cmd.Stderr = cmd.Stdout
	started := p.cfg.Clock.Now()
	if err := cmd.Start(); err != nil {
		p.fail(ctx, log, jobID, "failed to start transcoder: "+err.Error())
		return
	}

	guardDone := make(chan struct{})
	breachedC := make(chan bool, 1)
	go func() {
		breachedC <- p.guardResources(ctx, log, cmd, guardDone)
	}()

	lastLine := ""
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		lastLine = line
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		frame, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		eta := 0
		if frame > 0 {
			elapsed := p.cfg.Clock.Since(started)
			eta = int(elapsed.Seconds() * float64(total-frame) / float64(frame))
		}
		if err := p.cfg.Queue.Heartbeat(ctx, jobID, frame, total, eta); err != nil {
			log.WithError(err).Warn("Failed to record transcode progress.")
		}
	}
	waitErr := cmd.Wait()
	close(guardDone)
	breached := <-breachedC

	switch {
	case breached:
		p.fail(ctx, log, jobID, "resource_exceeded")
	case waitErr != nil:
		reason := waitErr.Error()
		if lastLine != "" {
			reason = lastLine
		}
		p.fail(ctx, log, jobID, reason)
	default:
		if err := pending.CloseAtomicallyReplace(); err != nil {
			p.fail(ctx, log, jobID, "failed to publish output: "+err.Error())
			return
		}
		if err := p.cfg.Queue.Complete(ctx, jobID, output); err != nil {
			log.WithError(err).Error("Failed to mark transcode job done.")
			return
		}
		jobsCompleted.WithLabelValues("done").Inc()
		log.WithField("output", output).Info("Transcode finished.")
	}
}

func (p *Pool) fail(ctx context.Context, log *logrus.Entry, jobID int64, reason string) {
	jobsCompleted.WithLabelValues("failed").Inc()
	log.WithField("reason", reason).Warn("Transcode failed.")
	if err := p.cfg.Queue.Fail(ctx, jobID, reason); err != nil {
		log.WithError(err).Error("Failed to mark transcode job failed.")
	}
}

// guardResources samples the transcoder's CPU and memory and kills it
// past the ceilings. Returns whether a ceiling was breached.
func (p *Pool) guardResources(ctx context.Context, log *logrus.Entry, cmd *exec.Cmd, done <-chan struct{}) bool {
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return false
	}
	ticker := p.cfg.Clock.NewTicker(resourceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return false
		case <-ctx.Done():
			return false
		case <-ticker.Chan():
		}
		cpu, err := proc.CPUPercent()
		if err != nil {
			// Process already gone.
			return false
		}
		var rss uint64
		if mem, err := proc.MemoryInfo(); err == nil {
			rss = mem.RSS
		}
		if cpu > p.cfg.CPUPercentMax || rss > p.cfg.RSSMax {
			log.Warnf("Killing transcoder: cpu %.0f%% rss %v.", cpu, rss)
			cmd.Process.Kill()
			return true
		}
	}
}

// OutputName returns the mp4 path a finished job for the stay will
// have.
func OutputName(outputDir, stayID string) string {
	return filepath.Join(outputDir, fmt.Sprintf("%v.mp4", stayID))
}
