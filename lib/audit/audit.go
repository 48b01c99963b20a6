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

// Package audit delivers proxy-path audit events to the store without
// ever blocking the data path. Control-plane writes (policy, allocation
// changes) are audited transactionally by the store itself; this sink
// exists for admission and stay events emitted while serving traffic.
// When the database is unavailable events spill to an append-only local
// JSONL file so the trail survives the outage.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// writeTimeout bounds one database write attempt; past it the event
// goes to the fallback file.
const writeTimeout = 5 * time.Second

// queueDepth is the emit buffer. A full buffer spills directly to the
// fallback file rather than blocking the caller.
const queueDepth = 1024

// Appender is the store's audit write surface.
type Appender interface {
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// Config holds sink construction parameters.
type Config struct {
	// Store receives audit rows.
	Store Appender

	// FallbackPath is the local JSONL file used when the store write
	// fails. Required.
	FallbackPath string

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.FallbackPath == "" {
		return trace.BadParameter("missing parameter FallbackPath")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentAudit)
	}
	return nil
}

// Sink is the asynchronous audit writer.
type Sink struct {
	cfg Config
	log *logrus.Entry

	eventsC chan store.AuditEntry
	done    chan struct{}
	wg      sync.WaitGroup

	fallbackMu sync.Mutex
}

// NewSink creates a sink and starts its delivery goroutine.
func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Sink{
		cfg:     cfg,
		log:     cfg.Log,
		eventsC: make(chan store.AuditEntry, queueDepth),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.deliver()
	return s, nil
}

// Emit queues an audit event. Never blocks: with the queue full the
// event goes straight to the fallback file.
func (s *Sink) Emit(e store.AuditEntry) {
	if e.At.IsZero() {
		e.At = s.cfg.Clock.Now().UTC()
	}
	select {
	case s.eventsC <- e:
	default:
		s.spill(e)
	}
}

// Close drains queued events and stops the sink.
func (s *Sink) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *Sink) deliver() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.eventsC:
			s.write(e)
		case <-s.done:
			for {
				select {
				case e := <-s.eventsC:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(e store.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.cfg.Store.AppendAudit(ctx, e); err != nil {
		s.log.WithError(err).Warn("Audit store write failed, spilling to fallback log.")
		s.spill(e)
	}
}

// spill appends the event to the local fallback file. Errors here are
// logged and dropped; there is nowhere further to fall.
func (s *Sink) spill(e store.AuditEntry) {
	s.fallbackMu.Lock()
	defer s.fallbackMu.Unlock()
	f, err := os.OpenFile(s.cfg.FallbackPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		s.log.WithError(err).Error("Failed to open audit fallback log, event lost.")
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(e); err != nil {
		s.log.WithError(err).Error("Failed to append to audit fallback log, event lost.")
	}
}
