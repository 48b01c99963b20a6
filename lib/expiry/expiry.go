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

// Package expiry runs the single watchdog that ends stays whose policy
// stopped admitting them: the policy window closed, the schedule
// window closed, or an operator revoked the grant. It also emits the
// two advance warnings interactive sessions show the user.
package expiry

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/session"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// PolicyReader re-reads policies so revocations committed by another
// process are observed.
type PolicyReader interface {
	GetPolicy(ctx context.Context, id int64) (*store.Policy, error)
}

// Evaluator recomputes whether a policy still admits at an instant and
// the effective end of the admission.
type Evaluator interface {
	EffectiveEndNow(p *store.Policy, now time.Time) (stillValid bool, end *time.Time, err error)
}

// Config holds watchdog construction parameters.
type Config struct {
	// Registry holds the live stays.
	Registry *session.Registry

	// Policies re-reads policy rows.
	Policies PolicyReader

	// Evaluator is the policy engine.
	Evaluator Evaluator

	// RecheckInterval bounds the time between sweeps regardless of
	// computed deadlines.
	RecheckInterval time.Duration

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Policies == nil {
		return trace.BadParameter("missing parameter Policies")
	}
	if c.Evaluator == nil {
		return trace.BadParameter("missing parameter Evaluator")
	}
	if c.RecheckInterval == 0 {
		c.RecheckInterval = defaults.ExpiryRecheckInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentExpiry)
	}
	return nil
}

// Watchdog is the expiry ticker.
type Watchdog struct {
	cfg Config
	log *logrus.Entry

	pokeC chan struct{}

	// warned tracks which advance warnings each stay has received, so
	// a warning instant crossed by several sweeps fires once.
	warned map[string]map[time.Duration]bool
}

// New creates a watchdog. Run must be called to start it.
func New(cfg Config) (*Watchdog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Watchdog{
		cfg:    cfg,
		log:    cfg.Log,
		pokeC:  make(chan struct{}, 1),
		warned: make(map[string]map[time.Duration]bool),
	}, nil
}

// Poke asks the watchdog to re-arm immediately, e.g. after a policy
// write or a new admission. Never blocks.
func (w *Watchdog) Poke() {
	select {
	case w.pokeC <- struct{}{}:
	default:
	}
}

// Run sweeps until the context is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		next := w.sweep(ctx)
		wait := w.cfg.RecheckInterval
		if until := next.Sub(w.cfg.Clock.Now()); !next.IsZero() && until < wait {
			wait = until
		}
		if wait < 0 {
			wait = 0
		}
		timer := w.cfg.Clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-w.pokeC:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// sweep re-evaluates every live stay and returns the nearest future
// instant anything is scheduled to happen (a warning or a kill), zero
// when nothing is pending.
func (w *Watchdog) sweep(ctx context.Context) time.Time {
	now := w.cfg.Clock.Now()
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	live := make(map[string]bool)
	for _, st := range w.cfg.Registry.Stays() {
		live[st.ID().String()] = true
		policy, err := w.cfg.Policies.GetPolicy(ctx, st.PolicyID())
		if err != nil {
			w.log.WithError(err).WithField("stay", st.ID()).Warn("Failed to re-read policy, keeping stay.")
			continue
		}
		valid, end, err := w.cfg.Evaluator.EffectiveEndNow(policy, now)
		if err != nil {
			w.log.WithError(err).WithField("stay", st.ID()).Warn("Failed to evaluate policy, keeping stay.")
			continue
		}
		if !valid || (end != nil && !now.Before(*end)) {
			reason := store.ReasonPolicyExpired
			if !policy.Active {
				reason = store.ReasonRevoked
			}
			w.log.WithFields(logrus.Fields{
				"stay": st.ID(), "reason": reason,
			}).Info("Stay no longer admitted, terminating.")
			st.Terminate(reason)
			continue
		}
		st.SetEffectiveEnd(end)
		if end == nil {
			continue
		}
		consider(*end)
		for _, lead := range []time.Duration{defaults.ExpiryWarningLong, defaults.ExpiryWarningShort} {
			at := end.Add(-lead)
			if at.After(now) {
				consider(at)
				continue
			}
			key := st.ID().String()
			if w.warned[key] == nil {
				w.warned[key] = make(map[time.Duration]bool)
			}
			if !w.warned[key][lead] {
				w.warned[key][lead] = true
				st.Warn(end.Sub(now))
			}
		}
	}
	for key := range w.warned {
		if !live[key] {
			delete(w.warned, key)
		}
	}
	return next
}
