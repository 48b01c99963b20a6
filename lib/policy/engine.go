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

// Package policy decides admission: given who is connecting, to which
// proxy address, over which protocol and as which login, it either
// admits the connection under exactly one policy or denies it with the
// most specific reason the candidate set produced.
package policy

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// Reason explains a denial. Ordered by specificity: a reason later in
// the pipeline tells the operator more about how close the connection
// came to being admitted.
type Reason string

const (
	ReasonNoPersonForSourceIP Reason = "no_person_for_source_ip"
	ReasonNoBackendForProxyIP Reason = "no_backend_for_proxy_ip"
	ReasonBackendDisabled     Reason = "backend_disabled"
	ReasonNoMatchingPolicy    Reason = "no_matching_policy"
	ReasonPolicyExpired       Reason = "policy_expired"
	ReasonOutsideSchedule     Reason = "outside_schedule"
	ReasonProtocolNotAllowed  Reason = "protocol_not_allowed"
	ReasonLoginNotPermitted   Reason = "login_not_permitted"
)

// specificity ranks candidate-failure reasons; the highest observed
// value wins the final Deny.
var specificity = map[Reason]int{
	ReasonNoMatchingPolicy:   1,
	ReasonPolicyExpired:      2,
	ReasonOutsideSchedule:    3,
	ReasonProtocolNotAllowed: 4,
	ReasonLoginNotPermitted:  5,
}

// Request is one admission question.
type Request struct {
	// SourceIP is the client address, no port.
	SourceIP string

	// ProxyIP is the local address the client connected to, no port.
	ProxyIP string

	// Protocol is ssh or rdp.
	Protocol store.Protocol

	// Login is the requested SSH login. Empty for RDP and for
	// pre-login SSH checks.
	Login string
}

// Decision is the engine's answer.
type Decision struct {
	Admitted bool

	// Reason is set on denial.
	Reason Reason

	// Person is resolved whenever the source IP mapped, even on deny,
	// so audit rows can name who was turned away.
	Person  *store.Person
	Backend *store.Backend

	// Policy is the admitting policy.
	Policy *store.Policy

	AllowPortForwarding bool

	// LoginFilter is the admitting policy's SSH login allowlist.
	// Empty means all logins.
	LoginFilter []string

	// EffectiveEnd is when the admission stops being valid: the
	// earlier of the policy end and the current schedule window end.
	// Nil means unbounded.
	EffectiveEnd *time.Time
}

// AccessPoint is the slice of the store the engine reads.
type AccessPoint interface {
	PersonBySourceIP(ctx context.Context, addr string) (*store.Person, *store.SourceIP, error)
	CandidatePolicies(ctx context.Context, personID int64, groupIDs []int64) ([]store.Policy, error)
	DirectGroupsOf(ctx context.Context, kind store.GroupKind, memberID int64) ([]int64, error)
	ListGroups(ctx context.Context, kind store.GroupKind) ([]store.Group, error)
	GroupMembers(ctx context.Context, kind store.GroupKind, groupID int64) ([]int64, error)
}

// Router resolves proxy IPs to backends.
type Router interface {
	Resolve(ctx context.Context, proxyIP string) (*store.Backend, error)
}

var decisionCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "portcullis_admission_decisions_total",
		Help: "Admission decisions by outcome and deny reason.",
	},
	[]string{"outcome", "reason"},
)

func init() {
	prometheus.MustRegister(decisionCounter)
}

// Config holds engine construction parameters.
type Config struct {
	// AccessPoint reads persons, groups and policies.
	AccessPoint AccessPoint

	// Router maps proxy IPs to backends.
	Router Router

	// Budget caps the wall-clock time of one decision. A decision
	// that cannot complete inside it denies with no_matching_policy.
	Budget time.Duration

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.AccessPoint == nil {
		return trace.BadParameter("missing parameter AccessPoint")
	}
	if c.Router == nil {
		return trace.BadParameter("missing parameter Router")
	}
	if c.Budget == 0 {
		c.Budget = defaults.DecisionBudget
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentPolicy)
	}
	return nil
}

// Engine evaluates admission requests.
type Engine struct {
	cfg Config
	log *logrus.Entry
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg, log: cfg.Log}, nil
}

// Decide runs the admission pipeline under the decision budget. The
// returned error is only for infrastructure failures that are neither
// an admit nor a clean deny; an exceeded budget is reported as a deny.
func (e *Engine) Decide(ctx context.Context, req Request) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	d, err := e.decide(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			e.log.WithFields(logrus.Fields{
				"src": req.SourceIP, "dst": req.ProxyIP,
			}).Warn("Decision budget exceeded, denying.")
			d = &Decision{Reason: ReasonNoMatchingPolicy}
		} else {
			return nil, trace.Wrap(err)
		}
	}
	outcome := "deny"
	reason := string(d.Reason)
	if d.Admitted {
		outcome, reason = "admit", ""
	}
	decisionCounter.WithLabelValues(outcome, reason).Inc()
	return d, nil
}

func (e *Engine) decide(ctx context.Context, req Request) (*Decision, error) {
	now := e.cfg.Clock.Now()

	person, sourceIP, err := e.cfg.AccessPoint.PersonBySourceIP(ctx, req.SourceIP)
	if err != nil {
		if trace.IsNotFound(err) {
			return &Decision{Reason: ReasonNoPersonForSourceIP}, nil
		}
		return nil, trace.Wrap(err)
	}

	backend, err := e.cfg.Router.Resolve(ctx, req.ProxyIP)
	if err != nil {
		if trace.IsNotFound(err) {
			return &Decision{Reason: ReasonNoBackendForProxyIP, Person: person}, nil
		}
		return nil, trace.Wrap(err)
	}
	deny := func(r Reason) *Decision {
		return &Decision{Reason: r, Person: person, Backend: backend}
	}
	if !backend.Active || !protocolEnabled(backend, req.Protocol) {
		return deny(ReasonBackendDisabled), nil
	}

	userGroups, err := e.closureUp(ctx, store.UserGroups, person.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serverGroups, err := e.closureUp(ctx, store.ServerGroups, backend.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	candidates, err := e.cfg.AccessPoint.CandidatePolicies(ctx, person.ID, userGroups)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	inScope := candidates[:0:0]
	for _, p := range candidates {
		if scopeIncludes(&p, backend.ID, serverGroups) {
			inScope = append(inScope, p)
		}
	}

	// A person named directly by an in-scope policy of the right
	// protocol gets exactly that policy set; group grants never widen
	// what a direct grant restricted.
	var direct []store.Policy
	for _, p := range inScope {
		if p.SubjectKind == store.SubjectPerson && protocolIncludes(&p, req.Protocol) {
			direct = append(direct, p)
		}
	}
	if len(direct) > 0 {
		inScope = direct
	}

	worst := ReasonNoMatchingPolicy
	for i := range inScope {
		p := &inScope[i]
		fail := func(r Reason) {
			if specificity[r] > specificity[worst] {
				worst = r
			}
		}
		if p.SourceIPID != nil && *p.SourceIPID != sourceIP.ID {
			continue
		}
		if !p.Started(now) || p.Expired(now) {
			fail(ReasonPolicyExpired)
			continue
		}
		scheduleOK, windowEnd, err := ScheduleMatches(p, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !scheduleOK {
			fail(ReasonOutsideSchedule)
			continue
		}
		if !protocolIncludes(p, req.Protocol) {
			fail(ReasonProtocolNotAllowed)
			continue
		}
		if req.Login != "" && len(p.SSHLogins) > 0 && !containsString(p.SSHLogins, req.Login) {
			fail(ReasonLoginNotPermitted)
			continue
		}
		return &Decision{
			Admitted:            true,
			Person:              person,
			Backend:             backend,
			Policy:              p,
			AllowPortForwarding: p.AllowPortForwarding,
			LoginFilter:         p.SSHLogins,
			EffectiveEnd:        effectiveEnd(p.EndsAt, windowEnd),
		}, nil
	}
	return deny(worst), nil
}

// EffectiveEndNow recomputes the effective end of an admission under a
// policy at the current instant. The expiry ticker calls it to re-arm
// after a schedule window closes while the policy itself still holds.
func (e *Engine) EffectiveEndNow(p *store.Policy, now time.Time) (stillValid bool, end *time.Time, err error) {
	if !p.Active || !p.Started(now) || p.Expired(now) {
		return false, nil, nil
	}
	ok, windowEnd, err := ScheduleMatches(p, now)
	if err != nil {
		return false, nil, trace.Wrap(err)
	}
	if !ok {
		return false, nil, nil
	}
	return true, effectiveEnd(p.EndsAt, windowEnd), nil
}

// ValidateNoCycle checks that reparenting a group keeps its tree
// acyclic and within the depth bound.
func (e *Engine) ValidateNoCycle(ctx context.Context, kind store.GroupKind, groupID, newParentID int64) error {
	parents, err := e.parentIndex(ctx, kind)
	if err != nil {
		return trace.Wrap(err)
	}
	seen := map[int64]bool{groupID: true}
	current := newParentID
	for depth := 0; depth < defaults.MaxGroupDepth; depth++ {
		if seen[current] {
			return trace.BadParameter("cycle detected through %v %v", kind, current)
		}
		seen[current] = true
		parent, ok := parents[current]
		if !ok || parent == nil {
			return nil
		}
		current = *parent
	}
	return trace.BadParameter("group chain exceeds maximum depth %v", defaults.MaxGroupDepth)
}

// GroupClosure returns the transitive member set of a group: direct
// members plus the members of every descendant group.
func (e *Engine) GroupClosure(ctx context.Context, kind store.GroupKind, groupID int64) ([]int64, error) {
	groups, err := e.cfg.AccessPoint.ListGroups(ctx, kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	children := make(map[int64][]int64)
	for _, g := range groups {
		if g.ParentID != nil {
			children[*g.ParentID] = append(children[*g.ParentID], g.ID)
		}
	}
	memberSet := make(map[int64]bool)
	visited := make(map[int64]bool)
	queue := []int64{groupID}
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		if visited[g] {
			continue
		}
		visited[g] = true
		members, err := e.cfg.AccessPoint.GroupMembers(ctx, kind, g)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, m := range members {
			memberSet[m] = true
		}
		queue = append(queue, children[g]...)
	}
	out := make([]int64, 0, len(memberSet))
	for m := range memberSet {
		out = append(out, m)
	}
	return out, nil
}

// closureUp collects the groups a member transitively belongs to by
// walking parent pointers up from its direct groups. The visited set
// guards against cycles that slipped past write validation.
func (e *Engine) closureUp(ctx context.Context, kind store.GroupKind, memberID int64) ([]int64, error) {
	direct, err := e.cfg.AccessPoint.DirectGroupsOf(ctx, kind, memberID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(direct) == 0 {
		return nil, nil
	}
	groups, err := e.cfg.AccessPoint.ListGroups(ctx, kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	parents, err := e.parentIndexFrom(groups)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	visited := make(map[int64]bool)
	queue := append([]int64(nil), direct...)
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		if visited[g] {
			continue
		}
		visited[g] = true
		if parent, ok := parents[g]; ok && parent != nil {
			queue = append(queue, *parent)
		}
	}
	out := make([]int64, 0, len(visited))
	for g := range visited {
		out = append(out, g)
	}
	return out, nil
}

func (e *Engine) parentIndex(ctx context.Context, kind store.GroupKind) (map[int64]*int64, error) {
	groups, err := e.cfg.AccessPoint.ListGroups(ctx, kind)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return e.parentIndexFrom(groups)
}

func (e *Engine) parentIndexFrom(groups []store.Group) (map[int64]*int64, error) {
	out := make(map[int64]*int64, len(groups))
	for _, g := range groups {
		out[g.ID] = g.ParentID
	}
	return out, nil
}

func scopeIncludes(p *store.Policy, backendID int64, serverGroups []int64) bool {
	switch p.ScopeKind {
	case store.ScopeServer, store.ScopeService:
		return p.ScopeID == backendID
	case store.ScopeServerGroup:
		return containsInt64(serverGroups, p.ScopeID)
	}
	return false
}

func protocolIncludes(p *store.Policy, proto store.Protocol) bool {
	return p.Protocol == store.ProtocolAny || p.Protocol == proto
}

func protocolEnabled(b *store.Backend, proto store.Protocol) bool {
	switch proto {
	case store.ProtocolSSH:
		return b.SSHEnabled
	case store.ProtocolRDP:
		return b.RDPEnabled
	}
	return false
}

func effectiveEnd(policyEnd *time.Time, windowEnd *time.Time) *time.Time {
	switch {
	case policyEnd == nil:
		return windowEnd
	case windowEnd == nil:
		return policyEnd
	case windowEnd.Before(*policyEnd):
		return windowEnd
	default:
		return policyEnd
	}
}

func containsInt64(set []int64, v int64) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
