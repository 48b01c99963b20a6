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

// Package store is the relational policy store: persons, source IPs,
// backends, proxy IP allocations, groups, policies, stays, audit rows
// and the transcode queue. It is the single source of truth; all
// in-memory caches elsewhere are read-through views of it.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is a proxied wire protocol.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
	// ProtocolAny is only valid on policies, never on stays.
	ProtocolAny Protocol = "any"
)

// SubjectKind says who a policy grants access to.
type SubjectKind string

const (
	SubjectPerson    SubjectKind = "person"
	SubjectUserGroup SubjectKind = "user_group"
)

// ScopeKind says what a policy grants access to.
type ScopeKind string

const (
	ScopeServerGroup ScopeKind = "server_group"
	ScopeServer      ScopeKind = "server"
	// ScopeService pins a single (backend, protocol) pair.
	ScopeService ScopeKind = "service"
)

// TerminationReason records why a stay ended.
type TerminationReason string

const (
	ReasonClientClosed  TerminationReason = "client_closed"
	ReasonServerClosed  TerminationReason = "server_closed"
	ReasonPolicyExpired TerminationReason = "policy_expired"
	ReasonRevoked       TerminationReason = "revoked"
	ReasonError         TerminationReason = "error"
)

// SessionKind classifies one TCP connection or SSH channel in a stay.
type SessionKind string

const (
	SessionShell          SessionKind = "shell"
	SessionExec           SessionKind = "exec"
	SessionSFTP           SessionKind = "sftp"
	SessionDirectTCPIP    SessionKind = "direct_tcpip"
	SessionForwardedTCPIP SessionKind = "forwarded_tcpip"
	SessionDynamic        SessionKind = "dynamic"
	SessionRDP            SessionKind = "rdp"
)

// JobStatus is the lifecycle state of a transcode job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Person is the subject of accountability. Persons are soft-deleted;
// rows referenced by stays or policies are never removed.
type Person struct {
	ID          int64
	Handle      string
	DisplayName string
	Email       string
	Active      bool
}

// SourceIP registers an address or CIDR as belonging to a person. An
// IP maps to at most one active person; overlap is rejected at write.
type SourceIP struct {
	ID       int64
	PersonID int64
	CIDR     string
	Label    string
	Active   bool
}

// Backend is a real target host behind the gateway.
type Backend struct {
	ID         int64
	Name       string
	Address    string
	SSHPort    int
	RDPPort    int
	SSHEnabled bool
	RDPEnabled bool
	Active     bool
}

// Allocation binds a proxy IP to a backend. The routing table is the
// set of allocations with a NULL ReleasedAt.
type Allocation struct {
	ProxyIP    string
	BackendID  int64
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Group is one node of the server-group or user-group tree.
type Group struct {
	ID       int64
	Name     string
	ParentID *int64
}

// ScheduleRule is one weekly recurrence window of a policy. A rule
// matches when the local time in its zone passes every set filter.
// StartMinute/EndMinute are minutes since local midnight; -1 on both
// means the whole day, Start > End means the window crosses midnight.
type ScheduleRule struct {
	Name        string
	Weekdays    []int // 0 = Monday .. 6 = Sunday
	StartMinute int
	EndMinute   int
	Months      []int // 1..12, empty = all
	DaysOfMonth []int // 1..31, empty = all
	Timezone    string
	Active      bool
}

// Policy is a time-bounded access grant.
type Policy struct {
	ID                  int64
	SubjectKind         SubjectKind
	SubjectID           int64
	ScopeKind           ScopeKind
	ScopeID             int64
	Protocol            Protocol
	SSHLogins           []string
	SourceIPID          *int64
	AllowPortForwarding bool
	StartsAt            time.Time
	EndsAt              *time.Time
	Schedules           []ScheduleRule
	Active              bool
	CreatedAt           time.Time
	CreatedBy           string
}

// Expired reports whether the policy time window has passed at now.
func (p *Policy) Expired(now time.Time) bool {
	return p.EndsAt != nil && !now.Before(*p.EndsAt)
}

// Started reports whether the policy time window has opened at now.
func (p *Policy) Started(now time.Time) bool {
	return !now.Before(p.StartsAt)
}

// Stay is the authoritative record of one person inside one backend
// under one policy, possibly spanning multiple TCP connections.
type Stay struct {
	ID                uuid.UUID
	PersonID          int64
	PolicyID          int64
	BackendID         int64
	Protocol          Protocol
	SourceIP          string
	ProxyIP           string
	StartedAt         time.Time
	EndedAt           *time.Time
	TerminationReason TerminationReason
	RecordingPath     string
	RecordingBytes    int64
	BytesIn           int64
	BytesOut          int64
}

// Active reports whether the stay is still open.
func (s *Stay) Active() bool { return s.EndedAt == nil }

// Session is a single TCP connection or SSH channel within a stay.
type Session struct {
	ID        uuid.UUID
	StayID    uuid.UUID
	Kind      SessionKind
	StartedAt time.Time
	EndedAt   *time.Time
}

// AuditEntry is one append-only audit row.
type AuditEntry struct {
	ID       int64
	At       time.Time
	Actor    string
	Kind     string
	SourceIP string
	Backend  *int64
	Protocol Protocol
	Admitted bool
	Reason   string
	Detail   string
}

// Audit row kinds.
const (
	AuditAdmission  = "admission"
	AuditStayClose  = "stay_close"
	AuditPolicy     = "policy_write"
	AuditAllocation = "allocation_change"
)

// TranscodeJob is one queued replay-to-mp4 conversion.
type TranscodeJob struct {
	ID         int64
	StayID     uuid.UUID
	Status     JobStatus
	Priority   int
	Progress   int
	Total      int
	ETASeconds int
	OutputPath string
	Error      string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
