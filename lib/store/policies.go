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
	"fmt"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const policyColumns = `id, subject_kind, subject_id, scope_kind, scope_id, protocol,
	source_ip_id, allow_port_forwarding, starts_at, ends_at, active, created_at, created_by`

// CreatePolicy inserts a policy together with its login filter and
// schedule rules, plus the audit row, in one transaction.
func (s *Store) CreatePolicy(ctx context.Context, p Policy) (*Policy, error) {
	if p.StartsAt.IsZero() {
		p.StartsAt = s.clock.Now().UTC()
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO policy (subject_kind, subject_id, scope_kind, scope_id, protocol,
			     source_ip_id, allow_port_forwarding, starts_at, ends_at, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id, created_at`,
			string(p.SubjectKind), p.SubjectID, string(p.ScopeKind), p.ScopeID,
			string(p.Protocol), p.SourceIPID, p.AllowPortForwarding,
			p.StartsAt, p.EndsAt, p.CreatedBy).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return convertError(err)
		}
		for _, login := range p.SSHLogins {
			if _, err := tx.Exec(ctx,
				`INSERT INTO policy_ssh_login (policy_id, login) VALUES ($1, $2)`,
				p.ID, login); err != nil {
				return convertError(err)
			}
		}
		for _, r := range p.Schedules {
			if _, err := tx.Exec(ctx,
				`INSERT INTO policy_schedule (policy_id, name, weekdays, start_minute, end_minute,
				     months, days_of_month, timezone, active)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				p.ID, r.Name, r.Weekdays, r.StartMinute, r.EndMinute,
				r.Months, r.DaysOfMonth, r.Timezone, r.Active); err != nil {
				return convertError(err)
			}
		}
		return s.auditInTx(ctx, tx, AuditEntry{
			Actor:    p.CreatedBy,
			Kind:     AuditPolicy,
			Protocol: p.Protocol,
			Admitted: true,
			Detail:   fmt.Sprintf("grant policy %v: %v %v -> %v %v", p.ID, p.SubjectKind, p.SubjectID, p.ScopeKind, p.ScopeID),
		})
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Active = true
	return &p, nil
}

// RevokePolicy deactivates a policy. Stays admitted under it are the
// expiry watchdog's to terminate; the store only flips the flag and
// records who did it.
func (s *Store) RevokePolicy(ctx context.Context, id int64, actor string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE policy SET active = FALSE WHERE id = $1 AND active`, id)
		if err != nil {
			return convertError(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("active policy %v not found", id)
		}
		return s.auditInTx(ctx, tx, AuditEntry{
			Actor:    actor,
			Kind:     AuditPolicy,
			Admitted: true,
			Detail:   fmt.Sprintf("revoke policy %v", id),
		})
	})
	return trace.Wrap(err)
}

// GetPolicy returns one policy with its logins and schedules loaded.
func (s *Store) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policy WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.loadPolicyDetails(ctx, p); err != nil {
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// CandidatePolicies returns the active policies whose subject is the
// person directly or any of the given user groups, ordered so that
// unbounded grants sort first and ties break on age. Expiry and
// schedule evaluation stay with the policy engine; this query only
// excludes rows that can never match.
func (s *Store) CandidatePolicies(ctx context.Context, personID int64, groupIDs []int64) ([]Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM policy
		 WHERE active AND (
		     (subject_kind = 'person' AND subject_id = $1)
		     OR (subject_kind = 'user_group' AND subject_id = ANY($2::bigint[]))
		 )
		 ORDER BY (ends_at IS NULL) DESC, created_at ASC, id ASC`,
		personID, groupIDs)
	if err != nil {
		return nil, convertError(err)
	}
	policies, err := collectPolicies(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range policies {
		if err := s.loadPolicyDetails(ctx, &policies[i]); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return policies, nil
}

// ListPolicies returns all policies, optionally only active ones.
func (s *Store) ListPolicies(ctx context.Context, activeOnly bool) ([]Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policy`
	if activeOnly {
		q += ` WHERE active`
	}
	q += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, convertError(err)
	}
	policies, err := collectPolicies(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range policies {
		if err := s.loadPolicyDetails(ctx, &policies[i]); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return policies, nil
}

func (s *Store) loadPolicyDetails(ctx context.Context, p *Policy) error {
	rows, err := s.pool.Query(ctx,
		`SELECT login FROM policy_ssh_login WHERE policy_id = $1 ORDER BY login`, p.ID)
	if err != nil {
		return convertError(err)
	}
	defer rows.Close()
	p.SSHLogins = nil
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return trace.Wrap(err)
		}
		p.SSHLogins = append(p.SSHLogins, login)
	}
	if err := rows.Err(); err != nil {
		return trace.Wrap(err)
	}

	srows, err := s.pool.Query(ctx,
		`SELECT name, weekdays, start_minute, end_minute, months, days_of_month, timezone, active
		 FROM policy_schedule WHERE policy_id = $1 ORDER BY id`, p.ID)
	if err != nil {
		return convertError(err)
	}
	defer srows.Close()
	p.Schedules = nil
	for srows.Next() {
		var r ScheduleRule
		if err := srows.Scan(&r.Name, &r.Weekdays, &r.StartMinute, &r.EndMinute,
			&r.Months, &r.DaysOfMonth, &r.Timezone, &r.Active); err != nil {
			return trace.Wrap(err)
		}
		p.Schedules = append(p.Schedules, r)
	}
	return trace.Wrap(srows.Err())
}

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	var subjectKind, scopeKind, protocol string
	err := row.Scan(&p.ID, &subjectKind, &p.SubjectID, &scopeKind, &p.ScopeID,
		&protocol, &p.SourceIPID, &p.AllowPortForwarding,
		&p.StartsAt, &p.EndsAt, &p.Active, &p.CreatedAt, &p.CreatedBy)
	if err != nil {
		return nil, convertError(err)
	}
	p.SubjectKind = SubjectKind(subjectKind)
	p.ScopeKind = ScopeKind(scopeKind)
	p.Protocol = Protocol(protocol)
	return &p, nil
}

func collectPolicies(rows pgx.Rows) ([]Policy, error) {
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *p)
	}
	return out, trace.Wrap(rows.Err())
}
