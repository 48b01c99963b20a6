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
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const auditInsert = `INSERT INTO audit (at, actor, kind, source_ip, backend_id, protocol, admitted, reason, detail)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// AppendAudit writes one audit row. Audit is append-only; there is no
// update or delete path in this package.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, auditInsert,
		e.At, e.Actor, e.Kind, e.SourceIP, e.Backend, string(e.Protocol),
		e.Admitted, e.Reason, e.Detail)
	return convertError(err)
}

// auditInTx appends an audit row inside an already open transaction,
// so a policy or allocation write and its audit trail commit together.
func (s *Store) auditInTx(ctx context.Context, tx pgx.Tx, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.clock.Now().UTC()
	}
	_, err := tx.Exec(ctx, auditInsert,
		e.At, e.Actor, e.Kind, e.SourceIP, e.Backend, string(e.Protocol),
		e.Admitted, e.Reason, e.Detail)
	return convertError(err)
}

// AuditFilter narrows an audit query. Zero values mean no filter.
type AuditFilter struct {
	From     time.Time
	To       time.Time
	SourceIP string
	Backend  int64
	Kind     string
	Limit    int
}

// QueryAudit returns audit rows matching the filter, newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if !f.From.IsZero() {
		add("at >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("at < ?", f.To)
	}
	if f.SourceIP != "" {
		add("source_ip = ?", f.SourceIP)
	}
	if f.Backend != 0 {
		add("backend_id = ?", f.Backend)
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	q := `SELECT id, at, actor, kind, source_ip, backend_id, protocol, admitted, reason, detail FROM audit`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + placeholder(len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var protocol string
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Kind, &e.SourceIP,
			&e.Backend, &protocol, &e.Admitted, &e.Reason, &e.Detail); err != nil {
			return nil, trace.Wrap(err)
		}
		e.Protocol = Protocol(protocol)
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
