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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

const stayColumns = `id, person_id, policy_id, backend_id, protocol, source_ip::text, proxy_ip::text,
	started_at, ended_at, coalesce(termination_reason, ''), recording_path, recording_bytes, bytes_in, bytes_out`

// CreateStay opens a stay record. The ID is generated here if unset so
// the proxy can name the recording file before the row exists.
func (s *Store) CreateStay(ctx context.Context, st Stay) (*Stay, error) {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stay (id, person_id, policy_id, backend_id, protocol, source_ip, proxy_ip, started_at, recording_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		st.ID, st.PersonID, st.PolicyID, st.BackendID, string(st.Protocol),
		st.SourceIP, st.ProxyIP, st.StartedAt, st.RecordingPath)
	if err != nil {
		return nil, convertError(err)
	}
	return &st, nil
}

// CloseStay finalizes a stay with its termination reason and writes the
// stay_close audit row in the same transaction. Closing an already
// closed stay is a no-op so racing terminators settle on first-wins.
func (s *Store) CloseStay(ctx context.Context, id uuid.UUID, reason TerminationReason) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var st Stay
		var protocol string
		err := tx.QueryRow(ctx,
			`UPDATE stay SET ended_at = now(), termination_reason = $2
			 WHERE id = $1 AND ended_at IS NULL
			 RETURNING person_id, backend_id, protocol, source_ip::text`,
			id, string(reason)).Scan(&st.PersonID, &st.BackendID, &protocol, &st.SourceIP)
		if err != nil {
			if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
				return nil
			}
			return convertError(err)
		}
		return s.auditInTx(ctx, tx, AuditEntry{
			Kind:     AuditStayClose,
			SourceIP: st.SourceIP,
			Backend:  &st.BackendID,
			Protocol: Protocol(protocol),
			Admitted: true,
			Reason:   string(reason),
			Detail:   fmt.Sprintf("stay %v closed", id),
		})
	})
	return trace.Wrap(err)
}

// AddStayBytes adds transferred byte counts to a stay. Called by the
// periodic counter flush, and once more at close.
func (s *Store) AddStayBytes(ctx context.Context, id uuid.UUID, in, out int64) error {
	if in == 0 && out == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE stay SET bytes_in = bytes_in + $2, bytes_out = bytes_out + $3 WHERE id = $1`,
		id, in, out)
	return convertError(err)
}

// AttachRecording records the final recording path and size on a stay.
func (s *Store) AttachRecording(ctx context.Context, id uuid.UUID, path string, size int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stay SET recording_path = $2, recording_bytes = $3 WHERE id = $1`,
		id, path, size)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("stay %v not found", id)
	}
	return nil
}

// GetStay returns one stay by ID.
func (s *Store) GetStay(ctx context.Context, id uuid.UUID) (*Stay, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stayColumns+` FROM stay WHERE id = $1`, id)
	return scanStay(row)
}

// ListStays returns stays, active ones only when activeOnly is set,
// newest first.
func (s *Store) ListStays(ctx context.Context, activeOnly bool) ([]Stay, error) {
	q := `SELECT ` + stayColumns + ` FROM stay`
	if activeOnly {
		q += ` WHERE ended_at IS NULL`
	}
	q += ` ORDER BY started_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []Stay
	for rows.Next() {
		st, err := scanStay(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *st)
	}
	return out, trace.Wrap(rows.Err())
}

// ActiveStaysOnPolicy returns open stays admitted under a policy. The
// expiry watchdog uses it after a revocation.
func (s *Store) ActiveStaysOnPolicy(ctx context.Context, policyID int64) ([]Stay, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stayColumns+` FROM stay WHERE ended_at IS NULL AND policy_id = $1`, policyID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []Stay
	for rows.Next() {
		st, err := scanStay(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *st)
	}
	return out, trace.Wrap(rows.Err())
}

// CloseOrphanStays marks every stay still open in the database as
// terminated with reason error. Run once at startup: a row open with no
// process serving it can only be the residue of a crash.
func (s *Store) CloseOrphanStays(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stay SET ended_at = now(), termination_reason = $1 WHERE ended_at IS NULL`,
		string(ReasonError))
	if err != nil {
		return 0, convertError(err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.log.WithField("count", n).Warn("Closed orphaned stays left over from a previous run.")
	}
	return n, nil
}

// CreateSession opens a session row under a stay.
func (s *Store) CreateSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stay_session (id, stay_id, kind, started_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.StayID, string(sess.Kind), sess.StartedAt)
	if err != nil {
		return nil, convertError(err)
	}
	return &sess, nil
}

// CloseSession marks a session row ended.
func (s *Store) CloseSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stay_session SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`, id)
	return convertError(err)
}

// StaySessions returns the sessions of one stay in start order.
func (s *Store) StaySessions(ctx context.Context, stayID uuid.UUID) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stay_id, kind, started_at, ended_at
		 FROM stay_session WHERE stay_id = $1 ORDER BY started_at`, stayID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var kind string
		if err := rows.Scan(&sess.ID, &sess.StayID, &kind, &sess.StartedAt, &sess.EndedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		sess.Kind = SessionKind(kind)
		out = append(out, sess)
	}
	return out, trace.Wrap(rows.Err())
}

func scanStay(row pgx.Row) (*Stay, error) {
	var st Stay
	var protocol, reason string
	err := row.Scan(&st.ID, &st.PersonID, &st.PolicyID, &st.BackendID, &protocol,
		&st.SourceIP, &st.ProxyIP, &st.StartedAt, &st.EndedAt, &reason,
		&st.RecordingPath, &st.RecordingBytes, &st.BytesIn, &st.BytesOut)
	if err != nil {
		return nil, convertError(err)
	}
	st.Protocol = Protocol(protocol)
	st.TerminationReason = TerminationReason(reason)
	return &st, nil
}
