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

// Bind creates an active allocation mapping a proxy IP to a backend.
// The partial unique index keeps at most one active allocation per
// proxy IP; a second bind fails with AlreadyExists. The audit row is
// part of the same transaction.
func (s *Store) Bind(ctx context.Context, proxyIP string, backendID int64, actor string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO allocation (proxy_ip, backend_id) VALUES ($1, $2)`,
			proxyIP, backendID); err != nil {
			return convertError(err)
		}
		return s.auditInTx(ctx, tx, AuditEntry{
			Actor:    actor,
			Kind:     AuditAllocation,
			Backend:  &backendID,
			Admitted: true,
			Detail:   fmt.Sprintf("bind %v", proxyIP),
		})
	})
	return trace.Wrap(err)
}

// Release closes the active allocation for a proxy IP. The caller is
// responsible for first terminating stays on that IP; the store
// refuses to release while any stay is active on it.
func (s *Store) Release(ctx context.Context, proxyIP string, actor string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var active int64
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM stay WHERE ended_at IS NULL AND proxy_ip = $1::inet`,
			proxyIP).Scan(&active)
		if err != nil {
			return trace.Wrap(err)
		}
		if active > 0 {
			return trace.CompareFailed("%v stays still active on %v", active, proxyIP)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE allocation SET released_at = now()
			 WHERE proxy_ip = $1::inet AND released_at IS NULL`, proxyIP)
		if err != nil {
			return convertError(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("no active allocation for %v", proxyIP)
		}
		return s.auditInTx(ctx, tx, AuditEntry{
			Actor:    actor,
			Kind:     AuditAllocation,
			Admitted: true,
			Detail:   fmt.Sprintf("release %v", proxyIP),
		})
	})
	return trace.Wrap(err)
}

// ActiveAllocations returns the current routing table, with the
// backend joined in.
func (s *Store) ActiveAllocations(ctx context.Context) ([]Allocation, map[string]Backend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.proxy_ip::text, a.backend_id, a.created_at,
		        b.id, b.name, b.address, b.ssh_port, b.rdp_port, b.ssh_enabled, b.rdp_enabled, b.active
		 FROM allocation a JOIN backend b ON b.id = a.backend_id
		 WHERE a.released_at IS NULL`)
	if err != nil {
		return nil, nil, convertError(err)
	}
	defer rows.Close()
	var allocs []Allocation
	backends := make(map[string]Backend)
	for rows.Next() {
		var a Allocation
		var b Backend
		if err := rows.Scan(&a.ProxyIP, &a.BackendID, &a.CreatedAt,
			&b.ID, &b.Name, &b.Address, &b.SSHPort, &b.RDPPort,
			&b.SSHEnabled, &b.RDPEnabled, &b.Active); err != nil {
			return nil, nil, trace.Wrap(err)
		}
		allocs = append(allocs, a)
		backends[a.ProxyIP] = b
	}
	return allocs, backends, trace.Wrap(rows.Err())
}
