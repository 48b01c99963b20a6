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

	"github.com/gravitational/trace"
)

const backendColumns = `id, name, address, ssh_port, rdp_port, ssh_enabled, rdp_enabled, active`

// CreateBackend inserts a new backend host.
func (s *Store) CreateBackend(ctx context.Context, b Backend) (*Backend, error) {
	if b.SSHPort == 0 {
		b.SSHPort = 22
	}
	if b.RDPPort == 0 {
		b.RDPPort = 3389
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO backend (name, address, ssh_port, rdp_port, ssh_enabled, rdp_enabled, active)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE) RETURNING id`,
		b.Name, b.Address, b.SSHPort, b.RDPPort, b.SSHEnabled, b.RDPEnabled).Scan(&b.ID)
	if err != nil {
		return nil, convertError(err)
	}
	b.Active = true
	return &b, nil
}

// GetBackend returns a backend by ID.
func (s *Store) GetBackend(ctx context.Context, id int64) (*Backend, error) {
	var b Backend
	err := s.pool.QueryRow(ctx,
		`SELECT `+backendColumns+` FROM backend WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &b.Address, &b.SSHPort, &b.RDPPort,
			&b.SSHEnabled, &b.RDPEnabled, &b.Active)
	if err != nil {
		return nil, convertError(err)
	}
	return &b, nil
}

// GetBackendByName returns a backend by its unique name.
func (s *Store) GetBackendByName(ctx context.Context, name string) (*Backend, error) {
	var b Backend
	err := s.pool.QueryRow(ctx,
		`SELECT `+backendColumns+` FROM backend WHERE name = $1`, name).
		Scan(&b.ID, &b.Name, &b.Address, &b.SSHPort, &b.RDPPort,
			&b.SSHEnabled, &b.RDPEnabled, &b.Active)
	if err != nil {
		return nil, convertError(err)
	}
	return &b, nil
}

// ListBackends returns all backends.
func (s *Store) ListBackends(ctx context.Context) ([]Backend, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+backendColumns+` FROM backend ORDER BY id`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []Backend
	for rows.Next() {
		var b Backend
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.SSHPort, &b.RDPPort,
			&b.SSHEnabled, &b.RDPEnabled, &b.Active); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, b)
	}
	return out, trace.Wrap(rows.Err())
}
