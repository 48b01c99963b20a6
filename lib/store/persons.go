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
	"github.com/jackc/pgx/v5"
)

// CreatePerson inserts a new person and returns it with the ID set.
func (s *Store) CreatePerson(ctx context.Context, p Person) (*Person, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO person (handle, display_name, email, active)
		 VALUES ($1, $2, $3, TRUE) RETURNING id`,
		p.Handle, p.DisplayName, p.Email).Scan(&p.ID)
	if err != nil {
		return nil, convertError(err)
	}
	p.Active = true
	return &p, nil
}

// GetPerson returns a person by ID.
func (s *Store) GetPerson(ctx context.Context, id int64) (*Person, error) {
	var p Person
	err := s.pool.QueryRow(ctx,
		`SELECT id, handle, display_name, email, active FROM person WHERE id = $1`,
		id).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.Email, &p.Active)
	if err != nil {
		return nil, convertError(err)
	}
	return &p, nil
}

// GetPersonByHandle returns a person by handle.
func (s *Store) GetPersonByHandle(ctx context.Context, handle string) (*Person, error) {
	var p Person
	err := s.pool.QueryRow(ctx,
		`SELECT id, handle, display_name, email, active FROM person WHERE handle = $1`,
		handle).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.Email, &p.Active)
	if err != nil {
		return nil, convertError(err)
	}
	return &p, nil
}

// DeactivatePerson soft-deletes a person. Rows are never removed while
// stays or policies reference them.
func (s *Store) DeactivatePerson(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE person SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("person %v not found", id)
	}
	return nil
}

// AddSourceIP registers an address or CIDR for a person. The write is
// rejected when any active registration overlaps it, keeping the
// IP-to-person mapping unambiguous.
func (s *Store) AddSourceIP(ctx context.Context, ip SourceIP) (*SourceIP, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var clash int64
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM source_ip WHERE active AND cidr_or_ip && $1::inet`,
			ip.CIDR).Scan(&clash)
		if err != nil {
			return trace.Wrap(err)
		}
		if clash > 0 {
			return trace.AlreadyExists("source IP %v overlaps an active registration", ip.CIDR)
		}
		return trace.Wrap(tx.QueryRow(ctx,
			`INSERT INTO source_ip (person_id, cidr_or_ip, label, active)
			 VALUES ($1, $2, $3, TRUE) RETURNING id`,
			ip.PersonID, ip.CIDR, ip.Label).Scan(&ip.ID))
	})
	if err != nil {
		return nil, convertError(trace.Unwrap(err))
	}
	ip.Active = true
	return &ip, nil
}

// PersonBySourceIP maps a client address to its owner: exact match
// first, else the longest-prefix active CIDR containing it.
func (s *Store) PersonBySourceIP(ctx context.Context, addr string) (*Person, *SourceIP, error) {
	var p Person
	var ip SourceIP
	err := s.pool.QueryRow(ctx,
		`SELECT p.id, p.handle, p.display_name, p.email, p.active,
		        i.id, i.person_id, i.cidr_or_ip::text, i.label, i.active
		 FROM source_ip i JOIN person p ON p.id = i.person_id
		 WHERE i.active AND p.active AND i.cidr_or_ip >>= $1::inet
		 ORDER BY (host(i.cidr_or_ip) = $1) DESC, masklen(i.cidr_or_ip) DESC
		 LIMIT 1`,
		addr).Scan(&p.ID, &p.Handle, &p.DisplayName, &p.Email, &p.Active,
		&ip.ID, &ip.PersonID, &ip.CIDR, &ip.Label, &ip.Active)
	if err != nil {
		if convertedErr := convertError(err); trace.IsNotFound(convertedErr) {
			return nil, nil, trace.NotFound("no person registered for source IP %v", addr)
		}
		return nil, nil, convertError(err)
	}
	return &p, &ip, nil
}
