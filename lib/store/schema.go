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

import "fmt"

// schemaVersion defines the current schema version.
// Increment this value when adding a new migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) string {
	switch version {
	case 1:
		return migrateV1
	}
	panic(fmt.Sprintf("migration version not implemented: %v", version))
}

// migrateV1 is the baseline schema.
//
// IP columns use inet/cidr so source matching can rely on the
// containment operators and masklen ordering.
const migrateV1 = `
	CREATE TABLE person (
		id BIGSERIAL PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE source_ip (
		id BIGSERIAL PRIMARY KEY,
		person_id BIGINT NOT NULL REFERENCES person(id),
		cidr_or_ip INET NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);
	CREATE INDEX source_ip_lookup ON source_ip (cidr_or_ip) WHERE active;

	CREATE TABLE backend (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL,
		ssh_port INT NOT NULL DEFAULT 22,
		rdp_port INT NOT NULL DEFAULT 3389,
		ssh_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		rdp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE allocation (
		id BIGSERIAL PRIMARY KEY,
		proxy_ip INET NOT NULL,
		backend_id BIGINT NOT NULL REFERENCES backend(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		released_at TIMESTAMPTZ
	);
	CREATE UNIQUE INDEX allocation_active ON allocation (proxy_ip) WHERE released_at IS NULL;

	CREATE TABLE server_group (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		parent_id BIGINT REFERENCES server_group(id)
	);

	CREATE TABLE server_group_member (
		group_id BIGINT NOT NULL REFERENCES server_group(id),
		backend_id BIGINT NOT NULL REFERENCES backend(id),
		PRIMARY KEY (group_id, backend_id)
	);

	CREATE TABLE user_group (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		parent_id BIGINT REFERENCES user_group(id)
	);

	CREATE TABLE user_group_member (
		group_id BIGINT NOT NULL REFERENCES user_group(id),
		person_id BIGINT NOT NULL REFERENCES person(id),
		PRIMARY KEY (group_id, person_id)
	);

	CREATE TABLE policy (
		id BIGSERIAL PRIMARY KEY,
		subject_kind TEXT NOT NULL CHECK (subject_kind IN ('person', 'user_group')),
		subject_id BIGINT NOT NULL,
		scope_kind TEXT NOT NULL CHECK (scope_kind IN ('server_group', 'server', 'service')),
		scope_id BIGINT NOT NULL,
		protocol TEXT NOT NULL DEFAULT 'any' CHECK (protocol IN ('ssh', 'rdp', 'any')),
		source_ip_id BIGINT REFERENCES source_ip(id),
		allow_port_forwarding BOOLEAN NOT NULL DEFAULT FALSE,
		starts_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ends_at TIMESTAMPTZ,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		created_by TEXT NOT NULL DEFAULT '',
		CONSTRAINT policy_window CHECK (ends_at IS NULL OR ends_at > starts_at),
		CONSTRAINT policy_service_protocol CHECK (scope_kind <> 'service' OR protocol <> 'any')
	);
	CREATE INDEX policy_subject ON policy (subject_kind, subject_id) WHERE active;

	CREATE TABLE policy_ssh_login (
		policy_id BIGINT NOT NULL REFERENCES policy(id) ON DELETE CASCADE,
		login TEXT NOT NULL,
		PRIMARY KEY (policy_id, login)
	);

	CREATE TABLE policy_schedule (
		id BIGSERIAL PRIMARY KEY,
		policy_id BIGINT NOT NULL REFERENCES policy(id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		weekdays INT[] NOT NULL DEFAULT '{}',
		start_minute INT NOT NULL DEFAULT -1,
		end_minute INT NOT NULL DEFAULT -1,
		months INT[] NOT NULL DEFAULT '{}',
		days_of_month INT[] NOT NULL DEFAULT '{}',
		timezone TEXT NOT NULL DEFAULT 'UTC',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE stay (
		id UUID PRIMARY KEY,
		person_id BIGINT NOT NULL REFERENCES person(id),
		policy_id BIGINT NOT NULL REFERENCES policy(id),
		backend_id BIGINT NOT NULL REFERENCES backend(id),
		protocol TEXT NOT NULL CHECK (protocol IN ('ssh', 'rdp')),
		source_ip INET NOT NULL,
		proxy_ip INET NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ,
		termination_reason TEXT,
		recording_path TEXT NOT NULL DEFAULT '',
		recording_bytes BIGINT NOT NULL DEFAULT 0,
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX stay_active ON stay (started_at) WHERE ended_at IS NULL;

	CREATE TABLE stay_session (
		id UUID PRIMARY KEY,
		stay_id UUID NOT NULL REFERENCES stay(id),
		kind TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		ended_at TIMESTAMPTZ
	);
	CREATE INDEX stay_session_by_stay ON stay_session (stay_id);

	CREATE TABLE audit (
		id BIGSERIAL PRIMARY KEY,
		at TIMESTAMPTZ NOT NULL DEFAULT now(),
		actor TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		source_ip TEXT NOT NULL DEFAULT '',
		backend_id BIGINT,
		protocol TEXT NOT NULL DEFAULT '',
		admitted BOOLEAN NOT NULL DEFAULT FALSE,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX audit_at ON audit (at);

	CREATE TABLE transcode_job (
		id BIGSERIAL PRIMARY KEY,
		stay_id UUID NOT NULL UNIQUE REFERENCES stay(id),
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'done', 'failed')),
		priority INT NOT NULL DEFAULT 0,
		progress INT NOT NULL DEFAULT 0,
		total INT NOT NULL DEFAULT 0,
		eta_seconds INT NOT NULL DEFAULT 0,
		output_path TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	);
	CREATE INDEX transcode_claim ON transcode_job (priority DESC, created_at ASC) WHERE status = 'pending';
`
