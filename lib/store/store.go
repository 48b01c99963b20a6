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
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// Config holds store construction parameters.
type Config struct {
	// URL is the postgres connection string.
	URL string

	// Clock is an optional clock override used in tests.
	Clock clockwork.Clock

	// Log is an optional logger override.
	Log *logrus.Entry
}

// CheckAndSetDefaults makes sure all required parameters are passed in.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = utils.NewLogger(portcullis.ComponentStore)
	}
	return nil
}

// Store wraps a pgx connection pool with typed repositories for every
// aggregate the gateway owns.
type Store struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
	log   *logrus.Entry
}

// New connects to the database and applies any pending schema
// migrations. Migration failures are config errors and fatal.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, trace.BadParameter("invalid DB_URL: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{pool: pool, clock: cfg.Clock, log: cfg.Log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS schema_meta (version INT NOT NULL)")
	if err != nil {
		return trace.Wrap(err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var current int
		err := tx.QueryRow(ctx,
			"SELECT coalesce(max(version), 0) FROM schema_meta FOR UPDATE").Scan(&current)
		if err != nil {
			return trace.Wrap(err)
		}
		for v := current + 1; v <= schemaVersion; v++ {
			s.log.WithField("version", v).Info("Applying schema migration.")
			if _, err := tx.Exec(ctx, getMigration(v)); err != nil {
				return trace.Wrap(err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_meta (version) VALUES ($1)", v); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	})
}

// inTx runs fn inside a serializable transaction, the isolation the
// policy engine reads require against concurrent policy writes.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}

// convertError maps database errors to trace error types so callers
// can switch on semantics rather than SQLSTATE.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return trace.AlreadyExists("already exists: %v", pgErr.Detail)
		case "23514": // check_violation
			return trace.BadParameter("constraint violated: %v", pgErr.ConstraintName)
		case "40001": // serialization_failure
			return trace.CompareFailed("transaction conflict, retry")
		}
	}
	return trace.Wrap(err)
}
