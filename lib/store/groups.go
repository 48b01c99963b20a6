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

	"github.com/pawelmojski/portcullis/lib/defaults"
)

// GroupKind selects one of the two group trees.
type GroupKind string

const (
	ServerGroups GroupKind = "server_group"
	UserGroups   GroupKind = "user_group"
)

func (k GroupKind) table() string {
	if k == UserGroups {
		return "user_group"
	}
	return "server_group"
}

// CreateGroup inserts a group node. A parent, when given, must exist
// and the resulting chain must stay cycle-free and within depth.
func (s *Store) CreateGroup(ctx context.Context, kind GroupKind, g Group) (*Group, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if g.ParentID != nil {
			if err := checkParentChain(ctx, tx, kind, 0, *g.ParentID); err != nil {
				return trace.Wrap(err)
			}
		}
		return trace.Wrap(tx.QueryRow(ctx,
			`INSERT INTO `+kind.table()+` (name, parent_id) VALUES ($1, $2) RETURNING id`,
			g.Name, g.ParentID).Scan(&g.ID))
	})
	if err != nil {
		return nil, convertError(trace.Unwrap(err))
	}
	return &g, nil
}

// SetGroupParent rewrites a node's parent pointer. The write fails if
// it would create a cycle reachable from the node or exceed the
// maximum tree depth.
func (s *Store) SetGroupParent(ctx context.Context, kind GroupKind, groupID int64, parentID *int64) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if parentID != nil {
			if *parentID == groupID {
				return trace.BadParameter("group %v cannot be its own parent", groupID)
			}
			if err := checkParentChain(ctx, tx, kind, groupID, *parentID); err != nil {
				return trace.Wrap(err)
			}
		}
		tag, err := tx.Exec(ctx,
			`UPDATE `+kind.table()+` SET parent_id = $1 WHERE id = $2`, parentID, groupID)
		if err != nil {
			return convertError(err)
		}
		if tag.RowsAffected() == 0 {
			return trace.NotFound("%v %v not found", kind, groupID)
		}
		return nil
	})
	return trace.Wrap(err)
}

// checkParentChain walks up from newParent and fails if groupID is
// reachable (a cycle) or the chain is deeper than the allowed maximum.
func checkParentChain(ctx context.Context, tx pgx.Tx, kind GroupKind, groupID, newParent int64) error {
	seen := map[int64]bool{groupID: true}
	current := newParent
	for depth := 0; depth < defaults.MaxGroupDepth; depth++ {
		if seen[current] {
			return trace.BadParameter("cycle detected through %v %v", kind, current)
		}
		seen[current] = true
		var parent *int64
		err := tx.QueryRow(ctx,
			`SELECT parent_id FROM `+kind.table()+` WHERE id = $1`, current).Scan(&parent)
		if err != nil {
			return convertError(err)
		}
		if parent == nil {
			return nil
		}
		current = *parent
	}
	return trace.BadParameter("group chain exceeds maximum depth %v", defaults.MaxGroupDepth)
}

// ListGroups returns all nodes of one group tree.
func (s *Store) ListGroups(ctx context.Context, kind GroupKind) ([]Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, parent_id FROM `+kind.table()+` ORDER BY id`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.ParentID); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, g)
	}
	return out, trace.Wrap(rows.Err())
}

// AddGroupMember adds a backend or person to a group.
func (s *Store) AddGroupMember(ctx context.Context, kind GroupKind, groupID, memberID int64) error {
	memberCol := "backend_id"
	if kind == UserGroups {
		memberCol = "person_id"
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+kind.table()+`_member (group_id, `+memberCol+`) VALUES ($1, $2)`,
		groupID, memberID)
	return convertError(err)
}

// DirectGroupsOf returns the groups a backend or person belongs to
// directly, without parent expansion.
func (s *Store) DirectGroupsOf(ctx context.Context, kind GroupKind, memberID int64) ([]int64, error) {
	memberCol := "backend_id"
	if kind == UserGroups {
		memberCol = "person_id"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT group_id FROM `+kind.table()+`_member WHERE `+memberCol+` = $1`, memberID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}

// GroupMembers returns the direct member IDs of a group.
func (s *Store) GroupMembers(ctx context.Context, kind GroupKind, groupID int64) ([]int64, error) {
	memberCol := "backend_id"
	if kind == UserGroups {
		memberCol = "person_id"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberCol+` FROM `+kind.table()+`_member WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, id)
	}
	return out, trace.Wrap(rows.Err())
}
