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

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/pawelmojski/portcullis/lib/asciitable"
	"github.com/pawelmojski/portcullis/lib/store"
)

// StayCommand implements the "stays" verb.
type StayCommand struct {
	active bool

	stays *kingpin.CmdClause
}

// Initialize registers the clause.
func (c *StayCommand) Initialize(app *kingpin.Application) {
	c.stays = app.Command("stays", "List stays.")
	c.stays.Flag("active", "Only stays still open.").BoolVar(&c.active)
}

// TryRun executes the matching clause.
func (c *StayCommand) TryRun(ctx context.Context, cmd string, st *store.Store) (bool, error) {
	if cmd != c.stays.FullCommand() {
		return false, nil
	}
	return true, trace.Wrap(c.onList(ctx, st))
}

func (c *StayCommand) onList(ctx context.Context, st *store.Store) error {
	stays, err := st.ListStays(ctx, c.active)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(stays) == 0 {
		fmt.Println("No stays found.")
		return nil
	}

	backends, err := st.ListBackends(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	backendNames := make(map[int64]string, len(backends))
	for _, b := range backends {
		backendNames[b.ID] = b.Name
	}
	personNames := make(map[int64]string)

	now := time.Now().UTC()
	table := asciitable.MakeTable([]string{
		"ID", "Person", "Backend", "Proto", "Source", "Started", "Duration", "In", "Out", "Status",
	})
	for _, s := range stays {
		handle, ok := personNames[s.PersonID]
		if !ok {
			person, err := st.GetPerson(ctx, s.PersonID)
			if err != nil {
				return trace.Wrap(err)
			}
			handle = person.Handle
			personNames[s.PersonID] = handle
		}
		backend, ok := backendNames[s.BackendID]
		if !ok {
			backend = strconv.FormatInt(s.BackendID, 10)
		}
		status := "active"
		end := now
		if s.EndedAt != nil {
			status = string(s.TerminationReason)
			end = *s.EndedAt
		}
		table.AddRow([]string{
			s.ID.String(),
			handle,
			backend,
			string(s.Protocol),
			s.SourceIP,
			s.StartedAt.UTC().Format("2006-01-02 15:04"),
			formatElapsed(end.Sub(s.StartedAt)),
			strconv.FormatInt(s.BytesIn, 10),
			strconv.FormatInt(s.BytesOut, 10),
			status,
		})
	}
	fmt.Print(table.AsBuffer().String())
	return nil
}

// formatElapsed renders a wall-clock span for the stays table.
func formatElapsed(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return formatDuration(int(d.Minutes()))
}
