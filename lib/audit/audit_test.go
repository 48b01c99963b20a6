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

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/utils"
)

type fakeAppender struct {
	mu      sync.Mutex
	entries []store.AuditEntry
	fail    bool
}

func (f *fakeAppender) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return trace.ConnectionProblem(nil, "database is down")
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func readFallback(t *testing.T, path string) []store.AuditEntry {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()
	var out []store.AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e store.AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestSinkDeliversToStore(t *testing.T) {
	app := &fakeAppender{}
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	s, err := NewSink(Config{Store: app, FallbackPath: fallback, Log: utils.NewLoggerForTests()})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Emit(store.AuditEntry{Kind: store.AuditAdmission, SourceIP: "10.1.1.1", Admitted: true})
	}
	s.Close()

	require.Equal(t, 5, app.count())
	require.Empty(t, readFallback(t, fallback))
}

func TestSinkSpillsOnStoreFailure(t *testing.T) {
	app := &fakeAppender{fail: true}
	fallback := filepath.Join(t.TempDir(), "fallback.jsonl")
	s, err := NewSink(Config{Store: app, FallbackPath: fallback, Log: utils.NewLoggerForTests()})
	require.NoError(t, err)

	s.Emit(store.AuditEntry{
		Kind:     store.AuditAdmission,
		SourceIP: "10.1.1.1",
		Reason:   "login_not_permitted",
	})
	s.Close()

	spilled := readFallback(t, fallback)
	require.Len(t, spilled, 1)
	require.Equal(t, store.AuditAdmission, spilled[0].Kind)
	require.Equal(t, "login_not_permitted", spilled[0].Reason)
	require.False(t, spilled[0].At.IsZero(), "spilled events keep their timestamp")
}
