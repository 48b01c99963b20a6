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

package recording

import (
	"crypto/rand"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stay.jsonl")
	r, err := NewRecorder(path, nil)
	require.NoError(t, err)

	// Interleave chunked traffic in both directions on one channel,
	// with a second channel mixed in.
	var toClient, toServer []byte
	require.NoError(t, r.Open(0, "shell"))
	require.NoError(t, r.Open(1, "direct-tcpip"))
	for i := 0; i < 20; i++ {
		chunk := make([]byte, 100+i)
		_, err := rand.Read(chunk)
		require.NoError(t, err)
		if i%3 == 0 {
			require.NoError(t, r.Write(KindClientToServer, 0, chunk))
			toServer = append(toServer, chunk...)
		} else {
			require.NoError(t, r.Write(KindServerToClient, 0, chunk))
			toClient = append(toClient, chunk...)
		}
		require.NoError(t, r.Write(KindServerToClient, 1, []byte("noise")))
	}
	require.NoError(t, r.Note(1, "bytes_in=5 bytes_out=100"))
	require.NoError(t, r.CloseChannel(1, "client_closed"))
	require.NoError(t, r.CloseChannel(0, "client_closed"))
	require.NoError(t, r.Close())

	events, err := ReadFile(path)
	require.NoError(t, err)

	gotClient, err := ChannelBytes(events, KindServerToClient, 0)
	require.NoError(t, err)
	require.Equal(t, toClient, gotClient)
	gotServer, err := ChannelBytes(events, KindClientToServer, 0)
	require.NoError(t, err)
	require.Equal(t, toServer, gotServer)

	require.Equal(t, KindOpen, events[0].Kind)
	require.Equal(t, KindClose, events[len(events)-1].Kind)
	for i := 1; i < len(events); i++ {
		require.GreaterOrEqual(t, events[i].Time, events[i-1].Time, "events must be time ordered")
	}
}

func TestTapWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stay.jsonl")
	r, err := NewRecorder(path, nil)
	require.NoError(t, err)

	tap := r.Tap(KindServerToClient, 0)
	n, err := io.WriteString(tap, "hello from the backend")
	require.NoError(t, err)
	require.Equal(t, 22, n)
	require.NoError(t, r.Close())

	events, err := ReadFile(path)
	require.NoError(t, err)
	got, err := ChannelBytes(events, KindServerToClient, 0)
	require.NoError(t, err)
	require.Equal(t, "hello from the backend", string(got))
}

func TestSingleWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stay.jsonl")
	_, err := NewRecorder(path, nil)
	require.NoError(t, err)

	// A second recorder on the same path must fail.
	_, err = NewRecorder(path, nil)
	require.Error(t, err)
}

func TestWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stay.jsonl")
	r, err := NewRecorder(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Error(t, r.Write(KindServerToClient, 0, []byte("late")))
	require.NoError(t, r.Close())
}
