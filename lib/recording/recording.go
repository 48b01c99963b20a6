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

// Package recording writes and reads per-stay session recordings, one
// JSON object per line. Payload events carry base64 data and a channel
// number; metadata events (open, close, note) carry a reason. Every
// event is flushed to the file as it is written so a live tail of the
// file sees the session in near real time.
package recording

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Event kinds. Directions are from the client's point of view.
const (
	KindOpen           = "open"
	KindClientToServer = "c→s"
	KindServerToClient = "s→c"
	KindClose          = "close"
	KindNote           = "note"
)

// Event is one recorded line.
type Event struct {
	// Time is milliseconds since the Unix epoch.
	Time int64 `json:"t"`

	// Kind is one of the Kind constants.
	Kind string `json:"kind"`

	// Channel numbers payload streams within the stay.
	Channel int `json:"channel"`

	// Data carries payload bytes, base64 encoded.
	Data string `json:"data,omitempty"`

	// Reason annotates close and note events.
	Reason string `json:"reason,omitempty"`
}

// Payload returns the decoded data bytes.
func (e *Event) Payload() ([]byte, error) {
	if e.Data == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, trace.BadParameter("corrupt recording event: %v", err)
	}
	return b, nil
}

// Recorder is the single writer of one stay's recording file.
type Recorder struct {
	clock clockwork.Clock

	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// NewRecorder creates the recording file. The file must not already
// exist; a stay's recording has exactly one writer for its lifetime.
func NewRecorder(path string, clock clockwork.Clock) (*Recorder, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Recorder{clock: clock, f: f, enc: json.NewEncoder(f), path: path}, nil
}

// OpenAppend reopens an existing recording for appending. Used when an
// RDP stay revives inside the dedup window after its recorder closed;
// every event is one O_APPEND write, so concurrent appenders interleave
// whole lines.
func OpenAppend(path string, clock clockwork.Clock) (*Recorder, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Recorder{clock: clock, f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the recording file path.
func (r *Recorder) Path() string { return r.path }

func (r *Recorder) emit(e Event) error {
	e.Time = r.clock.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return trace.BadParameter("recording is closed")
	}
	// json.Encoder writes straight to the unbuffered file, so every
	// event reaches the kernel before emit returns.
	return trace.Wrap(r.enc.Encode(e))
}

// Open records a channel opening.
func (r *Recorder) Open(channel int, reason string) error {
	return r.emit(Event{Kind: KindOpen, Channel: channel, Reason: reason})
}

// CloseChannel records a channel closing.
func (r *Recorder) CloseChannel(channel int, reason string) error {
	return r.emit(Event{Kind: KindClose, Channel: channel, Reason: reason})
}

// Note records free-form metadata, e.g. byte totals of an unrecorded
// forward channel.
func (r *Recorder) Note(channel int, reason string) error {
	return r.emit(Event{Kind: KindNote, Channel: channel, Reason: reason})
}

// Write records payload bytes moving through a channel.
func (r *Recorder) Write(kind string, channel int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return r.emit(Event{
		Kind:    kind,
		Channel: channel,
		Data:    base64.StdEncoding.EncodeToString(data),
	})
}

// Close syncs and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	f := r.f
	r.f = nil
	return trace.NewAggregate(f.Sync(), f.Close())
}

// Tap returns an io.Writer that records everything written through it
// under the given kind and channel. Used to wrap one direction of a
// spliced connection.
func (r *Recorder) Tap(kind string, channel int) io.Writer {
	return &tap{r: r, kind: kind, channel: channel}
}

type tap struct {
	r       *Recorder
	kind    string
	channel int
}

func (t *tap) Write(p []byte) (int, error) {
	if err := t.r.Write(t.kind, t.channel, p); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(p), nil
}

// ReadFile parses a recording file into its events.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, trace.BadParameter("corrupt recording line: %v", err)
		}
		out = append(out, e)
	}
	return out, trace.Wrap(scanner.Err())
}

// ChannelBytes concatenates the payload of all events of one kind on
// one channel, in file order.
func ChannelBytes(events []Event, kind string, channel int) ([]byte, error) {
	var out []byte
	for i := range events {
		e := &events[i]
		if e.Kind != kind || e.Channel != channel {
			continue
		}
		b, err := e.Payload()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, b...)
	}
	return out, nil
}
