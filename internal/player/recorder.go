package player

import (
	"context"
	"sync"
)

// Recorder is an in-memory Player that records the MPD commands it would
// have issued. Tests use it in place of a real server.
type Recorder struct {
	mu       sync.Mutex
	commands []string
	current  string
	// Err, when set, is returned from every call.
	Err error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) PlayURI(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.commands = append(r.commands, "stop", "clear", "add "+uri, "consume 1", "play")
	r.current = uri
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.commands = append(r.commands, "stop")
	r.current = ""
	return nil
}

// Commands returns a copy of everything recorded so far.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

// Current returns the URI being played, or "" after Stop.
func (r *Recorder) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reset clears the recorded commands.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}
