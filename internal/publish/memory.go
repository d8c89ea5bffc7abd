package publish

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// Memory is an in-process Publisher. Deployments succeed on the first poll
// unless a scripted status or error says otherwise. The CLI uses it when no
// webhook URL is configured.
type Memory struct {
	mu        sync.Mutex
	submitted []model.Episode
	statuses  map[string][]Status

	// SubmitErr, when set, is called before each submit with the 1-based
	// attempt number; a non-nil result fails that submit.
	SubmitErr func(attempt int) error
	// Script is the sequence of statuses each new deployment reports. The
	// last entry repeats. Empty means succeeded.
	Script []Status

	attempts int
}

// NewMemory returns an empty Memory publisher.
func NewMemory() *Memory {
	return &Memory{statuses: make(map[string][]Status)}
}

// Submit records ep and returns a fresh handle.
func (m *Memory) Submit(_ context.Context, ep *model.Episode) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.SubmitErr != nil {
		if err := m.SubmitErr(m.attempts); err != nil {
			return "", err
		}
	}
	if ep == nil || ep.RunID == "" {
		return "", resilience.MalformedPayload("publish.submit", eris.New("episode run id is required"))
	}
	handle := "mem-" + uuid.NewString()
	m.submitted = append(m.submitted, *ep)
	m.statuses[handle] = append([]Status(nil), m.Script...)
	return handle, nil
}

// PollStatus pops the next scripted status for handle.
func (m *Memory) PollStatus(_ context.Context, handle string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.statuses[handle]
	if !ok {
		return StatusPending, resilience.MalformedPayload("publish.poll", eris.Errorf("unknown handle %q", handle))
	}
	if len(script) == 0 {
		return StatusSucceeded, nil
	}
	s := script[0]
	if len(script) > 1 {
		m.statuses[handle] = script[1:]
	}
	return s, nil
}

// Submitted returns copies of every submitted episode, in order.
func (m *Memory) Submitted() []model.Episode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Episode(nil), m.submitted...)
}

// Attempts returns how many times Submit was called.
func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
