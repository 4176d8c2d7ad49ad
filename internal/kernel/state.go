package kernel

import (
	"sync"

	"github.com/google/uuid"
)

// QueueBehavior distinguishes a steer (head-insert) from a followUp
// (tail-append).
type QueueBehavior string

const (
	BehaviorSteer    QueueBehavior = "steer"
	BehaviorFollowUp QueueBehavior = "followUp"
)

// QueuedPrompt is one pending prompt a running session will pick up.
type QueuedPrompt struct {
	ID       string        `json:"id"`
	Behavior QueueBehavior `json:"behavior"`
	Text     string        `json:"text"`
}

// runState is the process-local, per-session loop state. Entries persist;
// run-state does not — it is initialized lazily and reset on kernel restart.
type runState struct {
	mu sync.Mutex

	running bool
	stopped bool
	queue   []QueuedPrompt

	// chainProfile is not read or written by the loop; the escalated
	// profile lives in runOnce's local state, so each run starts at the
	// head of the role's profile chain.
	chainProfile string
	lastError    string

	// consecutive failures on the current profile, feeding the
	// repeated-failure escalation trigger.
	failStreak int
}

// RunStatus is the externally visible slice of runState.
type RunStatus struct {
	Running bool           `json:"running"`
	Stopped bool           `json:"stopped"`
	Queue   []QueuedPrompt `json:"queue"`
}

type stateTable struct {
	mu     sync.Mutex
	states map[string]*runState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]*runState)}
}

func (t *stateTable) get(sessionID string) *runState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[sessionID]
	if !ok {
		s = &runState{}
		t.states[sessionID] = s
	}
	return s
}

func (t *stateTable) drop(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, sessionID)
}

func (s *runState) status() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := make([]QueuedPrompt, len(s.queue))
	copy(q, s.queue)
	return RunStatus{Running: s.running, Stopped: s.stopped, Queue: q}
}

// enqueue inserts a prompt per its behavior: steer at the head, followUp at
// the tail. Returns the queued prompt's opaque id.
func (s *runState) enqueue(behavior QueueBehavior, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	qp := QueuedPrompt{ID: uuid.NewString(), Behavior: behavior, Text: text}
	if behavior == BehaviorSteer {
		s.queue = append([]QueuedPrompt{qp}, s.queue...)
	} else {
		s.queue = append(s.queue, qp)
	}
	return qp.ID
}

// dequeue pops the head of the queue, if any.
func (s *runState) dequeue() (QueuedPrompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return QueuedPrompt{}, false
	}
	qp := s.queue[0]
	s.queue = s.queue[1:]
	return qp, true
}

// promote reclassifies a queued followUp as a steer, moving it to the head.
// A non-existent id is a no-op (the caller returns current state).
func (s *runState) promote(promptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qp := range s.queue {
		if qp.ID == promptID {
			qp.Behavior = BehaviorSteer
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.queue = append([]QueuedPrompt{qp}, s.queue...)
			return true
		}
	}
	return false
}

// drainQueue empties the queue (stop semantics).
func (s *runState) drainQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
}
