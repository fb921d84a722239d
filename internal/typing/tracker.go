package typing

import (
	"fmt"
	"sync"
	"time"
)

type typist struct {
	timer *time.Timer
}

// Tracker holds the set of remote participants currently typing. Each entry
// removes itself when no renewal arrives within the expiry.
type Tracker struct {
	mu       sync.Mutex
	self     string
	expiry   time.Duration
	active   map[string]*typist
	order    []string
	onChange func()
	stopped  bool
}

// NewTracker creates a tracker that ignores signals from selfID. onChange, when
// not nil, runs after every membership change without the tracker lock held.
func NewTracker(selfID string, expiry time.Duration, onChange func()) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Tracker{
		self:     selfID,
		expiry:   expiry,
		active:   make(map[string]*typist),
		onChange: onChange,
	}
}

// Observe records a typing signal from participantID. It reports whether the
// participant was newly added.
func (t *Tracker) Observe(participantID string) bool {
	if participantID == "" || participantID == t.self {
		return false
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}

	entry := &typist{}
	prev, renewed := t.active[participantID]
	if renewed {
		prev.timer.Stop()
	} else {
		t.order = append(t.order, participantID)
	}
	entry.timer = time.AfterFunc(t.expiry, func() { t.expire(participantID, entry) })
	t.active[participantID] = entry
	t.mu.Unlock()

	if !renewed {
		t.notify()
	}
	return !renewed
}

func (t *Tracker) expire(participantID string, entry *typist) {
	t.mu.Lock()
	if t.active[participantID] != entry {
		// renewed or stopped after this timer fired
		t.mu.Unlock()
		return
	}
	t.removeLocked(participantID)
	t.mu.Unlock()

	t.notify()
}

// Clear drops participantID immediately, for example when their message arrives.
func (t *Tracker) Clear(participantID string) {
	t.mu.Lock()
	entry, ok := t.active[participantID]
	if ok {
		entry.timer.Stop()
		t.removeLocked(participantID)
	}
	t.mu.Unlock()

	if ok {
		t.notify()
	}
}

func (t *Tracker) removeLocked(participantID string) {
	delete(t.active, participantID)
	for i, id := range t.order {
		if id == participantID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Active returns the typing participants in the order they started typing.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// IsTyping reports whether participantID is currently typing.
func (t *Tracker) IsTyping(participantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[participantID]
	return ok
}

// Summary renders a short "who is typing" line. names resolves participant ids
// to display names and may be nil. An empty string means nobody is typing.
func (t *Tracker) Summary(names func(id string) string) string {
	active := t.Active()

	resolve := func(id string) string {
		if names != nil {
			if n := names(id); n != "" {
				return n
			}
		}
		return "Someone"
	}

	switch len(active) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", resolve(active[0]))
	case 2:
		return fmt.Sprintf("%s and %s are typing...", resolve(active[0]), resolve(active[1]))
	default:
		return fmt.Sprintf("%d people are typing...", len(active))
	}
}

// Stop cancels every expiry timer and empties the set. Later signals are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	for _, entry := range t.active {
		entry.timer.Stop()
	}
	t.active = make(map[string]*typist)
	t.order = nil
	t.stopped = true
	t.mu.Unlock()
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
