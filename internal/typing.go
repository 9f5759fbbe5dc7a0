package internal

import (
	"sort"
	"sync"
	"time"
)

const (
	// TypingIdle is how long the local input may sit untouched before typing-stop goes out.
	TypingIdle = 1500 * time.Millisecond
	// TypingExpiry clears a remote indicator when its typing-stop never arrives.
	TypingExpiry = 3 * time.Second
)

// TypingSignal turns raw keystrokes into at most one typing-start per burst and a
// typing-stop once input goes idle.
type TypingSignal struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(isTyping bool)
	active bool
	gen    uint64
	timer  *time.Timer
}

func NewTypingSignal(idle time.Duration, emit func(isTyping bool)) *TypingSignal {
	if idle <= 0 {
		idle = TypingIdle
	}
	return &TypingSignal{idle: idle, emit: emit}
}

// InputChanged records a keystroke.
func (t *TypingSignal) InputChanged() {
	t.mu.Lock()
	started := !t.active
	t.active = true
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	t.mu.Unlock()

	if started {
		t.emit(true)
	}
}

// MessageSent ends the burst right away.
func (t *TypingSignal) MessageSent() {
	if t.reset() {
		t.emit(false)
	}
}

// Stop cancels the idle timer without announcing anything, e.g. on leave.
func (t *TypingSignal) Stop() {
	t.reset()
}

// Active reports whether a burst is in progress.
func (t *TypingSignal) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *TypingSignal) reset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := t.active
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return wasActive
}

func (t *TypingSignal) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.timer = nil
	t.mu.Unlock()
	t.emit(false)
}

// TypingUser is a remote participant currently shown as typing.
type TypingUser struct {
	UserID string
	Role   string
}

type typingEntry struct {
	user  TypingUser
	order uint64
	gen   uint64
	timer *time.Timer
}

// TypingIndicators tracks who else in the room is typing. Entries vanish on
// typing-stop or after the expiry, whichever comes first.
type TypingIndicators struct {
	mu       sync.Mutex
	expiry   time.Duration
	onChange func([]TypingUser)
	entries  map[string]*typingEntry
	order    uint64
	gen      uint64
}

func NewTypingIndicators(expiry time.Duration, onChange func([]TypingUser)) *TypingIndicators {
	if expiry <= 0 {
		expiry = TypingExpiry
	}
	return &TypingIndicators{
		expiry:   expiry,
		onChange: onChange,
		entries:  make(map[string]*typingEntry),
	}
}

// Apply folds one user-typing event into the visible set.
func (t *TypingIndicators) Apply(ev UserTyping) {
	if ev.UserID == "" {
		return
	}
	t.mu.Lock()
	entry, exists := t.entries[ev.UserID]
	if !ev.IsTyping {
		if !exists {
			t.mu.Unlock()
			return
		}
		entry.timer.Stop()
		delete(t.entries, ev.UserID)
		snapshot := t.activeLocked()
		t.mu.Unlock()
		t.notify(snapshot)
		return
	}

	t.gen++
	gen := t.gen
	if exists {
		entry.timer.Stop()
		entry.gen = gen
		entry.user.Role = ev.Role
	} else {
		t.order++
		entry = &typingEntry{user: TypingUser{UserID: ev.UserID, Role: ev.Role}, order: t.order, gen: gen}
		t.entries[ev.UserID] = entry
	}
	userID := ev.UserID
	entry.timer = time.AfterFunc(t.expiry, func() { t.expire(userID, gen) })
	var snapshot []TypingUser
	if !exists {
		snapshot = t.activeLocked()
	}
	t.mu.Unlock()
	if !exists {
		t.notify(snapshot)
	}
}

// Active lists typing users in the order they started.
func (t *TypingIndicators) Active() []TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

// Clear drops everything, used when the room changes or the socket drops.
func (t *TypingIndicators) Clear() {
	t.mu.Lock()
	if len(t.entries) == 0 {
		t.mu.Unlock()
		return
	}
	for id, entry := range t.entries {
		entry.timer.Stop()
		delete(t.entries, id)
	}
	t.mu.Unlock()
	t.notify(nil)
}

func (t *TypingIndicators) expire(userID string, gen uint64) {
	t.mu.Lock()
	entry, ok := t.entries[userID]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, userID)
	snapshot := t.activeLocked()
	t.mu.Unlock()
	t.notify(snapshot)
}

func (t *TypingIndicators) activeLocked() []TypingUser {
	ordered := make([]*typingEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })
	users := make([]TypingUser, 0, len(ordered))
	for _, entry := range ordered {
		users = append(users, entry.user)
	}
	return users
}

func (t *TypingIndicators) notify(users []TypingUser) {
	if t.onChange != nil {
		t.onChange(users)
	}
}
