package internal

import (
	"sync"
	"testing"
	"time"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *typingRecorder) emit(isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, isTyping)
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestTypingSignalOneStartPerBurst(t *testing.T) {
	recorder := &typingRecorder{}
	signal := NewTypingSignal(40*time.Millisecond, recorder.emit)
	defer signal.Stop()

	for i := 0; i < 5; i++ {
		signal.InputChanged()
		time.Sleep(5 * time.Millisecond)
	}
	if got := recorder.snapshot(); len(got) != 1 || got[0] != true {
		t.Fatalf("expected a single start, got %v", got)
	}

	time.Sleep(120 * time.Millisecond)
	got := recorder.snapshot()
	if len(got) != 2 || got[1] != false {
		t.Fatalf("expected stop after idle, got %v", got)
	}
	if signal.Active() {
		t.Fatalf("signal should be idle")
	}
}

func TestTypingSignalMessageSentStopsImmediately(t *testing.T) {
	recorder := &typingRecorder{}
	signal := NewTypingSignal(time.Hour, recorder.emit)
	defer signal.Stop()

	signal.MessageSent()
	if got := recorder.snapshot(); len(got) != 0 {
		t.Fatalf("no burst in progress, expected nothing, got %v", got)
	}
	signal.InputChanged()
	signal.MessageSent()
	if got := recorder.snapshot(); len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("expected start then stop, got %v", got)
	}
	signal.InputChanged()
	if got := recorder.snapshot(); len(got) != 3 || got[2] != true {
		t.Fatalf("a new burst should start again, got %v", got)
	}
}

func TestTypingIndicatorsExpire(t *testing.T) {
	var mu sync.Mutex
	changes := 0
	indicators := NewTypingIndicators(50*time.Millisecond, func([]TypingUser) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	indicators.Apply(UserTyping{UserID: "admin-1", Role: RoleAdmin, IsTyping: true})
	indicators.Apply(UserTyping{UserID: "cust-1", Role: RoleCustomer, IsTyping: true})
	active := indicators.Active()
	if len(active) != 2 || active[0].UserID != "admin-1" || active[1].UserID != "cust-1" {
		t.Fatalf("unexpected active set %+v", active)
	}

	indicators.Apply(UserTyping{UserID: "cust-1", Role: RoleCustomer, IsTyping: false})
	if active := indicators.Active(); len(active) != 1 || active[0].UserID != "admin-1" {
		t.Fatalf("stop should clear cust-1, got %+v", active)
	}

	time.Sleep(150 * time.Millisecond)
	if active := indicators.Active(); len(active) != 0 {
		t.Fatalf("admin-1 should have expired, got %+v", active)
	}
	mu.Lock()
	defer mu.Unlock()
	if changes != 4 {
		t.Fatalf("expected 4 visible changes, got %d", changes)
	}
}

func TestTypingIndicatorsRefreshExtendsExpiry(t *testing.T) {
	indicators := NewTypingIndicators(80*time.Millisecond, nil)
	indicators.Apply(UserTyping{UserID: "u", IsTyping: true})
	time.Sleep(50 * time.Millisecond)
	indicators.Apply(UserTyping{UserID: "u", IsTyping: true})
	time.Sleep(50 * time.Millisecond)
	if len(indicators.Active()) != 1 {
		t.Fatalf("refresh should have re-armed the expiry")
	}
	indicators.Clear()
	if len(indicators.Active()) != 0 {
		t.Fatalf("Clear should empty the set")
	}
}
