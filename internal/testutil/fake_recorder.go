package testutil

import "sync"

// MeterEvent is one recorded (email, cost) debit.
type MeterEvent struct {
	Email string
	Cost  float64
}

// FakeRecorder captures metered costs synchronously for assertions.
type FakeRecorder struct {
	mu     sync.Mutex
	events []MeterEvent
}

// Record captures one debit.
func (f *FakeRecorder) Record(email string, cost float64) {
	f.mu.Lock()
	f.events = append(f.events, MeterEvent{Email: email, Cost: cost})
	f.mu.Unlock()
}

// Events returns a copy of the captured debits.
func (f *FakeRecorder) Events() []MeterEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MeterEvent, len(f.events))
	copy(out, f.events)
	return out
}

// Total sums the captured debits for one email.
func (f *FakeRecorder) Total(email string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum float64
	for _, e := range f.events {
		if e.Email == email {
			sum += e.Cost
		}
	}
	return sum
}
