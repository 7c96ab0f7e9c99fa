package eventloop

import (
	"sync"
	"time"
)

// timerEntry represents a pending setTimeout or setInterval registration.
// The actual JS callback lives in globalThis.__rm_timerCallbacks[id] on the
// JS side; Go only tracks scheduling metadata and the fire trampoline.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot, >0 for repeating
	id       int
	fire     func(id int)
	cleared  bool
}

// EventLoop is a host-side scheduler for realm timers and microtasks.
// The realm itself never drains a queue; everything it raises lands here and
// runs when the host calls Drain on the script goroutine. Provides real
// wall-clock delays backed by Go timers.
type EventLoop struct {
	mu         sync.Mutex
	timers     map[int]*timerEntry
	nextID     int
	microtasks []func()
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
	}
}

// SetTimer registers a timer and returns its id. fire is invoked on the
// goroutine that calls Drain.
func (el *EventLoop) SetTimer(delayMs int, interval bool, fire func(id int)) int {
	delay := time.Duration(delayMs) * time.Millisecond
	el.mu.Lock()
	defer el.mu.Unlock()
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
		fire:     fire,
	}
	if interval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by id.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

// QueueMicrotask appends a task to the microtask queue.
func (el *EventLoop) QueueMicrotask(task func()) {
	el.mu.Lock()
	el.microtasks = append(el.microtasks, task)
	el.mu.Unlock()
}

// DrainMicrotasks runs all queued microtasks, including any queued while
// draining. Returns true if any task ran.
func (el *EventLoop) DrainMicrotasks() bool {
	didWork := false
	for {
		el.mu.Lock()
		if len(el.microtasks) == 0 {
			el.mu.Unlock()
			return didWork
		}
		tasks := el.microtasks
		el.microtasks = nil
		el.mu.Unlock()

		for _, task := range tasks {
			task()
			didWork = true
		}
	}
}

// Drain fires due timers and runs microtasks until none remain or the
// deadline is reached. Must be called on the script goroutine (JS engines
// are single-threaded).
func (el *EventLoop) Drain(deadline time.Time) {
	for {
		if el.DrainMicrotasks() {
			continue
		}

		// Find the next timer to fire.
		el.mu.Lock()
		var next *timerEntry
		for _, t := range el.timers {
			if t.cleared {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		el.mu.Unlock()

		if next == nil {
			return
		}

		// Wait until the timer fires or the execution deadline passes.
		now := time.Now()
		if next.deadline.After(now) {
			wait := next.deadline.Sub(now)
			if now.Add(wait).After(deadline) {
				return
			}
			time.Sleep(wait)
		}

		if time.Now().After(deadline) {
			return
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		fire := next.fire
		timerID := next.id
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		fire(timerID)
	}
}

// HasPending returns true if there are any active timers or queued microtasks.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0 || len(el.microtasks) > 0
}

// Reset clears all timers and queued microtasks. Called when a realm is
// returned to a pool.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
	el.microtasks = nil
}
