package server

import (
	"fmt"
	"time"
)

// timerSet owns every in-flight timer of one kind (election, heartbeat,
// or reconnect), keyed by an opaque handle K. Rearming always clears
// any previous timer for the same key before starting the new one;
// clearing a key with no timer is a logic bug and panics.
type timerSet[K comparable] struct {
	timers map[K]*time.Timer
}

func newTimerSet[K comparable]() *timerSet[K] {
	return &timerSet[K]{timers: make(map[K]*time.Timer)}
}

// rearm (re)starts the timer for key, firing fn after d. Any timer
// already registered for key is stopped first.
func (t *timerSet[K]) rearm(key K, d time.Duration, fn func()) {
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(d, fn)
}

// clear stops and forgets the timer for key. Panics if key has no
// registered timer.
func (t *timerSet[K]) clear(key K) {
	old, ok := t.timers[key]
	if !ok {
		panic(fmt.Sprintf("server: clearing non-existent timer for key %v", key))
	}
	old.Stop()
	delete(t.timers, key)
}

// clearIfPresent stops and forgets the timer for key if one exists,
// without asserting — used for teardown paths (connection reset,
// shutdown) where the timer may or may not have been armed.
func (t *timerSet[K]) clearIfPresent(key K) {
	if old, ok := t.timers[key]; ok {
		old.Stop()
		delete(t.timers, key)
	}
}

func (t *timerSet[K]) stopAll() {
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[K]*time.Timer)
}
