/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package clock

import (
	"sort"
	"sync"
	"time"
)

// Virtual is a Source for deterministic tests: it never advances on its
// own. A scenario calls Advance(d) to move time forward, which fires every
// waiter whose deadline has been crossed, in deadline order.
type Virtual struct {
	mu      sync.Mutex
	now     Timestamp
	waiters []*virtualWaiter
}

type virtualWaiter struct {
	deadline Timestamp
	ch       chan Timestamp
	periodic *virtualTimer // non-nil if owned by a resettable Timer
	fired    bool
}

// NewVirtual returns a Virtual clock starting at t=0.
func NewVirtual() *Virtual {
	return &Virtual{}
}

func (v *Virtual) Now() Timestamp {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Advance moves the clock forward by d, firing any waiter whose deadline is
// now at or before the new time, in ascending deadline order.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	now := v.now
	due := make([]*virtualWaiter, 0, len(v.waiters))
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if !w.fired && w.deadline <= now {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	v.waiters = remaining
	v.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, w := range due {
		w.fired = true
		select {
		case w.ch <- now:
		default:
		}
	}
}

func (v *Virtual) After(d time.Duration) <-chan Timestamp {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan Timestamp, 1)
	v.waiters = append(v.waiters, &virtualWaiter{deadline: v.now.Add(d), ch: ch})
	return ch
}

func (v *Virtual) NewTimer(d time.Duration) Timer {
	t := &virtualTimer{clock: v, out: make(chan Timestamp, 1)}
	t.Reset(d)
	return t
}

type virtualTimer struct {
	clock *Virtual
	out   chan Timestamp
	w     *virtualWaiter
}

func (t *virtualTimer) C() <-chan Timestamp { return t.out }

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := t.w != nil && !t.w.fired
	if t.w != nil {
		t.removeLocked()
	}
	t.w = &virtualWaiter{deadline: t.clock.now.Add(d), ch: t.out, periodic: t}
	t.clock.waiters = append(t.clock.waiters, t.w)
	return wasPending
}

func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := t.w != nil && !t.w.fired
	if t.w != nil {
		t.removeLocked()
		t.w = nil
	}
	return wasPending
}

// removeLocked drops t's current waiter from the clock's waiter list.
// Callers must hold t.clock.mu.
func (t *virtualTimer) removeLocked() {
	for i, w := range t.clock.waiters {
		if w == t.w {
			t.clock.waiters = append(t.clock.waiters[:i], t.clock.waiters[i+1:]...)
			return
		}
	}
}
