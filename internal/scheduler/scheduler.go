// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_scheduler

import (
	"sync"
	"time"
)

// Task is a cancellable scheduled unit. Cancellation is observed at the
// task's next firing; a task that is mid-callback finishes its run.
type Task struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Cancel stops the task. Safe to call multiple times and after firing.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Scheduler hands out one-shot and periodic tasks. Each session keeps
// references to its own tasks (heartbeat, stream-end timeout) and cancels
// them during cleanup regardless of how cleanup is entered.
type Scheduler struct{}

// NewScheduler returns a scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Once runs fn after d, unless cancelled first.
func (s *Scheduler) Once(d time.Duration, fn func()) *Task {
	task := &Task{}
	task.mu.Lock()
	task.timer = time.AfterFunc(d, func() {
		if task.isCancelled() {
			return
		}
		fn()
	})
	task.mu.Unlock()
	return task
}

// Periodic runs fn every interval until cancelled. The task reschedules
// itself after each run, so a slow callback delays the next firing rather
// than stacking.
func (s *Scheduler) Periodic(interval time.Duration, fn func()) *Task {
	task := &Task{}
	var schedule func()
	schedule = func() {
		task.mu.Lock()
		if task.cancelled {
			task.mu.Unlock()
			return
		}
		task.timer = time.AfterFunc(interval, func() {
			if task.isCancelled() {
				return
			}
			fn()
			schedule()
		})
		task.mu.Unlock()
	}
	schedule()
	return task
}
