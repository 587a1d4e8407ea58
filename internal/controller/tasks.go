package controller

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/types"

	"github.com/sladg/pgvault-operator/internal/monitoring"
)

type task struct {
	uid    types.UID
	cancel context.CancelFunc
}

// TaskRegistry runs at most one background task per PostgresBackup. Tasks are
// keyed by namespace/name and bound to the UID of the object they were started
// for, so a recreated object with the same name gets a fresh task.
type TaskRegistry struct {
	parent context.Context

	mu       sync.Mutex
	running  map[types.NamespacedName]*task
	finished map[types.NamespacedName]types.UID
	wg       sync.WaitGroup
}

// NewTaskRegistry returns a registry whose tasks are cancelled together with ctx.
func NewTaskRegistry(ctx context.Context) *TaskRegistry {
	return &TaskRegistry{
		parent:   ctx,
		running:  map[types.NamespacedName]*task{},
		finished: map[types.NamespacedName]types.UID{},
	}
}

// Ensure starts fn unless a task for the same object is running or has already
// run to completion. It reports whether a task was started.
func (r *TaskRegistry) Ensure(key types.NamespacedName, uid types.UID, action string, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.parent.Err() != nil {
		return false
	}
	if existing, ok := r.running[key]; ok {
		if existing.uid == uid {
			return false
		}
		existing.cancel()
		delete(r.running, key)
	}
	if r.finished[key] == uid {
		return false
	}
	delete(r.finished, key)

	ctx, cancel := context.WithCancel(r.parent)
	t := &task{uid: uid, cancel: cancel}
	r.running[key] = t
	r.wg.Add(1)
	monitoring.TaskStarted(action)

	go func() {
		defer r.wg.Done()
		defer monitoring.TaskStopped(action)
		defer cancel()

		fn(ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.running[key] == t {
			delete(r.running, key)
			// A cancelled task may be resumed later, a completed one never.
			if ctx.Err() == nil {
				r.finished[key] = uid
			}
		}
	}()
	return true
}

// Running reports whether a task for uid is active under key.
func (r *TaskRegistry) Running(key types.NamespacedName, uid types.UID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.running[key]
	return ok && t.uid == uid
}

// Stop cancels the task under key, if any, and forgets that it ran.
func (r *TaskRegistry) Stop(key types.NamespacedName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.running[key]; ok {
		t.cancel()
		delete(r.running, key)
	}
	delete(r.finished, key)
}

// Wait blocks until every started task has returned.
func (r *TaskRegistry) Wait() {
	r.wg.Wait()
}
