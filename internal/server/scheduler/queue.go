// Package scheduler bounds how many transfers run at once and keeps the
// pending backlog flowing into the free slots.
package scheduler

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/driveback/internal/server/models"
)

type handle struct {
	task    *models.Task
	addedAt time.Time

	// gen identifies this particular admission. A goroutine whose handle was
	// evicted and re-admitted holds a stale gen and may not free the slot.
	gen uint64
}

// ActiveQueue tracks the tasks currently admitted to run. Admission is a
// single check-and-insert under the lock, so concurrent callers can never
// admit past capacity or admit the same task twice.
type ActiveQueue struct {
	mu       sync.Mutex
	capacity int
	entries  map[int64]handle
	gen      uint64

	now func() time.Time
}

func NewActiveQueue(capacity int) *ActiveQueue {
	return &ActiveQueue{
		capacity: capacity,
		entries:  make(map[int64]handle),
		now:      time.Now,
	}
}

// TryAdmit admits the task unless the queue is full or the task is already
// admitted. On success it returns the admission generation, which Remove
// later requires back.
func (q *ActiveQueue) TryAdmit(task *models.Task) (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, running := q.entries[task.TaskID]; running {
		return 0, false
	}
	if len(q.entries) >= q.capacity {
		return 0, false
	}
	q.gen++
	q.entries[task.TaskID] = handle{task: task, addedAt: q.now(), gen: q.gen}
	return q.gen, true
}

// Remove frees the task's slot, but only if the slot still belongs to the
// admission identified by gen. After a stale eviction and re-admission the
// evicted goroutine must not free the successor's slot.
func (q *ActiveQueue) Remove(taskID int64, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h, ok := q.entries[taskID]; ok && h.gen == gen {
		delete(q.entries, taskID)
	}
}

// Get returns the live in-memory task if it is currently admitted. The
// returned task is shared with the running pipeline; callers read its status
// through StatusSnapshot and must not mutate it.
func (q *ActiveQueue) Get(taskID int64) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.entries[taskID]
	if !ok {
		return nil, false
	}
	return h.task, true
}

// Len returns the number of occupied slots.
func (q *ActiveQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Free returns the number of open slots.
func (q *ActiveQueue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.capacity - len(q.entries)
	if n < 0 {
		n = 0
	}
	return n
}

// EvictStale drops entries older than threshold and returns their ids. A
// pipeline goroutine that died without removing its handle would otherwise
// pin the slot forever.
func (q *ActiveQueue) EvictStale(threshold time.Duration) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []int64
	cutoff := q.now().Add(-threshold)
	for id, h := range q.entries {
		if h.addedAt.Before(cutoff) {
			delete(q.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
