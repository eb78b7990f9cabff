// Package queue buffers tasks that arrive when no suitable host exists.
// Entries drain on power-up completion, migration completion and task
// completion, in SLA-then-urgency order.
package queue

import (
	"math"
	"sort"

	"github.com/voltsched/voltsched/internal/domain"
)

// Entry is one buffered task.
type Entry struct {
	Task    domain.TaskID
	SLA     domain.SLA
	Urgency float64
}

// PendingQueue holds tasks awaiting placement. Not safe for concurrent
// use; the dispatcher serializes all access.
type PendingQueue struct {
	entries []Entry
}

// New creates an empty queue.
func New() *PendingQueue {
	return &PendingQueue{}
}

// Push adds a task. A task already queued is updated in place rather
// than duplicated.
func (q *PendingQueue) Push(e Entry) {
	for i := range q.entries {
		if q.entries[i].Task == e.Task {
			q.entries[i] = e
			return
		}
	}
	q.entries = append(q.entries, e)
}

// Remove drops a task from the queue. Reports whether it was present.
func (q *PendingQueue) Remove(task domain.TaskID) bool {
	for i := range q.entries {
		if q.entries[i].Task == task {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether a task is queued.
func (q *PendingQueue) Contains(task domain.TaskID) bool {
	for i := range q.entries {
		if q.entries[i].Task == task {
			return true
		}
	}
	return false
}

// Len returns the queue depth.
func (q *PendingQueue) Len() int {
	return len(q.entries)
}

// Refresh recomputes every queued task's urgency through fn. Entries
// for which fn reports no value keep their stored urgency.
func (q *PendingQueue) Refresh(fn func(domain.TaskID) (float64, bool)) {
	for i := range q.entries {
		if urgency, ok := fn(q.entries[i].Task); ok {
			q.entries[i].Urgency = urgency
		}
	}
}

// UpdateUrgency refreshes the stored urgency of a task, if queued.
func (q *PendingQueue) UpdateUrgency(task domain.TaskID, urgency float64) {
	for i := range q.entries {
		if q.entries[i].Task == task {
			q.entries[i].Urgency = urgency
			return
		}
	}
}

// Sorted re-sorts the queue in place and returns a snapshot in drain
// order: SLA0 before SLA1 before SLA2 before SLA3, higher urgency first
// within a class. The sort is stable so equal entries keep their
// arrival order.
func (q *PendingQueue) Sorted() []Entry {
	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.SLA != b.SLA {
			return a.SLA < b.SLA
		}
		return higherUrgency(a.Urgency, b.Urgency)
	})
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// higherUrgency orders a before b, treating +Inf (passed deadline) as
// the most urgent.
func higherUrgency(a, b float64) bool {
	if math.IsInf(a, 1) {
		return !math.IsInf(b, 1)
	}
	return a > b
}
