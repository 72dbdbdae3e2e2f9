package callq

import (
	"fmt"
	"sync"
	"time"

	"teleclinic-engine/internal/models"
	"teleclinic-engine/internal/notify"
	"teleclinic-engine/pkg/utils"
)

// Queue is the FIFO of calls that arrived while another session was
// active. It has its own lock, independent of any other execution
// context, because pushes are delivered concurrently with channel I/O
// and must never block on it.
type Queue struct {
	mu       sync.Mutex
	entries  []models.PendingCallEntry
	notifier notify.Sink
}

func New(notifier notify.Sink) *Queue {
	if notifier == nil {
		notifier = notify.LogSink{}
	}
	return &Queue{notifier: notifier}
}

// Enqueue appends an entry and fires a "queued" notification. It does
// not start a call; the session controller drains the queue when the
// active session ends.
func (q *Queue) Enqueue(e models.PendingCallEntry) {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	depth := len(q.entries)
	q.mu.Unlock()

	utils.PendingCallDepth.Set(float64(depth))
	q.notifier.Notify("Call waiting", fmt.Sprintf("%s is waiting for the current call to finish", e.DisplayName))
}

// DequeueNext removes and returns the oldest entry, or nil when empty.
func (q *Queue) DequeueNext() *models.PendingCallEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	utils.PendingCallDepth.Set(float64(len(q.entries)))
	return &e
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
