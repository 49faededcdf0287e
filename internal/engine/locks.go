package engine

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// taskLocks serializes evaluate-then-transition sequences per task so two
// concurrent vote ingestions cannot both execute the same transition.
type taskLocks struct {
	m *xsync.Map[string, *sync.Mutex]
}

func newTaskLocks() taskLocks {
	return taskLocks{m: xsync.NewMap[string, *sync.Mutex]()}
}

func (l taskLocks) lock(taskID string) func() {
	mu, _ := l.m.LoadOrStore(taskID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

func (l taskLocks) forget(taskID string) {
	l.m.Delete(taskID)
}
