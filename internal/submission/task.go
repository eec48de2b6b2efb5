package submission

import (
	"context"
	"sync"
)

// Task is the handle of a submission running in the background
type Task struct {
	entryID string
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newTask(entryID string) *Task {
	return &Task{entryID: entryID, done: make(chan struct{})}
}

// EntryID is the id of the history entry the task finalizes
func (t *Task) EntryID() string {
	return t.entryID
}

// Done is closed when the task has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done. The error reports a
// finalization problem, such as the entry having been deleted meanwhile.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Task) finish(outcome Outcome, err error) {
	t.once.Do(func() {
		t.outcome = outcome
		t.err = err
		close(t.done)
	})
}
