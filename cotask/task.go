// Package cotask runs functions as cooperative tasks: each task lives on its
// own goroutine, but control is handed back and forth explicitly so that the
// task and whoever resumed it never run at the same time.
//
// Code inside a task is written in a blocking style and calls Yield wherever
// it has to wait. Because hand-offs go through unbuffered channels, anything
// written before a Yield or Resume is visible to the other side afterwards
// without further synchronization.
package cotask

const (
	stateSuspended = iota
	stateRunning
	stateDone
)

// Task is a cooperatively scheduled function. The zero value is not usable;
// create tasks with Spawn.
type Task struct {
	resume chan struct{}
	yield  chan struct{}
	state  int
}

// Spawn starts entry on a new goroutine and blocks until entry yields for the
// first time or returns.
//
// Parameters:
//   - entry: The task body; it receives its own Task so it can call Yield
//
// Returns:
//   - The task, suspended or already done
func Spawn(entry func(t *Task)) *Task {
	t := &Task{
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
		state:  stateRunning,
	}

	go func() {
		defer func() {
			t.state = stateDone
			t.yield <- struct{}{}
		}()
		entry(t)
	}()

	<-t.yield
	if t.state != stateDone {
		t.state = stateSuspended
	}

	return t
}

// Resume transfers control into the task and blocks until it yields again or
// returns. Resuming a finished task, or the task that is currently running,
// does nothing.
//
// Returns:
//   - true if the task ran
func (t *Task) Resume() bool {
	if t.state != stateSuspended {
		return false
	}

	t.state = stateRunning
	t.resume <- struct{}{}
	<-t.yield
	if t.state != stateDone {
		t.state = stateSuspended
	}

	return true
}

// Yield suspends the task and returns control to the goroutine that started
// or last resumed it. It returns when the task is resumed. Yield must only be
// called from inside the task's own entry function.
func (t *Task) Yield() {
	t.yield <- struct{}{}
	<-t.resume
}

// Done reports whether the task's entry function has returned.
func (t *Task) Done() bool {
	return t.state == stateDone
}
