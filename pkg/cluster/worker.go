package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/orneryd/mpedm/pkg/errkind"
)

// Executor runs one task against the worker's dataset.
type Executor interface {
	Execute(ctx context.Context, t Task) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t Task) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, t Task) (Result, error) { return f(ctx, t) }

// State is a worker's position in the protocol.
type State int32

const (
	StateAwaitingTask State = iota
	StateExecuting
	StateSendingResult
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAwaitingTask:
		return "awaiting-task"
	case StateExecuting:
		return "executing"
	case StateSendingResult:
		return "sending-result"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Worker drives one connection through the protocol.
type Worker struct {
	id     string
	conn   Conn
	exec   Executor
	logger *slog.Logger

	state atomic.Int32
	tasks atomic.Int64
}

// NewWorker returns a worker with a fresh id.
func NewWorker(conn Conn, exec Executor, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Worker{
		id:     id,
		conn:   conn,
		exec:   exec,
		logger: logger.With("component", "worker", "worker", id),
	}
}

// ID returns the worker id sent with every message.
func (w *Worker) ID() string { return w.id }

// State returns the current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Tasks returns the number of tasks executed.
func (w *Worker) Tasks() int64 { return w.tasks.Load() }

func (w *Worker) set(s State) { w.state.Store(int32(s)) }

// Run loops ask -> execute -> send result until the master says stop. A
// failed task is reported to the master and then returned.
func (w *Worker) Run(ctx context.Context) error {
	var (
		task    Task
		result  Result
		execErr error
	)
	w.set(StateAwaitingTask)
	for {
		switch w.State() {
		case StateAwaitingTask:
			if err := w.conn.Send(ctx, Message{Kind: KindAsk, Worker: w.id}); err != nil {
				return w.lost(err)
			}
			msg, err := w.conn.Recv(ctx)
			if err != nil {
				return w.lost(err)
			}
			switch msg.Kind {
			case KindTask:
				task = *msg.Task
				w.set(StateExecuting)
			case KindStop:
				w.set(StateStopped)
			default:
				w.set(StateStopped)
				return errkind.Protocolf("worker", "unexpected %s message while awaiting a task", msg.Kind)
			}

		case StateExecuting:
			w.logger.Debug("executing task", "phase", task.Phase, "task_start", task.Start, "task_stop", task.Stop)
			result, execErr = w.exec.Execute(ctx, task)
			if execErr != nil {
				result = Result{
					Phase:     task.Phase,
					Start:     task.Start,
					Stop:      task.Stop,
					Error:     execErr.Error(),
					ErrorKind: errkind.Of(execErr),
				}
			}
			result.TaskID = task.ID
			w.tasks.Add(1)
			w.set(StateSendingResult)

		case StateSendingResult:
			if err := w.conn.Send(ctx, Message{Kind: KindResult, Worker: w.id, Result: &result}); err != nil {
				w.set(StateStopped)
				return fmt.Errorf("send result of task %d: %w", task.ID, err)
			}
			if execErr != nil {
				w.set(StateStopped)
				return execErr
			}
			w.set(StateAwaitingTask)

		case StateStopped:
			w.logger.Info("worker stopped", "tasks", w.Tasks())
			return nil
		}
	}
}

// lost handles a failed exchange while no task is held. A connection that
// closes at that point means the master is gone, which ends the worker
// cleanly; anything else is an error.
func (w *Worker) lost(err error) error {
	w.set(StateStopped)
	if errors.Is(err, ErrClosed) {
		w.logger.Info("master connection closed", "tasks", w.Tasks())
		return nil
	}
	return err
}
