// Package cluster distributes tasks over a master/worker pool.
//
// Workers repeatedly ask the master for a task, execute it against their own
// copy of the dataset and send back the result. The master hands out tasks
// from a Job, applies every result, and answers an ask with stop once the
// Job has nothing left. The run ends when no task is left and every worker
// that joined has been stopped.
//
// The protocol (ask, task, result, stop) runs over any transport that
// delivers frames reliably and in order per worker: an in-process pipe or a
// websocket. Results may be applied in any order. A worker that disappears
// while holding a task fails the run; tasks are never re-issued.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/metrics"
)

// ErrWorkerLost is returned when a worker's connection drops while it holds
// a task.
var ErrWorkerLost = errors.New("cluster: worker lost while executing a task")

// Availability is the answer of Job.Next.
type Availability int

const (
	// TaskReady: the returned task should be issued.
	TaskReady Availability = iota
	// TaskWait: nothing to issue until more results are applied.
	TaskWait
	// TaskNone: nothing left to issue, ever.
	TaskNone
)

// Job produces tasks and consumes results. The master calls it from a
// single goroutine.
type Job interface {
	Next() (Task, Availability)
	Apply(ctx context.Context, r Result) error
}

// Status is a snapshot of the master.
type Status struct {
	Phase     Phase     `json:"phase"`
	Issued    int       `json:"tasks_issued"`
	Done      int       `json:"tasks_done"`
	Running   int       `json:"workers_running"`
	Joined    int       `json:"workers_joined"`
	Waiting   int       `json:"workers_waiting"`
	Finished  bool      `json:"finished"`
	StartedAt time.Time `json:"started_at"`
}

type running struct {
	task  Task
	since time.Time
}

type waiter struct {
	peer   Peer
	worker string
	slot   uint32
}

// Master is the task server. Create one per run.
type Master struct {
	job    Job
	logger *slog.Logger

	slots   map[string]uint32
	members *roaring.Bitmap // joined and not yet stopped
	running map[uint32]running
	waiting []waiter
	drained bool
	nextID  uint64

	mu     sync.Mutex
	status Status
}

// NewMaster returns a master serving job.
func NewMaster(job Job, logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{
		job:     job,
		logger:  logger.With("component", "master"),
		slots:   make(map[string]uint32),
		members: roaring.New(),
		running: make(map[uint32]running),
		status:  Status{StartedAt: time.Now()},
	}
}

// Status returns a snapshot; safe to call from any goroutine.
func (m *Master) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Master) updateStatus(fn func(s *Status)) {
	m.mu.Lock()
	fn(&m.status)
	m.status.Running = len(m.running)
	m.status.Joined = len(m.slots)
	m.status.Waiting = len(m.waiting)
	m.mu.Unlock()
	metrics.BusyWorkers.Set(float64(len(m.running)))
}

func (m *Master) finished() bool {
	return m.drained && m.members.IsEmpty()
}

// Run serves inbox until the job is drained and every joined worker has
// been stopped. It is the only writer of the job's results.
func (m *Master) Run(ctx context.Context, inbox <-chan Envelope) error {
	for !m.finished() {
		select {
		case env := <-inbox:
			if err := m.handle(ctx, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.updateStatus(func(s *Status) { s.Finished = true })
	m.logger.Info("all tasks done", "elapsed", time.Since(m.Status().StartedAt))
	return nil
}

func (m *Master) slot(worker string) uint32 {
	s, ok := m.slots[worker]
	if !ok {
		s = uint32(len(m.slots))
		m.slots[worker] = s
		m.members.Add(s)
		m.logger.Info("worker joined", "worker", worker)
	}
	return s
}

func (m *Master) handle(ctx context.Context, env Envelope) error {
	if env.Err != nil {
		return m.handleFailure(env)
	}

	msg := env.Msg
	switch msg.Kind {
	case KindAsk:
		s := m.slot(msg.Worker)
		if _, busy := m.running[s]; busy {
			return errkind.Protocolf("master", "worker %s asked for a task while executing one", msg.Worker)
		}
		if !m.members.Contains(s) {
			// Stopped earlier; stop it again.
			return env.Peer.Send(ctx, Message{Kind: KindStop})
		}
		return m.serve(ctx, waiter{peer: env.Peer, worker: msg.Worker, slot: s})

	case KindResult:
		s, ok := m.slots[msg.Worker]
		r, busy := m.running[s]
		if !ok || !busy || r.task.ID != msg.Result.TaskID {
			return errkind.Protocolf("master", "unexpected result for task %d from worker %s", msg.Result.TaskID, msg.Worker)
		}
		return m.complete(ctx, s, r, *msg.Result)

	default:
		return errkind.Protocolf("master", "unexpected %s message from worker %s", msg.Kind, msg.Worker)
	}
}

func (m *Master) handleFailure(env Envelope) error {
	if errors.Is(env.Err, ErrMalformed) {
		return env.Err
	}
	s, ok := m.slots[env.Worker]
	if !ok {
		m.logger.Warn("connection failed before joining", "error", env.Err)
		return nil
	}
	if r, busy := m.running[s]; busy {
		return errkind.New(errkind.Internal, "master", fmt.Errorf("%w: worker %s, task %d [%d, %d): %v",
			ErrWorkerLost, env.Worker, r.task.ID, r.task.Start, r.task.Stop, env.Err))
	}
	if m.members.Contains(s) {
		m.logger.Warn("idle worker left", "worker", env.Worker, "error", env.Err)
		m.members.Remove(s)
		kept := m.waiting[:0]
		for _, w := range m.waiting {
			if w.slot != s {
				kept = append(kept, w)
			}
		}
		m.waiting = kept
		m.updateStatus(func(*Status) {})
	}
	return nil
}

// serve answers one ask.
func (m *Master) serve(ctx context.Context, w waiter) error {
	task, avail := m.job.Next()
	switch avail {
	case TaskReady:
		m.nextID++
		task.ID = m.nextID
		if err := w.peer.Send(ctx, Message{Kind: KindTask, Task: &task}); err != nil {
			return fmt.Errorf("send task %d to worker %s: %w", task.ID, w.worker, err)
		}
		m.running[w.slot] = running{task: task, since: time.Now()}
		metrics.Tasks.WithLabelValues(string(task.Phase), "issued").Inc()
		m.updateStatus(func(s *Status) {
			s.Issued++
			s.Phase = task.Phase
		})
		m.logger.Debug("task issued", "worker", w.worker, "phase", task.Phase, "task_start", task.Start, "task_stop", task.Stop)

	case TaskWait:
		m.waiting = append(m.waiting, w)
		m.updateStatus(func(*Status) {})

	case TaskNone:
		m.drained = true
		if err := w.peer.Send(ctx, Message{Kind: KindStop}); err != nil {
			m.logger.Warn("failed to stop worker", "worker", w.worker, "error", err)
		}
		m.members.Remove(w.slot)
		m.updateStatus(func(*Status) {})
		m.logger.Debug("worker stopped", "worker", w.worker)
	}
	return nil
}

func (m *Master) complete(ctx context.Context, s uint32, r running, res Result) error {
	delete(m.running, s)
	if res.Error != "" {
		kind := res.ErrorKind
		if kind == "" {
			kind = errkind.Internal
		}
		return errkind.New(kind, "worker", fmt.Errorf("task %d [%d, %d): %s", r.task.ID, r.task.Start, r.task.Stop, res.Error))
	}
	if res.Phase != r.task.Phase || res.Start != r.task.Start || res.Stop != r.task.Stop {
		return errkind.Protocolf("master", "result for task %d covers %s [%d, %d), issued %s [%d, %d)",
			r.task.ID, res.Phase, res.Start, res.Stop, r.task.Phase, r.task.Start, r.task.Stop)
	}
	if err := m.job.Apply(ctx, res); err != nil {
		return err
	}

	metrics.Tasks.WithLabelValues(string(r.task.Phase), "done").Inc()
	metrics.TaskDuration.WithLabelValues(string(r.task.Phase)).Observe(time.Since(r.since).Seconds())
	metrics.SeriesDone.WithLabelValues(string(r.task.Phase)).Add(float64(r.task.Stop - r.task.Start))
	m.updateStatus(func(st *Status) { st.Done++ })

	// Results can unblock waiting workers.
	waiting := m.waiting
	m.waiting = nil
	for _, w := range waiting {
		if err := m.serve(ctx, w); err != nil {
			return err
		}
	}
	return nil
}
