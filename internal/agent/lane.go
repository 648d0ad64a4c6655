package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// LaneResult is delivered once per submitted input.
type LaneResult struct {
	Result *Result
	Err    error
}

type laneJob struct {
	ctx   context.Context
	state *SessionState
	input Input
	done  chan LaneResult
}

type lane struct {
	queue   []*laneJob
	running bool
	status  models.SessionStatus
	cancel  context.CancelFunc
}

// Lanes runs at most one turn per session. Inputs submitted while a turn
// is active queue in FIFO order and run after it. Lanes installs its own
// OnStatus hook on the session states it runs.
type Lanes struct {
	ctrl *Controller

	mu       sync.Mutex
	lanes    map[string]*lane
	onStatus func(sessionID string, status models.SessionStatus)
	wg       sync.WaitGroup
}

// NewLanes creates lanes over a controller.
func NewLanes(ctrl *Controller) *Lanes {
	return &Lanes{ctrl: ctrl, lanes: make(map[string]*lane)}
}

// OnStatus registers an observer for session status changes.
func (l *Lanes) OnStatus(fn func(sessionID string, status models.SessionStatus)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStatus = fn
}

// Submit queues input for the session and returns a channel that receives
// exactly one result.
func (l *Lanes) Submit(ctx context.Context, state *SessionState, input Input) <-chan LaneResult {
	done := make(chan LaneResult, 1)
	if state == nil || state.Session == nil {
		done <- LaneResult{Err: &TurnError{Category: CategoryFatal, Cause: errSessionRequired, Attempts: 1}}
		close(done)
		return done
	}
	id := state.Session.ID

	l.mu.Lock()
	ln, ok := l.lanes[id]
	if !ok {
		ln = &lane{status: models.SessionIdle}
		l.lanes[id] = ln
	}
	ln.queue = append(ln.queue, &laneJob{ctx: ctx, state: state, input: input, done: done})
	start := !ln.running
	if start {
		ln.running = true
		l.wg.Add(1)
	}
	l.mu.Unlock()

	if start {
		go l.drain(id, ln)
	}
	return done
}

func (l *Lanes) drain(id string, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			ln.running = false
			ln.cancel = nil
			l.mu.Unlock()
			l.setStatus(id, models.SessionIdle)
			return
		}
		job := ln.queue[0]
		ln.queue = ln.queue[1:]
		ctx, cancel := context.WithCancel(job.ctx)
		ln.cancel = cancel
		l.mu.Unlock()

		if err := ctx.Err(); err != nil {
			cancel()
			job.done <- LaneResult{Err: &TurnError{Category: CategoryCancelled, Cause: err, Attempts: 0}}
			close(job.done)
			continue
		}

		job.state.OnStatus = func(status models.SessionStatus) {
			l.setStatus(id, status)
		}
		res, err := l.ctrl.Run(ctx, job.state, job.input)
		cancel()
		job.done <- LaneResult{Result: res, Err: err}
		close(job.done)
	}
}

func (l *Lanes) setStatus(id string, status models.SessionStatus) {
	l.mu.Lock()
	if ln, ok := l.lanes[id]; ok {
		ln.status = status
	}
	fn := l.onStatus
	l.mu.Unlock()
	if fn != nil {
		fn(id, status)
	}
}

// Status reports the session's lane status.
func (l *Lanes) Status(sessionID string) models.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[sessionID]; ok {
		return ln.status
	}
	return models.SessionIdle
}

// Pending returns how many inputs wait behind the active turn.
func (l *Lanes) Pending(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ln, ok := l.lanes[sessionID]; ok {
		return len(ln.queue)
	}
	return 0
}

// Cancel aborts the session's active turn. Queued inputs still run.
// It reports whether a turn was running.
func (l *Lanes) Cancel(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[sessionID]
	if !ok || ln.cancel == nil {
		return false
	}
	ln.cancel()
	return true
}

// Wait blocks until every lane has drained.
func (l *Lanes) Wait() {
	l.wg.Wait()
}
