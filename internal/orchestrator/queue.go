package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
)

type loopState struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	workers *errgroup.Group
	active  bool
}

func (l *loopState) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// QueueTask appends a task to the FIFO queue and returns its id. The task
// runs once Start has been called and a concurrency slot is free.
func (o *Orchestrator) QueueTask(spec models.TaskSpec, actx *models.AgentContext, opts ExecuteOptions) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()

	o.mu.Lock()
	if len(o.queue) >= o.cfg.QueueCapacity {
		o.mu.Unlock()
		return "", sdkerrors.RateLimit("QUEUE_FULL", "task queue is full").
			WithDetail("capacity", o.cfg.QueueCapacity)
	}
	_, running := o.active[spec.TaskID]
	_, waiting := o.queued[spec.TaskID]
	if running || waiting {
		o.mu.Unlock()
		return "", sdkerrors.Validation("TASK_ALREADY_ACTIVE", "a task with this id is already queued or running").
			WithDetail("task_id", spec.TaskID)
	}
	q := &queuedTask{
		spec:   spec,
		actx:   actx,
		opts:   opts,
		queued: now,
		pending: models.TaskExecution{
			TaskID:    spec.TaskID,
			Spec:      spec,
			Status:    models.TaskStatusPending,
			CreatedAt: now,
			Metadata:  map[string]interface{}{"queued": true},
		},
	}
	o.queue = append(o.queue, q)
	o.queued[spec.TaskID] = q
	depth := len(o.queue)
	o.mu.Unlock()

	metrics.QueuedTasks.Set(float64(depth))
	o.publish(streaming.Event{
		TaskID:    spec.TaskID,
		Type:      streaming.EventTaskQueued,
		AgentType: spec.AgentType,
		Status:    string(models.TaskStatusPending),
		Data:      map[string]interface{}{"queue_depth": depth},
	})
	o.logger.Debug("Task queued", zap.String("task_id", spec.TaskID), zap.Int("queue_depth", depth))

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return spec.TaskID, nil
}

// Start launches the queue drain and timeout sweep loops. Calling Start on a
// running orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.loops.mu.Lock()
	defer o.loops.mu.Unlock()
	if o.loops.active {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	workers := &errgroup.Group{}
	workers.SetLimit(o.cfg.MaxConcurrentTasks)

	g.Go(func() error { return o.queueLoop(gctx, workers) })
	g.Go(func() error { return o.sweepLoop(gctx) })

	o.loops.cancel = cancel
	o.loops.group = g
	o.loops.workers = workers
	o.loops.active = true
	o.logger.Info("Task orchestrator started",
		zap.Int("max_concurrent_tasks", o.cfg.MaxConcurrentTasks),
		zap.Duration("timeout_check_interval", o.cfg.TimeoutCheckInterval),
	)
	return nil
}

// Stop cancels the background loops and waits for them and any queued task
// still in flight, bounded by ctx. Tasks that never left the queue end as
// cancelled and their completion callbacks receive the cancellation.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.loops.mu.Lock()
	if !o.loops.active {
		o.loops.mu.Unlock()
		return nil
	}
	cancel, g, workers := o.loops.cancel, o.loops.group, o.loops.workers
	o.loops.active = false
	o.loops.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		if n := o.abandonQueue(); n > 0 {
			o.logger.Warn("Cancelled tasks still queued at stop", zap.Int("count", n))
		}
		_ = workers.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		o.logger.Info("Task orchestrator stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) queueLoop(ctx context.Context, workers *errgroup.Group) error {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Queue loop panicked", zap.Any("panic", r))
		}
	}()
	ticker := time.NewTicker(o.cfg.QueuePollInterval)
	defer ticker.Stop()
	for {
		o.drain(ctx, workers)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// drain dispatches queued tasks while concurrency slots are free.
func (o *Orchestrator) drain(ctx context.Context, workers *errgroup.Group) {
	for ctx.Err() == nil {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		q := o.queue[0]
		o.mu.Unlock()

		started := workers.TryGo(func() error {
			o.runQueued(ctx, q)
			return nil
		})
		if !started {
			return
		}
		o.mu.Lock()
		o.queue = o.queue[1:]
		depth := len(o.queue)
		o.mu.Unlock()
		metrics.QueuedTasks.Set(float64(depth))
	}
}

func (o *Orchestrator) runQueued(ctx context.Context, q *queuedTask) {
	defer func() {
		o.mu.Lock()
		// already gone when the task got past begin
		delete(o.queued, q.spec.TaskID)
		o.mu.Unlock()
	}()
	o.logger.Debug("Dispatching queued task",
		zap.String("task_id", q.spec.TaskID),
		zap.Duration("waited", time.Since(q.queued)),
	)
	result, err := o.ExecuteTask(ctx, q.spec, q.actx, q.opts)
	if err != nil {
		o.logger.Warn("Queued task failed", zap.String("task_id", q.spec.TaskID), zap.Error(err))
	}
	o.notify(q, result, err)
}

func (o *Orchestrator) notify(q *queuedTask, result *models.TaskResult, err error) {
	if q.opts.OnComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Completion callback panicked", zap.String("task_id", q.spec.TaskID), zap.Any("panic", r))
		}
	}()
	q.opts.OnComplete(result, err)
}

// abandonQueue empties the queue, moving each waiting task to history as
// cancelled. Must run after the queue loop has exited.
func (o *Orchestrator) abandonQueue() int {
	o.mu.Lock()
	pending := o.queue
	o.queue = nil
	for _, q := range pending {
		delete(o.queued, q.spec.TaskID)
	}
	o.mu.Unlock()
	if len(pending) == 0 {
		return 0
	}
	metrics.QueuedTasks.Set(0)

	for _, q := range pending {
		exec := &execution{TaskExecution: q.pending.Clone(), cancel: func() {}}
		if exec.Metadata == nil {
			exec.Metadata = make(map[string]interface{})
		}
		exec.Metadata["abandoned_in_queue"] = true
		o.total.Add(1)
		o.finish(exec, models.TaskStatusCancelled, nil, "orchestrator stopped before the task ran")
		o.notify(q, nil, cancelledError(q.spec.TaskID))
	}
	return len(pending)
}

func (o *Orchestrator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := o.SweepTimeouts(); n > 0 {
				o.logger.Warn("Expired overdue tasks", zap.Int("count", n))
			}
		}
	}
}

// SweepTimeouts force-times-out active tasks whose deadline has passed and
// returns how many were expired.
func (o *Orchestrator) SweepTimeouts() int {
	now := time.Now().UTC()
	o.mu.Lock()
	var overdue []*execution
	for _, exec := range o.active {
		if exec.Deadline != nil && now.After(*exec.Deadline) {
			overdue = append(overdue, exec)
		}
	}
	o.mu.Unlock()

	expired := 0
	for _, exec := range overdue {
		if o.finish(exec, models.TaskStatusTimeout, nil, "deadline exceeded") {
			expired++
			metrics.TimeoutSweeps.Inc()
		}
	}
	return expired
}
