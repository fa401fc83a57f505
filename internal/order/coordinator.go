package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/events"
	exchange "trading-bot/pkg/exchanges/common"
)

// Config tunes the coordinator.
type Config struct {
	MaxPendingOrders      int           // <= 0 is unbounded
	OrderTimeout          time.Duration // checked once at dispatch; <= 0 disables
	ManualApprovalDefault bool
	MaxRetries            int
	BackoffUnit           time.Duration // retry n sleeps 2^n units
	PollInterval          time.Duration // bounded dequeue wait
	ResultBuffer          int
}

func DefaultConfig() Config {
	return Config{
		MaxPendingOrders: 100,
		OrderTimeout:     30 * time.Second,
		MaxRetries:       3,
		BackoffUnit:      time.Second,
		PollInterval:     100 * time.Millisecond,
		ResultBuffer:     256,
	}
}

type activeTask struct {
	intent *OrderIntent
	cancel context.CancelFunc
}

// Coordinator queues order intents and dispatches them from a single worker.
// All queue, active-set, state and metric mutations happen under mu.
type Coordinator struct {
	cfg       Config
	exec      *Executor
	broker    exchange.Gateway
	approvals *ApprovalBoard
	bus       *events.Bus
	recorder  Recorder
	logger    zerolog.Logger

	mu         sync.Mutex
	state      EngineState
	queue      *taskQueue
	active     map[string]*activeTask
	daily      DailyMetrics
	killReason string
	working    bool
	done       chan struct{}

	wake    chan struct{}
	results chan ExecutionResult

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator builds an idle coordinator. broker is the default gateway
// for intents that do not carry their own.
func NewCoordinator(cfg Config, exec *Executor, broker exchange.Gateway, approvals *ApprovalBoard, bus *events.Bus) *Coordinator {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = def.BackoffUnit
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = def.ResultBuffer
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if exec == nil {
		exec = NewExecutor(nil, bus, "")
	}
	if approvals == nil {
		approvals = NewApprovalBoard(0, bus)
	}
	done := make(chan struct{})
	close(done)
	return &Coordinator{
		cfg:       cfg,
		exec:      exec,
		broker:    broker,
		approvals: approvals,
		bus:       bus,
		recorder:  nopRecorder{},
		logger:    log.With().Str("component", "coordinator").Logger(),
		state:     StateIdle,
		queue:     newTaskQueue(),
		active:    make(map[string]*activeTask),
		done:      done,
		wake:      make(chan struct{}, 1),
		results:   make(chan ExecutionResult, cfg.ResultBuffer),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetRecorder attaches a metrics recorder. Call before Start.
func (c *Coordinator) SetRecorder(r Recorder) {
	if r != nil {
		c.recorder = r
	}
}

// Approvals exposes the manual approval board.
func (c *Coordinator) Approvals() *ApprovalBoard { return c.approvals }

// Results streams one ExecutionResult per finished task. Results are dropped
// when nobody reads and the buffer is full.
func (c *Coordinator) Results() <-chan ExecutionResult { return c.results }

// State returns the current engine state.
func (c *Coordinator) State() EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubmitOrder validates and enqueues req, returning the task id.
func (c *Coordinator) SubmitOrder(req exchange.OrderRequest, opts SubmitOptions) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return "", fmt.Errorf("submit order: priority %d outside %d-%d", priority, MinPriority, MaxPriority)
	}
	manual := c.cfg.ManualApprovalDefault
	if opts.ManualApproval != nil {
		manual = *opts.ManualApproval
	}
	purpose := opts.Purpose
	if purpose == "" {
		purpose = PurposeManual
	}

	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return "", ErrStopped
	case StateKillSwitchActive:
		c.mu.Unlock()
		return "", ErrKillSwitchActive
	}
	if c.cfg.MaxPendingOrders > 0 && c.queue.Len() >= c.cfg.MaxPendingOrders {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %d pending", ErrQueueFull, c.cfg.MaxPendingOrders)
	}
	t := &OrderIntent{
		TaskID:         uuid.NewString(),
		Request:        req,
		Broker:         opts.Broker,
		BrokerName:     opts.BrokerName,
		Priority:       priority,
		MaxRetries:     c.cfg.MaxRetries,
		CreatedAt:      c.now(),
		ManualApproval: manual,
		Leverage:       opts.Leverage,
		Purpose:        purpose,
		Reason:         opts.Reason,
	}
	c.queue.Push(t)
	c.dailyLocked().Submitted++
	depth := c.queue.Len()
	c.mu.Unlock()

	c.recorder.QueueDepth(depth)
	publish(c.bus, events.EventOrderQueued, taskEvent(t, "QUEUED", t.Reason))
	c.logger.Debug().Str("task_id", t.TaskID).Str("symbol", req.Symbol).Int("priority", priority).
		Bool("manual", manual).Msg("order queued")
	c.notify()
	return t.TaskID, nil
}

// Start moves Idle to Running and launches the worker if it is not running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateKillSwitchActive:
		c.mu.Unlock()
		return ErrKillSwitchActive
	case StateRunning, StatePaused:
		c.mu.Unlock()
		return fmt.Errorf("start from %s: %w", c.state, ErrInvalidTransition)
	}
	c.setStateLocked(StateRunning)
	if !c.working {
		c.working = true
		c.done = make(chan struct{})
		go c.loop(ctx, c.done)
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Pause halts dispatch and keeps the queue. Takes effect at the next iteration.
func (c *Coordinator) Pause() error {
	return c.transition(StateRunning, StatePaused)
}

// Resume continues a paused coordinator.
func (c *Coordinator) Resume() error {
	return c.transition(StatePaused, StateRunning)
}

func (c *Coordinator) transition(from, to EngineState) error {
	c.mu.Lock()
	if c.state != from {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%s -> %s from %s: %w", from, to, cur, ErrInvalidTransition)
	}
	c.setStateLocked(to)
	c.mu.Unlock()
	c.notify()
	return nil
}

// Stop discards the pending queue without executing it and ends the worker
// after its current task. Stopped is terminal.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateStopped)
	dropped := c.queue.Reset()
	c.mu.Unlock()

	c.approvals.RejectAll("coordinator stopped")
	c.discard(dropped, ErrStopped)
	c.logger.Info().Int("discarded", len(dropped)).Msg("coordinator stopped")
	c.notify()
	return nil
}

// Wait blocks until the worker goroutine has exited.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
}

// ActivateKillSwitch drops every queued task, requests cancellation of the
// active ones and blocks dispatch until DeactivateKillSwitch.
func (c *Coordinator) ActivateKillSwitch(reason string) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateKillSwitchActive:
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.setStateLocked(StateKillSwitchActive)
	c.killReason = reason
	dropped := c.queue.Reset()
	cancelled := make([]string, 0, len(c.active))
	for id, a := range c.active {
		a.cancel()
		cancelled = append(cancelled, id)
	}
	c.dailyLocked().KillSwitch++
	c.mu.Unlock()

	waiting := c.approvals.RejectAll("kill switch: " + reason)
	c.logger.Error().Bool("critical", true).Str("reason", reason).Str("from", prev.String()).
		Int("dropped", len(dropped)).Strs("cancelled", cancelled).Int("approvals_rejected", waiting).
		Msg("kill switch activated")
	publish(c.bus, events.EventKillSwitch, events.Alert{
		Level:    "critical",
		Message:  "kill switch activated: " + reason,
		Critical: true,
	})
	c.discard(dropped, ErrKillSwitchActive)
	c.recorder.QueueDepth(0)
	return nil
}

// DeactivateKillSwitch returns the coordinator to Idle.
func (c *Coordinator) DeactivateKillSwitch() error {
	c.mu.Lock()
	if c.state != StateKillSwitchActive {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("deactivate kill switch from %s: %w", cur, ErrInvalidTransition)
	}
	c.setStateLocked(StateIdle)
	c.killReason = ""
	c.mu.Unlock()

	c.logger.Warn().Msg("kill switch deactivated")
	publish(c.bus, events.EventKillSwitch, events.Alert{Level: "info", Message: "kill switch deactivated"})
	return nil
}

// Status reports state, queue depth, active tasks and today's counters.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Status{
		State:            c.state,
		QueueDepth:       c.queue.Len(),
		ActiveOrders:     ids,
		PendingApprovals: c.approvals.Len(),
		KillSwitchReason: c.killReason,
		Daily:            *c.dailyLocked(),
	}
}

// Pending lists queued intents, most urgent first.
func (c *Coordinator) Pending() []OrderIntent {
	c.mu.Lock()
	out := c.queue.Snapshot()
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (c *Coordinator) setStateLocked(s EngineState) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.recorder.EngineState(s)
	publish(c.bus, events.EventEngineState, map[string]string{"from": prev.String(), "to": s.String()})
}

func (c *Coordinator) dailyLocked() *DailyMetrics {
	day := c.now().UTC().Format("2006-01-02")
	if c.daily.Date != day {
		c.daily = DailyMetrics{Date: day}
	}
	return &c.daily
}

func (c *Coordinator) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.working = false
		c.mu.Unlock()
		close(done)
	}()
	c.logger.Info().Msg("worker started")

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("worker context done")
			return
		}
		t, state := c.next()
		if state == StateStopped {
			c.logger.Info().Msg("worker stopped")
			return
		}
		if t == nil {
			c.idle(ctx)
			continue
		}
		c.process(ctx, t)
	}
}

// next pops a task only while Running, so a pause or kill switch observed
// here never lets another task out.
func (c *Coordinator) next() (*OrderIntent, EngineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return nil, c.state
	}
	t := c.queue.Pop()
	if t != nil {
		c.recorder.QueueDepth(c.queue.Len())
	}
	return t, c.state
}

func (c *Coordinator) idle(ctx context.Context) {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timer.C:
	}
}

func (c *Coordinator) process(ctx context.Context, t *OrderIntent) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.unregister(t.TaskID)
			err := fmt.Errorf("task panicked: %v", r)
			c.logger.Error().Str("task_id", t.TaskID).Interface("panic", r).Msg("task dropped after panic")
			c.finish(t, OutcomeFailed, exchange.OrderResult{}, err, start)
		}
	}()

	if c.cfg.OrderTimeout > 0 && start.Sub(t.CreatedAt) > c.cfg.OrderTimeout {
		c.logger.Warn().Str("task_id", t.TaskID).Str("symbol", t.Request.Symbol).
			Dur("age", start.Sub(t.CreatedAt)).Msg("order expired before dispatch")
		c.finish(t, OutcomeExpired, exchange.OrderResult{}, fmt.Errorf("order older than %s", c.cfg.OrderTimeout), start)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.register(t, cancel); err != nil {
		c.finish(t, OutcomeCancelled, exchange.OrderResult{}, err, start)
		return
	}

	if t.ManualApproval {
		approved, reason, err := c.approvals.Await(taskCtx, t)
		if err != nil || !approved {
			c.unregister(t.TaskID)
			outcome := OutcomeRejected
			if err != nil {
				outcome = OutcomeCancelled
			} else {
				err = errors.New(reason)
			}
			c.logger.Info().Str("task_id", t.TaskID).Str("reason", reason).Msg("order not approved")
			c.finish(t, outcome, exchange.OrderResult{}, err, start)
			return
		}
		if s := c.State(); s == StateKillSwitchActive || s == StateStopped {
			c.unregister(t.TaskID)
			c.finish(t, OutcomeCancelled, exchange.OrderResult{}, fmt.Errorf("approved while %s", s), start)
			return
		}
	}

	c.mu.Lock()
	c.dailyLocked().Dispatched++
	c.mu.Unlock()

	broker := t.Broker
	if broker == nil {
		broker = c.broker
	}
	res, err := c.exec.Dispatch(taskCtx, broker, t)
	c.unregister(t.TaskID)

	if err == nil {
		outcome := OutcomeAccepted
		if res.Status == exchange.StatusFilled {
			outcome = OutcomeFilled
		}
		c.finish(t, outcome, res, nil, start)
		return
	}
	if taskCtx.Err() != nil && ctx.Err() == nil {
		// cancelled by the kill switch mid-dispatch
		c.finish(t, OutcomeCancelled, exchange.OrderResult{}, err, start)
		return
	}

	if t.RetryCount < t.MaxRetries && ctx.Err() == nil {
		t.RetryCount++
		backoff := c.backoff(t.RetryCount)
		c.mu.Lock()
		c.dailyLocked().Retries++
		c.mu.Unlock()
		c.recorder.TaskRetried()
		c.logger.Warn().Err(err).Str("task_id", t.TaskID).Int("retry", t.RetryCount).
			Int("max_retries", t.MaxRetries).Dur("backoff", backoff).Msg("order failed, retrying")
		publish(c.bus, events.EventOrderRetry, taskEvent(t, "RETRY", err.Error()))

		// The task sits outside the active set while sleeping, so a kill switch
		// cannot cancel it; requeue refuses it once the switch is on.
		if serr := c.sleep(ctx, backoff); serr != nil {
			c.finish(t, OutcomeCancelled, exchange.OrderResult{}, serr, start)
			return
		}
		if rerr := c.requeue(t); rerr != nil {
			c.finish(t, OutcomeCancelled, exchange.OrderResult{}, rerr, start)
		}
		return
	}

	c.logger.Error().Err(err).Str("task_id", t.TaskID).Str("symbol", t.Request.Symbol).
		Int("attempts", t.RetryCount+1).Msg("order failed, giving up")
	c.exec.RecordFailure(ctx, t, err)
	c.finish(t, OutcomeFailed, exchange.OrderResult{}, err, start)
}

func (c *Coordinator) backoff(retry int) time.Duration {
	return time.Duration(math.Pow(2, float64(retry))) * c.cfg.BackoffUnit
}

func (c *Coordinator) register(t *OrderIntent, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateKillSwitchActive:
		return ErrKillSwitchActive
	case StateStopped:
		return ErrStopped
	}
	c.active[t.TaskID] = &activeTask{intent: t, cancel: cancel}
	return nil
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

func (c *Coordinator) requeue(t *OrderIntent) error {
	c.mu.Lock()
	switch c.state {
	case StateKillSwitchActive:
		c.mu.Unlock()
		return ErrKillSwitchActive
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	}
	c.queue.Push(t)
	depth := c.queue.Len()
	c.mu.Unlock()
	c.recorder.QueueDepth(depth)
	c.notify()
	return nil
}

// discard reports queued tasks that were dropped without dispatch.
func (c *Coordinator) discard(tasks []*OrderIntent, cause error) {
	now := c.now()
	for _, t := range tasks {
		c.finish(t, OutcomeCancelled, exchange.OrderResult{}, cause, now)
	}
}

func (c *Coordinator) finish(t *OrderIntent, outcome Outcome, res exchange.OrderResult, err error, start time.Time) {
	latency := c.now().Sub(start)
	c.mu.Lock()
	d := c.dailyLocked()
	switch outcome {
	case OutcomeFilled:
		d.Filled++
	case OutcomeFailed:
		d.Failed++
	case OutcomeExpired:
		d.Expired++
	case OutcomeCancelled:
		d.Cancelled++
	case OutcomeRejected:
		d.Rejected++
	}
	c.mu.Unlock()
	c.recorder.TaskFinished(outcome, latency)

	result := ExecutionResult{
		TaskID:    t.TaskID,
		Symbol:    t.Request.Symbol,
		Side:      t.Request.Side,
		Purpose:   t.Purpose,
		Outcome:   outcome,
		Order:     res,
		Attempts:  t.RetryCount + 1,
		Err:       err,
		Latency:   latency,
		Timestamp: c.now().UTC(),
	}
	if err != nil {
		result.ErrorMsg = err.Error()
	}
	if !outcome.Success() {
		publish(c.bus, events.EventOrderDropped, taskEvent(t, string(outcome), result.ErrorMsg))
	}

	select {
	case c.results <- result:
	default:
		c.logger.Warn().Str("task_id", t.TaskID).Msg("result channel full, dropping result")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
