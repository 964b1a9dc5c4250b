package run

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run/dedup"
	"github.com/teranos/relay/run/stream"
)

// Rejection reasons reported synchronously at admission
const (
	RejectCapacity    = "capacity"
	RejectRateLimited = "rate_limited"
)

// ErrInternal marks admission failures caused by the engine itself
// (ledger or persistence faults) rather than by the caller's trigger.
var ErrInternal = errors.New("internal admission failure")

// AdmitResult is the typed outcome of trigger admission. Exactly one of
// the three shapes applies: admitted (ExecutionID set, flags false),
// duplicate (ExecutionID of the original delivery, Duplicate true), or
// rejected (Rejected true with Reason).
type AdmitResult struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Rejected    bool   `json:"rejected,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Coordinator owns the execution state machine. It is the only writer
// of the live execution map; the runner reports back exclusively
// through Transition.
type Coordinator struct {
	store    *Store
	ledger   *dedup.Ledger
	hub      *stream.Hub
	runner   *Runner
	provider CommandProvider
	logger   *zap.SugaredLogger

	timeout time.Duration

	mu            sync.Mutex
	live          map[string]*Execution
	cancels       map[string]context.CancelFunc
	inFlight      int
	maxConcurrent int
	limiter       *rate.Limiter // nil when rate limiting is disabled

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates an execution coordinator. The parent context
// governs all spawned processes: cancelling it signals every running
// execution during shutdown.
func NewCoordinator(ctx context.Context, store *Store, ledger *dedup.Ledger, hub *stream.Hub, runner *Runner, provider CommandProvider, cfg config.RunConfig, logger *zap.SugaredLogger) *Coordinator {
	coordCtx, cancel := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if cfg.TriggersPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.TriggersPerMinute)/60.0), cfg.TriggerBurst)
	}

	return &Coordinator{
		store:         store,
		ledger:        ledger,
		hub:           hub,
		runner:        runner,
		provider:      provider,
		logger:        logger,
		timeout:       cfg.Timeout(),
		live:          make(map[string]*Execution),
		cancels:       make(map[string]context.CancelFunc),
		maxConcurrent: cfg.MaxConcurrent,
		limiter:       limiter,
		ctx:           coordCtx,
		cancel:        cancel,
	}
}

// RecoverOrphans fails executions stranded in queued/running by a
// previous crash. Called once at startup, before admission opens.
func (c *Coordinator) RecoverOrphans() error {
	n, err := c.store.MarkOrphansFailed("orphaned by server restart")
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned executions")
	}
	if n > 0 {
		c.logger.Warnw("Recovered orphaned executions from previous shutdown", "count", n)
	}
	return nil
}

// Admit turns a trigger into a running execution, or reports why not.
// The idempotency check runs first, then rate limiting, then the
// concurrency cap; the execution row is persisted synchronously before
// Admit returns, so an accepted trigger survives a crash.
func (c *Coordinator) Admit(t Trigger) (AdmitResult, error) {
	if !IsValidTriggerKind(string(t.Kind)) {
		return AdmitResult{}, errors.Newf("invalid trigger kind: %q", t.Kind)
	}

	// Deliveries with an identity dedupe against the persistent ledger;
	// duplicates resolve to the original execution without erroring.
	if t.Fingerprint != "" {
		decision, err := c.ledger.CheckAndRecord(t.Fingerprint)
		if err != nil {
			return AdmitResult{}, errors.Mark(errors.Wrap(err, "idempotency check failed"), ErrInternal)
		}
		if !decision.Fresh {
			c.logger.Infow("Duplicate delivery resolved to existing execution",
				"trigger_id", t.ID,
				"fingerprint", t.Fingerprint,
				"execution_id", decision.ExecutionID,
			)
			return AdmitResult{ExecutionID: decision.ExecutionID, Duplicate: true}, nil
		}
	}

	c.mu.Lock()
	if c.limiter != nil && !c.limiter.Allow() {
		c.mu.Unlock()
		return AdmitResult{Rejected: true, Reason: RejectRateLimited}, nil
	}
	if c.inFlight >= c.maxConcurrent {
		c.mu.Unlock()
		return AdmitResult{Rejected: true, Reason: RejectCapacity}, nil
	}
	// Reserve the slot before releasing the lock so concurrent bursts
	// can never exceed the cap.
	c.inFlight++
	c.mu.Unlock()

	command, err := c.provider.RenderCommand(t)
	if err != nil {
		c.releaseSlot()
		return AdmitResult{}, errors.Wrap(err, "failed to render command")
	}

	exec := NewExecution(t, command)

	if err := c.store.CreateExecution(exec); err != nil {
		c.releaseSlot()
		return AdmitResult{}, errors.Mark(
			errors.Wrapf(err, "failed to persist admitted execution %s", exec.ID), ErrInternal)
	}

	if t.Fingerprint != "" {
		if err := c.ledger.RecordExecution(t.Fingerprint, exec.ID); err != nil {
			// The execution is already admitted; a duplicate arriving
			// before this write resolves to an empty ID, which is
			// tolerable. Log and continue.
			c.logger.Warnw("Failed to link fingerprint to execution",
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}

	c.hub.Create(exec.ID)

	c.mu.Lock()
	c.live[exec.ID] = exec
	c.mu.Unlock()

	c.logger.Infow("Execution admitted",
		"execution_id", exec.ID,
		"trigger_id", t.ID,
		"trigger_kind", t.Kind,
		"backend", t.Backend,
	)

	c.wg.Add(1)
	go c.execute(exec.ID, t)

	return AdmitResult{ExecutionID: exec.ID}, nil
}

// execute drives one execution from running to a terminal state
func (c *Coordinator) execute(executionID string, t Trigger) {
	defer c.wg.Done()
	defer c.releaseSlot()

	runCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.mu.Lock()
	exec, ok := c.live[executionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	exec.Start()
	command := exec.Command
	c.cancels[executionID] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.cancels, executionID)
		c.mu.Unlock()
	}()

	if err := c.store.MarkRunning(exec); err != nil {
		c.logger.Errorw("Failed to persist running transition",
			"execution_id", executionID,
			"error", err,
		)
	}

	result := c.runner.Run(runCtx, RunRequest{
		ExecutionID: executionID,
		Command:     command,
		WorkDir:     t.WorkDir,
		Env:         t.Env,
		Timeout:     c.timeout,
	})

	var status Status
	var errMsg string
	var exitCode *int

	switch {
	case result.SpawnErr != nil:
		status = StatusFailed
		errMsg = result.SpawnErr.Error()
	case result.TimedOut:
		status = StatusTimedOut
		errMsg = "execution exceeded wall-clock timeout"
		code := result.ExitCode
		exitCode = &code
	case result.ExitCode == 0:
		status = StatusSucceeded
		code := 0
		exitCode = &code
	default:
		status = StatusFailed
		code := result.ExitCode
		exitCode = &code
		// A negative exit code means the process died without exiting on
		// its own (signaled out-of-band, aborted, or shutdown); the record
		// always carries a message explaining the failure.
		if result.ExitCode < 0 {
			if runCtx.Err() != nil {
				errMsg = "execution aborted"
			} else {
				errMsg = "process terminated by signal"
			}
		}
	}

	if err := c.Transition(executionID, status, exitCode, errMsg, result.Stdout, result.Stderr); err != nil {
		c.logger.Errorw("Terminal transition failed",
			"execution_id", executionID,
			"status", status,
			"error", err,
		)
	}
}

// Transition applies a terminal state. Only legal transitions (out of
// running) are accepted. The terminal snapshot is persisted atomically;
// a persistence failure here is a data-loss event and is logged as
// such, never swallowed.
func (c *Coordinator) Transition(executionID string, status Status, exitCode *int, errMsg, stdout, stderr string) error {
	if !status.Terminal() {
		return errors.Newf("illegal transition target %q: not a terminal state", status)
	}

	c.mu.Lock()
	exec, ok := c.live[executionID]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "transition %s", executionID)
	}
	if !CanTransition(exec.Status, status) {
		from := exec.Status
		c.mu.Unlock()
		return errors.Newf("illegal transition %s -> %s for execution %s", from, status, executionID)
	}

	exec.Finish(status, exitCode, errMsg, stdout, stderr, c.hub.CurrentSeq(executionID))
	snapshot := exec.clone()
	c.mu.Unlock()

	persistErr := c.store.FinalizeExecution(snapshot)
	if persistErr != nil {
		// No safe local recovery: the execution completed but its
		// record could not be written. Surface loudly for alerting.
		c.logger.Errorw("DATA LOSS: failed to persist terminal execution snapshot",
			"execution_id", executionID,
			"status", status,
			"error", persistErr,
		)
	}

	// The stream always ends with an explicit terminal event, even if
	// persistence failed: subscribers are never left hanging.
	c.hub.Complete(executionID, string(status))

	c.logger.Infow("Execution finished",
		"execution_id", executionID,
		"status", status,
		"exit_code", exitCode,
	)

	return persistErr
}

// Abort requests cancellation of a running execution. The process is
// signaled and the execution lands in failed with an abort message.
func (c *Coordinator) Abort(executionID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[executionID]
	c.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNotFound, "abort %s", executionID)
	}
	cancel()
	return nil
}

// Get reads live state if present, falling back to the persisted
// record. Returns ErrNotFound when neither exists.
func (c *Coordinator) Get(executionID string) (*Execution, error) {
	c.mu.Lock()
	if exec, ok := c.live[executionID]; ok {
		cp := exec.clone()
		cp.Seq = c.hub.CurrentSeq(executionID)
		c.mu.Unlock()
		return cp, nil
	}
	c.mu.Unlock()

	return c.store.GetExecution(executionID)
}

// Stats reports live and persisted execution counts
type Stats struct {
	InFlight      int            `json:"in_flight"`
	MaxConcurrent int            `json:"max_concurrent"`
	LiveStreams   int            `json:"live_streams"`
	ByStatus      map[Status]int `json:"by_status"`
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() (*Stats, error) {
	counts, err := c.store.CountByStatus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}

	c.mu.Lock()
	inFlight := c.inFlight
	maxConcurrent := c.maxConcurrent
	c.mu.Unlock()

	return &Stats{
		InFlight:      inFlight,
		MaxConcurrent: maxConcurrent,
		LiveStreams:   c.hub.StreamCount(),
		ByStatus:      counts,
	}, nil
}

// SetMaxConcurrent adjusts the concurrency cap at runtime (config
// reload). In-flight executions above a lowered cap finish normally;
// only new admissions see the new value.
func (c *Coordinator) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	c.maxConcurrent = n
	c.mu.Unlock()
	c.logger.Infow("Concurrency cap updated", "max_concurrent", n)
}

// SetRateLimit adjusts the admission rate limiter at runtime.
// perMinute 0 disables rate limiting.
func (c *Coordinator) SetRateLimit(perMinute, burst int) {
	c.mu.Lock()
	if perMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	} else {
		c.limiter = nil
	}
	c.mu.Unlock()
	c.logger.Infow("Admission rate limit updated", "per_minute", perMinute, "burst", burst)
}

// sweep evicts terminal executions finished before the cutoff from
// live memory. The persisted records stay queryable through Get.
// Returns the number of executions evicted.
func (c *Coordinator) sweep(cutoff time.Time) int {
	c.mu.Lock()
	var evict []*Execution
	for _, exec := range c.live {
		if exec.Status.Terminal() && exec.FinishedAt != nil && exec.FinishedAt.Before(cutoff) {
			evict = append(evict, exec)
		}
	}
	for _, exec := range evict {
		delete(c.live, exec.ID)
	}
	c.mu.Unlock()

	for _, exec := range evict {
		c.hub.Remove(exec.ID, string(exec.Status))
	}

	return len(evict)
}

// Shutdown signals every running process and waits for all executions
// to reach a terminal state, up to the given timeout. No subprocess is
// leaked: cancellation propagates SIGTERM and escalates to SIGKILL
// through the runner's kill grace.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Infow("All executions drained")
	case <-time.After(timeout):
		c.logger.Warnw("Shutdown timeout: executions still draining", "timeout", timeout)
	}
}

func (c *Coordinator) releaseSlot() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}
