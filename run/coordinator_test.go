package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/relay/config"
	"github.com/teranos/relay/errors"
	qt "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/run/dedup"
	"github.com/teranos/relay/run/stream"
)

// stubProvider renders every trigger to a fixed command
type stubProvider struct {
	command string
	err     error
}

func (p *stubProvider) RenderCommand(t Trigger) (string, error) {
	return p.command, p.err
}

func (p *stubProvider) ResolveBinary(backend string) (string, error) {
	return backend, nil
}

func testRunConfig() config.RunConfig {
	return config.RunConfig{
		MaxConcurrent:         4,
		TimeoutSeconds:        30,
		KillGraceSeconds:      2,
		SweepIntervalSeconds:  60,
		RetentionGraceSeconds: 300,
	}
}

func newTestCoordinator(t *testing.T, cfg config.RunConfig, command string) (*Coordinator, *stream.Hub, *Store) {
	t.Helper()

	database := qt.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	hub := stream.NewHub(1000, 64, log)
	runner := NewRunner(hub, cfg.KillGrace(), log)
	ledger := dedup.NewLedger(database, 24*time.Hour)
	store := NewStore(database)

	c := NewCoordinator(context.Background(), store, ledger, hub, runner,
		&stubProvider{command: command}, cfg, log)
	t.Cleanup(func() { c.Shutdown(10 * time.Second) })

	return c, hub, store
}

func waitForTerminal(t *testing.T, c *Coordinator, id string) *Execution {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		e, err := c.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Execution %s never reached a terminal state", id)
	return nil
}

func TestCoordinatorAdmitAndRun(t *testing.T) {
	c, _, store := newTestCoordinator(t, testRunConfig(), "echo from-engine")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if result.Rejected || result.Duplicate {
		t.Fatalf("Expected plain admission, got %+v", result)
	}

	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusSucceeded {
		t.Errorf("Expected succeeded, got %s (error: %s)", e.Status, e.Error)
	}
	if e.Stdout != "from-engine\n" {
		t.Errorf("Expected captured stdout, got %q", e.Stdout)
	}
	if e.ExitCode == nil || *e.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", e.ExitCode)
	}

	// The terminal snapshot is persisted, not just live
	persisted, err := store.GetExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("Persisted lookup failed: %v", err)
	}
	if persisted.Status != StatusSucceeded {
		t.Errorf("Persisted status %s, want succeeded", persisted.Status)
	}
}

func TestCoordinatorInvalidTriggerKind(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "true")

	_, err := c.Admit(Trigger{ID: "trig-1", Kind: "bogus"})
	if err == nil {
		t.Fatal("Expected error for invalid trigger kind")
	}
}

func TestCoordinatorFailedExecution(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "sh -c 'echo oops >&2; exit 2'")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", e.Status)
	}
	if e.ExitCode == nil || *e.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %v", e.ExitCode)
	}
	if e.Stderr != "oops\n" {
		t.Errorf("Expected stderr captured, got %q", e.Stderr)
	}
}

func TestCoordinatorSpawnFailure(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "no-such-binary-abcxyz")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", e.Status)
	}
	if e.Error == "" {
		t.Error("Expected the OS spawn error recorded verbatim")
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	cfg := testRunConfig()
	cfg.TimeoutSeconds = 1
	c, _, _ := newTestCoordinator(t, cfg, "sleep 30")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusTimedOut {
		t.Errorf("Expected timed_out, got %s", e.Status)
	}
}

func TestCoordinatorCapacityRejection(t *testing.T) {
	cfg := testRunConfig()
	cfg.MaxConcurrent = 1
	c, _, store := newTestCoordinator(t, cfg, "sleep 5")

	first, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("First admit failed: %v", err)
	}

	second, err := c.Admit(Trigger{ID: "trig-2", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Second admit errored: %v", err)
	}
	if !second.Rejected || second.Reason != RejectCapacity {
		t.Errorf("Expected capacity rejection, got %+v", second)
	}

	// Capacity rejections leave no execution record behind
	executions, err := store.ListExecutions(nil, 50)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(executions) != 1 {
		t.Errorf("Expected exactly 1 execution record, got %d", len(executions))
	}

	// Give the execute goroutine a moment to register its cancel hook
	time.Sleep(200 * time.Millisecond)
	if err := c.Abort(first.ExecutionID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	waitForTerminal(t, c, first.ExecutionID)
}

func TestCoordinatorCapacityUnderConcurrentBurst(t *testing.T) {
	cfg := testRunConfig()
	cfg.MaxConcurrent = 2
	c, _, _ := newTestCoordinator(t, cfg, "sleep 3")

	const burst = 10
	var wg sync.WaitGroup
	results := make(chan AdmitResult, burst)

	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Admit(Trigger{ID: "trig", Kind: TriggerManual})
			if err != nil {
				t.Errorf("Admit errored: %v", err)
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for r := range results {
		if !r.Rejected {
			admitted++
			c.Abort(r.ExecutionID)
		}
	}
	if admitted != 2 {
		t.Errorf("Expected exactly 2 admissions under cap 2, got %d", admitted)
	}
}

func TestCoordinatorSlotReleasedAfterCompletion(t *testing.T) {
	cfg := testRunConfig()
	cfg.MaxConcurrent = 1
	c, _, _ := newTestCoordinator(t, cfg, "true")

	first, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	waitForTerminal(t, c, first.ExecutionID)

	second, err := c.Admit(Trigger{ID: "trig-2", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit after completion failed: %v", err)
	}
	if second.Rejected {
		t.Errorf("Slot not released: %+v", second)
	}
	waitForTerminal(t, c, second.ExecutionID)
}

func TestCoordinatorDuplicateDelivery(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "echo hi")

	fp := dedup.Fingerprint("github", "delivery-1")

	first, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerGitHub, Fingerprint: fp})
	if err != nil {
		t.Fatalf("First admit failed: %v", err)
	}
	if first.Duplicate {
		t.Fatal("First delivery must not be a duplicate")
	}

	second, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerGitHub, Fingerprint: fp})
	if err != nil {
		t.Fatalf("Duplicate admit errored: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("Expected duplicate resolution")
	}
	if second.ExecutionID != first.ExecutionID {
		t.Errorf("Duplicate resolved to %s, want original %s", second.ExecutionID, first.ExecutionID)
	}

	waitForTerminal(t, c, first.ExecutionID)
}

func TestCoordinatorRateLimit(t *testing.T) {
	cfg := testRunConfig()
	cfg.TriggersPerMinute = 60
	cfg.TriggerBurst = 1
	c, _, _ := newTestCoordinator(t, cfg, "true")

	first, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("First admit failed: %v", err)
	}
	if first.Rejected {
		t.Fatalf("First admission inside burst must pass: %+v", first)
	}

	second, err := c.Admit(Trigger{ID: "trig-2", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Second admit errored: %v", err)
	}
	if !second.Rejected || second.Reason != RejectRateLimited {
		t.Errorf("Expected rate_limited rejection, got %+v", second)
	}

	waitForTerminal(t, c, first.ExecutionID)
}

func TestCoordinatorAbort(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "sleep 30")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Let the process start before aborting
	time.Sleep(200 * time.Millisecond)

	if err := c.Abort(result.ExecutionID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}

	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusFailed {
		t.Errorf("Expected failed after abort, got %s", e.Status)
	}
	if e.Error != "execution aborted" {
		t.Errorf("Expected abort message on the record, got %q", e.Error)
	}

	if err := c.Abort("unknown-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown abort, got %v", err)
	}
}

func TestCoordinatorSignalKilledProcess(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), `sh -c 'kill -9 $$'`)

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// Killed out-of-band: no exit code of its own, but the failure is
	// never recorded silently
	e := waitForTerminal(t, c, result.ExecutionID)
	if e.Status != StatusFailed {
		t.Errorf("Expected failed, got %s", e.Status)
	}
	if e.ExitCode == nil || *e.ExitCode != -1 {
		t.Errorf("Expected exit code -1 for signal death, got %v", e.ExitCode)
	}
	if e.Error != "process terminated by signal" {
		t.Errorf("Expected synthetic error message, got %q", e.Error)
	}
}

func TestCoordinatorAdmitInternalError(t *testing.T) {
	database := qt.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	hub := stream.NewHub(100, 16, log)
	c := NewCoordinator(context.Background(), NewStore(database),
		dedup.NewLedger(database, time.Hour), hub,
		NewRunner(hub, time.Second, log), &stubProvider{command: "true"}, testRunConfig(), log)
	defer c.Shutdown(time.Second)

	database.Close()

	// Ledger fault
	_, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerWebhook, Fingerprint: "fp-1"})
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Expected ErrInternal for ledger fault, got %v", err)
	}

	// Admission persistence fault (no fingerprint, ledger skipped)
	_, err = c.Admit(Trigger{ID: "trig-2", Kind: TriggerManual})
	if !errors.Is(err, ErrInternal) {
		t.Errorf("Expected ErrInternal for persistence fault, got %v", err)
	}

	// Both failures released their slots
	stats := func() int {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.inFlight
	}()
	if stats != 0 {
		t.Errorf("Expected released slots after admission faults, inFlight=%d", stats)
	}
}

func TestCoordinatorGetAfterSweep(t *testing.T) {
	c, hub, _ := newTestCoordinator(t, testRunConfig(), "echo retained")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	waitForTerminal(t, c, result.ExecutionID)

	evicted := c.sweep(time.Now().Add(time.Hour))
	if evicted != 1 {
		t.Fatalf("Expected 1 eviction, got %d", evicted)
	}
	if hub.StreamCount() != 0 {
		t.Errorf("Expected stream evicted with execution, got %d streams", hub.StreamCount())
	}

	// Full record still served from the store
	e, err := c.Get(result.ExecutionID)
	if err != nil {
		t.Fatalf("Get after sweep failed: %v", err)
	}
	if e.Stdout != "retained\n" {
		t.Errorf("Expected full logs after sweep, got %q", e.Stdout)
	}
}

func TestCoordinatorSweepSparesRecentAndRunning(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "sleep 3")

	running, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	// A cutoff in the past evicts nothing recent
	if n := c.sweep(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("Expected no evictions, got %d", n)
	}
	// Even a future cutoff spares non-terminal executions
	if n := c.sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("Running executions must never be swept, got %d evictions", n)
	}

	c.Abort(running.ExecutionID)
	waitForTerminal(t, c, running.ExecutionID)
}

func TestCoordinatorRecoverOrphans(t *testing.T) {
	database := qt.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	store := NewStore(database)

	orphan := testExecution("orphan-1")
	if err := store.CreateExecution(orphan); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	orphan.Start()
	if err := store.MarkRunning(orphan); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	hub := stream.NewHub(100, 16, log)
	runner := NewRunner(hub, time.Second, log)
	ledger := dedup.NewLedger(database, 24*time.Hour)
	c := NewCoordinator(context.Background(), store, ledger, hub, runner,
		&stubProvider{command: "true"}, testRunConfig(), log)
	defer c.Shutdown(time.Second)

	if err := c.RecoverOrphans(); err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}

	recovered, err := store.GetExecution("orphan-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if recovered.Status != StatusFailed {
		t.Errorf("Expected orphan failed, got %s", recovered.Status)
	}
}

func TestCoordinatorStats(t *testing.T) {
	c, _, _ := newTestCoordinator(t, testRunConfig(), "true")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	waitForTerminal(t, c, result.ExecutionID)

	stats, err := c.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.MaxConcurrent != 4 {
		t.Errorf("Expected max_concurrent 4, got %d", stats.MaxConcurrent)
	}
	if stats.ByStatus[StatusSucceeded] != 1 {
		t.Errorf("Expected 1 succeeded, got %+v", stats.ByStatus)
	}
}

func TestCoordinatorSetMaxConcurrent(t *testing.T) {
	cfg := testRunConfig()
	cfg.MaxConcurrent = 1
	c, _, _ := newTestCoordinator(t, cfg, "sleep 3")

	first, _ := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	second, _ := c.Admit(Trigger{ID: "trig-2", Kind: TriggerManual})
	if !second.Rejected {
		t.Fatal("Expected rejection at cap 1")
	}

	c.SetMaxConcurrent(2)
	c.SetMaxConcurrent(0) // Ignored: cap must stay positive

	third, err := c.Admit(Trigger{ID: "trig-3", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit after raise failed: %v", err)
	}
	if third.Rejected {
		t.Errorf("Expected admission after raising cap, got %+v", third)
	}

	c.Abort(first.ExecutionID)
	c.Abort(third.ExecutionID)
	waitForTerminal(t, c, first.ExecutionID)
	waitForTerminal(t, c, third.ExecutionID)
}

func TestCoordinatorShutdownDrains(t *testing.T) {
	c, _, store := newTestCoordinator(t, testRunConfig(), "sleep 30")

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	c.Shutdown(15 * time.Second)
	if elapsed := time.Since(start); elapsed > 12*time.Second {
		t.Errorf("Shutdown took %s, kill grace is 2s", elapsed)
	}

	// The interrupted execution reached a terminal state and was persisted
	e, err := store.GetExecution(result.ExecutionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !e.Status.Terminal() {
		t.Errorf("Expected terminal status after shutdown, got %s", e.Status)
	}
}
