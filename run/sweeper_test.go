package run

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	qt "github.com/teranos/relay/internal/testing"
	"github.com/teranos/relay/run/dedup"
	"github.com/teranos/relay/run/stream"
)

func TestSweeperEvictsTerminalExecutions(t *testing.T) {
	database := qt.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	hub := stream.NewHub(100, 16, log)
	runner := NewRunner(hub, time.Second, log)
	ledger := dedup.NewLedger(database, time.Hour)
	store := NewStore(database)

	c := NewCoordinator(context.Background(), store, ledger, hub, runner,
		&stubProvider{command: "echo swept"}, testRunConfig(), log)
	defer c.Shutdown(5 * time.Second)

	result, err := c.Admit(Trigger{ID: "trig-1", Kind: TriggerManual})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	waitForTerminal(t, c, result.ExecutionID)

	// Seed a stale ledger entry the sweep should prune
	_, err = database.Exec(
		`INSERT INTO deliveries (fingerprint, execution_id, first_seen_at) VALUES (?, ?, ?)`,
		"stale-fp", result.ExecutionID, time.Now().Add(-2*time.Hour),
	)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	// Zero grace: terminal executions are eligible immediately
	sweeper := NewSweeper(c, ledger, 50*time.Millisecond, 0, log)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for hub.StreamCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Sweeper never evicted the terminal execution")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Persisted record survives eviction
	e, err := c.Get(result.ExecutionID)
	if err != nil {
		t.Fatalf("Get after sweep failed: %v", err)
	}
	if e.Stdout != "swept\n" {
		t.Errorf("Expected persisted logs intact, got %q", e.Stdout)
	}

	// The stale ledger entry is gone
	var count int
	if err := database.QueryRow(`SELECT COUNT(*) FROM deliveries WHERE fingerprint = 'stale-fp'`).Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Error("Expected stale ledger entry pruned")
	}
}

func TestSweeperStopIsIdempotentBeforeStart(t *testing.T) {
	log := zap.NewNop().Sugar()
	hub := stream.NewHub(10, 4, log)
	ledger := dedup.NewLedger(qt.CreateTestDB(t), time.Hour)
	c := NewCoordinator(context.Background(), NewStore(qt.CreateTestDB(t)), ledger, hub,
		NewRunner(hub, time.Second, log), &stubProvider{command: "true"}, testRunConfig(), log)
	defer c.Shutdown(time.Second)

	sweeper := NewSweeper(c, ledger, time.Minute, time.Minute, log)
	sweeper.Stop() // Must not panic or block when never started
}
