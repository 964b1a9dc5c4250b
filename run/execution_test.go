package run

import (
	"testing"
)

func TestIsValidStatus(t *testing.T) {
	valid := []string{"queued", "running", "succeeded", "failed", "timed_out", "rejected"}
	for _, s := range valid {
		if !IsValidStatus(s) {
			t.Errorf("Expected %q to be valid", s)
		}
	}

	invalid := []string{"", "done", "QUEUED", "cancelled"}
	for _, s := range invalid {
		if IsValidStatus(s) {
			t.Errorf("Expected %q to be invalid", s)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusTimedOut, true},
		{StatusRejected, true},
	}

	for _, tt := range tests {
		if tt.status.Terminal() != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, !tt.terminal, tt.terminal)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusRejected, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusQueued, false},
		{StatusRunning, StatusRejected, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusTimedOut, StatusSucceeded, false},
	}

	for _, tt := range tests {
		if CanTransition(tt.from, tt.to) != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, !tt.allowed, tt.allowed)
		}
	}
}

func TestNewExecution(t *testing.T) {
	trigger := Trigger{ID: "trig-1", Kind: TriggerWebhook, Backend: "claude"}
	e := NewExecution(trigger, "claude -p hello")

	if e.ID == "" {
		t.Error("Expected generated ID")
	}
	if e.Status != StatusQueued {
		t.Errorf("Expected queued, got %s", e.Status)
	}
	if e.TriggerID != "trig-1" || e.TriggerKind != TriggerWebhook {
		t.Errorf("Trigger fields not carried: %+v", e)
	}
	if e.Command != "claude -p hello" {
		t.Errorf("Expected rendered command carried, got %q", e.Command)
	}
	if e.StartedAt != nil || e.FinishedAt != nil {
		t.Error("Queued execution must have no start/finish times")
	}

	other := NewExecution(trigger, "claude -p hello")
	if other.ID == e.ID {
		t.Error("Expected unique IDs per execution")
	}
}

func TestExecutionFinishSetsFinishedAt(t *testing.T) {
	e := NewExecution(Trigger{ID: "t", Kind: TriggerManual}, "true")
	e.Start()

	if e.StartedAt == nil {
		t.Fatal("Start must set StartedAt")
	}

	code := 0
	e.Finish(StatusSucceeded, &code, "", "out\n", "", 7)

	if e.FinishedAt == nil {
		t.Fatal("Finish must set FinishedAt")
	}
	if e.Seq != 7 {
		t.Errorf("Expected seq 7, got %d", e.Seq)
	}
	if e.Stdout != "out\n" {
		t.Errorf("Expected stdout persisted, got %q", e.Stdout)
	}
}

func TestExecutionClone(t *testing.T) {
	e := NewExecution(Trigger{ID: "t", Kind: TriggerManual}, "true")
	e.Start()
	code := 1
	e.Finish(StatusFailed, &code, "boom", "", "", 0)

	cp := e.clone()
	*cp.ExitCode = 99
	if *e.ExitCode != 1 {
		t.Error("Clone must not share ExitCode pointer")
	}
}
