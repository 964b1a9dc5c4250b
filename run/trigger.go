package run

import (
	"encoding/json"
)

// TriggerKind identifies what initiated an execution
type TriggerKind string

const (
	TriggerWebhook   TriggerKind = "webhook"
	TriggerGitHub    TriggerKind = "github"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// IsValidTriggerKind returns true if the string is a known trigger kind
func IsValidTriggerKind(s string) bool {
	switch TriggerKind(s) {
	case TriggerWebhook, TriggerGitHub, TriggerScheduled, TriggerManual:
		return true
	default:
		return false
	}
}

// Trigger is an inbound, already-authenticated request for a new
// execution. Signature verification and payload validation happen
// upstream; the engine only decides admission and runs the command.
type Trigger struct {
	ID      string          `json:"id"`
	Kind    TriggerKind     `json:"kind"`
	Backend string          `json:"backend,omitempty"` // CLI backend name resolved by the provider
	Payload json.RawMessage `json:"payload,omitempty"` // Provider-specific command material
	WorkDir string          `json:"work_dir,omitempty"`
	Env     []string        `json:"env,omitempty"` // KEY=VALUE overrides for the spawned process

	// Fingerprint is the deterministic dedup hash of the delivery's
	// identifying content, computed upstream (see dedup.Fingerprint).
	// Empty for triggers without a delivery identity (manual,
	// scheduled), which skip the idempotency ledger.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// CommandProvider renders a trigger into an executable command line and
// resolves backend names to binaries. Both are external collaborators:
// prompt templating and CLI auth live outside the engine.
type CommandProvider interface {
	RenderCommand(t Trigger) (string, error)
	ResolveBinary(backend string) (string, error)
}
