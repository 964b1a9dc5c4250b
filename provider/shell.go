// Package provider turns trigger payloads into executable command
// lines. The engine itself never interprets payloads; everything
// provider-specific lives here.
package provider

import (
	"encoding/json"
	"os/exec"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run"
)

// shellPayload is the payload shape accepted by the shell provider
type shellPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ShellProvider renders triggers whose payload carries an explicit
// command line. Backends map to binaries on PATH, optionally overridden
// by configuration.
type ShellProvider struct {
	// binaries maps backend names to explicit binary paths. Backends
	// not listed resolve through PATH lookup.
	binaries map[string]string
}

// NewShellProvider creates a shell command provider. binaries may be
// nil, in which case every backend resolves through PATH.
func NewShellProvider(binaries map[string]string) *ShellProvider {
	return &ShellProvider{binaries: binaries}
}

// RenderCommand extracts the command line from the trigger payload.
// When a backend is set, the resolved binary is prepended and the
// payload command becomes its arguments.
func (p *ShellProvider) RenderCommand(t run.Trigger) (string, error) {
	if len(t.Payload) == 0 {
		return "", errors.New("trigger payload is empty")
	}

	var payload shellPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return "", errors.Wrap(err, "failed to parse trigger payload")
	}
	if payload.Command == "" {
		return "", errors.New("trigger payload has no command")
	}

	parts := []string{payload.Command}
	parts = append(parts, payload.Args...)

	if t.Backend != "" {
		binary, err := p.ResolveBinary(t.Backend)
		if err != nil {
			return "", err
		}
		parts = append([]string{binary}, parts...)
	}

	return shellquote.Join(parts...), nil
}

// ResolveBinary maps a backend name to an executable path. Configured
// overrides win; otherwise the name is looked up on PATH.
func (p *ShellProvider) ResolveBinary(backend string) (string, error) {
	if path, ok := p.binaries[backend]; ok {
		return path, nil
	}

	path, err := exec.LookPath(backend)
	if err != nil {
		return "", errors.Wrapf(err, "backend %q not found", backend)
	}
	return path, nil
}
