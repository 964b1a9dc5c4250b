package run

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/run/stream"
)

// maxLineBytes bounds a single broadcast line. Processes emitting
// longer lines get them delivered in maxLineBytes chunks, each chunk
// as its own line.
const maxLineBytes = 1024 * 1024

// Runner spawns exactly one external process per execution and streams
// its output through the broadcast hub. Both reader loops draw sequence
// numbers from the hub's single per-execution counter, so stdout/stderr
// interleaving preserves one total order.
type Runner struct {
	hub       *stream.Hub
	killGrace time.Duration
	logger    *zap.SugaredLogger
}

// NewRunner creates a process runner. killGrace is how long a signaled
// process may linger before it is force-killed.
func NewRunner(hub *stream.Hub, killGrace time.Duration, logger *zap.SugaredLogger) *Runner {
	return &Runner{
		hub:       hub,
		killGrace: killGrace,
		logger:    logger,
	}
}

// RunRequest describes one process invocation
type RunRequest struct {
	ExecutionID string
	Command     string // Rendered command line, shell-quoted
	WorkDir     string
	Env         []string // KEY=VALUE overrides appended to the parent env
	Timeout     time.Duration
}

// RunResult reports the outcome of one process invocation
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	// SpawnErr is the verbatim OS-level error when the process could
	// not be started (binary missing, permission denied). Nil once the
	// process ran, regardless of its exit code.
	SpawnErr error
}

// Run spawns the process and blocks until it exits, the timeout fires,
// or ctx is cancelled. Cancellation sends SIGTERM and escalates to
// SIGKILL after the kill grace, so the process and both reader loops
// are gone within a bounded time.
func (r *Runner) Run(ctx context.Context, req RunRequest) RunResult {
	argv, err := shellquote.Split(req.Command)
	if err != nil || len(argv) == 0 {
		if err == nil {
			err = errEmptyCommand
		}
		return RunResult{ExitCode: -1, SpawnErr: err}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	// Graceful stop on cancellation: SIGTERM first, SIGKILL after the
	// grace period (WaitDelay).
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{ExitCode: -1, SpawnErr: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{ExitCode: -1, SpawnErr: err}
	}

	if err := cmd.Start(); err != nil {
		// Captured verbatim: "exec: \"nope\": executable file not found..."
		return RunResult{ExitCode: -1, SpawnErr: err}
	}

	r.logger.Debugw("Process started",
		"execution_id", req.ExecutionID,
		"pid", cmd.Process.Pid,
		"command", req.Command,
	)

	// Two concurrent reader loops, one per stream. Appends to the hub
	// never block on subscribers, so readers keep pace with the process.
	var stdoutText, stderrText strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		return r.readLines(req.ExecutionID, "stdout", stdout, &stdoutText)
	})
	g.Go(func() error {
		return r.readLines(req.ExecutionID, "stderr", stderr, &stderrText)
	})

	// Wait first: after the process exits it gives the readers the kill
	// grace (WaitDelay) to drain, then force-closes the parent pipe
	// ends. The readers therefore always unblock, even when an orphaned
	// child of the command keeps the write ends open.
	waitErr := cmd.Wait()
	readErr := g.Wait()

	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if readErr != nil {
		r.logger.Warnw("Process output reader error",
			"execution_id", req.ExecutionID,
			"error", readErr,
		)
	}
	if waitErr != nil && !timedOut {
		r.logger.Debugw("Process exited with error",
			"execution_id", req.ExecutionID,
			"exit_code", exitCode,
			"error", waitErr,
		)
	}

	return RunResult{
		ExitCode: exitCode,
		Stdout:   stdoutText.String(),
		Stderr:   stderrText.String(),
		TimedOut: timedOut,
	}
}

// readLines consumes one output stream line by line, accumulating the
// full text and appending each line to the broadcast hub. A line longer
// than maxLineBytes arrives as multiple chunks; a pipe force-closed
// after the kill grace ends the loop cleanly with whatever was read.
func (r *Runner) readLines(executionID, streamName string, pipe io.Reader, acc *strings.Builder) error {
	reader := bufio.NewReaderSize(pipe, maxLineBytes)

	for {
		chunk, _, err := reader.ReadLine()
		if len(chunk) > 0 || err == nil {
			text := string(chunk)
			acc.WriteString(text)
			acc.WriteByte('\n')

			if _, appendErr := r.hub.Append(executionID, streamName, text); appendErr != nil {
				// The stream is gone (already finalized or swept); keep
				// accumulating so the persisted record stays complete.
				r.logger.Debugw("Dropped line for closed stream",
					"execution_id", executionID,
					"stream", streamName,
					"error", appendErr,
				)
			}
		}
		if err != nil {
			if err == io.EOF || errors.Is(err, fs.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

var errEmptyCommand = errors.New("empty command")
