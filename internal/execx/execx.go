// Package execx runs one external command under a deadline, distinguishing
// a timeout kill from an ordinary non-zero exit. No retry logic lives here;
// retrying is the operator's (or the next scheduled trigger's) decision.
package execx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	logx "valmon/pkg/logx"
)

// TimeoutExitCode is the conventional exit code for a deadline kill,
// matching coreutils timeout(1).
const TimeoutExitCode = 124

type Command struct {
	Path string
	Args []string
	Env  []string

	// Timeout bounds the whole invocation. 0 means no deadline (logged as a
	// warning; unattended runs should always set one).
	Timeout time.Duration

	// Stdout receives the child's stdout when set; otherwise stdout is
	// captured into Result.Stdout.
	Stdout io.Writer

	// GraceDelay is how long the child gets between SIGTERM and SIGKILL
	// once the deadline elapses. Default 5s.
	GraceDelay time.Duration
}

type Result struct {
	Code     int
	TimedOut bool
	Started  time.Time
	Stopped  time.Time
	Stdout   []byte
	Err      error
}

func (r Result) Success() bool { return r.Err == nil && !r.TimedOut && r.Code == 0 }

func (r Result) Elapsed() time.Duration { return r.Stopped.Sub(r.Started) }

// Run executes cmd and blocks until it exits or the deadline fires.
// Stderr lines are forwarded to log at debug level so a failing CLI leaves a
// trace in the job's session log.
func Run(ctx context.Context, cmd Command, log logx.Logger) Result {
	if log.IsZero() {
		log = logx.Nop()
	}

	res := Result{Started: time.Now().UTC()}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	} else {
		log.Warn("command has no timeout", logx.String("path", cmd.Path))
	}

	grace := cmd.GraceDelay
	if grace <= 0 {
		grace = 5 * time.Second
	}

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	// Ask nicely first, then escalate after the grace period.
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = grace

	var buf bytes.Buffer
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	} else {
		c.Stdout = &buf
	}

	stderr, err := c.StderrPipe()
	if err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		res.Code = -1
		return res
	}

	if err := c.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		res.Code = -1
		return res
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug("stderr", logx.String("path", cmd.Path), logx.String("line", sc.Text()))
		}
	}()

	waitErr := c.Wait()
	<-drained
	res.Stopped = time.Now().UTC()
	if cmd.Stdout == nil {
		res.Stdout = buf.Bytes()
	}

	// A deadline kill is a distinct outcome, not just "non-zero exit".
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		res.TimedOut = true
		res.Code = TimeoutExitCode
		res.Err = context.DeadlineExceeded
		return res
	}

	if waitErr == nil {
		res.Code = 0
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.Code = exitErr.ExitCode()
	} else {
		res.Code = -1
	}
	res.Err = waitErr
	if ctx.Err() != nil {
		// Parent cancellation (shutdown), not a per-operation timeout.
		res.Err = ctx.Err()
	}
	return res
}
