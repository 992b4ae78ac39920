// Package job defines the monitored jobs and runs them: take the job's
// execution slot, fetch the external snapshot under a deadline, promote it
// atomically, then process it into the sink. Every exit path releases the
// slot.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"valmon/internal/config"
	"valmon/internal/execx"
	"valmon/internal/joblog"
	"valmon/internal/lockfile"
	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Report is the outcome of one job run.
type Report struct {
	Job     string
	Status  Status
	Started time.Time
	Stopped time.Time
	Detail  string
	Err     error
}

func (r Report) Elapsed() time.Duration { return r.Stopped.Sub(r.Started) }

// Failed reports whether this run counts against the process exit code.
// A skipped run (slot held elsewhere, or job disabled) does not.
func (r Report) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimedOut
}

// FetchSpec describes the external command whose stdout becomes the job's
// snapshot. The command writes to a staging file first; only a validated
// document is renamed into place, so a crashed or truncated fetch never
// clobbers the previous snapshot.
type FetchSpec struct {
	Argv []string
	// Snapshot is the promoted document path. Staging is Snapshot + ".tmp".
	Snapshot string
	// MinBytes rejects suspiciously small documents. Default 2 ("[]").
	MinBytes int64
}

// RunContext is what a job's process phase gets to work with.
type RunContext struct {
	Log        logx.Logger
	Store      storage.Store
	Data       []byte // promoted snapshot content; nil when the job has no fetch
	CapturedAt time.Time
}

// Job pairs an optional fetch with a process phase. Timeout is the budget
// for the whole run: the fetch command is bounded by it and the process
// phase runs under whatever remains.
type Job struct {
	Name     string
	Fetch    *FetchSpec
	Timeout  time.Duration
	Disabled bool
	Process  func(ctx context.Context, rc *RunContext) (string, error)
}

// Runner executes jobs one at a time per name, guarded by the lock manager.
type Runner struct {
	RuntimeDir string
	Store      storage.Store
	Logs       *joblog.Manager
	LockOpts   lockfile.Options
	Log        logx.Logger
}

// Run executes j and always returns a report; errors are carried inside it.
func (r *Runner) Run(ctx context.Context, j *Job) Report {
	rep := Report{Job: j.Name, Status: StatusRunning, Started: time.Now().UTC()}
	finish := func(st Status, detail string, err error) Report {
		rep.Status = st
		rep.Detail = detail
		rep.Err = err
		rep.Stopped = time.Now().UTC()
		return rep
	}

	if j.Disabled {
		return finish(StatusSkipped, "disabled in config", nil)
	}

	session, err := r.Logs.Open(j.Name)
	if err != nil {
		return finish(StatusFailed, "open log session", err)
	}
	defer session.Close()
	log := session.Logger()

	lockOpts := r.LockOpts
	lockOpts.Log = log
	handle, err := lockfile.Acquire(r.RuntimeDir, j.Name, lockOpts)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyRunning) {
			log.Warn("run skipped: slot held by live holder", logx.Err(err))
			return finish(StatusSkipped, err.Error(), nil)
		}
		return finish(StatusFailed, "acquire lock", err)
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Warn("release lock", logx.Err(err))
		}
	}()

	log.Info("run started", logx.Duration("timeout", j.Timeout))
	rc := &RunContext{Log: log, Store: r.Store, CapturedAt: rep.Started}

	if j.Fetch != nil {
		data, res := r.fetch(ctx, j, log)
		if res.TimedOut {
			log.Error("fetch timed out",
				logx.Int("code", res.Code),
				logx.Duration("elapsed", res.Elapsed()))
			return finish(StatusTimedOut,
				fmt.Sprintf("fetch killed after %s (exit %d)", j.Timeout, res.Code), res.Err)
		}
		if !res.Success() {
			log.Error("fetch failed", logx.Int("code", res.Code), logx.Err(res.Err))
			return finish(StatusFailed, fmt.Sprintf("fetch exit %d", res.Code), res.Err)
		}
		if data == nil {
			// Success with nil data means snapshot validation failed; the
			// error was already attached by fetch.
			return finish(StatusFailed, "snapshot rejected", res.Err)
		}
		rc.Data = data
	}

	// The process phase runs under the job's remaining budget: fetch time
	// already spent counts against it, and a fetch-less job gets the whole
	// window. A hung sink write must surface as timed_out, never a stall.
	procCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		procCtx, cancel = context.WithDeadline(ctx, rep.Started.Add(j.Timeout))
		defer cancel()
	}

	detail, err := j.Process(procCtx, rc)
	if err != nil {
		if procCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			log.Error("run timed out", logx.Err(err))
			return finish(StatusTimedOut, fmt.Sprintf("killed after %s", j.Timeout), err)
		}
		log.Error("run failed", logx.Err(err))
		return finish(StatusFailed, detail, err)
	}

	log.Info("run succeeded", logx.String("detail", detail))
	return finish(StatusSucceeded, detail, nil)
}

// fetch runs the job's external command into a staging file, validates the
// document, and promotes it over the previous snapshot with a rename.
// Returns the document bytes on success. A nil document with a successful
// result means validation rejected the output.
func (r *Runner) fetch(ctx context.Context, j *Job, log logx.Logger) ([]byte, execx.Result) {
	spec := j.Fetch
	if err := os.MkdirAll(filepath.Dir(spec.Snapshot), 0o755); err != nil {
		return nil, execx.Result{Code: -1, Err: err}
	}
	staging := spec.Snapshot + ".tmp"
	f, err := os.Create(staging)
	if err != nil {
		return nil, execx.Result{Code: -1, Err: err}
	}
	defer os.Remove(staging)

	res := execx.Run(ctx, execx.Command{
		Path:    spec.Argv[0],
		Args:    spec.Argv[1:],
		Timeout: j.Timeout,
		Stdout:  f,
	}, log)
	closeErr := f.Close()
	if !res.Success() {
		return nil, res
	}
	if closeErr != nil {
		res.Err = closeErr
		return nil, res
	}

	if err := validateSnapshot(staging, spec.MinBytes); err != nil {
		res.Err = err
		log.Error("snapshot validation failed", logx.String("staging", staging), logx.Err(err))
		return nil, res
	}
	if err := os.Rename(staging, spec.Snapshot); err != nil {
		res.Err = err
		return nil, res
	}
	data, err := os.ReadFile(spec.Snapshot)
	if err != nil {
		res.Err = err
		return nil, res
	}
	log.Info("snapshot promoted",
		logx.String("path", spec.Snapshot),
		logx.Int("bytes", len(data)))
	return data, res
}

func validateSnapshot(path string, minBytes int64) error {
	if minBytes <= 0 {
		minBytes = 2
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.Size() < minBytes {
		return fmt.Errorf("document too small: %d bytes (min %d)", st.Size(), minBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !json.Valid(data) {
		return errors.New("document is not valid JSON")
	}
	return nil
}

// timeoutFor resolves a job's deadline from config with its built-in default.
func timeoutFor(cfg *config.Config, name string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault("jobs."+name+".timeout", cfg.Job(name).Timeout, def)
}
