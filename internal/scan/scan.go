// Package scan probes fleet addresses concurrently and persists the
// findings in batches. A fixed pool of workers pulls targets from a shared
// queue; each target gets its own deadline so one slow host never stalls
// the sweep, and one failed host never aborts it.
package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

// Sink receives scan findings. Batches must be idempotent on the sink side:
// re-delivering a batch after a crash may repeat rows.
type Sink interface {
	UpsertOpenPorts(ctx context.Context, ports []storage.OpenPort) (int, error)
}

// Probe inspects one target and returns its findings. CapturedAt is left
// zero; the engine stamps every finding with the run's capture time.
type Probe func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error)

type Options struct {
	// Workers is the pool size. Default: 100.
	Workers int
	// TargetTimeout bounds a single target's probe. Default: 30s.
	TargetTimeout time.Duration
	// BatchSize triggers a sink flush once this many findings accumulate.
	// Default: 50.
	BatchSize int
	// ProgressEvery logs progress after this many completed targets.
	// Default: 100.
	ProgressEvery int
	// ProgressInterval logs progress at least this often while targets are
	// still completing. Default: 30s.
	ProgressInterval time.Duration
	// RatePerSec caps probe starts per second across all workers.
	// 0 disables the limiter.
	RatePerSec int
	// Probe inspects a single target. Default: DialProbe over Ports.
	Probe Probe
	// Ports is the port list for the default probe.
	Ports []int

	Log logx.Logger
}

func (o *Options) normalize() {
	if o.Workers <= 0 {
		o.Workers = 100
	}
	if o.TargetTimeout <= 0 {
		o.TargetTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 100
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 30 * time.Second
	}
	if len(o.Ports) == 0 {
		o.Ports = DefaultPorts()
	}
	if o.Probe == nil {
		o.Probe = DialProbe(o.Ports)
	}
}

// failedPreviewCap bounds how many failed targets the summary names.
const failedPreviewCap = 10

// Summary is the outcome of one sweep.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	TimedOut  int // subset of Failed
	Findings  int
	Persisted int
	Elapsed   time.Duration
	// FailedTargets previews up to 10 failed addresses with their errors.
	FailedTargets []string
}

type Engine struct {
	opts    Options
	sink    Sink
	limiter *rate.Limiter
	log     logx.Logger
}

func NewEngine(sink Sink, opts Options) *Engine {
	opts.normalize()
	e := &Engine{opts: opts, sink: sink, log: opts.Log}
	if opts.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return e
}

type targetResult struct {
	target   storage.ScanTarget
	findings []storage.OpenPort
	err      error
	timedOut bool
}

// Run sweeps all targets and returns the summary. It returns an error only
// when the run itself is cut short (context canceled) or the sink rejects a
// flush; individual target failures are counted, not propagated.
func (e *Engine) Run(ctx context.Context, targets []storage.ScanTarget) (*Summary, error) {
	started := time.Now()
	capturedAt := started.UTC()
	sum := &Summary{Total: len(targets)}

	if len(targets) == 0 {
		e.log.Info("scan: nothing to do")
		return sum, nil
	}

	workers := e.opts.Workers
	if workers > len(targets) {
		workers = len(targets)
	}
	e.log.Info("scan: starting sweep",
		logx.Int("targets", len(targets)),
		logx.Int("workers", workers),
		logx.Duration("target_timeout", e.opts.TargetTimeout))

	queue := make(chan storage.ScanTarget)
	results := make(chan targetResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				results <- e.probeOne(ctx, t, capturedAt)
			}
		}()
	}
	go func() {
		defer close(queue)
		for _, t := range targets {
			select {
			case queue <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	batch := make([]storage.OpenPort, 0, e.opts.BatchSize)
	completed := 0
	lastProgress := started
	var runErr error

	for res := range results {
		completed++
		switch {
		case res.err != nil:
			sum.Failed++
			if res.timedOut {
				sum.TimedOut++
			}
			if len(sum.FailedTargets) < failedPreviewCap {
				sum.FailedTargets = append(sum.FailedTargets,
					fmt.Sprintf("%s: %v", res.target.IPAddress, res.err))
			}
		default:
			sum.Succeeded++
			sum.Findings += len(res.findings)
			batch = append(batch, res.findings...)
		}

		if len(batch) >= e.opts.BatchSize && runErr == nil {
			n, err := e.flush(ctx, batch)
			sum.Persisted += n
			if err != nil {
				runErr = err
			}
			batch = batch[:0]
		}

		if completed%e.opts.ProgressEvery == 0 || time.Since(lastProgress) >= e.opts.ProgressInterval {
			e.logProgress(completed, len(targets), started)
			lastProgress = time.Now()
		}
	}

	if len(batch) > 0 && runErr == nil {
		n, err := e.flush(ctx, batch)
		sum.Persisted += n
		if err != nil {
			runErr = err
		}
	}

	sum.Elapsed = time.Since(started)
	if runErr == nil && ctx.Err() != nil && completed < len(targets) {
		runErr = ctx.Err()
	}

	e.log.Info("scan: sweep finished",
		logx.Int("targets", sum.Total),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("timed_out", sum.TimedOut),
		logx.Int("findings", sum.Findings),
		logx.Int("persisted", sum.Persisted),
		logx.Duration("elapsed", sum.Elapsed))
	for _, f := range sum.FailedTargets {
		e.log.Warn("scan: target failed", logx.String("target", f))
	}
	if sum.Failed > len(sum.FailedTargets) {
		e.log.Warn("scan: more failures omitted",
			logx.Int("omitted", sum.Failed-len(sum.FailedTargets)))
	}
	return sum, runErr
}

func (e *Engine) probeOne(ctx context.Context, t storage.ScanTarget, capturedAt time.Time) targetResult {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return targetResult{target: t, err: err}
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, e.opts.TargetTimeout)
	defer cancel()

	findings, err := e.opts.Probe(probeCtx, t)
	if err != nil {
		timedOut := probeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		return targetResult{target: t, err: err, timedOut: timedOut}
	}
	for i := range findings {
		findings[i].IdentityKey = t.IdentityKey
		findings[i].IPAddress = t.IPAddress
		findings[i].CapturedAt = capturedAt
	}
	return targetResult{target: t, findings: findings}
}

func (e *Engine) flush(ctx context.Context, batch []storage.OpenPort) (int, error) {
	if e.sink == nil {
		return 0, nil
	}
	n, err := e.sink.UpsertOpenPorts(ctx, batch)
	if err != nil {
		return n, fmt.Errorf("persist scan batch: %w", err)
	}
	e.log.Debug("scan: batch persisted", logx.Int("rows", n))
	return n, nil
}

func (e *Engine) logProgress(completed, total int, started time.Time) {
	elapsed := time.Since(started)
	perSec := float64(completed) / elapsed.Seconds()
	var eta time.Duration
	if perSec > 0 {
		eta = time.Duration(float64(total-completed)/perSec) * time.Second
	}
	e.log.Info("scan: progress",
		logx.Int("completed", completed),
		logx.Int("total", total),
		logx.Float64("percent", float64(completed)*100/float64(total)),
		logx.Duration("elapsed", elapsed.Truncate(time.Second)),
		logx.Float64("per_sec", perSec),
		logx.Duration("eta", eta))
}
