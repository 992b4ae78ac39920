package job

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"valmon/internal/chain"
	"valmon/internal/config"
	"valmon/internal/scan"
	"valmon/internal/storage"
)

// Built-in job names, in canonical run order. The collection jobs must land
// before portscan so the sweep sees a fresh target list.
const (
	JobGossip        = "gossip"
	JobValidators    = "validators"
	JobValidatorInfo = "validatorinfo"
	JobPortScan      = "portscan"
)

const (
	defaultCollectTimeout = 600 * time.Second
	defaultScanTimeout    = 1800 * time.Second

	// minCollectBytes rejects degenerate CLI output: a fleet snapshot that
	// fits in 64 bytes is an empty array or an error blob, not data, and
	// must not replace the previous snapshot.
	minCollectBytes = 64

	lamportsPerSol = 1_000_000_000
)

// Registry holds the built jobs in canonical order.
type Registry struct {
	jobs   []*Job
	byName map[string]*Job
}

// NewRegistry builds every job from config. Disabled jobs stay listed (a
// `run all` reports them as skipped); invalid duration strings fail the
// build.
func NewRegistry(cfg *config.Config, store storage.Store) (*Registry, error) {
	r := &Registry{byName: map[string]*Job{}}

	collect := []struct {
		name string
		argv []string
		proc func(ctx context.Context, rc *RunContext) (string, error)
	}{
		{JobGossip, []string{cfg.SolanaCLI, "gossip", "--output", "json"}, processGossip},
		{JobValidators, []string{cfg.SolanaCLI, "validators", "--output", "json"}, processValidators},
		{JobValidatorInfo, []string{cfg.SolanaCLI, "validator-info", "get", "--output", "json"}, processValidatorInfo},
	}
	for _, c := range collect {
		timeout, err := timeoutFor(cfg, c.name, defaultCollectTimeout)
		if err != nil {
			return nil, err
		}
		r.add(&Job{
			Name: c.name,
			Fetch: &FetchSpec{
				Argv:     c.argv,
				Snapshot: filepath.Join(cfg.SnapshotDir, c.name+".json"),
				MinBytes: minCollectBytes,
			},
			Timeout:  timeout,
			Disabled: cfg.Job(c.name).Disabled,
			Process:  c.proc,
		})
	}

	scanTimeout, err := timeoutFor(cfg, JobPortScan, defaultScanTimeout)
	if err != nil {
		return nil, err
	}
	scanProc, err := newPortScanProcess(cfg)
	if err != nil {
		return nil, err
	}
	r.add(&Job{
		Name:     JobPortScan,
		Timeout:  scanTimeout,
		Disabled: cfg.Job(JobPortScan).Disabled,
		Process:  scanProc,
	})

	return r, nil
}

func (r *Registry) add(j *Job) {
	r.jobs = append(r.jobs, j)
	r.byName[j.Name] = j
}

func (r *Registry) Get(name string) (*Job, bool) {
	j, ok := r.byName[name]
	return j, ok
}

// All returns the jobs in canonical run order.
func (r *Registry) All() []*Job { return r.jobs }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for _, j := range r.jobs {
		names = append(names, j.Name)
	}
	return names
}

func processGossip(ctx context.Context, rc *RunContext) (string, error) {
	peers, err := chain.ParseGossip(rc.Data, rc.CapturedAt)
	if err != nil {
		return "", err
	}
	if rc.Store == nil {
		return fmt.Sprintf("%d peers parsed (storage disabled)", len(peers)), nil
	}
	n, err := rc.Store.UpsertGossipPeers(ctx, peers)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d gossip peers upserted", n), nil
}

func processValidators(ctx context.Context, rc *RunContext) (string, error) {
	vals, err := chain.ParseValidators(rc.Data, rc.CapturedAt)
	if err != nil {
		return "", err
	}
	if rc.Store == nil {
		return fmt.Sprintf("%d validators parsed (storage disabled)", len(vals)), nil
	}
	n, err := rc.Store.UpsertValidatorStates(ctx, vals)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d validator states upserted", n), nil
}

func processValidatorInfo(ctx context.Context, rc *RunContext) (string, error) {
	infos, err := chain.ParseValidatorInfo(rc.Data, rc.CapturedAt)
	if err != nil {
		return "", err
	}
	if rc.Store == nil {
		return fmt.Sprintf("%d info records parsed (storage disabled)", len(infos)), nil
	}
	n, err := rc.Store.UpsertValidatorInfo(ctx, infos)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d validator info records upserted", n), nil
}

// newPortScanProcess resolves the scan options once at registry build so a
// bad duration string surfaces at startup, not mid-sweep.
func newPortScanProcess(cfg *config.Config) (func(ctx context.Context, rc *RunContext) (string, error), error) {
	targetTimeout, err := config.ParseDurationOrDefault("scan.target_timeout", cfg.Scan.TargetTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	progressInterval, err := config.ParseDurationOrDefault("scan.progress_interval", cfg.Scan.ProgressInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	sc := cfg.Scan

	return func(ctx context.Context, rc *RunContext) (string, error) {
		if rc.Store == nil {
			return "", storage.ErrDisabled
		}
		targets, err := rc.Store.ListScanTargets(ctx, uint64(sc.MinStakeSol)*lamportsPerSol)
		if err != nil {
			return "", fmt.Errorf("list scan targets: %w", err)
		}
		engine := scan.NewEngine(rc.Store, scan.Options{
			Workers:          sc.Workers,
			TargetTimeout:    targetTimeout,
			BatchSize:        sc.BatchSize,
			ProgressEvery:    sc.ProgressEvery,
			ProgressInterval: progressInterval,
			RatePerSec:       sc.RatePerSec,
			Ports:            sc.Ports,
			Log:              rc.Log,
		})
		sum, err := engine.Run(ctx, targets)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d targets: %d ok, %d failed (%d timed out), %d findings persisted",
			sum.Total, sum.Succeeded, sum.Failed, sum.TimedOut, sum.Persisted), nil
	}, nil
}
