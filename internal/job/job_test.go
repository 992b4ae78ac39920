package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"valmon/internal/joblog"
	"valmon/internal/lockfile"
	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	peers   []storage.GossipPeer
	states  []storage.ValidatorState
	infos   []storage.ValidatorInfo
	ports   []storage.OpenPort
	targets []storage.ScanTarget
}

func (s *memStore) UpsertGossipPeers(_ context.Context, rows []storage.GossipPeer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, rows...)
	return len(rows), nil
}

func (s *memStore) UpsertValidatorStates(_ context.Context, rows []storage.ValidatorState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, rows...)
	return len(rows), nil
}

func (s *memStore) UpsertValidatorInfo(_ context.Context, rows []storage.ValidatorInfo) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, rows...)
	return len(rows), nil
}

func (s *memStore) UpsertOpenPorts(_ context.Context, rows []storage.OpenPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = append(s.ports, rows...)
	return len(rows), nil
}

func (s *memStore) ListScanTargets(context.Context, uint64) ([]storage.ScanTarget, error) {
	return s.targets, nil
}

func (s *memStore) Close() error { return nil }

func newTestRunner(t *testing.T, store storage.Store) (*Runner, string) {
	t.Helper()
	base := t.TempDir()
	return &Runner{
		RuntimeDir: filepath.Join(base, "run"),
		Store:      store,
		Logs:       joblog.NewManager(filepath.Join(base, "logs"), "debug", false, 10),
		Log:        logx.Nop(),
	}, base
}

func TestRunFetchAndProcess(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	r, base := newTestRunner(t, store)

	j := &Job{
		Name: "gossip",
		Fetch: &FetchSpec{
			Argv:     []string{"/bin/sh", "-c", `echo '[{"identityPubkey":"idA","ipAddress":"10.0.0.1","gossipPort":8001}]'`},
			Snapshot: filepath.Join(base, "snapshots", "gossip.json"),
		},
		Timeout: 30 * time.Second,
		Process: processGossip,
	}

	rep := r.Run(context.Background(), j)
	if rep.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s, err %v)", rep.Status, rep.Detail, rep.Err)
	}
	if len(store.peers) != 1 || store.peers[0].IdentityKey != "idA" {
		t.Fatalf("peers = %+v", store.peers)
	}
	if _, err := os.Stat(j.Fetch.Snapshot); err != nil {
		t.Fatalf("snapshot not promoted: %v", err)
	}
	if _, err := os.Stat(j.Fetch.Snapshot + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("staging file left behind")
	}
}

func TestRunFetchTimeout(t *testing.T) {
	t.Parallel()
	r, base := newTestRunner(t, &memStore{})

	j := &Job{
		Name: "gossip",
		Fetch: &FetchSpec{
			Argv:     []string{"/bin/sh", "-c", "exec sleep 10"},
			Snapshot: filepath.Join(base, "snapshots", "gossip.json"),
		},
		Timeout: 100 * time.Millisecond,
		Process: processGossip,
	}

	rep := r.Run(context.Background(), j)
	if rep.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", rep.Status)
	}
	if _, err := os.Stat(j.Fetch.Snapshot); !os.IsNotExist(err) {
		t.Fatal("timed-out fetch must not promote a snapshot")
	}
}

func TestRunProcessTimeoutAfterFetch(t *testing.T) {
	t.Parallel()
	r, base := newTestRunner(t, &memStore{})

	j := &Job{
		Name: "gossip",
		Fetch: &FetchSpec{
			Argv:     []string{"/bin/sh", "-c", `echo '[{"identityPubkey":"idA","ipAddress":"10.0.0.1"}]'`},
			Snapshot: filepath.Join(base, "snapshots", "gossip.json"),
		},
		Timeout: 200 * time.Millisecond,
		// A sink write that never returns must be cut off by the job's
		// remaining budget, not left hanging.
		Process: func(ctx context.Context, _ *RunContext) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "ran past the job deadline", nil
			}
		},
	}

	rep := r.Run(context.Background(), j)
	if rep.Status != StatusTimedOut {
		t.Fatalf("status = %s (%s, err %v), want timed_out", rep.Status, rep.Detail, rep.Err)
	}
	if rep.Elapsed() >= 5*time.Second {
		t.Fatalf("process phase ran unbounded for %s", rep.Elapsed())
	}
}

func TestRunRejectsTooSmallDocument(t *testing.T) {
	t.Parallel()
	r, base := newTestRunner(t, &memStore{})
	snap := filepath.Join(base, "snapshots", "gossip.json")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatal(err)
	}
	prior := []byte(`[{"identityPubkey":"old","ipAddress":"10.0.0.9","gossipPort":8001}]`)
	if err := os.WriteFile(snap, prior, 0o644); err != nil {
		t.Fatal(err)
	}

	j := &Job{
		Name: "gossip",
		Fetch: &FetchSpec{
			// Valid JSON, but degenerate: below the size threshold.
			Argv:     []string{"/bin/sh", "-c", "echo '[]'"},
			Snapshot: snap,
			MinBytes: 64,
		},
		Timeout: 30 * time.Second,
		Process: processGossip,
	}
	rep := r.Run(context.Background(), j)
	if rep.Status != StatusFailed {
		t.Fatalf("status = %s, want failed for undersized document", rep.Status)
	}
	got, err := os.ReadFile(snap)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(got) != string(prior) {
		t.Fatalf("prior snapshot modified: %q", got)
	}
}

func TestRunFetchFailureKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()
	r, base := newTestRunner(t, &memStore{})
	snap := filepath.Join(base, "snapshots", "gossip.json")
	if err := os.MkdirAll(filepath.Dir(snap), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(snap, []byte(`[{"identityPubkey":"old","ipAddress":"10.0.0.9"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	j := &Job{
		Name:    "gossip",
		Fetch:   &FetchSpec{Argv: []string{"/bin/sh", "-c", "exit 3"}, Snapshot: snap},
		Timeout: 30 * time.Second,
		Process: processGossip,
	}
	rep := r.Run(context.Background(), j)
	if rep.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}
	data, err := os.ReadFile(snap)
	if err != nil || len(data) == 0 {
		t.Fatalf("previous snapshot lost: %v", err)
	}
}

func TestRunRejectsInvalidDocument(t *testing.T) {
	t.Parallel()
	r, base := newTestRunner(t, &memStore{})

	j := &Job{
		Name: "gossip",
		Fetch: &FetchSpec{
			Argv:     []string{"/bin/sh", "-c", "echo 'Error: RPC timed out'"},
			Snapshot: filepath.Join(base, "snapshots", "gossip.json"),
		},
		Timeout: 30 * time.Second,
		Process: processGossip,
	}
	rep := r.Run(context.Background(), j)
	if rep.Status != StatusFailed {
		t.Fatalf("status = %s, want failed for non-JSON output", rep.Status)
	}
	if _, err := os.Stat(j.Fetch.Snapshot); !os.IsNotExist(err) {
		t.Fatal("invalid document must not be promoted")
	}
}

func TestRunSkipsWhenSlotHeld(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, &memStore{})

	h, err := lockfile.Acquire(r.RuntimeDir, "portscan", lockfile.Options{})
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer h.Release()

	j := &Job{
		Name:    "portscan",
		Timeout: time.Second,
		Process: func(context.Context, *RunContext) (string, error) {
			t.Error("process ran despite held slot")
			return "", nil
		},
	}
	rep := r.Run(context.Background(), j)
	if rep.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", rep.Status)
	}
}

func TestRunReleasesLockOnProcessFailure(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, &memStore{})

	j := &Job{
		Name:    "portscan",
		Timeout: time.Second,
		Process: func(context.Context, *RunContext) (string, error) {
			return "", errors.New("boom")
		},
	}
	if rep := r.Run(context.Background(), j); rep.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rep.Status)
	}

	// The slot must be free again.
	h, err := lockfile.Acquire(r.RuntimeDir, "portscan", lockfile.Options{})
	if err != nil {
		t.Fatalf("slot not released after failure: %v", err)
	}
	h.Release()
}

func TestRunDisabledJob(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, &memStore{})
	j := &Job{
		Name:     "validators",
		Disabled: true,
		Process: func(context.Context, *RunContext) (string, error) {
			t.Error("disabled job ran")
			return "", nil
		},
	}
	if rep := r.Run(context.Background(), j); rep.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", rep.Status)
	}
}

func TestSetRunParallelKeepsInputOrder(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, &memStore{})

	mk := func(name string, fail bool) *Job {
		return &Job{
			Name:    name,
			Timeout: time.Second,
			Process: func(context.Context, *RunContext) (string, error) {
				if fail {
					return "", errors.New(name + " failed")
				}
				return name + " ok", nil
			},
		}
	}
	set := &Set{Runner: r, Jobs: []*Job{mk("a", false), mk("b", true), mk("c", false)}}

	sum := set.Run(context.Background(), true)
	if len(sum.Reports) != 3 {
		t.Fatalf("reports = %d", len(sum.Reports))
	}
	if sum.Reports[0].Job != "a" || sum.Reports[1].Job != "b" || sum.Reports[2].Job != "c" {
		t.Fatalf("summary out of input order: %+v", sum.Reports)
	}
	if sum.Reports[1].Status != StatusFailed || sum.Reports[0].Status != StatusSucceeded {
		t.Fatalf("statuses = %+v", sum.Reports)
	}
	if sum.FailedCount() != 1 {
		t.Fatalf("FailedCount = %d, want 1", sum.FailedCount())
	}
}

func TestSetRunSequentialContinuesPastFailure(t *testing.T) {
	t.Parallel()
	r, _ := newTestRunner(t, &memStore{})

	var order []string
	var mu sync.Mutex
	mk := func(name string, fail bool) *Job {
		return &Job{
			Name:    name,
			Timeout: time.Second,
			Process: func(context.Context, *RunContext) (string, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				if fail {
					return "", errors.New("boom")
				}
				return "ok", nil
			},
		}
	}
	set := &Set{Runner: r, Jobs: []*Job{mk("a", true), mk("b", false)}}

	sum := set.Run(context.Background(), false)
	if len(order) != 2 {
		t.Fatalf("ran %v, want both jobs despite first failing", order)
	}
	if sum.FailedCount() != 1 {
		t.Fatalf("FailedCount = %d", sum.FailedCount())
	}
}
