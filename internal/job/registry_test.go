package job

import (
	"testing"
	"time"

	"valmon/internal/config"
)

func TestNewRegistryDefaults(t *testing.T) {
	t.Parallel()
	cfg := config.Default(t.TempDir())
	r, err := NewRegistry(cfg, &memStore{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	want := []string{JobGossip, JobValidators, JobValidatorInfo, JobPortScan}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	g, _ := r.Get(JobGossip)
	if g.Timeout != 600*time.Second {
		t.Fatalf("gossip timeout = %s, want 600s", g.Timeout)
	}
	if g.Fetch == nil || g.Fetch.Argv[0] != "solana" {
		t.Fatalf("gossip fetch = %+v", g.Fetch)
	}
	if g.Fetch.MinBytes < 64 {
		t.Fatalf("gossip MinBytes = %d, must reject empty-array output", g.Fetch.MinBytes)
	}

	p, _ := r.Get(JobPortScan)
	if p.Timeout != 1800*time.Second {
		t.Fatalf("portscan timeout = %s, want 1800s", p.Timeout)
	}
	if p.Fetch != nil {
		t.Fatal("portscan must not have a fetch command")
	}
}

func TestNewRegistryOverrides(t *testing.T) {
	t.Parallel()
	cfg := config.Default(t.TempDir())
	cfg.Jobs = map[string]config.JobConfig{
		JobValidators: {Timeout: "90s", Disabled: true},
	}
	r, err := NewRegistry(cfg, &memStore{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	v, _ := r.Get(JobValidators)
	if v.Timeout != 90*time.Second {
		t.Fatalf("timeout override = %s", v.Timeout)
	}
	if !v.Disabled {
		t.Fatal("disabled flag lost")
	}
}

func TestNewRegistryBadDuration(t *testing.T) {
	t.Parallel()
	cfg := config.Default(t.TempDir())
	cfg.Jobs = map[string]config.JobConfig{JobGossip: {Timeout: "ten minutes"}}
	if _, err := NewRegistry(cfg, &memStore{}); err == nil {
		t.Fatal("expected error for invalid timeout string")
	}
}
