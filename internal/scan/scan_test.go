package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"valmon/internal/storage"
	logx "valmon/pkg/logx"
)

type memSink struct {
	mu      sync.Mutex
	rows    []storage.OpenPort
	flushes int
	err     error
}

func (s *memSink) UpsertOpenPorts(_ context.Context, ports []storage.OpenPort) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.flushes++
	s.rows = append(s.rows, ports...)
	return len(ports), nil
}

func makeTargets(n int) []storage.ScanTarget {
	out := make([]storage.ScanTarget, n)
	for i := range out {
		out[i] = storage.ScanTarget{
			IdentityKey: fmt.Sprintf("id%03d", i),
			IPAddress:   fmt.Sprintf("10.0.%d.%d", i/256, i%256),
		}
	}
	return out
}

func TestRunProbesEachTargetOnce(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string]int{}
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		mu.Lock()
		seen[target.IPAddress]++
		mu.Unlock()
		return []storage.OpenPort{{Protocol: "tcp", Port: 22}}, nil
	}

	sink := &memSink{}
	e := NewEngine(sink, Options{Workers: 4, BatchSize: 7, Probe: probe, Log: logx.Nop()})

	sum, err := e.Run(context.Background(), makeTargets(25))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Succeeded != 25 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(seen) != 25 {
		t.Fatalf("distinct targets probed = %d, want 25", len(seen))
	}
	for ip, n := range seen {
		if n != 1 {
			t.Fatalf("target %s probed %d times", ip, n)
		}
	}
	if len(sink.rows) != 25 || sum.Persisted != 25 {
		t.Fatalf("persisted = %d rows / %d counted, want 25", len(sink.rows), sum.Persisted)
	}
	// 25 findings at batch size 7 means a final partial flush.
	if sink.flushes != 4 {
		t.Fatalf("flushes = %d, want 4", sink.flushes)
	}
}

func TestRunStampsFindings(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		return []storage.OpenPort{{Protocol: "tcp", Port: 8899, Service: "rpc"}}, nil
	}
	sink := &memSink{}
	e := NewEngine(sink, Options{Workers: 1, Probe: probe, Log: logx.Nop()})

	if _, err := e.Run(context.Background(), makeTargets(2)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, row := range sink.rows {
		if row.IdentityKey == "" || row.IPAddress == "" {
			t.Fatalf("finding missing target identity: %+v", row)
		}
		if row.CapturedAt.IsZero() {
			t.Fatalf("finding missing capture time: %+v", row)
		}
	}
	if !sink.rows[0].CapturedAt.Equal(sink.rows[1].CapturedAt) {
		t.Fatal("findings from one sweep carry different capture times")
	}
}

func TestRunOneFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		if target.IdentityKey == "id001" {
			return nil, errors.New("connection refused")
		}
		return []storage.OpenPort{{Protocol: "tcp", Port: 22}}, nil
	}
	sink := &memSink{}
	e := NewEngine(sink, Options{Workers: 2, Probe: probe, Log: logx.Nop()})

	sum, err := e.Run(context.Background(), makeTargets(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sink.rows) != 2 {
		t.Fatalf("persisted rows = %d, want findings from the 2 successes only", len(sink.rows))
	}
	if len(sum.FailedTargets) != 1 {
		t.Fatalf("failed preview = %v", sum.FailedTargets)
	}
}

func TestRunTargetTimeoutCounted(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		if target.IdentityKey == "id000" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []storage.OpenPort{{Protocol: "tcp", Port: 22}}, nil
	}
	sink := &memSink{}
	e := NewEngine(sink, Options{
		Workers:       2,
		TargetTimeout: 50 * time.Millisecond,
		Probe:         probe,
		Log:           logx.Nop(),
	})

	sum, err := e.Run(context.Background(), makeTargets(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 1 || sum.TimedOut != 1 {
		t.Fatalf("summary = %+v, want one timeout", sum)
	}
	if sum.Succeeded != 2 || len(sink.rows) != 2 {
		t.Fatalf("slow target stalled the sweep: %+v", sum)
	}
}

func TestRunFailedPreviewCapped(t *testing.T) {
	t.Parallel()
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		return nil, errors.New("unreachable")
	}
	e := NewEngine(&memSink{}, Options{Workers: 8, Probe: probe, Log: logx.Nop()})

	sum, err := e.Run(context.Background(), makeTargets(30))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Failed != 30 {
		t.Fatalf("failed = %d, want 30", sum.Failed)
	}
	if len(sum.FailedTargets) != failedPreviewCap {
		t.Fatalf("preview = %d entries, want %d", len(sum.FailedTargets), failedPreviewCap)
	}
}

func TestRunCanceledContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	probe := func(ctx context.Context, target storage.ScanTarget) ([]storage.OpenPort, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEngine(&memSink{}, Options{Workers: 2, Probe: probe, Log: logx.Nop()})

	done := make(chan struct{})
	var sum *Summary
	var runErr error
	go func() {
		sum, runErr = e.Run(ctx, makeTargets(10))
		close(done)
	}()

	cancel()
	close(release)
	<-done

	if runErr == nil && sum.Succeeded+sum.Failed == 10 {
		// Cancel raced completion; either outcome is acceptable, but a full
		// run must not report a spurious error.
		return
	}
	if runErr == nil {
		t.Fatalf("truncated run reported no error: %+v", sum)
	}
}

func TestDialProbeServiceNames(t *testing.T) {
	t.Parallel()
	if ServiceName(8899) != "rpc" || ServiceName(22) != "ssh" {
		t.Fatal("well-known service names missing")
	}
	if ServiceName(47331) != "" {
		t.Fatal("unknown port should have empty service name")
	}
}
