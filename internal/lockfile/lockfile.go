package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	logx "valmon/pkg/logx"
)

// ErrAlreadyRunning reports that another live holder owns the job's slot.
// Use errors.As with *AlreadyRunningError to inspect the holder.
var ErrAlreadyRunning = errors.New("job already running")

type AlreadyRunningError struct {
	Marker Marker
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job %q already running (holder %s pid %d since %s)",
		e.Marker.Job, e.Marker.Holder, e.Marker.PID, e.Marker.Acquired.Format(time.RFC3339))
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// Marker is the JSON lock file content. At most one live holder exists per
// job name; liveness is decided by heartbeat age, with a same-host pid check
// as a fast path.
type Marker struct {
	Job       string    `json:"job"`
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Acquired  time.Time `json:"acquired"`
	Heartbeat time.Time `json:"heartbeat"`
}

type Options struct {
	// HeartbeatEvery is how often the handle refreshes the marker. Default 5s.
	HeartbeatEvery time.Duration
	// StaleAfter is the heartbeat age beyond which a marker is reclaimable.
	// Default 60s.
	StaleAfter time.Duration

	Log logx.Logger
}

func (o Options) withDefaults() Options {
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 60 * time.Second
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// Handle owns an acquired marker. Release is idempotent and safe on every
// exit path, including cancellation.
type Handle struct {
	path   string
	marker Marker
	opts   Options

	once   sync.Once
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func markerPath(dir, job string) string {
	return filepath.Join(dir, job+".lock")
}

// Acquire takes the job's execution slot or fails with *AlreadyRunningError.
// A marker left by a dead holder is reclaimed with a warning.
func Acquire(dir, job string, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(job) == "" {
		return nil, errors.New("lockfile: empty job name")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := markerPath(dir, job)
	host, _ := os.Hostname()
	m := Marker{
		Job:       job,
		Holder:    uuid.NewString(),
		PID:       os.Getpid(),
		Hostname:  host,
		Acquired:  time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
	}

	// Two attempts: the second runs after reclaiming a stale marker. Losing
	// the create race twice means someone live got there first.
	for attempt := 0; attempt < 2; attempt++ {
		err := createMarker(path, m)
		if err == nil {
			h := &Handle{path: path, marker: m, opts: opts, stopCh: make(chan struct{})}
			h.wg.Add(1)
			go h.heartbeatLoop()
			return h, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("lockfile: create %s: %w", path, err)
		}

		prev, rerr := ReadMarker(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue // holder released between our create and read
			}
			// Unreadable marker: treat as live, never steal what we can't judge.
			return nil, fmt.Errorf("lockfile: read %s: %w", path, rerr)
		}
		if Live(prev, opts.StaleAfter) {
			return nil, &AlreadyRunningError{Marker: prev}
		}

		opts.Log.Warn("reclaiming stale lock marker",
			logx.String("job", job),
			logx.Int("pid", prev.PID),
			logx.Time("heartbeat", prev.Heartbeat))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("lockfile: reclaim %s: %w", path, err)
		}
	}
	prev, err := ReadMarker(path)
	if err != nil {
		return nil, fmt.Errorf("lockfile: lost acquire race for %q", job)
	}
	return nil, &AlreadyRunningError{Marker: prev}
}

// Live reports whether the marker's holder should be considered alive.
// A same-host holder whose process is gone is dead regardless of heartbeat;
// otherwise the heartbeat age decides (portable across hosts).
func Live(m Marker, staleAfter time.Duration) bool {
	host, _ := os.Hostname()
	if m.Hostname == host && m.PID > 0 && !pidAlive(m.PID) {
		return false
	}
	return time.Since(m.Heartbeat) <= staleAfter
}

func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}

func createMarker(path string, m Marker) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadMarker loads a marker file.
func ReadMarker(path string) (Marker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}

func (h *Handle) heartbeatLoop() {
	defer h.wg.Done()
	t := time.NewTicker(h.opts.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.marker.Heartbeat = time.Now().UTC()
			if err := writeMarker(h.path, h.marker); err != nil {
				h.opts.Log.Warn("lock heartbeat write failed",
					logx.String("job", h.marker.Job), logx.Err(err))
			}
		}
	}
}

// writeMarker refreshes an owned marker atomically (temp + rename) so readers
// never observe a torn file.
func writeMarker(path string, m Marker) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Holder returns the unique token recorded in the marker.
func (h *Handle) Holder() string { return h.marker.Holder }

// Release deletes the marker and stops the heartbeat. Calling it twice, or
// after the marker has already vanished, is safe and returns nil.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		// Only remove a marker we still own; a reclaimer may have replaced it.
		cur, rerr := ReadMarker(h.path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				return
			}
			err = os.Remove(h.path)
			return
		}
		if cur.Holder != h.marker.Holder {
			h.opts.Log.Warn("lock marker replaced by another holder; leaving it",
				logx.String("job", h.marker.Job), logx.String("holder", cur.Holder))
			return
		}
		if rmErr := os.Remove(h.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

// Inspect lists every marker under dir with its computed liveness.
type Info struct {
	Marker Marker
	Live   bool
}

func Inspect(dir string, staleAfter time.Duration) ([]Info, error) {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		m, err := ReadMarker(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, Info{Marker: m, Live: Live(m, staleAfter)})
	}
	return out, nil
}
