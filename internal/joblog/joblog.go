// Package joblog manages per-job run logs: every run gets a timestamped
// file under <dir>/<job>/ while the same output is mirrored to the console,
// so cron capture and interactive runs both see it. Retention keeps the
// newest K files per job.
package joblog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "valmon/pkg/logx"
)

type Manager struct {
	dir     string
	level   string
	console bool
	keep    int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(dir, level string, console bool, keep int) *Manager {
	if keep <= 0 {
		keep = 10
	}
	return &Manager{
		dir:      dir,
		level:    level,
		console:  console,
		keep:     keep,
		sessions: map[string]*Session{},
	}
}

// Session is the run context for one job's logging. It replaces any
// process-wide "already initialized" flag: components receive the session
// (or its logger) explicitly.
type Session struct {
	m    *Manager
	job  string
	path string
	file *os.File
	log  logx.Logger
	refs int
}

// Open starts (or joins) the session for job. A nested Open from the same
// process returns the existing session instead of creating a second log
// file; each Open must be paired with one Close.
func (m *Manager) Open(job string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[job]; ok {
		s.refs++
		return s, nil
	}

	jobDir := filepath.Join(m.dir, job)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s.log", job, time.Now().Format("20060102-150405"))
	path := filepath.Join(jobDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	s := &Session{
		m:    m,
		job:  job,
		path: path,
		file: f,
		log:  logx.NewTee(m.level, m.console, f).With(logx.String("job", job)),
		refs: 1,
	}
	m.sessions[job] = s
	return s, nil
}

func (s *Session) Logger() logx.Logger { return s.log }
func (s *Session) Path() string        { return s.path }
func (s *Session) Job() string         { return s.job }

// Close releases one reference. The last Close closes the file and prunes
// the job's directory down to the retention count. Extra Closes are no-ops.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.refs <= 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	delete(m.sessions, s.job)
	err := s.file.Close()
	if perr := m.pruneLocked(s.job); perr != nil && err == nil {
		err = perr
	}
	return err
}

// pruneLocked keeps the newest `keep` log files for job. File names embed a
// sortable timestamp, so lexical order is chronological.
func (m *Manager) pruneLocked(job string) error {
	jobDir := filepath.Join(m.dir, job)
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), job+"-") && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= m.keep {
		return nil
	}
	sort.Strings(names)
	var firstErr error
	for _, name := range names[:len(names)-m.keep] {
		if err := os.Remove(filepath.Join(jobDir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
