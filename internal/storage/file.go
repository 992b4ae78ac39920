package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "valmon/pkg/logx"
)

// fileStore is a dependency-free JSONL backend for diagnostics and tests.
//
// Files (one per record kind):
//   - <prefix>.gossip.jsonl
//   - <prefix>.validators.jsonl
//   - <prefix>.info.jsonl
//   - <prefix>.ports.jsonl
//
// Idempotency is kept by replaying each file's keys at open and skipping
// duplicates on append. Not meant for large fleets; use sqlite for that.
type fileStore struct {
	log logx.Logger

	mu    sync.Mutex
	files map[string]*os.File
	seen  map[string]struct{}

	prefix string
}

type fileRecord struct {
	Kind string          `json:"kind"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:    log,
		files:  map[string]*os.File{},
		seen:   map[string]struct{}{},
		prefix: prefix,
	}
	for _, kind := range []string{"gossip", "validators", "info", "ports"} {
		f, err := os.OpenFile(st.pathFor(kind), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st.files[kind] = f
		if err := st.replayKeys(kind); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *fileStore) pathFor(kind string) string { return s.prefix + "." + kind + ".jsonl" }

func (s *fileStore) replayKeys(kind string) error {
	f, err := os.Open(s.pathFor(kind))
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // torn tail line from a crash; ignore
		}
		s.seen[kind+"|"+rec.Key] = struct{}{}
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for kind, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.files[kind] = nil
	}
	return firstErr
}

func (s *fileStore) append(kind, key string, data any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.files[kind]
	if f == nil {
		return false, ErrDisabled
	}
	full := kind + "|" + key
	if _, dup := s.seen[full]; dup {
		return false, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false, err
	}
	line, err := json.Marshal(fileRecord{Kind: kind, Key: key, Data: raw})
	if err != nil {
		return false, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, err
	}
	s.seen[full] = struct{}{}
	return true, nil
}

func (s *fileStore) UpsertGossipPeers(_ context.Context, rows []GossipPeer) (int, error) {
	n := 0
	for _, r := range rows {
		ok, err := s.append("gossip", r.IdentityKey+"@"+ts(r.CapturedAt), r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) UpsertValidatorStates(_ context.Context, rows []ValidatorState) (int, error) {
	n := 0
	for _, r := range rows {
		ok, err := s.append("validators", r.IdentityKey+"@"+ts(r.CapturedAt), r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) UpsertValidatorInfo(_ context.Context, rows []ValidatorInfo) (int, error) {
	n := 0
	for _, r := range rows {
		ok, err := s.append("info", r.IdentityKey+"@"+ts(r.CapturedAt), r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) UpsertOpenPorts(_ context.Context, rows []OpenPort) (int, error) {
	n := 0
	for _, r := range rows {
		key := fmt.Sprintf("%s:%d/%s@%s", r.IPAddress, r.Port, r.Protocol, ts(r.CapturedAt))
		ok, err := s.append("ports", key, r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) ListScanTargets(_ context.Context, minStakeLamports uint64) ([]ScanTarget, error) {
	peers, err := s.readGossip()
	if err != nil {
		return nil, err
	}

	latest := map[string]GossipPeer{}
	for _, p := range peers {
		if p.IPAddress == "" {
			continue
		}
		if cur, ok := latest[p.IdentityKey]; !ok || p.CapturedAt.After(cur.CapturedAt) {
			latest[p.IdentityKey] = p
		}
	}

	var staked map[string]bool
	if minStakeLamports > 0 {
		staked = map[string]bool{}
		states, err := s.readValidatorStates()
		if err != nil {
			return nil, err
		}
		latestState := map[string]ValidatorState{}
		for _, v := range states {
			if cur, ok := latestState[v.IdentityKey]; !ok || v.CapturedAt.After(cur.CapturedAt) {
				latestState[v.IdentityKey] = v
			}
		}
		for id, v := range latestState {
			staked[id] = v.ActivatedStake >= minStakeLamports
		}
	}

	out := make([]ScanTarget, 0, len(latest))
	for id, p := range latest {
		if staked != nil && !staked[id] {
			continue
		}
		out = append(out, ScanTarget{IdentityKey: id, IPAddress: p.IPAddress})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out, nil
}

func (s *fileStore) readGossip() ([]GossipPeer, error) {
	var out []GossipPeer
	err := s.readAll("gossip", func(raw json.RawMessage) {
		var p GossipPeer
		if json.Unmarshal(raw, &p) == nil {
			out = append(out, p)
		}
	})
	return out, err
}

func (s *fileStore) readValidatorStates() ([]ValidatorState, error) {
	var out []ValidatorState
	err := s.readAll("validators", func(raw json.RawMessage) {
		var v ValidatorState
		if json.Unmarshal(raw, &v) == nil {
			out = append(out, v)
		}
	})
	return out, err
}

func (s *fileStore) readAll(kind string, fn func(raw json.RawMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.pathFor(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		fn(rec.Data)
	}
	return sc.Err()
}
