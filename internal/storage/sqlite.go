package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "valmon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// upsertBatch runs fn for every row inside one transaction so a batch is
// all-or-nothing.
func (s *sqliteStore) upsertBatch(ctx context.Context, n int, fn func(tx *sql.Tx) error) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if n == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) UpsertGossipPeers(ctx context.Context, rows []GossipPeer) (int, error) {
	return s.upsertBatch(ctx, len(rows), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO gossip_peers(identity_key, ip_address, gossip_port, tpu_port, tpu_quic_port, captured_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(identity_key, captured_at) DO UPDATE SET
			   ip_address=excluded.ip_address,
			   gossip_port=excluded.gossip_port,
			   tpu_port=excluded.tpu_port,
			   tpu_quic_port=excluded.tpu_quic_port`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.IdentityKey, r.IPAddress, r.GossipPort, r.TPUPort, r.TPUQUICPort, ts(r.CapturedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) UpsertValidatorStates(ctx context.Context, rows []ValidatorState) (int, error) {
	return s.upsertBatch(ctx, len(rows), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO validator_states(identity_key, vote_key, activated_stake, commission, last_vote, root_slot, delinquent, version, captured_at)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(identity_key, captured_at) DO UPDATE SET
			   vote_key=excluded.vote_key,
			   activated_stake=excluded.activated_stake,
			   commission=excluded.commission,
			   last_vote=excluded.last_vote,
			   root_slot=excluded.root_slot,
			   delinquent=excluded.delinquent,
			   version=excluded.version`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.IdentityKey, nullStr(r.VoteKey), int64(r.ActivatedStake), r.Commission, r.LastVote, r.RootSlot, boolInt(r.Delinquent), nullStr(r.Version), ts(r.CapturedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) UpsertValidatorInfo(ctx context.Context, rows []ValidatorInfo) (int, error) {
	return s.upsertBatch(ctx, len(rows), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO validator_info(identity_key, name, website, details, keybase_user, captured_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(identity_key, captured_at) DO UPDATE SET
			   name=excluded.name,
			   website=excluded.website,
			   details=excluded.details,
			   keybase_user=excluded.keybase_user`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.IdentityKey, nullStr(r.Name), nullStr(r.Website), nullStr(r.Details), nullStr(r.KeybaseUser), ts(r.CapturedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) UpsertOpenPorts(ctx context.Context, rows []OpenPort) (int, error) {
	return s.upsertBatch(ctx, len(rows), func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO open_ports(ip_address, identity_key, protocol, port, service, captured_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(ip_address, port, protocol, captured_at) DO UPDATE SET
			   identity_key=excluded.identity_key,
			   service=excluded.service`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.IPAddress, r.IdentityKey, r.Protocol, r.Port, nullStr(r.Service), ts(r.CapturedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *sqliteStore) ListScanTargets(ctx context.Context, minStakeLamports uint64) ([]ScanTarget, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	// Freshest gossip row per identity; optionally gated on the identity's
	// latest recorded stake (mirrors how the fleet list was always built).
	q := `
		SELECT g.identity_key, g.ip_address
		FROM gossip_peers g
		JOIN (
			SELECT identity_key, MAX(captured_at) AS max_ts
			FROM gossip_peers
			GROUP BY identity_key
		) latest ON g.identity_key = latest.identity_key AND g.captured_at = latest.max_ts
		WHERE g.ip_address != ''`
	args := []any{}
	if minStakeLamports > 0 {
		q += `
		AND g.identity_key IN (
			SELECT vs.identity_key
			FROM validator_states vs
			JOIN (
				SELECT identity_key, MAX(captured_at) AS max_ts
				FROM validator_states
				GROUP BY identity_key
			) lv ON vs.identity_key = lv.identity_key AND vs.captured_at = lv.max_ts
			WHERE vs.activated_stake >= ?
		)`
		args = append(args, int64(minStakeLamports))
	}
	q += `
		ORDER BY g.identity_key`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScanTarget
	for rows.Next() {
		var t ScanTarget
		if err := rows.Scan(&t.IdentityKey, &t.IPAddress); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func ts(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
