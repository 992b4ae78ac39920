package storage

import (
	"context"
	"errors"
	"strings"

	logx "valmon/pkg/logx"
)

// Store is the persistence API used by job process phases and the scan
// engine's batch flushes. Every Upsert is an idempotent batch keyed by
// (identity, capture timestamp).
type Store interface {
	UpsertGossipPeers(ctx context.Context, rows []GossipPeer) (int, error)
	UpsertValidatorStates(ctx context.Context, rows []ValidatorState) (int, error)
	UpsertValidatorInfo(ctx context.Context, rows []ValidatorInfo) (int, error)
	UpsertOpenPorts(ctx context.Context, rows []OpenPort) (int, error)

	// ListScanTargets returns one address per identity from the freshest
	// gossip snapshot. minStakeLamports > 0 restricts to identities whose
	// latest recorded activated stake meets the floor.
	ListScanTargets(ctx context.Context, minStakeLamports uint64) ([]ScanTarget, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
