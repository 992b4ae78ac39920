package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the sink.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   dependency-free JSONL backend for diagnostics
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// GossipPeer is one row of a gossip table snapshot.
type GossipPeer struct {
	IdentityKey string
	IPAddress   string
	GossipPort  int
	TPUPort     int
	TPUQUICPort int
	CapturedAt  time.Time
}

// ValidatorState is one validator's stake/vote row at capture time.
type ValidatorState struct {
	IdentityKey    string
	VoteKey        string
	ActivatedStake uint64 // lamports
	Commission     int
	LastVote       int64
	RootSlot       int64
	Delinquent     bool
	Version        string
	CapturedAt     time.Time
}

// ValidatorInfo is published on-chain metadata for one validator.
type ValidatorInfo struct {
	IdentityKey string
	Name        string
	Website     string
	Details     string
	KeybaseUser string
	CapturedAt  time.Time
}

// OpenPort is one scan finding: a port observed open on a fleet address.
type OpenPort struct {
	IPAddress   string
	IdentityKey string
	Protocol    string
	Port        int
	Service     string
	CapturedAt  time.Time
}

// ScanTarget pairs a fleet address with the identity it was last seen for.
type ScanTarget struct {
	IdentityKey string
	IPAddress   string
}
