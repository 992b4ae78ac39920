package storage

// Package storage is the persistence sink for collected fleet data.
//
// All writes are idempotent batch upserts keyed by (record identity,
// capture timestamp), so re-flushing a batch after a retry never
// duplicates rows. It currently supports:
//   - Gossip peer snapshots
//   - Validator state and on-chain info snapshots
//   - Open-port findings from the scan engine
