package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"valmon/internal/storage"
)

// ParseGossip decodes a `solana gossip --output json` document.
// Rows without an identity or an address are skipped.
func ParseGossip(data []byte, capturedAt time.Time) ([]storage.GossipPeer, error) {
	rows, err := decodeRows(data)
	if err != nil {
		return nil, fmt.Errorf("gossip document: %w", err)
	}

	out := make([]storage.GossipPeer, 0, len(rows))
	for _, row := range rows {
		identity := getString(row, "identityPubkey", "identity_key", "Identity")
		ip := getString(row, "ipAddress", "ip_address", "IP Address")
		if identity == "" || ip == "" {
			continue
		}
		out = append(out, storage.GossipPeer{
			IdentityKey: identity,
			IPAddress:   ip,
			GossipPort:  getInt(row, "gossipPort", "gossip_port", "Gossip Port"),
			TPUPort:     getInt(row, "tpuPort", "tpu_port", "TPU Port"),
			TPUQUICPort: getInt(row, "tpuQuicPort", "tpu_quic_port", "TPU QUIC Port"),
			CapturedAt:  capturedAt,
		})
	}
	return out, nil
}

// ParseValidators decodes a `solana validators --output json` document.
// Both the wrapped form {"validators": [...]} and a bare array are accepted.
func ParseValidators(data []byte, capturedAt time.Time) ([]storage.ValidatorState, error) {
	var wrapper struct {
		Validators []map[string]any `json:"validators"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Validators == nil {
		rows, arrErr := decodeRows(data)
		if arrErr != nil {
			if err == nil {
				err = arrErr
			}
			return nil, fmt.Errorf("validators document: %w", err)
		}
		wrapper.Validators = rows
	}

	out := make([]storage.ValidatorState, 0, len(wrapper.Validators))
	for _, row := range wrapper.Validators {
		identity := getString(row, "identityPubkey", "identity_key")
		if identity == "" {
			continue
		}
		out = append(out, storage.ValidatorState{
			IdentityKey:    identity,
			VoteKey:        getString(row, "voteAccountPubkey", "vote_key"),
			ActivatedStake: uint64(getInt64(row, "activatedStake", "activated_stake")),
			Commission:     getInt(row, "commission"),
			LastVote:       getInt64(row, "lastVote", "last_vote"),
			RootSlot:       getInt64(row, "rootSlot", "root_slot"),
			Delinquent:     getBool(row, "delinquent"),
			Version:        getString(row, "version"),
			CapturedAt:     capturedAt,
		})
	}
	return out, nil
}

// ParseValidatorInfo decodes a `solana validator-info get --output json`
// document: an array of {identityPubkey, info{...}} entries.
func ParseValidatorInfo(data []byte, capturedAt time.Time) ([]storage.ValidatorInfo, error) {
	rows, err := decodeRows(data)
	if err != nil {
		return nil, fmt.Errorf("validator-info document: %w", err)
	}

	out := make([]storage.ValidatorInfo, 0, len(rows))
	for _, row := range rows {
		identity := getString(row, "identityPubkey", "identity_key")
		if identity == "" {
			continue
		}
		info, _ := row["info"].(map[string]any)
		if info == nil {
			info = row
		}
		out = append(out, storage.ValidatorInfo{
			IdentityKey: identity,
			Name:        getString(info, "name"),
			Website:     getString(info, "website"),
			Details:     getString(info, "details"),
			KeybaseUser: getString(info, "keybaseUsername", "keybase_username"),
			CapturedAt:  capturedAt,
		})
	}
	return out, nil
}

// decodeRows accepts either an array of objects or a single object.
func decodeRows(data []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}
	var single map[string]any
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []map[string]any{single}, nil
}

func getString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func getInt(row map[string]any, keys ...string) int {
	return int(getInt64(row, keys...))
}

func getInt64(row map[string]any, keys ...string) int64 {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case float64:
			return int64(x)
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n
			}
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
	}
	return 0
}

func getBool(row map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := row[k]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
	}
	return false
}
