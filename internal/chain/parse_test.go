package chain

import (
	"testing"
	"time"
)

var captured = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestParseGossip(t *testing.T) {
	t.Parallel()
	doc := `[
		{"identityPubkey":"idA","ipAddress":"10.0.0.1","gossipPort":8001,"tpuPort":8003,"tpuQuicPort":8009,"version":"1.18.2"},
		{"identityPubkey":"idB","ipAddress":"10.0.0.2"},
		{"identityPubkey":"noip"},
		{"ipAddress":"10.0.0.9"}
	]`
	peers, err := ParseGossip([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseGossip: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2 (incomplete rows skipped)", len(peers))
	}
	if peers[0].IdentityKey != "idA" || peers[0].GossipPort != 8001 || peers[0].TPUQUICPort != 8009 {
		t.Fatalf("unexpected first peer: %+v", peers[0])
	}
	if !peers[1].CapturedAt.Equal(captured) {
		t.Fatal("capture timestamp not propagated")
	}
}

func TestParseGossipLegacyFieldNames(t *testing.T) {
	t.Parallel()
	doc := `[{"Identity":"idA","IP Address":"10.0.0.1","Gossip Port":8001}]`
	peers, err := ParseGossip([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseGossip: %v", err)
	}
	if len(peers) != 1 || peers[0].IdentityKey != "idA" || peers[0].GossipPort != 8001 {
		t.Fatalf("legacy field names not coalesced: %+v", peers)
	}
}

func TestParseGossipSingleObject(t *testing.T) {
	t.Parallel()
	doc := `{"identityPubkey":"idA","ipAddress":"10.0.0.1"}`
	peers, err := ParseGossip([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseGossip: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(peers))
	}
}

func TestParseGossipMalformed(t *testing.T) {
	t.Parallel()
	if _, err := ParseGossip([]byte(`{"identityPubkey": tru`), captured); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestParseValidators(t *testing.T) {
	t.Parallel()
	doc := `{"validators":[
		{"identityPubkey":"idA","voteAccountPubkey":"voteA","activatedStake":10000000000000,"commission":5,"lastVote":123,"rootSlot":100,"delinquent":false,"version":"1.18.2"},
		{"identityPubkey":"idB","delinquent":true},
		{"voteAccountPubkey":"orphan"}
	]}`
	vals, err := ParseValidators([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseValidators: %v", err)
	}
	if len(vals) != 2 {
		t.Fatalf("validators = %d, want 2", len(vals))
	}
	if vals[0].ActivatedStake != 10_000e9 || vals[0].Commission != 5 {
		t.Fatalf("unexpected first validator: %+v", vals[0])
	}
	if !vals[1].Delinquent {
		t.Fatal("delinquent flag lost")
	}
}

func TestParseValidatorsBareArray(t *testing.T) {
	t.Parallel()
	doc := `[{"identityPubkey":"idA","activatedStake":42}]`
	vals, err := ParseValidators([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseValidators: %v", err)
	}
	if len(vals) != 1 || vals[0].ActivatedStake != 42 {
		t.Fatalf("bare array not accepted: %+v", vals)
	}
}

func TestParseValidatorInfo(t *testing.T) {
	t.Parallel()
	doc := `[
		{"identityPubkey":"idA","info":{"name":"Node A","website":"https://a.example","keybaseUsername":"nodea"}},
		{"identityPubkey":"idB","info":{"name":"Node B"}}
	]`
	infos, err := ParseValidatorInfo([]byte(doc), captured)
	if err != nil {
		t.Fatalf("ParseValidatorInfo: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %d, want 2", len(infos))
	}
	if infos[0].Name != "Node A" || infos[0].KeybaseUser != "nodea" {
		t.Fatalf("unexpected info: %+v", infos[0])
	}
}
