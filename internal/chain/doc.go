// Package chain parses the JSON documents emitted by the solana CLI
// (gossip table, validator set, published validator info) into sink records.
//
// The CLI's field names drifted across releases, so parsing is tolerant:
// known aliases are coalesced and rows missing their identity are skipped
// rather than failing the whole document.
package chain
