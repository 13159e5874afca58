// Package accounts provides hash computation for accounts state verification.
package accounts

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/X1-Runtime/internal/types"
)

// AccountIterator is implemented by databases that support ordered iteration.
type AccountIterator interface {
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error
}

// HashComputer provides accounts hash computation.
//
// 1. Account Hash: BLAKE3 of individual account fields
//    - Computed as: BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
//
// 2. Accounts Delta Hash: Merkle root over accounts modified in a batch,
//    sorted by pubkey
//
// 3. Accounts Hash: Merkle root over ALL accounts, used to seal snapshots
//
// The Merkle tree is binary with domain-separated leaf and node hashing:
// leaf = BLAKE3(0x00 || account_hash), node = BLAKE3(0x01 || left || right).
// An unpaired node is combined with a zero hash.
type HashComputer struct {
	db DB
}

// NewHashComputer creates a new hash computer with the given database.
func NewHashComputer(db DB) *HashComputer {
	return &HashComputer{db: db}
}

// ComputeAccountHash computes the hash of a single account:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
// with fixed-width fields little-endian encoded.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	// lamports (8) + rent_epoch (8) + data + executable (1) + owner (32) + pubkey (32)
	size := 8 + 8 + len(account.Data) + 1 + 32 + 32
	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], account.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	offset += 8

	copy(buf[offset:], account.Data)
	offset += len(account.Data)

	if account.Executable {
		buf[offset] = 1
	}
	offset++

	copy(buf[offset:], account.Owner[:])
	offset += 32

	copy(buf[offset:], pubkey[:])

	return blake3.Sum256(buf)
}

// AccountHashEntry pairs a pubkey with its hash for sorting and merkle computation.
type AccountHashEntry struct {
	Pubkey types.Pubkey
	Hash   types.Hash
}

// ComputeAccountsHash computes the full accounts hash: all accounts hashed,
// sorted by pubkey, reduced to a Merkle root.
func (h *HashComputer) ComputeAccountsHash() (types.Hash, error) {
	it, ok := h.db.(AccountIterator)
	if !ok {
		return types.Hash{}, ErrInvalidData
	}

	var entries []AccountHashEntry
	err := it.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		entries = append(entries, AccountHashEntry{
			Pubkey: pubkey,
			Hash:   ComputeAccountHash(pubkey, account),
		})
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return comparePubkeys(entries[i].Pubkey, entries[j].Pubkey) < 0
	})

	hashes := make([]types.Hash, len(entries))
	for i, entry := range entries {
		hashes[i] = entry.Hash
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeDeltaHash computes the delta hash for a set of modified accounts.
// The pubkeys must be provided in sorted order for deterministic results.
// Deleted accounts contribute a zero hash.
func (h *HashComputer) ComputeDeltaHash(modifiedPubkeys []types.Pubkey) (types.Hash, error) {
	if len(modifiedPubkeys) == 0 {
		return types.Hash{}, nil
	}

	hashes := make([]types.Hash, 0, len(modifiedPubkeys))
	for _, pubkey := range modifiedPubkeys {
		account, err := h.db.GetAccount(pubkey)
		if err == ErrAccountNotFound {
			hashes = append(hashes, types.Hash{})
			continue
		}
		if err != nil {
			return types.Hash{}, err
		}
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
	}

	return ComputeMerkleRoot(hashes), nil
}

// ComputeMerkleRoot computes the Merkle root of a list of hashes.
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		nextLevel := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			nextLevel[i/2] = computeNodeHash(left, right)
		}
		level = nextLevel
	}

	return level[0]
}

// computeLeafHash computes BLAKE3(0x00 || data).
func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

// computeNodeHash computes BLAKE3(0x01 || left || right).
func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf)
}

// comparePubkeys compares two pubkeys lexicographically.
func comparePubkeys(a, b types.Pubkey) int {
	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// SortPubkeys sorts a slice of pubkeys in ascending order.
func SortPubkeys(pubkeys []types.Pubkey) {
	sort.Slice(pubkeys, func(i, j int) bool {
		return comparePubkeys(pubkeys[i], pubkeys[j]) < 0
	})
}
