// Package accounts implements account state storage for X1-Runtime.
//
// It provides the Account record used throughout the execution kernel, a
// small DB interface over pluggable backends, an in-memory implementation
// for tests and simulations, and a BadgerDB-backed implementation for
// persistent deployments.
//
// The execution kernel itself never talks to a DB directly: it consumes
// accounts through the runtime.AccountLoader seam, for which any DB here can
// serve as a backend. Accounts handed to the kernel are cloned working
// copies; the store is only updated when a caller commits batch results.
package accounts

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/X1-Runtime/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrCorrupted is returned when data corruption is detected.
	ErrCorrupted = errors.New("data corrupted")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when account data is malformed.
	ErrInvalidData = errors.New("invalid account data")

	// ErrSnapshotNotFound is returned when a snapshot doesn't exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// MaxDataSize is the maximum account data size (10 MB).
const MaxDataSize = 10 * 1024 * 1024

// RentExemptRentEpoch is the rent-epoch sentinel marking an account as
// rent-exempt. Matches u64::MAX in the reference implementation.
const RentExemptRentEpoch = ^uint64(0)

// Account represents a single account in the ledger state.
type Account struct {
	// Lamports is the account balance in lamports.
	Lamports uint64

	// Data is the account data. For program accounts, this contains bytecode.
	Data []byte

	// Owner is the program that owns this account.
	// Only the owner program can modify the account data.
	Owner types.Pubkey

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	// Set to RentExemptRentEpoch for rent-exempt accounts.
	RentEpoch uint64
}

// NewDefault returns the empty account used for addresses that do not exist
// yet: zero lamports, no data, owned by the system program, rent-exempt.
// Such accounts remain eligible to be allocated by a later create-account
// instruction.
func NewDefault() *Account {
	return &Account{
		Owner:     types.SystemProgramAddr,
		RentEpoch: RentExemptRentEpoch,
	}
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dataCopy := make([]byte, len(a.Data))
	copy(dataCopy, a.Data)
	return &Account{
		Lamports:   a.Lamports,
		Data:       dataCopy,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// IsZero returns true if the account has no lamports and no data.
// Zero accounts are typically deleted from storage.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// DataLen returns the length of account data.
func (a *Account) DataLen() int {
	return len(a.Data)
}

// Size returns the total serialized size of the account.
func (a *Account) Size() int {
	// 8 (lamports) + 8 (data_len) + data + 32 (owner) + 1 (executable) + 8 (rent_epoch)
	return 8 + 8 + len(a.Data) + 32 + 1 + 8
}

// Serialize encodes the account to bytes for storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
func (a *Account) Serialize() []byte {
	buf := make([]byte, a.Size())
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8

	copy(buf[offset:], a.Data)
	offset += len(a.Data)

	copy(buf[offset:], a.Owner[:])
	offset += 32

	if a.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)

	return buf
}

// Deserialize decodes an account from bytes.
func Deserialize(data []byte) (*Account, error) {
	if len(data) < 57 { // Minimum: 8 + 8 + 0 + 32 + 1 + 8
		return nil, ErrInvalidData
	}

	offset := 0

	lamports := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	if dataLen > MaxDataSize {
		return nil, ErrInvalidData
	}
	if uint64(len(data)-offset) < dataLen+41 { // 32 (owner) + 1 (executable) + 8 (rent_epoch)
		return nil, ErrInvalidData
	}

	accountData := make([]byte, dataLen)
	copy(accountData, data[offset:offset+int(dataLen)])
	offset += int(dataLen)

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	executable := data[offset] != 0
	offset++

	rentEpoch := binary.LittleEndian.Uint64(data[offset:])

	return &Account{
		Lamports:   lamports,
		Data:       accountData,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  rentEpoch,
	}, nil
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent read access.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account.
	// If the account is zero (no lamports and no data), it will be deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// GetSlot returns the current slot.
	GetSlot() uint64

	// SetSlot updates the current slot.
	SetSlot(slot uint64) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Commit commits pending changes to disk.
	Commit() error

	// Close closes the database.
	Close() error
}

// MemoryDB is an in-memory implementation of DB for tests and simulations.
type MemoryDB struct {
	accounts map[types.Pubkey]*Account
	slot     uint64
	closed   bool
}

// NewMemoryDB creates a new in-memory accounts database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[types.Pubkey]*Account),
	}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if m.closed {
		return ErrClosed
	}
	if account.IsZero() {
		delete(m.accounts, pubkey)
		return nil
	}
	m.accounts[pubkey] = account.Clone()
	return nil
}

// DeleteAccount removes an account.
func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	if m.closed {
		return ErrClosed
	}
	delete(m.accounts, pubkey)
	return nil
}

// HasAccount checks if an account exists.
func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

// GetSlot returns the current slot.
func (m *MemoryDB) GetSlot() uint64 {
	return m.slot
}

// SetSlot updates the current slot.
func (m *MemoryDB) SetSlot(slot uint64) error {
	if m.closed {
		return ErrClosed
	}
	m.slot = slot
	return nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

// IterateAccounts iterates over all accounts in sorted pubkey order.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if m.closed {
		return ErrClosed
	}
	keys := make([]types.Pubkey, 0, len(m.accounts))
	for pubkey := range m.accounts {
		keys = append(keys, pubkey)
	}
	SortPubkeys(keys)
	for _, pubkey := range keys {
		if err := fn(pubkey, m.accounts[pubkey]); err != nil {
			return err
		}
	}
	return nil
}

// Commit is a no-op for MemoryDB.
func (m *MemoryDB) Commit() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.closed = true
	m.accounts = nil
	return nil
}
