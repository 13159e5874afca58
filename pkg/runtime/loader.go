package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// AccountLoader is the single seam through which external account state
// enters the engine. Nil means not found; callers synthesize default accounts
// where the algorithm calls for one. Implementations may cache or batch as
// they see fit.
type AccountLoader interface {
	// LoadAccount returns the account at the given address, or nil.
	LoadAccount(address types.Pubkey) *accounts.Account
}

// StoreLoader adapts an accounts.DB to the AccountLoader seam.
type StoreLoader struct {
	db accounts.DB
}

// NewStoreLoader wraps an accounts database as an AccountLoader.
func NewStoreLoader(db accounts.DB) *StoreLoader {
	return &StoreLoader{db: db}
}

// LoadAccount returns the stored account, or nil when absent. Store errors
// are indistinguishable from absence at this seam; the store's own API
// surfaces them to its owner.
func (l *StoreLoader) LoadAccount(address types.Pubkey) *accounts.Account {
	account, err := l.db.GetAccount(address)
	if err != nil {
		return nil
	}
	return account
}

// AccountMatchesOwners reports whether the account at the given address is
// owned by one of the given programs, returning the owner's position. A
// missing or zero account matches nothing.
func AccountMatchesOwners(loader AccountLoader, address types.Pubkey, owners []types.Pubkey) (int, bool) {
	account := loader.LoadAccount(address)
	if account == nil || account.IsZero() {
		return 0, false
	}
	for i, owner := range owners {
		if account.Owner == owner {
			return i, true
		}
	}
	return 0, false
}

// SysvarLoader supplies sysvar account payloads to executing programs. The
// engine treats the payloads as opaque bytes.
type SysvarLoader interface {
	// LoadSysvar returns the serialized sysvar at the given address, or nil.
	LoadSysvar(address types.Pubkey) []byte
}

// StoreSysvarLoader reads sysvar accounts through an AccountLoader.
type StoreSysvarLoader struct {
	loader AccountLoader
}

// NewStoreSysvarLoader creates a sysvar loader over an account loader.
func NewStoreSysvarLoader(loader AccountLoader) *StoreSysvarLoader {
	return &StoreSysvarLoader{loader: loader}
}

// LoadSysvar returns the sysvar account's data, or nil for unknown addresses
// and missing accounts.
func (s *StoreSysvarLoader) LoadSysvar(address types.Pubkey) []byte {
	if !types.IsSysvar(address) {
		return nil
	}
	account := s.loader.LoadAccount(address)
	if account == nil {
		return nil
	}
	return account.Data
}
