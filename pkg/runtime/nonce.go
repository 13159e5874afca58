package runtime

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// Durable nonce account layout: u32 version tag, u32 state tag, 32-byte
// authority, 32-byte durable nonce value, u64 lamports per signature.
const (
	// NonceAccountSize is the serialized size of a nonce account.
	NonceAccountSize = 80

	nonceVersionCurrent   = uint32(1)
	nonceStateInitialized = uint32(1)

	nonceAuthorityOffset      = 8
	nonceDurableOffset        = 40
	nonceLamportsPerSigOffset = 72
)

// NonceState is the decoded state of an initialized durable-nonce account.
type NonceState struct {
	// Authority may advance the nonce.
	Authority types.Pubkey

	// DurableNonce is the stored freshness value.
	DurableNonce types.Hash

	// LamportsPerSignature is the fee rate captured when the nonce was
	// advanced.
	LamportsPerSignature uint64
}

// ParseNonceAccount decodes an initialized nonce account. Returns false for
// accounts that are not system-owned, are the wrong size, or are not in the
// initialized state.
func ParseNonceAccount(account *accounts.Account) (*NonceState, bool) {
	if account == nil || account.Owner != types.SystemProgramAddr {
		return nil, false
	}
	if len(account.Data) != NonceAccountSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(account.Data[0:]) != nonceVersionCurrent {
		return nil, false
	}
	if binary.LittleEndian.Uint32(account.Data[4:]) != nonceStateInitialized {
		return nil, false
	}

	state := &NonceState{
		LamportsPerSignature: binary.LittleEndian.Uint64(account.Data[nonceLamportsPerSigOffset:]),
	}
	copy(state.Authority[:], account.Data[nonceAuthorityOffset:])
	copy(state.DurableNonce[:], account.Data[nonceDurableOffset:])
	return state, true
}

// SerializeNonceAccount encodes an initialized nonce state into an 80-byte
// account data buffer.
func SerializeNonceAccount(state *NonceState) []byte {
	data := make([]byte, NonceAccountSize)
	binary.LittleEndian.PutUint32(data[0:], nonceVersionCurrent)
	binary.LittleEndian.PutUint32(data[4:], nonceStateInitialized)
	copy(data[nonceAuthorityOffset:], state.Authority[:])
	copy(data[nonceDurableOffset:], state.DurableNonce[:])
	binary.LittleEndian.PutUint64(data[nonceLamportsPerSigOffset:], state.LamportsPerSignature)
	return data
}

// NonceInfo is a view over a transaction's durable-nonce account.
type NonceInfo interface {
	// Address returns the nonce account address.
	Address() types.Pubkey

	// Account returns the nonce account snapshot.
	Account() *accounts.Account

	// LamportsPerSignature returns the fee rate stored in the nonce state,
	// or false if the account does not parse as an initialized nonce.
	LamportsPerSignature() (uint64, bool)
}

// NoncePartial is the pre-fee snapshot of a nonce account, taken before fee
// assessment.
type NoncePartial struct {
	address types.Pubkey
	account *accounts.Account
}

// NewNoncePartial creates a pre-fee nonce snapshot.
func NewNoncePartial(address types.Pubkey, account *accounts.Account) *NoncePartial {
	return &NoncePartial{address: address, account: account}
}

// Address returns the nonce account address.
func (n *NoncePartial) Address() types.Pubkey { return n.address }

// Account returns the nonce account snapshot.
func (n *NoncePartial) Account() *accounts.Account { return n.account }

// LamportsPerSignature returns the fee rate stored in the nonce state.
func (n *NoncePartial) LamportsPerSignature() (uint64, bool) {
	state, ok := ParseNonceAccount(n.account)
	if !ok {
		return 0, false
	}
	return state.LamportsPerSignature, true
}

// NonceFull is the post-fee view of a nonce account. When the nonce account
// is itself the fee payer, the fee-adjusted fee payer snapshot replaces the
// nonce snapshot and FeePayerAccount is nil; the same account is never held
// in two slots.
type NonceFull struct {
	address         types.Pubkey
	account         *accounts.Account
	feePayerAccount *accounts.Account
}

// NewNonceFull folds a pre-fee nonce snapshot with the fee payer's
// rent-debit-adjusted account.
func NewNonceFull(partial *NoncePartial, feePayerAddress types.Pubkey, feePayerAccount *accounts.Account, rentDebits RentDebits) *NonceFull {
	payer := feePayerAccount.Clone()
	// The loader already deducted rent from the working copy; the rollback
	// view must reflect the pre-rent balance so a failed transaction does
	// not charge rent twice.
	payer.Lamports += rentDebits[feePayerAddress]
	if partial.address == feePayerAddress {
		return &NonceFull{
			address: partial.address,
			account: payer,
		}
	}
	return &NonceFull{
		address:         partial.address,
		account:         partial.account,
		feePayerAccount: payer,
	}
}

// Address returns the nonce account address.
func (n *NonceFull) Address() types.Pubkey { return n.address }

// Account returns the nonce account snapshot.
func (n *NonceFull) Account() *accounts.Account { return n.account }

// FeePayerAccount returns the separately tracked fee payer snapshot, or nil
// when the nonce account is the fee payer.
func (n *NonceFull) FeePayerAccount() *accounts.Account { return n.feePayerAccount }

// LamportsPerSignature returns the fee rate stored in the nonce state.
func (n *NonceFull) LamportsPerSignature() (uint64, bool) {
	state, ok := ParseNonceAccount(n.account)
	if !ok {
		return 0, false
	}
	return state.LamportsPerSignature, true
}

// DurableNonceFee classifies the fee source for a durable-nonce transaction.
type DurableNonceFee struct {
	// Valid is true when the nonce account parsed as initialized.
	Valid bool

	// LamportsPerSignature is the stored fee rate when Valid.
	LamportsPerSignature uint64
}

// NewDurableNonceFee classifies the nonce backing a transaction's fee.
func NewDurableNonceFee(nonce NonceInfo) DurableNonceFee {
	if lps, ok := nonce.LamportsPerSignature(); ok {
		return DurableNonceFee{Valid: true, LamportsPerSignature: lps}
	}
	return DurableNonceFee{}
}
