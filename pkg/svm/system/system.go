// Package system implements the System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
// - Creating accounts with seed-derived addresses
// - Managing durable nonce accounts
package system

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
	"github.com/fortiblox/X1-Runtime/pkg/runtime"
)

// Instruction discriminants.
const (
	InstructionCreateAccount = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
	InstructionAllocateWithSeed
	InstructionAssignWithSeed
	InstructionTransferWithSeed
	InstructionUpgradeNonceAccount
)

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrInvalidSeed              = errors.New("invalid seed")
	ErrInvalidNonceState        = errors.New("invalid nonce account state")
	ErrNonceUnchanged           = errors.New("nonce blockhash unchanged")
	ErrNonceAuthorityMismatch   = errors.New("nonce authority mismatch")
)

// Maximum account data size.
const MaxAccountDataSize = 10 * 1024 * 1024 // 10 MB

// Maximum seed length for seed-derived addresses.
const MaxSeedLen = 32

// AccountHandle is an account borrowed from the transaction context for the
// duration of one instruction. Mutations land directly on the underlying
// account.
type AccountHandle struct {
	Key        types.Pubkey
	Account    *accounts.Account
	IsSigner   bool
	IsWritable bool
}

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// Account borrows the instruction account at the given index.
	Account(index int) (*AccountHandle, error)

	// RentMinimum returns the rent-exempt minimum for given data size.
	RentMinimum(dataLen uint64) uint64

	// Blockhash returns the transaction's recent blockhash.
	Blockhash() types.Hash

	// Log records a log message.
	Log(msg string)
}

// Processor executes System Program instructions.
type Processor struct{}

// NewProcessor creates a new System Program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes a System Program instruction.
func (p *Processor) Process(ctx InvokeContext, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}

	instruction := binary.LittleEndian.Uint32(data[:4])

	switch instruction {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, data[4:])
	case InstructionAssign:
		return p.processAssign(ctx, data[4:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[4:])
	case InstructionAllocate:
		return p.processAllocate(ctx, data[4:])
	case InstructionCreateAccountWithSeed:
		return p.processCreateAccountWithSeed(ctx, data[4:])
	case InstructionAllocateWithSeed:
		return p.processAllocateWithSeed(ctx, data[4:])
	case InstructionAssignWithSeed:
		return p.processAssignWithSeed(ctx, data[4:])
	case InstructionTransferWithSeed:
		return p.processTransferWithSeed(ctx, data[4:])
	case InstructionAdvanceNonceAccount:
		return p.processAdvanceNonce(ctx)
	case InstructionWithdrawNonceAccount:
		return p.processWithdrawNonce(ctx, data[4:])
	case InstructionInitializeNonceAccount:
		return p.processInitializeNonce(ctx, data[4:])
	case InstructionAuthorizeNonceAccount:
		return p.processAuthorizeNonce(ctx, data[4:])
	default:
		return ErrInvalidInstructionData
	}
}

// processCreateAccount creates a new account.
func (p *Processor) processCreateAccount(ctx InvokeContext, data []byte) error {
	// Parse parameters: lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	// Accounts: [0] = funding account, [1] = new account
	funder, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	newAccount, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !funder.IsSigner || !newAccount.IsSigner {
		return ErrMissingRequiredSignature
	}
	if funder.Account.Lamports < lamports {
		return ErrInsufficientFunds
	}

	// New account must be untouched system-owned space.
	if newAccount.Account.Owner != types.SystemProgramAddr ||
		len(newAccount.Account.Data) > 0 || newAccount.Account.Lamports > 0 {
		return ErrAccountAlreadyInUse
	}

	if lamports < ctx.RentMinimum(space) {
		return ErrAccountNotRentExempt
	}

	funder.Account.Lamports -= lamports
	newAccount.Account.Lamports = lamports
	newAccount.Account.Data = make([]byte, space)
	newAccount.Account.Owner = owner

	ctx.Log("CreateAccount: success")
	return nil
}

// processAssign changes the owner of an account.
func (p *Processor) processAssign(ctx InvokeContext, data []byte) error {
	// Parse parameters: owner (32)
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}

	var newOwner types.Pubkey
	copy(newOwner[:], data[0:32])

	account, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Account.Owner != types.SystemProgramAddr {
		return ErrInvalidAccountOwner
	}

	account.Account.Owner = newOwner

	ctx.Log("Assign: success")
	return nil
}

// processTransfer transfers lamports between accounts.
func (p *Processor) processTransfer(ctx InvokeContext, data []byte) error {
	// Parse parameters: lamports (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[0:8])

	// Accounts: [0] = from, [1] = to
	from, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	to, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !from.IsWritable {
		return errors.New("source account not writable")
	}
	if !to.IsWritable {
		return errors.New("destination account not writable")
	}

	if from.Account.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if to.Account.Lamports > ^uint64(0)-lamports {
		return errors.New("lamport overflow")
	}

	from.Account.Lamports -= lamports
	to.Account.Lamports += lamports

	ctx.Log("Transfer: success")
	return nil
}

// processAllocate allocates space in an account.
func (p *Processor) processAllocate(ctx InvokeContext, data []byte) error {
	// Parse parameters: space (8)
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}

	space := binary.LittleEndian.Uint64(data[0:8])
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	account, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Account.Owner != types.SystemProgramAddr {
		return ErrInvalidAccountOwner
	}

	// Cannot shrink an account.
	if uint64(len(account.Account.Data)) > space {
		return ErrAccountDataTooSmall
	}

	if uint64(len(account.Account.Data)) < space {
		newData := make([]byte, space)
		copy(newData, account.Account.Data)
		account.Account.Data = newData
	}

	ctx.Log("Allocate: success")
	return nil
}

// processCreateAccountWithSeed creates an account with a seed-derived address.
func (p *Processor) processCreateAccountWithSeed(ctx InvokeContext, data []byte) error {
	// Parse parameters:
	// base (32) + seed_len (8) + seed (variable) + lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}

	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || len(data) < int(48+seedLen) {
		return ErrInvalidSeed
	}

	seed := data[40 : 40+seedLen]
	offset := 40 + seedLen

	if len(data) < int(offset+48) {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[offset : offset+8])
	space := binary.LittleEndian.Uint64(data[offset+8 : offset+16])
	var owner types.Pubkey
	copy(owner[:], data[offset+16:offset+48])

	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	// Accounts: [0] = funding account, [1] = created account
	funder, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	newAccount, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !funder.IsSigner {
		return ErrMissingRequiredSignature
	}
	if funder.Account.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if newAccount.Account.Owner != types.SystemProgramAddr ||
		len(newAccount.Account.Data) > 0 || newAccount.Account.Lamports > 0 {
		return ErrAccountAlreadyInUse
	}

	expectedAddr := CreateWithSeedAddress(base, string(seed), owner)
	if expectedAddr != newAccount.Key {
		return errors.New("create address with seed mismatch")
	}

	if lamports < ctx.RentMinimum(space) {
		return ErrAccountNotRentExempt
	}

	funder.Account.Lamports -= lamports
	newAccount.Account.Lamports = lamports
	newAccount.Account.Data = make([]byte, space)
	newAccount.Account.Owner = owner

	ctx.Log("CreateAccountWithSeed: success")
	return nil
}

// processAllocateWithSeed allocates space in a seed-derived account.
func (p *Processor) processAllocateWithSeed(ctx InvokeContext, data []byte) error {
	// Parse: base (32) + seed_len (8) + seed + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}

	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || len(data) < int(48+seedLen) {
		return ErrInvalidSeed
	}

	seed := data[40 : 40+seedLen]
	offset := 40 + seedLen

	if len(data) < int(offset+40) {
		return ErrInvalidInstructionData
	}

	space := binary.LittleEndian.Uint64(data[offset : offset+8])
	var owner types.Pubkey
	copy(owner[:], data[offset+8:offset+40])

	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	account, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	expectedAddr := CreateWithSeedAddress(base, string(seed), owner)
	if expectedAddr != account.Key {
		return errors.New("allocate address with seed mismatch")
	}
	if account.Account.Owner != types.SystemProgramAddr {
		return ErrInvalidAccountOwner
	}

	if uint64(len(account.Account.Data)) < space {
		newData := make([]byte, space)
		copy(newData, account.Account.Data)
		account.Account.Data = newData
	}
	account.Account.Owner = owner

	ctx.Log("AllocateWithSeed: success")
	return nil
}

// processAssignWithSeed assigns owner to a seed-derived account.
func (p *Processor) processAssignWithSeed(ctx InvokeContext, data []byte) error {
	// Parse: base (32) + seed_len (8) + seed + owner (32)
	if len(data) < 40 {
		return ErrInvalidInstructionData
	}

	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > MaxSeedLen || len(data) < int(72+seedLen) {
		return ErrInvalidSeed
	}

	seed := data[40 : 40+seedLen]
	offset := 40 + seedLen

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])

	account, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	expectedAddr := CreateWithSeedAddress(base, string(seed), owner)
	if expectedAddr != account.Key {
		return errors.New("assign address with seed mismatch")
	}
	if account.Account.Owner != types.SystemProgramAddr {
		return ErrInvalidAccountOwner
	}

	account.Account.Owner = owner

	ctx.Log("AssignWithSeed: success")
	return nil
}

// processTransferWithSeed transfers from a seed-derived account.
func (p *Processor) processTransferWithSeed(ctx InvokeContext, data []byte) error {
	// Parse: lamports (8) + from_seed_len (8) + from_seed + from_owner (32)
	if len(data) < 16 {
		return ErrInvalidInstructionData
	}

	lamports := binary.LittleEndian.Uint64(data[0:8])
	seedLen := binary.LittleEndian.Uint64(data[8:16])

	if seedLen > MaxSeedLen || len(data) < int(48+seedLen) {
		return ErrInvalidSeed
	}

	seed := data[16 : 16+seedLen]
	offset := 16 + seedLen

	var fromOwner types.Pubkey
	copy(fromOwner[:], data[offset:offset+32])

	// Accounts: [0] = from, [1] = base, [2] = to
	from, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	base, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	to, err := ctx.Account(2)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !base.IsSigner {
		return ErrMissingRequiredSignature
	}

	expectedAddr := CreateWithSeedAddress(base.Key, string(seed), fromOwner)
	if expectedAddr != from.Key {
		return errors.New("transfer address with seed mismatch")
	}

	if from.Account.Lamports < lamports {
		return ErrInsufficientFunds
	}

	from.Account.Lamports -= lamports
	to.Account.Lamports += lamports

	ctx.Log("TransferWithSeed: success")
	return nil
}

// processAdvanceNonce rotates the durable nonce stored in a nonce account to
// the value derived from the current blockhash.
//
// Accounts: [0] = nonce account, [1] = nonce authority.
func (p *Processor) processAdvanceNonce(ctx InvokeContext) error {
	nonceAccount, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	authority, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if !nonceAccount.IsWritable {
		return errors.New("nonce account not writable")
	}

	state, ok := runtime.ParseNonceAccount(nonceAccount.Account)
	if !ok {
		return ErrInvalidNonceState
	}
	if authority.Key != state.Authority {
		return ErrNonceAuthorityMismatch
	}
	if !authority.IsSigner {
		return ErrMissingRequiredSignature
	}

	next := DurableNonceFromBlockhash(ctx.Blockhash())
	if next == state.DurableNonce {
		return ErrNonceUnchanged
	}

	state.DurableNonce = next
	nonceAccount.Account.Data = runtime.SerializeNonceAccount(state)

	ctx.Log("AdvanceNonceAccount: success")
	return nil
}

// processWithdrawNonce moves lamports out of a nonce account. Partial
// withdrawals must leave the account rent exempt.
//
// Accounts: [0] = nonce account, [1] = recipient, [2] = nonce authority.
func (p *Processor) processWithdrawNonce(ctx InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	nonceAccount, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	to, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	authority, err := ctx.Account(2)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	state, ok := runtime.ParseNonceAccount(nonceAccount.Account)
	if !ok {
		return ErrInvalidNonceState
	}
	if authority.Key != state.Authority {
		return ErrNonceAuthorityMismatch
	}
	if !authority.IsSigner {
		return ErrMissingRequiredSignature
	}

	if nonceAccount.Account.Lamports < lamports {
		return ErrInsufficientFunds
	}
	remaining := nonceAccount.Account.Lamports - lamports
	if remaining > 0 && remaining < ctx.RentMinimum(runtime.NonceAccountSize) {
		return ErrAccountNotRentExempt
	}

	nonceAccount.Account.Lamports -= lamports
	to.Account.Lamports += lamports

	ctx.Log("WithdrawNonceAccount: success")
	return nil
}

// processInitializeNonce writes the initialized nonce state into a
// pre-allocated system account.
//
// Accounts: [0] = nonce account.
func (p *Processor) processInitializeNonce(ctx InvokeContext, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	var authority types.Pubkey
	copy(authority[:], data[0:32])

	nonceAccount, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	if nonceAccount.Account.Owner != types.SystemProgramAddr {
		return ErrInvalidAccountOwner
	}
	if len(nonceAccount.Account.Data) != runtime.NonceAccountSize {
		return ErrAccountDataTooSmall
	}
	if _, ok := runtime.ParseNonceAccount(nonceAccount.Account); ok {
		return ErrAccountAlreadyInUse
	}
	if nonceAccount.Account.Lamports < ctx.RentMinimum(runtime.NonceAccountSize) {
		return ErrAccountNotRentExempt
	}

	state := &runtime.NonceState{
		Authority:            authority,
		DurableNonce:         DurableNonceFromBlockhash(ctx.Blockhash()),
		LamportsPerSignature: runtime.DefaultLamportsPerSignature,
	}
	nonceAccount.Account.Data = runtime.SerializeNonceAccount(state)

	ctx.Log("InitializeNonceAccount: success")
	return nil
}

// processAuthorizeNonce replaces the nonce authority.
//
// Accounts: [0] = nonce account, [1] = current authority.
func (p *Processor) processAuthorizeNonce(ctx InvokeContext, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	var newAuthority types.Pubkey
	copy(newAuthority[:], data[0:32])

	nonceAccount, err := ctx.Account(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	authority, err := ctx.Account(1)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}

	state, ok := runtime.ParseNonceAccount(nonceAccount.Account)
	if !ok {
		return ErrInvalidNonceState
	}
	if authority.Key != state.Authority {
		return ErrNonceAuthorityMismatch
	}
	if !authority.IsSigner {
		return ErrMissingRequiredSignature
	}

	state.Authority = newAuthority
	nonceAccount.Account.Data = runtime.SerializeNonceAccount(state)

	ctx.Log("AuthorizeNonceAccount: success")
	return nil
}

// CreateWithSeedAddress derives an address from base + seed + owner.
func CreateWithSeedAddress(base types.Pubkey, seed string, owner types.Pubkey) types.Pubkey {
	// SHA256(base + seed + owner)
	h := sha256.New()
	h.Write(base[:])
	h.Write([]byte(seed))
	h.Write(owner[:])

	var result types.Pubkey
	copy(result[:], h.Sum(nil))
	return result
}

// DurableNonceFromBlockhash derives the durable nonce value recorded when a
// nonce is advanced.
func DurableNonceFromBlockhash(blockhash types.Hash) types.Hash {
	h := sha256.New()
	h.Write([]byte("DURABLE_NONCE"))
	h.Write(blockhash[:])

	var result types.Hash
	copy(result[:], h.Sum(nil))
	return result
}
