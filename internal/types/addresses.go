// Package types provides well-known program and sysvar addresses.
package types

import "fmt"

// Native program addresses.
// These are the same across Solana mainnet and X1.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// ComputeBudgetProgramAddr is the Compute Budget Program address.
	ComputeBudgetProgramAddr = MustPubkeyFromBase58("ComputeBudget111111111111111111111111111111")

	// BPFLoaderAddr is the BPF Loader address.
	BPFLoaderAddr = MustPubkeyFromBase58("BPFLoader1111111111111111111111111111111111")

	// BPFLoader2Addr is the BPF Loader 2 address.
	BPFLoader2Addr = MustPubkeyFromBase58("BPFLoader2111111111111111111111111111111111")

	// BPFLoaderUpgradeableAddr is the BPF Loader Upgradeable address.
	BPFLoaderUpgradeableAddr = MustPubkeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")

	// LoaderV4Addr is the Loader V4 address.
	LoaderV4Addr = MustPubkeyFromBase58("LoaderV411111111111111111111111111111111111")

	// NativeLoaderAddr is the Native Loader address.
	NativeLoaderAddr = MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")
)

// Sysvar addresses.
var (
	// SysvarOwnerAddr owns every sysvar account.
	SysvarOwnerAddr = MustPubkeyFromBase58("Sysvar1111111111111111111111111111111111111")

	// SysvarClockAddr is the Clock sysvar address.
	SysvarClockAddr = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")

	// SysvarEpochScheduleAddr is the Epoch Schedule sysvar address.
	SysvarEpochScheduleAddr = MustPubkeyFromBase58("SysvarEpochSchedu1e111111111111111111111111")

	// SysvarSlotHashesAddr is the Slot Hashes sysvar address.
	SysvarSlotHashesAddr = MustPubkeyFromBase58("SysvarS1otHashes111111111111111111111111111")

	// SysvarInstructionsAddr is the Instructions sysvar address.
	// Its account is synthesized from the transaction's own message and is
	// never loaded from external state.
	SysvarInstructionsAddr = MustPubkeyFromBase58("Sysvar1nstructions1111111111111111111111111")

	// SysvarLastRestartSlotAddr is the Last Restart Slot sysvar address.
	SysvarLastRestartSlotAddr = MustPubkeyFromBase58("SysvarLastRestartS1ot1111111111111111111111")
)

// ProgramOwners lists the loader programs that can own executable program
// accounts. Accounts owned by one of these keys are treated as candidate
// programs during batch processing.
var ProgramOwners = []Pubkey{
	BPFLoaderUpgradeableAddr,
	BPFLoader2Addr,
	BPFLoaderAddr,
	LoaderV4Addr,
}

// MustPubkeyFromBase58 parses a base58 pubkey or panics.
// Only use for compile-time constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey constant %q: %v", s, err))
	}
	return p
}

// IsNativeProgram returns true if the pubkey is a native program.
func IsNativeProgram(p Pubkey) bool {
	switch p {
	case SystemProgramAddr,
		ComputeBudgetProgramAddr,
		BPFLoaderAddr,
		BPFLoader2Addr,
		BPFLoaderUpgradeableAddr,
		LoaderV4Addr,
		NativeLoaderAddr:
		return true
	default:
		return false
	}
}

// IsSysvar returns true if the pubkey is a sysvar.
func IsSysvar(p Pubkey) bool {
	switch p {
	case SysvarClockAddr,
		SysvarRentAddr,
		SysvarEpochScheduleAddr,
		SysvarSlotHashesAddr,
		SysvarInstructionsAddr,
		SysvarLastRestartSlotAddr:
		return true
	default:
		return false
	}
}
