package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// DefaultLamportsPerSignature is the base signature fee rate.
const DefaultLamportsPerSignature = uint64(5000)

// AccountOverrides substitutes accounts by address during loading, used to
// simulate state without touching the account source. Overridden accounts are
// size-counted but never rent-collected.
type AccountOverrides struct {
	accounts map[types.Pubkey]*accounts.Account
}

// NewAccountOverrides creates an empty override set.
func NewAccountOverrides() *AccountOverrides {
	return &AccountOverrides{accounts: make(map[types.Pubkey]*accounts.Account)}
}

// Set records an override for an address.
func (o *AccountOverrides) Set(address types.Pubkey, account *accounts.Account) {
	o.accounts[address] = account
}

// Get returns the override for an address, or nil.
func (o *AccountOverrides) Get(address types.Pubkey) *accounts.Account {
	if o == nil {
		return nil
	}
	return o.accounts[address]
}

// FeatureSet gates behavior changes.
type FeatureSet struct {
	// DisableRentCollection turns off rent assessment during loading;
	// rent-exempt accounts still get their rent epoch normalized to the
	// exempt sentinel.
	DisableRentCollection bool

	// IncludeLoadedAccountsDataSizeInFee adds a loaded-bytes component to
	// the transaction fee.
	IncludeLoadedAccountsDataSizeInFee bool
}

// DefaultFeatureSet returns the current default feature gates.
func DefaultFeatureSet() FeatureSet {
	return FeatureSet{
		DisableRentCollection: true,
	}
}

// FeeStructure holds the fee rates used to price a transaction.
type FeeStructure struct {
	// LamportsPerSignature is the base per-signature rate.
	LamportsPerSignature uint64

	// LamportsPerLoadedMiB prices loaded account bytes when the
	// data-size-in-fee feature is active.
	LamportsPerLoadedMiB uint64
}

// DefaultFeeStructure returns the default fee rates.
func DefaultFeeStructure() FeeStructure {
	return FeeStructure{
		LamportsPerSignature: DefaultLamportsPerSignature,
		LamportsPerLoadedMiB: 0,
	}
}

// CalculateFee prices a transaction: per-signature fee at the given rate,
// plus the prioritization fee derived from the compute budget, plus an
// optional loaded-bytes component.
func (f FeeStructure) CalculateFee(msg *Message, lamportsPerSignature uint64, budget ComputeBudgetLimits, features FeatureSet) uint64 {
	signatureFee := uint64(msg.Header.NumRequiredSignatures) * lamportsPerSignature

	// Prioritization fee: micro-lamports per unit, rounded up.
	prioritizationFee := (budget.ComputeUnitPrice*uint64(budget.ComputeUnitLimit) + 999_999) / 1_000_000

	fee := signatureFee + prioritizationFee

	if features.IncludeLoadedAccountsDataSizeInFee && f.LamportsPerLoadedMiB > 0 {
		loadedMiB := uint64(budget.LoadedAccountsBytes) / (1024 * 1024)
		fee += loadedMiB * f.LamportsPerLoadedMiB
	}

	return fee
}

// ExecutionRecordingConfig controls which execution artifacts are captured in
// results.
type ExecutionRecordingConfig struct {
	// EnableCPIRecording captures the inner-instruction trace.
	EnableCPIRecording bool

	// EnableLogRecording captures program log messages.
	EnableLogRecording bool

	// EnableReturnDataRecording captures program return data.
	EnableReturnDataRecording bool
}

// ProcessingConfig is the immutable per-batch configuration, shared by
// reference through every step and never mutated.
type ProcessingConfig struct {
	// AccountOverrides substitutes accounts during loading. Optional.
	AccountOverrides *AccountOverrides

	// Blockhash is the batch's reference blockhash.
	Blockhash types.Hash

	// ComputeBudget overrides per-transaction compute-budget parsing when
	// set.
	ComputeBudget *ComputeBudgetLimits

	// FeatureSet gates behavior changes.
	FeatureSet FeatureSet

	// FeeStructure holds the fee rates.
	FeeStructure FeeStructure

	// LamportsPerSignature is the batch's signature fee rate. A zero rate
	// makes transactions free.
	LamportsPerSignature uint64

	// LogMessagesBytesLimit caps captured log bytes per transaction. Zero
	// means unlimited.
	LogMessagesBytesLimit uint64

	// LimitToLoadPrograms stops the loader after program resolution without
	// executing, for preflight checks.
	LimitToLoadPrograms bool

	// RecordingConfig controls captured execution artifacts.
	RecordingConfig ExecutionRecordingConfig

	// RentCollector assesses rent during loading. Required when rent
	// collection is active.
	RentCollector *RentCollector

	// Slot is the slot the batch executes in.
	Slot uint64
}

// DefaultProcessingConfig returns a config with default fees, features, and
// rent parameters for the given slot.
func DefaultProcessingConfig(slot uint64) *ProcessingConfig {
	return &ProcessingConfig{
		FeatureSet:           DefaultFeatureSet(),
		FeeStructure:         DefaultFeeStructure(),
		LamportsPerSignature: DefaultLamportsPerSignature,
		RecordingConfig: ExecutionRecordingConfig{
			EnableLogRecording: true,
		},
		RentCollector: NewRentCollector(0),
		Slot:          slot,
	}
}
