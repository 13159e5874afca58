package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// Rent parameter defaults.
const (
	// DefaultLamportsPerByteYear is the annual rent rate per byte.
	DefaultLamportsPerByteYear = uint64(3480)

	// DefaultExemptionThreshold is the years-of-rent balance multiple that
	// makes an account rent-exempt.
	DefaultExemptionThreshold = 2.0

	// DefaultBurnPercent is the share of collected rent that is burned.
	DefaultBurnPercent = uint8(50)

	// accountStorageOverhead is the fixed per-account byte overhead charged
	// on top of the data length.
	accountStorageOverhead = uint64(128)

	// defaultEpochsPerYear approximates two-day epochs.
	defaultEpochsPerYear = 182.5
)

// Rent holds the ledger's rent parameters.
type Rent struct {
	// LamportsPerByteYear is the annual rent rate per byte.
	LamportsPerByteYear uint64

	// ExemptionThreshold is the years-of-rent multiple for exemption.
	ExemptionThreshold float64

	// BurnPercent is the share of collected rent that is burned.
	BurnPercent uint8
}

// DefaultRent returns the default rent parameters.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionThreshold:  DefaultExemptionThreshold,
		BurnPercent:         DefaultBurnPercent,
	}
}

// MinimumBalance returns the smallest balance that makes an account with the
// given data length rent-exempt.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	bytes := uint64(dataLen) + accountStorageOverhead
	return uint64(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold)
}

// IsExempt reports whether the given balance exempts an account of the given
// data length from rent.
func (r Rent) IsExempt(lamports uint64, dataLen int) bool {
	return lamports >= r.MinimumBalance(dataLen)
}

// dueAmount returns the rent owed by a non-exempt account after the given
// number of epochs.
func (r Rent) dueAmount(dataLen int, epochsElapsed uint64, epochsPerYear float64) uint64 {
	bytes := uint64(dataLen) + accountStorageOverhead
	yearly := float64(bytes * r.LamportsPerByteYear)
	return uint64(yearly * float64(epochsElapsed) / epochsPerYear)
}

// RentCollector assesses rent against writable accounts during loading.
type RentCollector struct {
	// Epoch is the current epoch.
	Epoch uint64

	// EpochsPerYear converts epochs to rent years.
	EpochsPerYear float64

	// Rent holds the rent parameters.
	Rent Rent
}

// NewRentCollector creates a rent collector for the given epoch with default
// parameters.
func NewRentCollector(epoch uint64) *RentCollector {
	return &RentCollector{
		Epoch:         epoch,
		EpochsPerYear: defaultEpochsPerYear,
		Rent:          DefaultRent(),
	}
}

// CollectedInfo reports a single rent collection.
type CollectedInfo struct {
	// RentAmount is the lamports collected.
	RentAmount uint64

	// AccountDataLenReclaimed is the bytes reclaimed when the account was
	// drained to zero.
	AccountDataLenReclaimed uint64
}

// CollectFromExistingAccount assesses rent against an account, mutating its
// lamports and rent epoch. Rent-exempt accounts are normalized to the exempt
// sentinel. An account that cannot cover its rent is drained and reset to the
// default account shape.
func (rc *RentCollector) CollectFromExistingAccount(account *accounts.Account) CollectedInfo {
	if account.RentEpoch == accounts.RentExemptRentEpoch || account.RentEpoch > rc.Epoch {
		return CollectedInfo{}
	}

	if rc.Rent.IsExempt(account.Lamports, len(account.Data)) {
		account.RentEpoch = accounts.RentExemptRentEpoch
		return CollectedInfo{}
	}

	epochsElapsed := rc.Epoch - account.RentEpoch
	rentDue := rc.Rent.dueAmount(len(account.Data), epochsElapsed, rc.EpochsPerYear)
	if rentDue == 0 {
		return CollectedInfo{}
	}

	if rentDue >= account.Lamports {
		// Drained accounts are reclaimed entirely.
		collected := CollectedInfo{
			RentAmount:              account.Lamports,
			AccountDataLenReclaimed: uint64(len(account.Data)),
		}
		*account = *accounts.NewDefault()
		return collected
	}

	account.Lamports -= rentDue
	account.RentEpoch = rc.Epoch + 1
	return CollectedInfo{RentAmount: rentDue}
}

// RentDebits accumulates per-account rent collected for one transaction.
type RentDebits map[types.Pubkey]uint64

// Insert records collected rent for an account. Zero amounts are not
// recorded.
func (rd RentDebits) Insert(address types.Pubkey, amount uint64) {
	if amount == 0 {
		return
	}
	rd[address] += amount
}

// Sum returns the total rent recorded.
func (rd RentDebits) Sum() uint64 {
	var total uint64
	for _, amount := range rd {
		total += amount
	}
	return total
}

// rentStateKind classifies an account's rent standing.
type rentStateKind int

const (
	// rentStateUninitialized is a zero-lamport account.
	rentStateUninitialized rentStateKind = iota

	// rentStatePaying is a funded account below the exemption threshold.
	rentStatePaying

	// rentStateExempt is a funded account at or above the threshold.
	rentStateExempt
)

// rentState is a pre- or post-execution snapshot of one account's standing.
type rentState struct {
	kind     rentStateKind
	dataSize int
	lamports uint64
}

// accountRentState classifies an account against the rent parameters.
func accountRentState(rent Rent, account *accounts.Account) rentState {
	if account.Lamports == 0 {
		return rentState{kind: rentStateUninitialized}
	}
	if rent.IsExempt(account.Lamports, len(account.Data)) {
		return rentState{kind: rentStateExempt}
	}
	return rentState{
		kind:     rentStatePaying,
		dataSize: len(account.Data),
		lamports: account.Lamports,
	}
}

// rentTransitionAllowed reports whether moving from pre to post is a legal
// rent-state transition. Accounts may become exempt or be emptied freely; a
// rent-paying account may stay rent-paying only if it did not grow and did
// not gain lamports, and no account may newly become rent-paying.
func rentTransitionAllowed(pre, post rentState) bool {
	if post.kind != rentStatePaying {
		return true
	}
	if pre.kind != rentStatePaying {
		return false
	}
	return post.dataSize == pre.dataSize && post.lamports <= pre.lamports
}
