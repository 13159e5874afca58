package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// LoadTransactionAccounts loads every account one transaction's message
// references, in message order, producing the transaction's working set.
//
// Per key: the instructions sysvar is synthesized from the message itself;
// overridden accounts are used verbatim; readonly non-instruction program
// keys are hard loads; everything else loads with rent assessment on writable
// hits and default-account synthesis on misses. Every loaded byte counts
// against the budget. Index 0 is the fee payer and is validated and charged
// before any instruction executes. After the scan, per-instruction program
// index chains are built, loading and appending owner accounts as needed.
//
// A returned error is terminal for this transaction only; it is recorded in
// metrics here.
func LoadTransactionAccounts(
	loader AccountLoader,
	msg *Message,
	nonce *NoncePartial,
	fee uint64,
	programAccountKeys map[types.Pubkey]bool,
	limits ComputeBudgetLimits,
	cfg *ProcessingConfig,
	metrics *ErrorMetrics,
) (*LoadedTransaction, *TxError) {
	fail := func(err *TxError) (*LoadedTransaction, *TxError) {
		metrics.Record(err)
		return nil, err
	}

	// The fee payer check must run exactly once, at index 0.
	if len(msg.AccountKeys) == 0 {
		return fail(NewTxError(TxErrAccountNotFound))
	}

	loaded := &LoadedTransaction{
		Accounts:   make([]KeyedAccount, 0, len(msg.AccountKeys)),
		RentDebits: make(RentDebits),
	}
	accountFound := make([]bool, len(msg.AccountKeys))

	collectRent := !cfg.FeatureSet.DisableRentCollection && cfg.RentCollector != nil
	rent := rentParams(cfg)

	for i, key := range msg.AccountKeys {
		var account *accounts.Account
		found := true

		switch {
		case key == types.SysvarInstructionsAddr:
			// Synthesized from the message, never loaded externally.
			account = &accounts.Account{
				Data:  msg.ConstructInstructionsData(),
				Owner: types.SysvarOwnerAddr,
			}

		case cfg.AccountOverrides.Get(key) != nil:
			// Size counted, no rent collected.
			account = cfg.AccountOverrides.Get(key).Clone()

		case !msg.IsWritable(i) && !msg.IsInstructionAccount(i) && programAccountKeys[key]:
			// Readonly program key: a miss fails the whole transaction.
			account = loader.LoadAccount(key)
			if account == nil {
				return fail(NewTxError(TxErrAccountNotFound))
			}

		default:
			account = loader.LoadAccount(key)
			if account != nil {
				if msg.IsWritable(i) {
					if collectRent {
						collected := cfg.RentCollector.CollectFromExistingAccount(account)
						loaded.RentCollected += collected.RentAmount
						loaded.RentDebits.Insert(key, collected.RentAmount)
					} else if account.RentEpoch != accounts.RentExemptRentEpoch &&
						rent.IsExempt(account.Lamports, len(account.Data)) {
						account.RentEpoch = accounts.RentExemptRentEpoch
					}
				}
			} else {
				account = accounts.NewDefault()
				found = false
			}
		}

		accountFound[i] = found

		if err := accumulateLoadedSize(&loaded.LoadedAccountsDataSize, account, limits.LoadedAccountsBytes); err != nil {
			return fail(err)
		}

		if i == 0 {
			if err := validateFeePayer(account, found, fee, rent); err != nil {
				return fail(err)
			}
		}

		loaded.Accounts = append(loaded.Accounts, KeyedAccount{Key: key, Account: account})
	}

	// Build the per-instruction program index chains. Owner accounts not
	// already present are loaded and appended past the message accounts.
	loaded.ProgramIndices = make([][]uint16, 0, len(msg.Instructions))
	for i := range msg.Instructions {
		chain, err := resolveProgramIndices(
			loader, msg, int(msg.Instructions[i].ProgramIDIndex),
			loaded, accountFound, limits.LoadedAccountsBytes,
		)
		if err != nil {
			return fail(err)
		}
		loaded.ProgramIndices = append(loaded.ProgramIndices, chain)
	}

	if nonce != nil {
		loaded.Nonce = NewNonceFull(nonce, msg.AccountKeys[0], loaded.Accounts[0].Account, loaded.RentDebits)
	}

	return loaded, nil
}

// rentParams returns the rent parameters in effect for the batch.
func rentParams(cfg *ProcessingConfig) Rent {
	if cfg.RentCollector != nil {
		return cfg.RentCollector.Rent
	}
	return DefaultRent()
}

// accumulateLoadedSize counts an account's data against the loaded-bytes
// budget.
func accumulateLoadedSize(total *uint32, account *accounts.Account, limit uint32) *TxError {
	size := uint64(*total) + uint64(len(account.Data))
	if size > uint64(limit) {
		return NewTxError(TxErrMaxLoadedAccountsDataSizeExceeded)
	}
	*total = uint32(size)
	return nil
}

// validateFeePayer checks the fee payer (account index 0) and deducts the
// fee. The fee payer must exist, be a system account or an initialized nonce
// account, and keep a nonce's minimum-balance reserve intact after the fee.
// The deduction may not push the payer from rent-exempt to rent-paying.
func validateFeePayer(account *accounts.Account, found bool, fee uint64, rent Rent) *TxError {
	if !found || account.Lamports == 0 {
		return NewTxError(TxErrAccountNotFound)
	}

	// The payer must be a plain system account or an initialized nonce
	// account. A nonce payer keeps its minimum-balance reserve intact.
	var minBalance uint64
	if account.Owner != types.SystemProgramAddr {
		return NewTxError(TxErrInvalidAccountForFee)
	}
	if len(account.Data) != 0 {
		if _, ok := ParseNonceAccount(account); !ok {
			return NewTxError(TxErrInvalidAccountForFee)
		}
		minBalance = rent.MinimumBalance(NonceAccountSize)
	}

	if account.Lamports < minBalance+fee {
		return NewTxError(TxErrInsufficientFundsForFee)
	}

	pre := accountRentState(rent, account)
	account.Lamports -= fee
	post := accountRentState(rent, account)
	if !rentTransitionAllowed(pre, post) {
		return NewTxError(TxErrInvalidRentPayingAccount)
	}

	return nil
}

// resolveProgramIndices builds one instruction's [ownerIndex?, programIndex]
// chain, validating the execution ownership chain: the native loader invokes
// directly; anything else must be an executable account whose owner is an
// executable native-loader-owned second-level loader.
func resolveProgramIndices(
	loader AccountLoader,
	msg *Message,
	programIDIndex int,
	loaded *LoadedTransaction,
	accountFound []bool,
	sizeLimit uint32,
) ([]uint16, *TxError) {
	if programIDIndex >= len(msg.AccountKeys) {
		return nil, NewTxError(TxErrProgramAccountNotFound)
	}
	programID := msg.AccountKeys[programIDIndex]

	// The native loader invokes builtins directly.
	if programID == types.NativeLoaderAddr {
		return []uint16{}, nil
	}

	if !accountFound[programIDIndex] {
		return nil, NewTxError(TxErrProgramAccountNotFound)
	}
	programAccount := loaded.Accounts[programIDIndex].Account
	if !programAccount.Executable {
		return nil, NewTxError(TxErrInvalidProgramForExecution)
	}

	owner := programAccount.Owner
	if owner == types.NativeLoaderAddr {
		return []uint16{uint16(programIDIndex)}, nil
	}

	// Second-level loader: reuse it if already loaded, otherwise load and
	// append it, re-checking the size budget.
	for j := range loaded.Accounts {
		if loaded.Accounts[j].Key != owner {
			continue
		}
		if err := validateLoaderAccount(loaded.Accounts[j].Account); err != nil {
			return nil, err
		}
		return []uint16{uint16(j), uint16(programIDIndex)}, nil
	}

	ownerAccount := loader.LoadAccount(owner)
	if ownerAccount == nil {
		return nil, NewTxError(TxErrProgramAccountNotFound)
	}
	if err := validateLoaderAccount(ownerAccount); err != nil {
		return nil, err
	}
	if err := accumulateLoadedSize(&loaded.LoadedAccountsDataSize, ownerAccount, sizeLimit); err != nil {
		return nil, err
	}
	ownerIndex := uint16(len(loaded.Accounts))
	loaded.Accounts = append(loaded.Accounts, KeyedAccount{Key: owner, Account: ownerAccount})

	return []uint16{ownerIndex, uint16(programIDIndex)}, nil
}

// validateLoaderAccount checks that a program's owner is itself an
// executable native-loader-owned loader.
func validateLoaderAccount(account *accounts.Account) *TxError {
	if account.Owner != types.NativeLoaderAddr || !account.Executable {
		return NewTxError(TxErrInvalidProgramForExecution)
	}
	return nil
}
