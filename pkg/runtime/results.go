package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// KeyedAccount pairs an address with its per-transaction working copy.
type KeyedAccount struct {
	Key     types.Pubkey
	Account *accounts.Account
}

// LoadedTransaction is one transaction's working set: its account keys in
// message order (plus resolved program-owner accounts appended at the end),
// the per-instruction program index chains, the resolved nonce, and the rent
// accounting from loading. Created once by the loader, mutated in place by
// execution, handed back for the caller to persist.
type LoadedTransaction struct {
	// Accounts holds the working copies, message order first.
	Accounts []KeyedAccount

	// ProgramIndices maps each instruction to the index chain
	// [ownerIndex?, programIndex] into Accounts.
	ProgramIndices [][]uint16

	// Nonce is the resolved durable nonce, if the transaction uses one.
	Nonce *NonceFull

	// RentCollected is the total rent collected during loading.
	RentCollected uint64

	// RentDebits records rent collected per account.
	RentDebits RentDebits

	// LoadedAccountsDataSize is the total bytes counted against the
	// loaded-bytes budget.
	LoadedAccountsDataSize uint32
}

// InnerInstruction is one entry of a recorded cross-program invocation trace.
type InnerInstruction struct {
	// Instruction is the invoked instruction.
	Instruction CompiledInstruction

	// StackHeight is the invocation depth, 1 for top level.
	StackHeight uint8
}

// ExecutionDetails carries everything observed while executing one
// transaction.
type ExecutionDetails struct {
	// Status is nil for success, or the terminal error. A transaction can
	// be executed and still fail; account changes from a failed attempt are
	// discarded by the caller.
	Status *TxError

	// LogMessages holds recorded program logs, nil when log recording is
	// off.
	LogMessages []string

	// InnerInstructions holds the recorded invocation trace per top-level
	// instruction, nil when CPI recording is off.
	InnerInstructions [][]InnerInstruction

	// DurableNonceFee classifies the fee source for durable-nonce
	// transactions, nil otherwise.
	DurableNonceFee *DurableNonceFee

	// ReturnData holds the last program return data, nil when return-data
	// recording is off.
	ReturnData []byte

	// ExecutedUnits is the compute units consumed.
	ExecutedUnits uint64

	// AccountsDataLenDelta is the signed change in total account data
	// bytes.
	AccountsDataLenDelta int64
}

// TransactionExecutionResult is one transaction's outcome: either it never
// entered execution, or it ran and carries details (whose status may still be
// an error).
type TransactionExecutionResult struct {
	executed bool

	// err is set for not-executed transactions.
	err *TxError

	// Details is set for executed transactions.
	Details *ExecutionDetails

	// ProgramsModifiedByTx holds program table entries updated during this
	// transaction, for the caller to propagate cache invalidation.
	ProgramsModifiedByTx map[types.Pubkey]*Program
}

// NewNotExecutedResult records a transaction that never reached execution.
func NewNotExecutedResult(err *TxError) TransactionExecutionResult {
	return TransactionExecutionResult{err: err}
}

// NewExecutedResult records a transaction that ran.
func NewExecutedResult(details *ExecutionDetails, programsModified map[types.Pubkey]*Program) TransactionExecutionResult {
	return TransactionExecutionResult{
		executed:             true,
		Details:              details,
		ProgramsModifiedByTx: programsModified,
	}
}

// WasExecuted reports whether the transaction entered execution.
func (r *TransactionExecutionResult) WasExecuted() bool {
	return r.executed
}

// WasExecutedSuccessfully reports whether the transaction executed with an Ok
// status. Only such transactions are committable.
func (r *TransactionExecutionResult) WasExecutedSuccessfully() bool {
	return r.executed && r.Details != nil && r.Details.Status == nil
}

// Err returns the transaction's terminal error: the load error for
// not-executed transactions, the status for executed ones, nil on success.
func (r *TransactionExecutionResult) Err() *TxError {
	if !r.executed {
		return r.err
	}
	if r.Details == nil {
		return nil
	}
	return r.Details.Status
}

// BatchOutput is the processor's result for one batch: one entry per input
// transaction, input order preserved.
type BatchOutput struct {
	// ExecutionResults holds per-transaction outcomes.
	ExecutionResults []TransactionExecutionResult

	// LoadedTransactions holds the loaded working sets, nil where loading
	// failed. Callers persist the accounts of successfully executed
	// entries.
	LoadedTransactions []*LoadedTransaction

	// ErrorMetrics aggregates failure counts.
	ErrorMetrics ErrorMetrics

	// Timings aggregates batch timing counters.
	Timings ExecuteTimings
}
