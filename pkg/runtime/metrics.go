package runtime

// ErrorMetrics counts transaction failures by classification. One accumulator
// is batch-scoped; parallel workers keep their own and merge at the end, so no
// locking is needed here.
type ErrorMetrics struct {
	Total uint64

	AccountNotFound                    uint64
	ProgramAccountNotFound             uint64
	InvalidProgramForExecution         uint64
	InsufficientFundsForFee            uint64
	InvalidAccountForFee               uint64
	MaxLoadedAccountsDataSizeExceeded  uint64
	InvalidLoadedAccountsDataSizeLimit uint64
	InvalidRentPayingAccount           uint64
	InsufficientFundsForRent           uint64
	InvalidAccountIndex                uint64
	UnbalancedTransaction              uint64
	DuplicateInstruction               uint64
	InstructionError                   uint64
	Other                              uint64
}

// Record increments the counter for the given error.
func (m *ErrorMetrics) Record(err *TxError) {
	if err == nil {
		return
	}
	m.Total++

	switch err.Code {
	case TxErrAccountNotFound:
		m.AccountNotFound++
	case TxErrProgramAccountNotFound:
		m.ProgramAccountNotFound++
	case TxErrInvalidProgramForExecution:
		m.InvalidProgramForExecution++
	case TxErrInsufficientFundsForFee:
		m.InsufficientFundsForFee++
	case TxErrInvalidAccountForFee:
		m.InvalidAccountForFee++
	case TxErrMaxLoadedAccountsDataSizeExceeded:
		m.MaxLoadedAccountsDataSizeExceeded++
	case TxErrInvalidLoadedAccountsDataSizeLimit:
		m.InvalidLoadedAccountsDataSizeLimit++
	case TxErrInvalidRentPayingAccount:
		m.InvalidRentPayingAccount++
	case TxErrInsufficientFundsForRent:
		m.InsufficientFundsForRent++
	case TxErrInvalidAccountIndex:
		m.InvalidAccountIndex++
	case TxErrUnbalancedTransaction:
		m.UnbalancedTransaction++
	case TxErrDuplicateInstruction:
		m.DuplicateInstruction++
	case TxErrInstructionError:
		m.InstructionError++
	default:
		m.Other++
	}
}

// Merge folds another accumulator into this one.
func (m *ErrorMetrics) Merge(other *ErrorMetrics) {
	m.Total += other.Total
	m.AccountNotFound += other.AccountNotFound
	m.ProgramAccountNotFound += other.ProgramAccountNotFound
	m.InvalidProgramForExecution += other.InvalidProgramForExecution
	m.InsufficientFundsForFee += other.InsufficientFundsForFee
	m.InvalidAccountForFee += other.InvalidAccountForFee
	m.MaxLoadedAccountsDataSizeExceeded += other.MaxLoadedAccountsDataSizeExceeded
	m.InvalidLoadedAccountsDataSizeLimit += other.InvalidLoadedAccountsDataSizeLimit
	m.InvalidRentPayingAccount += other.InvalidRentPayingAccount
	m.InsufficientFundsForRent += other.InsufficientFundsForRent
	m.InvalidAccountIndex += other.InvalidAccountIndex
	m.UnbalancedTransaction += other.UnbalancedTransaction
	m.DuplicateInstruction += other.DuplicateInstruction
	m.InstructionError += other.InstructionError
	m.Other += other.Other
}

// ExecuteTimings aggregates per-batch timing and volume counters.
type ExecuteTimings struct {
	// LoadUs is the total time spent loading transaction accounts, in
	// microseconds.
	LoadUs uint64

	// ExecuteUs is the total time spent in instruction execution.
	ExecuteUs uint64

	// ComputeBudgetParseUs is the time spent parsing compute-budget
	// instructions.
	ComputeBudgetParseUs uint64

	// ExecuteAccountsCount is the number of accounts handed to executed
	// transactions.
	ExecuteAccountsCount uint64

	// ExecutedTransactions is the number of transactions that reached
	// execution.
	ExecutedTransactions uint64
}

// Merge folds another timings accumulator into this one.
func (t *ExecuteTimings) Merge(other *ExecuteTimings) {
	t.LoadUs += other.LoadUs
	t.ExecuteUs += other.ExecuteUs
	t.ComputeBudgetParseUs += other.ComputeBudgetParseUs
	t.ExecuteAccountsCount += other.ExecuteAccountsCount
	t.ExecutedTransactions += other.ExecutedTransactions
}
