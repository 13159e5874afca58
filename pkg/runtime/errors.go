// Package runtime implements the transaction execution kernel: per-transaction
// account loading, fee and rent assessment, program resolution, and batch
// execution with invariant enforcement.
package runtime

import (
	"fmt"
)

// TxErrorCode classifies why a transaction failed.
type TxErrorCode int

const (
	// TxErrAccountNotFound indicates a required account was not found.
	TxErrAccountNotFound TxErrorCode = iota

	// TxErrProgramAccountNotFound indicates a program account was not found.
	TxErrProgramAccountNotFound

	// TxErrInvalidProgramForExecution indicates the invoked program is not executable.
	TxErrInvalidProgramForExecution

	// TxErrInsufficientFundsForFee indicates the fee payer cannot cover the fee.
	TxErrInsufficientFundsForFee

	// TxErrInvalidAccountForFee indicates the fee payer is not a fee-paying account kind.
	TxErrInvalidAccountForFee

	// TxErrMaxLoadedAccountsDataSizeExceeded indicates the loaded-bytes budget was exceeded.
	TxErrMaxLoadedAccountsDataSizeExceeded

	// TxErrInvalidLoadedAccountsDataSizeLimit indicates a zero or malformed size limit request.
	TxErrInvalidLoadedAccountsDataSizeLimit

	// TxErrInvalidRentPayingAccount indicates an illegal rent-exempt to rent-paying transition.
	TxErrInvalidRentPayingAccount

	// TxErrInsufficientFundsForRent indicates an account was left below rent exemption.
	TxErrInsufficientFundsForRent

	// TxErrInvalidAccountIndex indicates an instruction referenced an out-of-range account.
	TxErrInvalidAccountIndex

	// TxErrUnbalancedTransaction indicates lamports were created or destroyed.
	TxErrUnbalancedTransaction

	// TxErrDuplicateInstruction indicates a duplicated compute-budget instruction.
	TxErrDuplicateInstruction

	// TxErrInstructionError wraps a failure reported by the instruction executor.
	TxErrInstructionError
)

// String returns the string representation of the error code.
func (c TxErrorCode) String() string {
	switch c {
	case TxErrAccountNotFound:
		return "AccountNotFound"
	case TxErrProgramAccountNotFound:
		return "ProgramAccountNotFound"
	case TxErrInvalidProgramForExecution:
		return "InvalidProgramForExecution"
	case TxErrInsufficientFundsForFee:
		return "InsufficientFundsForFee"
	case TxErrInvalidAccountForFee:
		return "InvalidAccountForFee"
	case TxErrMaxLoadedAccountsDataSizeExceeded:
		return "MaxLoadedAccountsDataSizeExceeded"
	case TxErrInvalidLoadedAccountsDataSizeLimit:
		return "InvalidLoadedAccountsDataSizeLimit"
	case TxErrInvalidRentPayingAccount:
		return "InvalidRentPayingAccount"
	case TxErrInsufficientFundsForRent:
		return "InsufficientFundsForRent"
	case TxErrInvalidAccountIndex:
		return "InvalidAccountIndex"
	case TxErrUnbalancedTransaction:
		return "UnbalancedTransaction"
	case TxErrDuplicateInstruction:
		return "DuplicateInstruction"
	case TxErrInstructionError:
		return "InstructionError"
	default:
		return "Unknown"
	}
}

// TxError is a typed, per-transaction error. It never aborts a batch; the
// processor records it in the transaction's result slot.
type TxError struct {
	// Code classifies the failure.
	Code TxErrorCode

	// Index is the account or instruction index the failure refers to, for
	// codes that carry one (InsufficientFundsForRent, DuplicateInstruction,
	// InstructionError).
	Index uint8

	// Err is the wrapped executor error for InstructionError.
	Err error
}

// NewTxError creates a transaction error with the given code.
func NewTxError(code TxErrorCode) *TxError {
	return &TxError{Code: code}
}

// NewInsufficientFundsForRentError creates an InsufficientFundsForRent error
// for the account at the given index.
func NewInsufficientFundsForRentError(accountIndex uint8) *TxError {
	return &TxError{Code: TxErrInsufficientFundsForRent, Index: accountIndex}
}

// NewDuplicateInstructionError creates a DuplicateInstruction error for the
// instruction at the given index.
func NewDuplicateInstructionError(instructionIndex uint8) *TxError {
	return &TxError{Code: TxErrDuplicateInstruction, Index: instructionIndex}
}

// NewInstructionError wraps an executor-reported failure at the given
// instruction index.
func NewInstructionError(instructionIndex uint8, err error) *TxError {
	return &TxError{Code: TxErrInstructionError, Index: instructionIndex, Err: err}
}

// Error implements the error interface.
func (e *TxError) Error() string {
	switch e.Code {
	case TxErrInsufficientFundsForRent:
		return fmt.Sprintf("%s: account index %d", e.Code, e.Index)
	case TxErrDuplicateInstruction:
		return fmt.Sprintf("%s: instruction index %d", e.Code, e.Index)
	case TxErrInstructionError:
		return fmt.Sprintf("%s: instruction %d: %v", e.Code, e.Index, e.Err)
	default:
		return e.Code.String()
	}
}

// Unwrap exposes the wrapped instruction error for errors.Is/As.
func (e *TxError) Unwrap() error {
	return e.Err
}

// IsTxErrorCode reports whether err is a *TxError with the given code.
func IsTxErrorCode(err error, code TxErrorCode) bool {
	txErr, ok := err.(*TxError)
	return ok && txErr.Code == code
}
