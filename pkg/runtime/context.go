package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// LogCollector captures program log messages up to an optional byte limit.
type LogCollector struct {
	messages   []string
	bytes      uint64
	bytesLimit uint64
	truncated  bool
}

// NewLogCollector creates a collector. A zero limit means unlimited.
func NewLogCollector(bytesLimit uint64) *LogCollector {
	return &LogCollector{bytesLimit: bytesLimit}
}

// Log appends a message, dropping it and marking truncation once the byte
// limit is reached.
func (lc *LogCollector) Log(message string) {
	if lc.truncated {
		return
	}
	if lc.bytesLimit > 0 && lc.bytes+uint64(len(message)) > lc.bytesLimit {
		lc.truncated = true
		lc.messages = append(lc.messages, "Log truncated")
		return
	}
	lc.bytes += uint64(len(message))
	lc.messages = append(lc.messages, message)
}

// Messages returns the collected messages.
func (lc *LogCollector) Messages() []string {
	return lc.messages
}

// returnData is the last program return data set during execution.
type returnData struct {
	programID types.Pubkey
	data      []byte
}

// TransactionContext is the isolated execution context for one transaction.
// It owns the loaded account working copies for the duration of execution;
// nothing in it is shared across transactions.
type TransactionContext struct {
	accounts     []KeyedAccount
	programTable *ProgramTable
	sysvars      SysvarLoader

	logs              *LogCollector
	innerInstructions [][]InnerInstruction
	recordInner       bool

	returnData          returnData
	accountsResizeDelta int64
}

// NewTransactionContext builds a context over the taken accounts.
func NewTransactionContext(
	taken []KeyedAccount,
	programTable *ProgramTable,
	sysvars SysvarLoader,
	recording ExecutionRecordingConfig,
	logBytesLimit uint64,
	numInstructions int,
) *TransactionContext {
	ctx := &TransactionContext{
		accounts:     taken,
		programTable: programTable,
		sysvars:      sysvars,
	}
	if recording.EnableLogRecording {
		ctx.logs = NewLogCollector(logBytesLimit)
	}
	if recording.EnableCPIRecording {
		ctx.innerInstructions = make([][]InnerInstruction, numInstructions)
		ctx.recordInner = true
	}
	return ctx
}

// NumAccounts returns the number of accounts in the context.
func (ctx *TransactionContext) NumAccounts() int {
	return len(ctx.accounts)
}

// KeyAt returns the address of the account at index.
func (ctx *TransactionContext) KeyAt(index int) (types.Pubkey, *TxError) {
	if index < 0 || index >= len(ctx.accounts) {
		return types.Pubkey{}, NewTxError(TxErrInvalidAccountIndex)
	}
	return ctx.accounts[index].Key, nil
}

// AccountAt returns the working copy at index.
func (ctx *TransactionContext) AccountAt(index int) (*accounts.Account, *TxError) {
	if index < 0 || index >= len(ctx.accounts) {
		return nil, NewTxError(TxErrInvalidAccountIndex)
	}
	return ctx.accounts[index].Account, nil
}

// IndexOf returns the context index of an address, or false.
func (ctx *TransactionContext) IndexOf(address types.Pubkey) (int, bool) {
	for i := range ctx.accounts {
		if ctx.accounts[i].Key == address {
			return i, true
		}
	}
	return 0, false
}

// ProgramTable returns the transaction-local program table.
func (ctx *TransactionContext) ProgramTable() *ProgramTable {
	return ctx.programTable
}

// LoadSysvar returns a sysvar payload through the context's sysvar loader.
func (ctx *TransactionContext) LoadSysvar(address types.Pubkey) []byte {
	if ctx.sysvars == nil {
		return nil
	}
	return ctx.sysvars.LoadSysvar(address)
}

// Log records a program log message, if log recording is on.
func (ctx *TransactionContext) Log(message string) {
	if ctx.logs != nil {
		ctx.logs.Log(message)
	}
}

// LogMessages returns the recorded logs, or nil.
func (ctx *TransactionContext) LogMessages() []string {
	if ctx.logs == nil {
		return nil
	}
	return ctx.logs.Messages()
}

// RecordInnerInstruction appends to the invocation trace of a top-level
// instruction, if CPI recording is on.
func (ctx *TransactionContext) RecordInnerInstruction(topLevelIndex int, inner InnerInstruction) {
	if !ctx.recordInner || topLevelIndex >= len(ctx.innerInstructions) {
		return
	}
	ctx.innerInstructions[topLevelIndex] = append(ctx.innerInstructions[topLevelIndex], inner)
}

// InnerInstructions returns the recorded trace, or nil.
func (ctx *TransactionContext) InnerInstructions() [][]InnerInstruction {
	if !ctx.recordInner {
		return nil
	}
	return ctx.innerInstructions
}

// SetReturnData records the last program return data.
func (ctx *TransactionContext) SetReturnData(programID types.Pubkey, data []byte) {
	ctx.returnData = returnData{programID: programID, data: data}
}

// ReturnData returns the last program return data.
func (ctx *TransactionContext) ReturnData() (types.Pubkey, []byte) {
	return ctx.returnData.programID, ctx.returnData.data
}

// AddAccountsResizeDelta accumulates a change in total account data bytes.
func (ctx *TransactionContext) AddAccountsResizeDelta(delta int64) {
	ctx.accountsResizeDelta += delta
}

// AccountsResizeDelta returns the accumulated data-size change.
func (ctx *TransactionContext) AccountsResizeDelta() int64 {
	return ctx.accountsResizeDelta
}

// takeAccounts hands the account list back, leaving the context empty.
func (ctx *TransactionContext) takeAccounts() []KeyedAccount {
	taken := ctx.accounts
	ctx.accounts = nil
	return taken
}
