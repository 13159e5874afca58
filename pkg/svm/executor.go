package svm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/runtime"
	"github.com/fortiblox/X1-Runtime/pkg/svm/system"
)

var (
	// ErrUnsupportedProgram is returned when an instruction invokes a
	// program with no registered handler.
	ErrUnsupportedProgram = errors.New("unsupported program")

	// ErrAccountIndexOutOfRange is returned for instruction account indexes
	// past the end of the transaction's account list.
	ErrAccountIndexOutOfRange = errors.New("account index out of range")
)

// NativeExecutor runs a transaction's instructions against the builtin
// programs. It implements runtime.InstructionExecutor.
type NativeExecutor struct {
	systemProcessor *system.Processor
	rent            runtime.Rent
}

// NewNativeExecutor creates an executor using the given rent parameters for
// rent-exemption checks inside programs.
func NewNativeExecutor(rent runtime.Rent) *NativeExecutor {
	return &NativeExecutor{
		systemProcessor: system.NewProcessor(),
		rent:            rent,
	}
}

var _ runtime.InstructionExecutor = (*NativeExecutor)(nil)

// Execute runs every instruction of the message in order. The first failure
// stops execution; account mutations up to that point remain in the context
// and are discarded by the caller.
func (e *NativeExecutor) Execute(
	msg *runtime.Message,
	programIndices [][]uint16,
	ctx *runtime.TransactionContext,
	budget runtime.ComputeBudgetLimits,
) (*runtime.ExecutionInfo, error) {
	meter := NewComputeMeter(uint64(budget.ComputeUnitLimit))

	preDataLen := totalDataLen(ctx)

	for i := range msg.Instructions {
		programID, ok := msg.ProgramID(i)
		if !ok {
			return nil, runtime.NewInstructionError(uint8(i), ErrAccountIndexOutOfRange)
		}

		ctx.Log(fmt.Sprintf("Program %s invoke [1]", programID))

		if err := e.executeInstruction(msg, i, programID, ctx, meter); err != nil {
			ctx.Log(fmt.Sprintf("Program %s failed: %v", programID, err))
			return nil, runtime.NewInstructionError(uint8(i), err)
		}

		ctx.Log(fmt.Sprintf("Program %s success", programID))
	}

	ctx.AddAccountsResizeDelta(totalDataLen(ctx) - preDataLen)

	return &runtime.ExecutionInfo{UnitsConsumed: meter.Consumed()}, nil
}

func (e *NativeExecutor) executeInstruction(
	msg *runtime.Message,
	index int,
	programID types.Pubkey,
	ctx *runtime.TransactionContext,
	meter *ComputeMeter,
) error {
	ix := &msg.Instructions[index]

	switch programID {
	case types.SystemProgramAddr:
		if err := meter.Consume(CUSystemProgramDefault); err != nil {
			return err
		}
		return e.systemProcessor.Process(&invokeContext{
			txctx: ctx,
			msg:   msg,
			ix:    ix,
			rent:  e.rent,
		}, ix.Data)

	case types.ComputeBudgetProgramAddr:
		// Parsed before execution; at run time it only costs units.
		return meter.Consume(CUComputeBudgetDefault)

	default:
		return ErrUnsupportedProgram
	}
}

// totalDataLen sums account data sizes across the context's working set.
func totalDataLen(ctx *runtime.TransactionContext) int64 {
	var total int64
	for i := 0; i < ctx.NumAccounts(); i++ {
		if account, err := ctx.AccountAt(i); err == nil {
			total += int64(len(account.Data))
		}
	}
	return total
}

// invokeContext adapts the transaction context to the view one instruction's
// program sees: accounts addressed by instruction-local index, with signer
// and writability flags from the message.
type invokeContext struct {
	txctx *runtime.TransactionContext
	msg   *runtime.Message
	ix    *runtime.CompiledInstruction
	rent  runtime.Rent
}

var _ system.InvokeContext = (*invokeContext)(nil)

func (ic *invokeContext) Account(index int) (*system.AccountHandle, error) {
	if index >= len(ic.ix.AccountIndexes) {
		return nil, ErrAccountIndexOutOfRange
	}
	txIndex := int(ic.ix.AccountIndexes[index])

	account, txErr := ic.txctx.AccountAt(txIndex)
	if txErr != nil {
		return nil, txErr
	}
	key, txErr := ic.txctx.KeyAt(txIndex)
	if txErr != nil {
		return nil, txErr
	}

	return &system.AccountHandle{
		Key:        key,
		Account:    account,
		IsSigner:   ic.msg.IsSigner(txIndex),
		IsWritable: ic.msg.IsWritable(txIndex),
	}, nil
}

func (ic *invokeContext) RentMinimum(dataLen uint64) uint64 {
	return ic.rent.MinimumBalance(int(dataLen))
}

func (ic *invokeContext) Blockhash() types.Hash {
	return ic.msg.RecentBlockhash
}

func (ic *invokeContext) Log(msg string) {
	ic.txctx.Log(msg)
}
