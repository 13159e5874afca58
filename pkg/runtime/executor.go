package runtime

// ExecutionInfo is what the instruction executor reports back on success.
type ExecutionInfo struct {
	// UnitsConsumed is the compute units consumed across all instructions.
	UnitsConsumed uint64
}

// InstructionExecutor is the opaque capability that runs a transaction's
// instructions against a context. It may invoke nested calls and report
// compute usage; the engine never second-guesses its accounting, but the
// post-execution balance check catches executors that create or destroy
// lamports.
type InstructionExecutor interface {
	// Execute runs the message's instructions. programIndices carries, per
	// instruction, the context index chain [ownerIndex?, programIndex] of
	// the invoking program. A returned error is wrapped as an instruction
	// error; mutations made to the context before the failure are discarded
	// by the caller.
	Execute(msg *Message, programIndices [][]uint16, ctx *TransactionContext, budget ComputeBudgetLimits) (*ExecutionInfo, error)
}
