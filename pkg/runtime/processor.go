package runtime

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

// systemAdvanceNonceDiscriminant is the System Program instruction tag for
// advancing a durable nonce.
const systemAdvanceNonceDiscriminant = uint32(4)

// BatchProcessor runs batches of sanitized transactions through the
// load-and-execute pipeline. It holds no per-batch state; one processor can
// serve many batches.
type BatchProcessor struct {
	loader   AccountLoader
	executor InstructionExecutor
	sysvars  SysvarLoader

	// builtinProgramIDs are always treated as program account keys.
	builtinProgramIDs map[types.Pubkey]bool
}

// NewBatchProcessor creates a processor over the given account source and
// instruction executor.
func NewBatchProcessor(loader AccountLoader, executor InstructionExecutor) *BatchProcessor {
	return &BatchProcessor{
		loader:   loader,
		executor: executor,
		sysvars:  NewStoreSysvarLoader(loader),
		builtinProgramIDs: map[types.Pubkey]bool{
			types.SystemProgramAddr:        true,
			types.ComputeBudgetProgramAddr: true,
		},
	}
}

// AddBuiltin registers an extra builtin program id.
func (p *BatchProcessor) AddBuiltin(id types.Pubkey) {
	p.builtinProgramIDs[id] = true
}

// LoadAndExecuteSanitizedTransactions processes one batch. The output has
// one entry per input transaction, input order preserved; per-transaction
// failures never abort the batch.
func (p *BatchProcessor) LoadAndExecuteSanitizedTransactions(txs []*SanitizedTransaction, cfg *ProcessingConfig) *BatchOutput {
	out := &BatchOutput{
		ExecutionResults:   make([]TransactionExecutionResult, len(txs)),
		LoadedTransactions: make([]*LoadedTransaction, len(txs)),
	}

	programAccountKeys := p.filterExecutableProgramAccounts(txs)

	for i, tx := range txs {
		msg := &tx.Message

		parseStart := time.Now()
		budget, budgetErr := p.resolveComputeBudget(msg, cfg)
		out.Timings.ComputeBudgetParseUs += uint64(time.Since(parseStart).Microseconds())
		if budgetErr != nil {
			out.ErrorMetrics.Record(budgetErr)
			out.ExecutionResults[i] = NewNotExecutedResult(budgetErr)
			continue
		}

		nonce := p.resolveNoncePartial(msg)
		fee := cfg.FeeStructure.CalculateFee(msg, cfg.LamportsPerSignature, budget, cfg.FeatureSet)

		loadStart := time.Now()
		loaded, loadErr := LoadTransactionAccounts(
			p.loader, msg, nonce, fee, programAccountKeys, budget, cfg, &out.ErrorMetrics,
		)
		out.Timings.LoadUs += uint64(time.Since(loadStart).Microseconds())
		if loadErr != nil {
			out.ExecutionResults[i] = NewNotExecutedResult(loadErr)
			continue
		}
		out.LoadedTransactions[i] = loaded

		out.ExecutionResults[i] = p.executeLoadedTransaction(tx, loaded, budget, cfg, &out.ErrorMetrics, &out.Timings)
	}

	return out
}

// resolveComputeBudget returns the config override or parses the compute
// budget from the transaction itself.
func (p *BatchProcessor) resolveComputeBudget(msg *Message, cfg *ProcessingConfig) (ComputeBudgetLimits, *TxError) {
	if cfg.ComputeBudget != nil {
		return *cfg.ComputeBudget, nil
	}
	return ParseComputeBudgetInstructions(msg)
}

// resolveNoncePartial snapshots the durable-nonce account of a nonce
// transaction: one whose first instruction advances a nonce through the
// System Program. Returns nil for ordinary transactions.
func (p *BatchProcessor) resolveNoncePartial(msg *Message) *NoncePartial {
	if len(msg.Instructions) == 0 {
		return nil
	}
	ix := &msg.Instructions[0]

	programID, ok := msg.ProgramID(0)
	if !ok || programID != types.SystemProgramAddr {
		return nil
	}
	if len(ix.Data) < 4 || binary.LittleEndian.Uint32(ix.Data) != systemAdvanceNonceDiscriminant {
		return nil
	}
	if len(ix.AccountIndexes) == 0 || int(ix.AccountIndexes[0]) >= len(msg.AccountKeys) {
		return nil
	}

	address := msg.AccountKeys[ix.AccountIndexes[0]]
	account := p.loader.LoadAccount(address)
	if account == nil {
		return nil
	}
	if _, ok := ParseNonceAccount(account); !ok {
		return nil
	}
	return NewNoncePartial(address, account)
}

// filterExecutableProgramAccounts scans the batch's account keys and returns
// those owned by a known loader, merged with the builtin program ids. Each
// key is checked against the account source once.
func (p *BatchProcessor) filterExecutableProgramAccounts(txs []*SanitizedTransaction) map[types.Pubkey]bool {
	result := make(map[types.Pubkey]bool, len(p.builtinProgramIDs))
	for id := range p.builtinProgramIDs {
		result[id] = true
	}

	checked := make(map[types.Pubkey]bool)
	for _, tx := range txs {
		for _, key := range tx.Message.AccountKeys {
			if checked[key] {
				continue
			}
			checked[key] = true
			if _, ok := AccountMatchesOwners(p.loader, key, types.ProgramOwners); ok {
				result[key] = true
			}
		}
	}
	return result
}

// contextAccountLoader resolves accounts from the transaction's working set
// first, falling back to the external source for accounts outside the
// message (such as program-data accounts).
type contextAccountLoader struct {
	accounts []KeyedAccount
	fallback AccountLoader
}

func (l *contextAccountLoader) LoadAccount(address types.Pubkey) *accounts.Account {
	for i := range l.accounts {
		if l.accounts[i].Key == address {
			return l.accounts[i].Account
		}
	}
	return l.fallback.LoadAccount(address)
}

// executeLoadedTransaction runs one loaded transaction in isolation: take
// the accounts, snapshot balances and rent states, fill the
// transaction-local program table, delegate to the instruction executor,
// verify the rent and conservation invariants, and hand the accounts back.
func (p *BatchProcessor) executeLoadedTransaction(
	tx *SanitizedTransaction,
	loaded *LoadedTransaction,
	budget ComputeBudgetLimits,
	cfg *ProcessingConfig,
	metrics *ErrorMetrics,
	timings *ExecuteTimings,
) TransactionExecutionResult {
	msg := &tx.Message

	// Take ownership of the working set, leaving a placeholder.
	taken := loaded.Accounts
	loaded.Accounts = nil
	restore := func(accts []KeyedAccount) {
		loaded.Accounts = accts
	}

	preHi, preLo := sumLamports(taken)
	rent := rentParams(cfg)

	// Pre-execution rent snapshots for writable message accounts.
	preRentStates := make([]rentState, len(msg.AccountKeys))
	for i := range msg.AccountKeys {
		if msg.IsWritable(i) {
			preRentStates[i] = accountRentState(rent, taken[i].Account)
		}
	}

	// Fill the transaction-local program table.
	programTable := NewProgramTable()
	ctxLoader := &contextAccountLoader{accounts: taken, fallback: p.loader}
	for _, chain := range loaded.ProgramIndices {
		if len(chain) == 0 {
			continue
		}
		programID := taken[chain[len(chain)-1]].Key
		if programTable.Get(programID) != nil {
			continue
		}
		program := ResolveProgram(ctxLoader, programID)
		if program == nil {
			err := NewTxError(TxErrInvalidProgramForExecution)
			metrics.Record(err)
			restore(taken)
			return NewNotExecutedResult(err)
		}
		programTable.Insert(program)
	}

	ctx := NewTransactionContext(
		taken, programTable, p.sysvars,
		cfg.RecordingConfig, cfg.LogMessagesBytesLimit, len(msg.Instructions),
	)

	if cfg.LimitToLoadPrograms {
		restore(ctx.takeAccounts())
		return NewExecutedResult(&ExecutionDetails{}, programTable.Modified())
	}

	execStart := time.Now()
	info, execErr := p.executor.Execute(msg, loaded.ProgramIndices, ctx, budget)
	timings.ExecuteUs += uint64(time.Since(execStart).Microseconds())
	timings.ExecutedTransactions++
	timings.ExecuteAccountsCount += uint64(ctx.NumAccounts())

	var status *TxError
	var unitsConsumed uint64
	if execErr != nil {
		status = wrapExecutorError(execErr)
	} else if info != nil {
		unitsConsumed = info.UnitsConsumed
	}

	// Rent-state verification runs against pre-execution snapshots; a
	// violation is a terminal, non-instruction error.
	if status == nil {
		for i := range msg.AccountKeys {
			if !msg.IsWritable(i) {
				continue
			}
			post := accountRentState(rent, taken[i].Account)
			if !rentTransitionAllowed(preRentStates[i], post) {
				status = NewInsufficientFundsForRentError(uint8(i))
				break
			}
		}
	}

	// Lamports must balance even when execution already failed.
	postHi, postLo := sumLamports(taken)
	if postHi != preHi || postLo != preLo {
		status = NewTxError(TxErrUnbalancedTransaction)
	}

	if status != nil {
		metrics.Record(status)
	}

	details := &ExecutionDetails{
		Status:               status,
		LogMessages:          ctx.LogMessages(),
		InnerInstructions:    ctx.InnerInstructions(),
		ExecutedUnits:        unitsConsumed,
		AccountsDataLenDelta: ctx.AccountsResizeDelta(),
	}
	if loaded.Nonce != nil {
		fee := NewDurableNonceFee(loaded.Nonce)
		details.DurableNonceFee = &fee
	}
	if cfg.RecordingConfig.EnableReturnDataRecording {
		if _, data := ctx.ReturnData(); len(data) > 0 {
			details.ReturnData = data
		}
	}

	restore(ctx.takeAccounts())

	return NewExecutedResult(details, programTable.Modified())
}

// wrapExecutorError normalizes an executor failure into the taxonomy.
func wrapExecutorError(err error) *TxError {
	if txErr, ok := err.(*TxError); ok {
		return txErr
	}
	return NewInstructionError(0, err)
}

// sumLamports returns the 128-bit sum of lamports across the working set, so
// the conservation check cannot itself overflow.
func sumLamports(accts []KeyedAccount) (hi, lo uint64) {
	for i := range accts {
		var carry uint64
		lo, carry = bits.Add64(lo, accts[i].Account.Lamports, 0)
		hi += carry
	}
	return hi, lo
}
