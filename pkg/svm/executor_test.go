package svm

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
	"github.com/fortiblox/X1-Runtime/pkg/runtime"
	"github.com/fortiblox/X1-Runtime/pkg/svm/system"
)

func testKey(b byte) types.Pubkey {
	var p types.Pubkey
	for i := range p {
		p[i] = b
	}
	return p
}

func transferIx(programIndex, from, to uint8, lamports uint64) runtime.CompiledInstruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, system.InstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return runtime.CompiledInstruction{
		ProgramIDIndex: programIndex,
		AccountIndexes: []uint8{from, to},
		Data:           data,
	}
}

type batchEnv struct {
	db        *accounts.MemoryDB
	processor *runtime.BatchProcessor
	cfg       *runtime.ProcessingConfig
}

func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	db := accounts.NewMemoryDB()
	if err := db.SetAccount(types.SystemProgramAddr, &accounts.Account{
		Lamports:   1,
		Data:       []byte("system_program"),
		Owner:      types.NativeLoaderAddr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	}); err != nil {
		t.Fatalf("seed system program: %v", err)
	}

	cfg := runtime.DefaultProcessingConfig(1)
	cfg.LamportsPerSignature = 0

	executor := NewNativeExecutor(runtime.DefaultRent())
	return &batchEnv{
		db:        db,
		processor: runtime.NewBatchProcessor(runtime.NewStoreLoader(db), executor),
		cfg:       cfg,
	}
}

func (e *batchEnv) fund(t *testing.T, key types.Pubkey, lamports uint64) {
	t.Helper()
	if err := e.db.SetAccount(key, &accounts.Account{
		Lamports:  lamports,
		Owner:     types.SystemProgramAddr,
		RentEpoch: accounts.RentExemptRentEpoch,
	}); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func TestBatchTransferChain(t *testing.T) {
	env := newBatchEnv(t)
	a, b, c := testKey(1), testKey(2), testKey(3)

	const unit = uint64(1_000_000_000)
	env.fund(t, a, 10*unit)
	env.fund(t, b, 10*unit)
	env.fund(t, c, 10*unit)

	// A, B, and C all sign; the system program is the readonly tail key.
	tx := &runtime.SanitizedTransaction{
		Signatures: []types.Signature{{1}, {2}, {3}},
		Message: runtime.Message{
			Header: runtime.MessageHeader{
				NumRequiredSignatures:       3,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys: []types.Pubkey{a, b, c, types.SystemProgramAddr},
			Instructions: []runtime.CompiledInstruction{
				transferIx(3, 0, 1, 2*unit),
				transferIx(3, 1, 2, 5*unit),
				transferIx(3, 0, 1, 2*unit),
				transferIx(3, 2, 0, 1*unit),
			},
		},
	}

	out := env.processor.LoadAndExecuteSanitizedTransactions(
		[]*runtime.SanitizedTransaction{tx}, env.cfg,
	)

	result := out.ExecutionResults[0]
	if !result.WasExecutedSuccessfully() {
		t.Fatalf("batch failed: %v", result.Err())
	}

	loaded := out.LoadedTransactions[0]
	balances := map[types.Pubkey]uint64{}
	var total uint64
	for _, keyed := range loaded.Accounts {
		balances[keyed.Key] = keyed.Account.Lamports
		total += keyed.Account.Lamports
	}

	if balances[a] != 7*unit {
		t.Errorf("A = %d, want %d", balances[a], 7*unit)
	}
	if balances[b] != 9*unit {
		t.Errorf("B = %d, want %d", balances[b], 9*unit)
	}
	if balances[c] != 14*unit {
		t.Errorf("C = %d, want %d", balances[c], 14*unit)
	}

	// Conservation: three funded accounts plus the system program account.
	if total != 30*unit+1 {
		t.Errorf("total lamports = %d, want %d", total, 30*unit+1)
	}

	if result.Details.ExecutedUnits != 4*CUSystemProgramDefault {
		t.Errorf("executed units = %d, want %d", result.Details.ExecutedUnits, 4*CUSystemProgramDefault)
	}
	if len(result.Details.LogMessages) == 0 {
		t.Error("expected program logs")
	}
}

func TestBatchTransferInsufficientFunds(t *testing.T) {
	env := newBatchEnv(t)
	a, b := testKey(1), testKey(2)
	env.fund(t, a, 2_000_000)
	env.fund(t, b, 2_000_000)

	tx := &runtime.SanitizedTransaction{
		Signatures: []types.Signature{{1}},
		Message: runtime.Message{
			Header: runtime.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys: []types.Pubkey{a, b, types.SystemProgramAddr},
			Instructions: []runtime.CompiledInstruction{
				transferIx(2, 0, 1, 5_000_000),
			},
		},
	}

	out := env.processor.LoadAndExecuteSanitizedTransactions(
		[]*runtime.SanitizedTransaction{tx}, env.cfg,
	)

	result := out.ExecutionResults[0]
	if !result.WasExecuted() || result.WasExecutedSuccessfully() {
		t.Fatal("expected executed-with-error result")
	}
	err := result.Err()
	if err == nil || err.Code != runtime.TxErrInstructionError {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(err, system.ErrInsufficientFunds) {
		t.Errorf("wrapped error = %v", err)
	}
	if out.ErrorMetrics.InstructionError != 1 {
		t.Errorf("metrics = %+v", out.ErrorMetrics)
	}
}

func TestBatchComputeBudgetExhausted(t *testing.T) {
	env := newBatchEnv(t)
	a, b := testKey(1), testKey(2)
	env.fund(t, a, 2_000_000)
	env.fund(t, b, 2_000_000)

	// Not enough units for a single system instruction.
	env.cfg.ComputeBudget = &runtime.ComputeBudgetLimits{
		ComputeUnitLimit:    100,
		HeapSize:            runtime.MinHeapFrameBytes,
		LoadedAccountsBytes: runtime.MaxLoadedAccountsDataSizeBytes,
	}

	tx := &runtime.SanitizedTransaction{
		Signatures: []types.Signature{{1}},
		Message: runtime.Message{
			Header: runtime.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys: []types.Pubkey{a, b, types.SystemProgramAddr},
			Instructions: []runtime.CompiledInstruction{
				transferIx(2, 0, 1, 100),
			},
		},
	}

	out := env.processor.LoadAndExecuteSanitizedTransactions(
		[]*runtime.SanitizedTransaction{tx}, env.cfg,
	)

	err := out.ExecutionResults[0].Err()
	if err == nil || !errors.Is(err, ErrComputeExceeded) {
		t.Fatalf("error = %v", err)
	}
}

func TestBatchUnsupportedProgram(t *testing.T) {
	env := newBatchEnv(t)
	a := testKey(1)
	program := testKey(50)
	env.fund(t, a, 2_000_000)

	if err := env.db.SetAccount(program, &accounts.Account{
		Lamports:   1,
		Data:       []byte{0xde, 0xad},
		Owner:      types.BPFLoader2Addr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.db.SetAccount(types.BPFLoader2Addr, &accounts.Account{
		Lamports:   1,
		Owner:      types.NativeLoaderAddr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	}); err != nil {
		t.Fatal(err)
	}

	tx := &runtime.SanitizedTransaction{
		Signatures: []types.Signature{{1}},
		Message: runtime.Message{
			Header: runtime.MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys: []types.Pubkey{a, program},
			Instructions: []runtime.CompiledInstruction{
				{ProgramIDIndex: 1, AccountIndexes: []uint8{0}},
			},
		},
	}

	out := env.processor.LoadAndExecuteSanitizedTransactions(
		[]*runtime.SanitizedTransaction{tx}, env.cfg,
	)

	err := out.ExecutionResults[0].Err()
	if err == nil || !errors.Is(err, ErrUnsupportedProgram) {
		t.Fatalf("error = %v", err)
	}
}
