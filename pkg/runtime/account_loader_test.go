package runtime

import (
	"encoding/binary"
	"testing"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
)

func systemProgramAccount() *accounts.Account {
	return &accounts.Account{
		Lamports:   1,
		Data:       []byte("system_program"),
		Owner:      types.NativeLoaderAddr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	}
}

func systemAccount(lamports uint64) *accounts.Account {
	return &accounts.Account{
		Lamports:  lamports,
		Owner:     types.SystemProgramAddr,
		RentEpoch: accounts.RentExemptRentEpoch,
	}
}

func transferData(lamports uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return data
}

// transferMessage compiles a one-instruction transfer. Keys: payer (writable
// signer), recipient (writable non-signer), system program (readonly).
func transferMessage(from, to types.Pubkey, lamports uint64) *Message {
	return &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       1,
			NumReadonlyUnsignedAccounts: 1,
		},
		AccountKeys: []types.Pubkey{from, to, types.SystemProgramAddr},
		Instructions: []CompiledInstruction{
			{
				ProgramIDIndex: 2,
				AccountIndexes: []uint8{0, 1},
				Data:           transferData(lamports),
			},
		},
	}
}

type loaderEnv struct {
	db      *accounts.MemoryDB
	loader  AccountLoader
	cfg     *ProcessingConfig
	limits  ComputeBudgetLimits
	metrics ErrorMetrics
}

func newLoaderEnv(t *testing.T) *loaderEnv {
	t.Helper()
	db := accounts.NewMemoryDB()
	if err := db.SetAccount(types.SystemProgramAddr, systemProgramAccount()); err != nil {
		t.Fatalf("seed system program: %v", err)
	}
	return &loaderEnv{
		db:     db,
		loader: NewStoreLoader(db),
		cfg:    DefaultProcessingConfig(1),
		limits: DefaultComputeBudgetLimits(),
	}
}

func (e *loaderEnv) set(t *testing.T, key types.Pubkey, account *accounts.Account) {
	t.Helper()
	if err := e.db.SetAccount(key, account); err != nil {
		t.Fatalf("set account: %v", err)
	}
}

func (e *loaderEnv) load(msg *Message, fee uint64) (*LoadedTransaction, *TxError) {
	programKeys := map[types.Pubkey]bool{
		types.SystemProgramAddr:        true,
		types.ComputeBudgetProgramAddr: true,
	}
	return LoadTransactionAccounts(e.loader, msg, nil, fee, programKeys, e.limits, e.cfg, &e.metrics)
}

func TestLoadEmptyMessage(t *testing.T) {
	env := newLoaderEnv(t)

	_, err := env.load(&Message{}, 0)
	if err == nil || err.Code != TxErrAccountNotFound {
		t.Fatalf("expected AccountNotFound, got %v", err)
	}
	if env.metrics.AccountNotFound != 1 || env.metrics.Total != 1 {
		t.Errorf("metrics = %+v", env.metrics)
	}
}

func TestLoadSimpleTransfer(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	recipient := testKey(2)
	env.set(t, payer, systemAccount(2_000_000))

	loaded, err := env.load(transferMessage(payer, recipient, 500), 5000)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(loaded.Accounts) != 3 {
		t.Fatalf("loaded %d accounts, want 3", len(loaded.Accounts))
	}
	if loaded.Accounts[0].Key != payer || loaded.Accounts[1].Key != recipient {
		t.Error("account order does not follow message order")
	}

	// Fee charged during loading.
	if got := loaded.Accounts[0].Account.Lamports; got != 2_000_000-5000 {
		t.Errorf("payer lamports = %d, want %d", got, 2_000_000-5000)
	}

	// Missing recipient synthesized as a default account.
	if !loaded.Accounts[1].Account.IsZero() {
		t.Error("missing recipient should be a default account")
	}
	if loaded.Accounts[1].Account.Owner != types.SystemProgramAddr {
		t.Error("default account owner should be the system program")
	}

	if len(loaded.ProgramIndices) != 1 {
		t.Fatalf("program indices = %v", loaded.ProgramIndices)
	}
	if len(loaded.ProgramIndices[0]) != 1 || loaded.ProgramIndices[0][0] != 2 {
		t.Errorf("program chain = %v, want [2]", loaded.ProgramIndices[0])
	}

	wantSize := uint32(len(systemProgramAccount().Data))
	if loaded.LoadedAccountsDataSize != wantSize {
		t.Errorf("loaded size = %d, want %d", loaded.LoadedAccountsDataSize, wantSize)
	}
}

func TestLoadFeePayerValidation(t *testing.T) {
	otherOwner := testKey(9)

	tests := []struct {
		name  string
		payer *accounts.Account
		fee   uint64
		code  TxErrorCode
	}{
		{"missing payer", nil, 0, TxErrAccountNotFound},
		{"zero balance", systemAccount(0), 0, TxErrAccountNotFound},
		{"insufficient funds", systemAccount(4999), 5000, TxErrInsufficientFundsForFee},
		{"non-system owner", &accounts.Account{Lamports: 1_000_000, Owner: otherOwner}, 0, TxErrInvalidAccountForFee},
		{"garbage data", &accounts.Account{Lamports: 1_000_000, Data: []byte{1, 2, 3}, Owner: types.SystemProgramAddr}, 0, TxErrInvalidAccountForFee},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newLoaderEnv(t)
			payer := testKey(1)
			if tt.payer != nil {
				env.set(t, payer, tt.payer)
			}

			_, err := env.load(transferMessage(payer, testKey(2), 1), tt.fee)
			if err == nil || err.Code != tt.code {
				t.Fatalf("expected %v, got %v", tt.code, err)
			}
		})
	}
}

func TestLoadNoncePayerReserve(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)

	reserve := DefaultRent().MinimumBalance(NonceAccountSize)
	nonceAccount := testNonceAccount(testKey(7), 5000)
	nonceAccount.Lamports = reserve + 4999

	env.set(t, payer, nonceAccount)

	// The fee may not dip into the nonce reserve.
	_, err := env.load(transferMessage(payer, testKey(2), 1), 5000)
	if err == nil || err.Code != TxErrInsufficientFundsForFee {
		t.Fatalf("expected InsufficientFundsForFee, got %v", err)
	}

	nonceAccount.Lamports = reserve + 5000
	env.set(t, payer, nonceAccount)

	loaded, err := env.load(transferMessage(payer, testKey(2), 1), 5000)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := loaded.Accounts[0].Account.Lamports; got != reserve {
		t.Errorf("payer lamports = %d, want reserve %d", got, reserve)
	}
}

func TestLoadSizeBudgetExceeded(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	env.set(t, payer, systemAccount(2_000_000))

	// Smaller than the system program account's data.
	env.limits.LoadedAccountsBytes = 8

	_, err := env.load(transferMessage(payer, testKey(2), 1), 0)
	if err == nil || err.Code != TxErrMaxLoadedAccountsDataSizeExceeded {
		t.Fatalf("expected MaxLoadedAccountsDataSizeExceeded, got %v", err)
	}
}

func TestLoadInstructionsSysvarSynthesized(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	env.set(t, payer, systemAccount(2_000_000))

	msg := &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       1,
			NumReadonlyUnsignedAccounts: 2,
		},
		AccountKeys: []types.Pubkey{payer, types.SysvarInstructionsAddr, types.SystemProgramAddr},
		Instructions: []CompiledInstruction{
			{ProgramIDIndex: 2, AccountIndexes: []uint8{0, 1}, Data: transferData(0)},
		},
	}

	loaded, err := env.load(msg, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sysvar := loaded.Accounts[1].Account
	if sysvar.Owner != types.SysvarOwnerAddr {
		t.Errorf("sysvar owner = %v", sysvar.Owner)
	}
	if len(sysvar.Data) == 0 {
		t.Error("instructions sysvar data should be synthesized")
	}
}

func TestLoadProgramMissing(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	program := testKey(50)
	env.set(t, payer, systemAccount(2_000_000))

	msg := transferMessage(payer, testKey(2), 1)
	msg.AccountKeys[2] = program

	_, err := env.load(msg, 0)
	if err == nil || err.Code != TxErrProgramAccountNotFound {
		t.Fatalf("expected ProgramAccountNotFound, got %v", err)
	}
}

func TestLoadProgramNotExecutable(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	program := testKey(50)
	env.set(t, payer, systemAccount(2_000_000))
	env.set(t, program, &accounts.Account{
		Lamports:  1,
		Data:      []byte{0xde, 0xad},
		Owner:     types.BPFLoader2Addr,
		RentEpoch: accounts.RentExemptRentEpoch,
	})

	msg := transferMessage(payer, testKey(2), 1)
	msg.AccountKeys[2] = program

	_, err := env.load(msg, 0)
	if err == nil || err.Code != TxErrInvalidProgramForExecution {
		t.Fatalf("expected InvalidProgramForExecution, got %v", err)
	}
}

func TestLoadProgramOwnerChain(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)
	program := testKey(50)
	env.set(t, payer, systemAccount(2_000_000))
	env.set(t, program, &accounts.Account{
		Lamports:   1,
		Data:       []byte{0xde, 0xad},
		Owner:      types.BPFLoader2Addr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	})
	env.set(t, types.BPFLoader2Addr, &accounts.Account{
		Lamports:   1,
		Owner:      types.NativeLoaderAddr,
		Executable: true,
		RentEpoch:  accounts.RentExemptRentEpoch,
	})

	msg := transferMessage(payer, testKey(2), 1)
	msg.AccountKeys[2] = program

	loaded, err := env.load(msg, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// The loader account is appended past the message accounts.
	if len(loaded.Accounts) != 4 {
		t.Fatalf("loaded %d accounts, want 4", len(loaded.Accounts))
	}
	if loaded.Accounts[3].Key != types.BPFLoader2Addr {
		t.Errorf("appended account = %v", loaded.Accounts[3].Key)
	}
	want := []uint16{3, 2}
	chain := loaded.ProgramIndices[0]
	if len(chain) != 2 || chain[0] != want[0] || chain[1] != want[1] {
		t.Errorf("program chain = %v, want %v", chain, want)
	}
}

func TestLoadRentCollection(t *testing.T) {
	env := newLoaderEnv(t)
	env.cfg.FeatureSet.DisableRentCollection = false
	env.cfg.RentCollector = NewRentCollector(2)

	payer := testKey(1)
	target := testKey(2)
	env.set(t, payer, systemAccount(2_000_000))
	env.set(t, target, &accounts.Account{
		Lamports:  100_000,
		Owner:     types.SystemProgramAddr,
		RentEpoch: 0,
	})

	loaded, err := env.load(transferMessage(payer, target, 1), 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.RentCollected == 0 {
		t.Fatal("expected rent collected from the writable paying account")
	}
	if loaded.RentDebits[target] != loaded.RentCollected {
		t.Errorf("rent debits = %v, collected %d", loaded.RentDebits, loaded.RentCollected)
	}
	if got := loaded.Accounts[1].Account.Lamports; got != 100_000-loaded.RentCollected {
		t.Errorf("target lamports = %d", got)
	}
}

func TestLoadNonceFeePayerFold(t *testing.T) {
	env := newLoaderEnv(t)
	payer := testKey(1)

	reserve := DefaultRent().MinimumBalance(NonceAccountSize)
	nonceAccount := testNonceAccount(testKey(7), 5000)
	nonceAccount.Lamports = reserve + 100_000
	env.set(t, payer, nonceAccount)

	msg := transferMessage(payer, testKey(2), 1)
	partial := NewNoncePartial(payer, nonceAccount.Clone())

	programKeys := map[types.Pubkey]bool{types.SystemProgramAddr: true}
	loaded, err := LoadTransactionAccounts(env.loader, msg, partial, 5000, programKeys, env.limits, env.cfg, &env.metrics)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Nonce == nil {
		t.Fatal("nonce view missing")
	}
	if loaded.Nonce.FeePayerAccount() != nil {
		t.Error("fee-paying nonce should fold into a single snapshot")
	}
	if loaded.Nonce.Address() != payer {
		t.Error("nonce address mismatch")
	}
}
