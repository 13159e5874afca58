package system

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
	"github.com/fortiblox/X1-Runtime/pkg/runtime"
)

func testKey(b byte) types.Pubkey {
	var p types.Pubkey
	for i := range p {
		p[i] = b
	}
	return p
}

type fakeInvokeContext struct {
	handles   []*AccountHandle
	rent      runtime.Rent
	blockhash types.Hash
	logs      []string
}

func newFakeContext(handles ...*AccountHandle) *fakeInvokeContext {
	ctx := &fakeInvokeContext{
		handles: handles,
		rent:    runtime.DefaultRent(),
	}
	copy(ctx.blockhash[:], []byte("recent-blockhash"))
	return ctx
}

func (f *fakeInvokeContext) Account(index int) (*AccountHandle, error) {
	if index >= len(f.handles) {
		return nil, errors.New("no account at index")
	}
	return f.handles[index], nil
}

func (f *fakeInvokeContext) RentMinimum(dataLen uint64) uint64 {
	return f.rent.MinimumBalance(int(dataLen))
}

func (f *fakeInvokeContext) Blockhash() types.Hash {
	return f.blockhash
}

func (f *fakeInvokeContext) Log(msg string) {
	f.logs = append(f.logs, msg)
}

func signerHandle(key types.Pubkey, account *accounts.Account) *AccountHandle {
	return &AccountHandle{Key: key, Account: account, IsSigner: true, IsWritable: true}
}

func writableHandle(key types.Pubkey, account *accounts.Account) *AccountHandle {
	return &AccountHandle{Key: key, Account: account, IsWritable: true}
}

func ixData(discriminant uint32, payload ...byte) []byte {
	data := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(data, discriminant)
	copy(data[4:], payload)
	return data
}

func createAccountPayload(lamports, space uint64, owner types.Pubkey) []byte {
	payload := make([]byte, 48)
	binary.LittleEndian.PutUint64(payload, lamports)
	binary.LittleEndian.PutUint64(payload[8:], space)
	copy(payload[16:], owner[:])
	return payload
}

func TestProcessRejectsShortData(t *testing.T) {
	p := NewProcessor()
	if err := p.Process(newFakeContext(), []byte{1, 2}); err != ErrInvalidInstructionData {
		t.Errorf("err = %v", err)
	}
	if err := p.Process(newFakeContext(), ixData(99)); err != ErrInvalidInstructionData {
		t.Errorf("unknown discriminant err = %v", err)
	}
}

func TestCreateAccount(t *testing.T) {
	p := NewProcessor()
	owner := testKey(9)
	rent := runtime.DefaultRent()
	lamports := rent.MinimumBalance(64)

	funder := &accounts.Account{Lamports: lamports + 100, Owner: types.SystemProgramAddr}
	fresh := &accounts.Account{Owner: types.SystemProgramAddr}

	ctx := newFakeContext(
		signerHandle(testKey(1), funder),
		signerHandle(testKey(2), fresh),
	)

	err := p.Process(ctx, ixData(InstructionCreateAccount, createAccountPayload(lamports, 64, owner)...))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if funder.Lamports != 100 {
		t.Errorf("funder lamports = %d, want 100", funder.Lamports)
	}
	if fresh.Lamports != lamports || len(fresh.Data) != 64 || fresh.Owner != owner {
		t.Errorf("created account = %+v", fresh)
	}
}

func TestCreateAccountFailures(t *testing.T) {
	p := NewProcessor()
	rent := runtime.DefaultRent()
	exempt := rent.MinimumBalance(0)

	tests := []struct {
		name    string
		funder  *AccountHandle
		fresh   *AccountHandle
		payload []byte
		err     error
	}{
		{
			"funder not signer",
			writableHandle(testKey(1), &accounts.Account{Lamports: exempt * 2, Owner: types.SystemProgramAddr}),
			signerHandle(testKey(2), &accounts.Account{Owner: types.SystemProgramAddr}),
			createAccountPayload(exempt, 0, testKey(9)),
			ErrMissingRequiredSignature,
		},
		{
			"insufficient funds",
			signerHandle(testKey(1), &accounts.Account{Lamports: 10, Owner: types.SystemProgramAddr}),
			signerHandle(testKey(2), &accounts.Account{Owner: types.SystemProgramAddr}),
			createAccountPayload(exempt, 0, testKey(9)),
			ErrInsufficientFunds,
		},
		{
			"account in use",
			signerHandle(testKey(1), &accounts.Account{Lamports: exempt * 2, Owner: types.SystemProgramAddr}),
			signerHandle(testKey(2), &accounts.Account{Lamports: 5, Owner: types.SystemProgramAddr}),
			createAccountPayload(exempt, 0, testKey(9)),
			ErrAccountAlreadyInUse,
		},
		{
			"below rent exemption",
			signerHandle(testKey(1), &accounts.Account{Lamports: exempt * 2, Owner: types.SystemProgramAddr}),
			signerHandle(testKey(2), &accounts.Account{Owner: types.SystemProgramAddr}),
			createAccountPayload(exempt-1, 0, testKey(9)),
			ErrAccountNotRentExempt,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newFakeContext(tt.funder, tt.fresh)
			err := p.Process(ctx, ixData(InstructionCreateAccount, tt.payload...))
			if err != tt.err {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestTransfer(t *testing.T) {
	p := NewProcessor()
	from := &accounts.Account{Lamports: 1000, Owner: types.SystemProgramAddr}
	to := &accounts.Account{Lamports: 50, Owner: types.SystemProgramAddr}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 300)

	ctx := newFakeContext(
		signerHandle(testKey(1), from),
		writableHandle(testKey(2), to),
	)
	if err := p.Process(ctx, ixData(InstructionTransfer, payload...)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if from.Lamports != 700 || to.Lamports != 350 {
		t.Errorf("balances = %d, %d", from.Lamports, to.Lamports)
	}
}

func TestTransferFailures(t *testing.T) {
	p := NewProcessor()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 300)

	t.Run("insufficient funds", func(t *testing.T) {
		ctx := newFakeContext(
			signerHandle(testKey(1), &accounts.Account{Lamports: 100}),
			writableHandle(testKey(2), &accounts.Account{}),
		)
		if err := p.Process(ctx, ixData(InstructionTransfer, payload...)); err != ErrInsufficientFunds {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		ctx := newFakeContext(
			writableHandle(testKey(1), &accounts.Account{Lamports: 1000}),
			writableHandle(testKey(2), &accounts.Account{}),
		)
		if err := p.Process(ctx, ixData(InstructionTransfer, payload...)); err != ErrMissingRequiredSignature {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("destination not writable", func(t *testing.T) {
		ctx := newFakeContext(
			signerHandle(testKey(1), &accounts.Account{Lamports: 1000}),
			&AccountHandle{Key: testKey(2), Account: &accounts.Account{}},
		)
		if err := p.Process(ctx, ixData(InstructionTransfer, payload...)); err == nil {
			t.Error("expected writability error")
		}
	})
}

func TestAllocateAndAssign(t *testing.T) {
	p := NewProcessor()
	account := &accounts.Account{Lamports: 1, Owner: types.SystemProgramAddr}
	ctx := newFakeContext(signerHandle(testKey(1), account))

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 32)
	if err := p.Process(ctx, ixData(InstructionAllocate, payload...)); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(account.Data) != 32 {
		t.Errorf("data length = %d, want 32", len(account.Data))
	}

	// Shrinking is not allowed.
	binary.LittleEndian.PutUint64(payload, 16)
	if err := p.Process(ctx, ixData(InstructionAllocate, payload...)); err != ErrAccountDataTooSmall {
		t.Errorf("shrink err = %v", err)
	}

	newOwner := testKey(9)
	if err := p.Process(ctx, ixData(InstructionAssign, newOwner[:]...)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if account.Owner != newOwner {
		t.Error("owner not reassigned")
	}

	// Once reassigned, further system mutations are rejected.
	if err := p.Process(ctx, ixData(InstructionAssign, newOwner[:]...)); err != ErrInvalidAccountOwner {
		t.Errorf("reassign err = %v", err)
	}
}

func TestCreateAccountWithSeed(t *testing.T) {
	p := NewProcessor()
	rent := runtime.DefaultRent()
	lamports := rent.MinimumBalance(16)

	base := testKey(1)
	owner := testKey(9)
	seed := "vault"
	derived := CreateWithSeedAddress(base, seed, owner)

	payload := make([]byte, 0, 96)
	payload = append(payload, base[:]...)
	seedLen := make([]byte, 8)
	binary.LittleEndian.PutUint64(seedLen, uint64(len(seed)))
	payload = append(payload, seedLen...)
	payload = append(payload, []byte(seed)...)
	tail := make([]byte, 16)
	binary.LittleEndian.PutUint64(tail, lamports)
	binary.LittleEndian.PutUint64(tail[8:], 16)
	payload = append(payload, tail...)
	payload = append(payload, owner[:]...)

	funder := &accounts.Account{Lamports: lamports * 2, Owner: types.SystemProgramAddr}
	fresh := &accounts.Account{Owner: types.SystemProgramAddr}

	t.Run("address mismatch", func(t *testing.T) {
		ctx := newFakeContext(
			signerHandle(base, funder),
			writableHandle(testKey(5), fresh),
		)
		if err := p.Process(ctx, ixData(InstructionCreateAccountWithSeed, payload...)); err == nil {
			t.Error("expected derivation mismatch")
		}
	})

	t.Run("success", func(t *testing.T) {
		ctx := newFakeContext(
			signerHandle(base, funder),
			writableHandle(derived, fresh),
		)
		if err := p.Process(ctx, ixData(InstructionCreateAccountWithSeed, payload...)); err != nil {
			t.Fatalf("create with seed: %v", err)
		}
		if fresh.Owner != owner || len(fresh.Data) != 16 || fresh.Lamports != lamports {
			t.Errorf("created account = %+v", fresh)
		}
	})
}

func testNonceHandle(authority types.Pubkey, lamports uint64) *AccountHandle {
	state := &runtime.NonceState{
		Authority:            authority,
		LamportsPerSignature: 5000,
	}
	copy(state.DurableNonce[:], []byte("previous-nonce"))
	return writableHandle(testKey(1), &accounts.Account{
		Lamports: lamports,
		Data:     runtime.SerializeNonceAccount(state),
		Owner:    types.SystemProgramAddr,
	})
}

func TestAdvanceNonce(t *testing.T) {
	p := NewProcessor()
	authority := testKey(7)
	nonce := testNonceHandle(authority, 2_000_000)

	ctx := newFakeContext(nonce, signerHandle(authority, &accounts.Account{}))
	if err := p.Process(ctx, ixData(InstructionAdvanceNonceAccount)); err != nil {
		t.Fatalf("advance: %v", err)
	}

	state, ok := runtime.ParseNonceAccount(nonce.Account)
	if !ok {
		t.Fatal("nonce no longer parses")
	}
	want := DurableNonceFromBlockhash(ctx.blockhash)
	if state.DurableNonce != want {
		t.Error("durable nonce not rotated to blockhash derivation")
	}

	// Advancing again under the same blockhash is rejected.
	if err := p.Process(ctx, ixData(InstructionAdvanceNonceAccount)); err != ErrNonceUnchanged {
		t.Errorf("second advance err = %v", err)
	}
}

func TestAdvanceNonceAuthority(t *testing.T) {
	p := NewProcessor()
	nonce := testNonceHandle(testKey(7), 2_000_000)

	wrong := testKey(8)
	ctx := newFakeContext(nonce, signerHandle(wrong, &accounts.Account{}))
	if err := p.Process(ctx, ixData(InstructionAdvanceNonceAccount)); err != ErrNonceAuthorityMismatch {
		t.Errorf("wrong authority err = %v", err)
	}

	unsigned := newFakeContext(nonce, writableHandle(testKey(7), &accounts.Account{}))
	if err := p.Process(unsigned, ixData(InstructionAdvanceNonceAccount)); err != ErrMissingRequiredSignature {
		t.Errorf("unsigned authority err = %v", err)
	}
}

func TestInitializeNonce(t *testing.T) {
	p := NewProcessor()
	rent := runtime.DefaultRent()
	reserve := rent.MinimumBalance(runtime.NonceAccountSize)
	authority := testKey(7)

	account := &accounts.Account{
		Lamports: reserve,
		Data:     make([]byte, runtime.NonceAccountSize),
		Owner:    types.SystemProgramAddr,
	}
	ctx := newFakeContext(writableHandle(testKey(1), account))

	if err := p.Process(ctx, ixData(InstructionInitializeNonceAccount, authority[:]...)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	state, ok := runtime.ParseNonceAccount(account)
	if !ok {
		t.Fatal("initialized account does not parse")
	}
	if state.Authority != authority {
		t.Error("authority mismatch")
	}

	// A second initialize hits the already-initialized state.
	if err := p.Process(ctx, ixData(InstructionInitializeNonceAccount, authority[:]...)); err != ErrAccountAlreadyInUse {
		t.Errorf("reinitialize err = %v", err)
	}
}

func TestWithdrawNonce(t *testing.T) {
	p := NewProcessor()
	rent := runtime.DefaultRent()
	reserve := rent.MinimumBalance(runtime.NonceAccountSize)
	authority := testKey(7)

	nonce := testNonceHandle(authority, reserve+1000)
	recipient := &accounts.Account{Owner: types.SystemProgramAddr}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 2000)

	ctx := newFakeContext(
		nonce,
		writableHandle(testKey(2), recipient),
		signerHandle(authority, &accounts.Account{}),
	)

	// A partial withdrawal may not dip into the rent reserve.
	if err := p.Process(ctx, ixData(InstructionWithdrawNonceAccount, payload...)); err != ErrAccountNotRentExempt {
		t.Fatalf("reserve violation err = %v", err)
	}

	binary.LittleEndian.PutUint64(payload, 1000)
	if err := p.Process(ctx, ixData(InstructionWithdrawNonceAccount, payload...)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if nonce.Account.Lamports != reserve || recipient.Lamports != 1000 {
		t.Errorf("balances = %d, %d", nonce.Account.Lamports, recipient.Lamports)
	}

	// A full withdrawal drains the account entirely.
	binary.LittleEndian.PutUint64(payload, reserve)
	if err := p.Process(ctx, ixData(InstructionWithdrawNonceAccount, payload...)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if nonce.Account.Lamports != 0 {
		t.Errorf("drained lamports = %d", nonce.Account.Lamports)
	}
}

func TestAuthorizeNonce(t *testing.T) {
	p := NewProcessor()
	authority := testKey(7)
	next := testKey(8)
	nonce := testNonceHandle(authority, 2_000_000)

	ctx := newFakeContext(nonce, signerHandle(authority, &accounts.Account{}))
	if err := p.Process(ctx, ixData(InstructionAuthorizeNonceAccount, next[:]...)); err != nil {
		t.Fatalf("authorize: %v", err)
	}

	state, ok := runtime.ParseNonceAccount(nonce.Account)
	if !ok || state.Authority != next {
		t.Errorf("authority = %v", state.Authority)
	}

	// The old authority can no longer act.
	if err := p.Process(ctx, ixData(InstructionAuthorizeNonceAccount, next[:]...)); err != ErrNonceAuthorityMismatch {
		t.Errorf("stale authority err = %v", err)
	}
}

func TestCreateWithSeedAddressDeterministic(t *testing.T) {
	a := CreateWithSeedAddress(testKey(1), "seed", testKey(2))
	b := CreateWithSeedAddress(testKey(1), "seed", testKey(2))
	c := CreateWithSeedAddress(testKey(1), "other", testKey(2))

	if a != b {
		t.Error("derivation not deterministic")
	}
	if a == c {
		t.Error("different seeds should derive different addresses")
	}
	if bytes.Equal(a[:], make([]byte, 32)) {
		t.Error("derived address is zero")
	}
}
