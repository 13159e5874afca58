// X1-Runtime demo driver.
//
// Seeds an account store with the builtin program accounts and a set of
// funded system accounts, runs a batch of transfer transactions through the
// batch processor, commits the successful results, and prints balances,
// error counts, and timings.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fortiblox/X1-Runtime/internal/types"
	"github.com/fortiblox/X1-Runtime/pkg/accounts"
	"github.com/fortiblox/X1-Runtime/pkg/runtime"
	"github.com/fortiblox/X1-Runtime/pkg/svm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	dataDir     = flag.String("data-dir", "", "BadgerDB directory (empty = in-memory store)")
	slot        = flag.Uint64("slot", 1, "Slot to execute the batch in")
	numAccounts = flag.Int("accounts", 4, "Number of fixture accounts to seed")
	numTx       = flag.Int("transactions", 8, "Number of transfer transactions in the batch")
	fundSOL     = flag.Uint64("fund", 10, "Initial balance per fixture account, in whole tokens")
	snapshot    = flag.String("snapshot", "", "Write an accounts snapshot to this path after the batch commits")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const lamportsPerToken = 1_000_000_000

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("X1-Runtime %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting X1-Runtime demo %s", Version)

	if *numAccounts < 2 {
		log.Fatalf("need at least 2 fixture accounts, got %d", *numAccounts)
	}

	db, err := openStore(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open account store: %v", err)
	}
	defer db.Close()

	keys := seedFixtures(db, *numAccounts, *fundSOL*lamportsPerToken)
	logBalances(db, keys, "Initial balances")

	processor := runtime.NewBatchProcessor(
		runtime.NewStoreLoader(db),
		svm.NewNativeExecutor(runtime.DefaultRent()),
	)

	cfg := runtime.DefaultProcessingConfig(*slot)
	cfg.Blockhash = demoBlockhash(*slot)

	txs := buildTransferBatch(keys, *numTx)
	log.Printf("Executing batch of %d transactions at slot %d", len(txs), *slot)

	out := processor.LoadAndExecuteSanitizedTransactions(txs, cfg)

	committed := 0
	for i, result := range out.ExecutionResults {
		if txErr := result.Err(); txErr != nil {
			log.Printf("tx %d: failed: %v", i, txErr)
			continue
		}
		if err := commitTransaction(db, &txs[i].Message, out.LoadedTransactions[i]); err != nil {
			log.Fatalf("tx %d: commit failed: %v", i, err)
		}
		committed++
		log.Printf("tx %d: ok, %d compute units", i, result.Details.ExecutedUnits)
		for _, line := range result.Details.LogMessages {
			log.Printf("tx %d:   %s", i, line)
		}
	}
	if err := db.Commit(); err != nil {
		log.Fatalf("Failed to commit store: %v", err)
	}

	hash, err := accounts.NewHashComputer(db).ComputeAccountsHash()
	if err != nil {
		log.Fatalf("Failed to compute accounts hash: %v", err)
	}
	log.Printf("Accounts hash: %s", hash)

	if *snapshot != "" {
		snapshotter, ok := db.(interface{ CreateSnapshot(path string) error })
		if !ok {
			log.Fatalf("Store %T does not support snapshots", db)
		}
		if err := snapshotter.CreateSnapshot(*snapshot); err != nil {
			log.Fatalf("Failed to write snapshot: %v", err)
		}
		log.Printf("Snapshot written to %s", *snapshot)
	}

	logBalances(db, keys, "Final balances")
	log.Printf("Committed %d/%d transactions", committed, len(txs))
	log.Printf("Timings: parse %dus, load %dus, execute %dus",
		out.Timings.ComputeBudgetParseUs, out.Timings.LoadUs, out.Timings.ExecuteUs)
	if out.ErrorMetrics.Total > 0 {
		log.Printf("Errors: %d total", out.ErrorMetrics.Total)
	}
}

func openStore(dir string) (accounts.DB, error) {
	if dir == "" {
		log.Println("Using in-memory account store")
		return accounts.NewMemoryDB(), nil
	}
	log.Printf("Opening BadgerDB store at %s", dir)
	return accounts.NewBadgerDB(accounts.BadgerDBConfig{
		Path:       dir,
		SyncWrites: true,
	})
}

// seedFixtures stores the builtin program accounts and n funded system
// accounts, returning the fixture keys.
func seedFixtures(db accounts.DB, n int, lamports uint64) []types.Pubkey {
	programs := []struct {
		key  types.Pubkey
		name string
	}{
		{types.SystemProgramAddr, "system_program"},
		{types.ComputeBudgetProgramAddr, "compute_budget_program"},
	}
	for _, p := range programs {
		if err := db.SetAccount(p.key, &accounts.Account{
			Lamports:   1,
			Data:       []byte(p.name),
			Owner:      types.NativeLoaderAddr,
			Executable: true,
		}); err != nil {
			log.Fatalf("Failed to seed %s: %v", p.name, err)
		}
	}

	keys := make([]types.Pubkey, n)
	for i := range keys {
		keys[i] = fixtureKey(i)
		if err := db.SetAccount(keys[i], &accounts.Account{
			Lamports:  lamports,
			Owner:     types.SystemProgramAddr,
			RentEpoch: accounts.RentExemptRentEpoch,
		}); err != nil {
			log.Fatalf("Failed to seed fixture account %d: %v", i, err)
		}
	}
	return keys
}

// buildTransferBatch compiles n single-instruction transfer transactions
// that cycle lamports through the fixture accounts.
func buildTransferBatch(keys []types.Pubkey, n int) []*runtime.SanitizedTransaction {
	txs := make([]*runtime.SanitizedTransaction, n)
	for i := range txs {
		from := keys[i%len(keys)]
		to := keys[(i+1)%len(keys)]
		amount := uint64(i+1) * lamportsPerToken / 10

		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], 2) // transfer
		binary.LittleEndian.PutUint64(data[4:12], amount)

		txs[i] = &runtime.SanitizedTransaction{
			Signatures: []types.Signature{fixtureSignature(i)},
			Message: runtime.Message{
				Header: runtime.MessageHeader{
					NumRequiredSignatures:       1,
					NumReadonlyUnsignedAccounts: 1,
				},
				AccountKeys:     []types.Pubkey{from, to, types.SystemProgramAddr},
				RecentBlockhash: demoBlockhash(uint64(i)),
				Instructions: []runtime.CompiledInstruction{
					{ProgramIDIndex: 2, AccountIndexes: []uint8{0, 1}, Data: data},
				},
			},
		}
	}
	return txs
}

// commitTransaction writes the writable message accounts of an executed
// transaction back to the store.
func commitTransaction(db accounts.DB, msg *runtime.Message, loaded *runtime.LoadedTransaction) error {
	for i := range msg.AccountKeys {
		if !msg.IsWritable(i) {
			continue
		}
		ka := loaded.Accounts[i]
		if err := db.SetAccount(ka.Key, ka.Account); err != nil {
			return err
		}
	}
	return nil
}

func logBalances(db accounts.DB, keys []types.Pubkey, header string) {
	log.Println(header)
	for i, key := range keys {
		var lamports uint64
		account, err := db.GetAccount(key)
		switch {
		case errors.Is(err, accounts.ErrAccountNotFound):
		case err != nil:
			log.Printf("  [%d] %s: %v", i, key, err)
			continue
		default:
			lamports = account.Lamports
		}
		log.Printf("  [%d] %s: %d lamports", i, key, lamports)
	}
}

func fixtureKey(i int) types.Pubkey {
	sum := sha256.Sum256([]byte(fmt.Sprintf("x1-runtime-demo-account-%d", i)))
	return types.Pubkey(sum)
}

func fixtureSignature(i int) types.Signature {
	var sig types.Signature
	sum := sha256.Sum256([]byte(fmt.Sprintf("x1-runtime-demo-sig-%d", i)))
	copy(sig[:], sum[:])
	return sig
}

func demoBlockhash(seed uint64) types.Hash {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	return types.Hash(sha256.Sum256(buf[:]))
}
