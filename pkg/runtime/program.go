package runtime

import (
	"github.com/fortiblox/X1-Runtime/internal/types"
)

// upgradeableProgramDataMetadataSize is the fixed header of an upgradeable
// loader program-data account: u32 state tag, u64 deployment slot, 1-byte
// authority option flag, 32-byte authority.
const upgradeableProgramDataMetadataSize = 45

// Program is a resolved executable image.
type Program struct {
	// ID is the program's address.
	ID types.Pubkey

	// Owner is the loader that owns the program account.
	Owner types.Pubkey

	// Image is the executable bytecode.
	Image []byte
}

// ResolveProgram resolves a program id to its executable image.
//
// Direct-loader-owned programs carry the image in their own account data.
// Upgradeable-loader-owned programs store it in a derived program-data
// account behind a fixed metadata header. Missing accounts, non-executable
// program accounts, and malformed program-data all yield nil; callers treat
// absence as execution-blocking.
func ResolveProgram(loader AccountLoader, programID types.Pubkey) *Program {
	account := loader.LoadAccount(programID)
	if account == nil || !account.Executable {
		return nil
	}

	if account.Owner == types.BPFLoaderUpgradeableAddr {
		programDataAddr, _, err := FindProgramAddress(
			[][]byte{programID[:]},
			types.BPFLoaderUpgradeableAddr,
		)
		if err != nil {
			return nil
		}
		programData := loader.LoadAccount(programDataAddr)
		if programData == nil || len(programData.Data) < upgradeableProgramDataMetadataSize {
			return nil
		}
		return &Program{
			ID:    programID,
			Owner: account.Owner,
			Image: programData.Data[upgradeableProgramDataMetadataSize:],
		}
	}

	return &Program{
		ID:    programID,
		Owner: account.Owner,
		Image: account.Data,
	}
}

// ProgramTable is the per-transaction id-to-executable map. It lives for one
// transaction's execution only; there is no fork or slot concept and no
// sharing across transactions.
type ProgramTable struct {
	programs map[types.Pubkey]*Program
	modified map[types.Pubkey]*Program
}

// NewProgramTable creates an empty program table.
func NewProgramTable() *ProgramTable {
	return &ProgramTable{
		programs: make(map[types.Pubkey]*Program),
		modified: make(map[types.Pubkey]*Program),
	}
}

// Insert registers a resolved program.
func (t *ProgramTable) Insert(program *Program) {
	t.programs[program.ID] = program
}

// Get returns the program for an id, or nil.
func (t *ProgramTable) Get(id types.Pubkey) *Program {
	return t.programs[id]
}

// Len returns the number of registered programs.
func (t *ProgramTable) Len() int {
	return len(t.programs)
}

// MarkModified records a program entry updated during execution, for cache
// invalidation by the caller.
func (t *ProgramTable) MarkModified(program *Program) {
	t.programs[program.ID] = program
	t.modified[program.ID] = program
}

// Modified returns the entries updated during this transaction.
func (t *ProgramTable) Modified() map[types.Pubkey]*Program {
	if len(t.modified) == 0 {
		return nil
	}
	return t.modified
}
