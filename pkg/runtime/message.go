package runtime

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Runtime/internal/types"
)

// MessageHeader describes the account types in a transaction message.
type MessageHeader struct {
	// NumRequiredSignatures is the number of signatures required.
	NumRequiredSignatures uint8

	// NumReadonlySignedAccounts is the number of readonly signer accounts.
	NumReadonlySignedAccounts uint8

	// NumReadonlyUnsignedAccounts is the number of readonly non-signer accounts.
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction is a single instruction referencing accounts by index.
type CompiledInstruction struct {
	// ProgramIDIndex is the index of the program account in AccountKeys.
	ProgramIDIndex uint8

	// AccountIndexes lists the account indexes this instruction uses.
	AccountIndexes []uint8

	// Data is the instruction data passed to the program.
	Data []byte
}

// Message is a sanitized transaction message: ordered account keys with
// header-derived writability and signer flags, plus compiled instructions.
type Message struct {
	// Header describes signature and account requirements.
	Header MessageHeader

	// AccountKeys lists all accounts referenced by this transaction.
	// Index 0 is the fee payer.
	AccountKeys []types.Pubkey

	// RecentBlockhash is the freshness token (or durable nonce value).
	RecentBlockhash types.Hash

	// Instructions contains the compiled instructions.
	Instructions []CompiledInstruction
}

// SanitizedTransaction is a signature-verified transaction ready for the
// processing pipeline. Signature verification happens upstream.
type SanitizedTransaction struct {
	// Signatures contains all signatures on this transaction.
	Signatures []types.Signature

	// Message is the transaction message.
	Message Message
}

// Signature returns the first signature, used as the transaction id.
func (tx *SanitizedTransaction) Signature() types.Signature {
	if len(tx.Signatures) == 0 {
		return types.Signature{}
	}
	return tx.Signatures[0]
}

// IsSigner reports whether the account at index is a signer.
func (m *Message) IsSigner(index int) bool {
	return index < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether the account at index is writable.
//
// Account key layout: writable signers, readonly signers, writable
// non-signers, readonly non-signers.
func (m *Message) IsWritable(index int) bool {
	numSigners := int(m.Header.NumRequiredSignatures)
	if index < numSigners {
		return index < numSigners-int(m.Header.NumReadonlySignedAccounts)
	}
	nonSignerIndex := index - numSigners
	numWritableUnsigned := len(m.AccountKeys) - numSigners - int(m.Header.NumReadonlyUnsignedAccounts)
	return nonSignerIndex < numWritableUnsigned
}

// IsInstructionAccount reports whether the account at index is passed to any
// instruction as an instruction account (not as the program id).
func (m *Message) IsInstructionAccount(index int) bool {
	for i := range m.Instructions {
		for _, accIdx := range m.Instructions[i].AccountIndexes {
			if int(accIdx) == index {
				return true
			}
		}
	}
	return false
}

// IsInvokedProgram reports whether the account at index is referenced as a
// program id by any instruction.
func (m *Message) IsInvokedProgram(index int) bool {
	for i := range m.Instructions {
		if int(m.Instructions[i].ProgramIDIndex) == index {
			return true
		}
	}
	return false
}

// FeePayer returns the fee payer key, or a zero key for an empty message.
func (m *Message) FeePayer() types.Pubkey {
	if len(m.AccountKeys) == 0 {
		return types.Pubkey{}
	}
	return m.AccountKeys[0]
}

// ProgramID returns the program key invoked by the instruction at the given
// index, or false if the index chain is out of range.
func (m *Message) ProgramID(instructionIndex int) (types.Pubkey, bool) {
	if instructionIndex >= len(m.Instructions) {
		return types.Pubkey{}, false
	}
	programIDIndex := int(m.Instructions[instructionIndex].ProgramIDIndex)
	if programIDIndex >= len(m.AccountKeys) {
		return types.Pubkey{}, false
	}
	return m.AccountKeys[programIDIndex], true
}

// Instructions sysvar account meta flags.
const (
	instructionAccountIsSigner   = 0x01
	instructionAccountIsWritable = 0x02
)

// ConstructInstructionsData serializes the message's own instructions into
// the instructions sysvar account format:
//
//	u16 instruction count
//	u16 offset per instruction
//	per instruction:
//	  u16 account count
//	  per account: u8 meta flags, 32-byte pubkey
//	  32-byte program id
//	  u16 data length, data
//	u16 current instruction index (updated in place during execution)
//
// The instructions sysvar is never loaded externally; it is synthesized from
// the message during account loading.
func (m *Message) ConstructInstructionsData() []byte {
	var buf []byte

	appendU16 := func(v uint16) {
		var tmp [2]byte
		binary.LittleEndian.PutUint16(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	appendU16(uint16(len(m.Instructions)))

	// Offset table, backfilled once each instruction's position is known.
	offsetTable := len(buf)
	buf = append(buf, make([]byte, 2*len(m.Instructions))...)

	for i := range m.Instructions {
		ix := &m.Instructions[i]
		binary.LittleEndian.PutUint16(buf[offsetTable+2*i:], uint16(len(buf)))

		appendU16(uint16(len(ix.AccountIndexes)))
		for _, accIdx := range ix.AccountIndexes {
			var flags byte
			if m.IsSigner(int(accIdx)) {
				flags |= instructionAccountIsSigner
			}
			if m.IsWritable(int(accIdx)) {
				flags |= instructionAccountIsWritable
			}
			buf = append(buf, flags)
			if int(accIdx) < len(m.AccountKeys) {
				buf = append(buf, m.AccountKeys[accIdx][:]...)
			} else {
				buf = append(buf, make([]byte, 32)...)
			}
		}

		if int(ix.ProgramIDIndex) < len(m.AccountKeys) {
			buf = append(buf, m.AccountKeys[ix.ProgramIDIndex][:]...)
		} else {
			buf = append(buf, make([]byte, 32)...)
		}

		appendU16(uint16(len(ix.Data)))
		buf = append(buf, ix.Data...)
	}

	// Current instruction index slot.
	appendU16(0)

	return buf
}
