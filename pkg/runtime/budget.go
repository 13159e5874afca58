package runtime

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/X1-Runtime/internal/types"
)

// Compute budget constants, matching the reference runtime.
const (
	// DefaultInstructionComputeUnitLimit is the per-instruction default
	// compute unit allotment when no explicit limit is set.
	DefaultInstructionComputeUnitLimit = uint32(200_000)

	// MaxComputeUnitLimit is the per-transaction compute unit ceiling.
	MaxComputeUnitLimit = uint32(1_400_000)

	// MaxLoadedAccountsDataSizeBytes is the ceiling on total account bytes a
	// transaction may load. Requests above it are clamped; a zero request is
	// rejected.
	MaxLoadedAccountsDataSizeBytes = uint32(64 * 1024 * 1024)

	// MinHeapFrameBytes and MaxHeapFrameBytes bound RequestHeapFrame.
	MinHeapFrameBytes = uint32(32 * 1024)
	MaxHeapFrameBytes = uint32(256 * 1024)

	// HeapFrameGranularity is the required heap size alignment.
	HeapFrameGranularity = uint32(1024)
)

// Compute budget instruction discriminants.
const (
	computeBudgetRequestHeapFrame               = 1
	computeBudgetSetComputeUnitLimit            = 2
	computeBudgetSetComputeUnitPrice            = 3
	computeBudgetSetLoadedAccountsDataSizeLimit = 4
)

var errInvalidInstructionData = errors.New("invalid instruction data")

// ComputeBudgetLimits is the per-transaction resource budget, either parsed
// from the transaction's compute-budget instructions or supplied by the
// processing config.
type ComputeBudgetLimits struct {
	// ComputeUnitLimit is the maximum compute units for the transaction.
	ComputeUnitLimit uint32

	// ComputeUnitPrice is the prioritization price in micro-lamports per
	// compute unit.
	ComputeUnitPrice uint64

	// HeapSize is the requested heap size in bytes.
	HeapSize uint32

	// LoadedAccountsBytes is the max total bytes of loaded accounts.
	LoadedAccountsBytes uint32
}

// DefaultComputeBudgetLimits returns the default per-transaction budget.
func DefaultComputeBudgetLimits() ComputeBudgetLimits {
	return ComputeBudgetLimits{
		ComputeUnitLimit:    MaxComputeUnitLimit,
		ComputeUnitPrice:    0,
		HeapSize:            MinHeapFrameBytes,
		LoadedAccountsBytes: MaxLoadedAccountsDataSizeBytes,
	}
}

// ParseComputeBudgetInstructions extracts the compute budget from a message's
// compute-budget instructions. Each request kind may appear at most once;
// duplicates and malformed payloads are terminal for the transaction.
func ParseComputeBudgetInstructions(msg *Message) (ComputeBudgetLimits, *TxError) {
	var (
		requestedHeapSize    *uint32
		requestedUnitLimit   *uint32
		requestedUnitPrice   *uint64
		requestedLoadedBytes *uint32

		numNonBudgetInstructions uint32
	)

	for i := range msg.Instructions {
		ix := &msg.Instructions[i]
		index := uint8(i)

		programID, ok := msg.ProgramID(i)
		if !ok {
			return ComputeBudgetLimits{}, NewTxError(TxErrInvalidAccountIndex)
		}
		if programID != types.ComputeBudgetProgramAddr {
			numNonBudgetInstructions++
			continue
		}

		if len(ix.Data) == 0 {
			return ComputeBudgetLimits{}, NewInstructionError(index, errInvalidInstructionData)
		}

		switch ix.Data[0] {
		case computeBudgetRequestHeapFrame:
			if requestedHeapSize != nil {
				return ComputeBudgetLimits{}, NewDuplicateInstructionError(index)
			}
			v, err := readU32(ix.Data[1:])
			if err != nil {
				return ComputeBudgetLimits{}, NewInstructionError(index, err)
			}
			if v < MinHeapFrameBytes || v > MaxHeapFrameBytes || v%HeapFrameGranularity != 0 {
				return ComputeBudgetLimits{}, NewInstructionError(index, errInvalidInstructionData)
			}
			requestedHeapSize = &v

		case computeBudgetSetComputeUnitLimit:
			if requestedUnitLimit != nil {
				return ComputeBudgetLimits{}, NewDuplicateInstructionError(index)
			}
			v, err := readU32(ix.Data[1:])
			if err != nil {
				return ComputeBudgetLimits{}, NewInstructionError(index, err)
			}
			requestedUnitLimit = &v

		case computeBudgetSetComputeUnitPrice:
			if requestedUnitPrice != nil {
				return ComputeBudgetLimits{}, NewDuplicateInstructionError(index)
			}
			v, err := readU64(ix.Data[1:])
			if err != nil {
				return ComputeBudgetLimits{}, NewInstructionError(index, err)
			}
			requestedUnitPrice = &v

		case computeBudgetSetLoadedAccountsDataSizeLimit:
			if requestedLoadedBytes != nil {
				return ComputeBudgetLimits{}, NewDuplicateInstructionError(index)
			}
			v, err := readU32(ix.Data[1:])
			if err != nil {
				return ComputeBudgetLimits{}, NewInstructionError(index, err)
			}
			if v == 0 {
				return ComputeBudgetLimits{}, NewTxError(TxErrInvalidLoadedAccountsDataSizeLimit)
			}
			requestedLoadedBytes = &v

		default:
			return ComputeBudgetLimits{}, NewInstructionError(index, errInvalidInstructionData)
		}
	}

	limits := ComputeBudgetLimits{
		ComputeUnitPrice:    0,
		HeapSize:            MinHeapFrameBytes,
		LoadedAccountsBytes: MaxLoadedAccountsDataSizeBytes,
	}

	if requestedUnitLimit != nil {
		limits.ComputeUnitLimit = min32(*requestedUnitLimit, MaxComputeUnitLimit)
	} else {
		limits.ComputeUnitLimit = min32(
			numNonBudgetInstructions*DefaultInstructionComputeUnitLimit,
			MaxComputeUnitLimit,
		)
	}
	if requestedUnitPrice != nil {
		limits.ComputeUnitPrice = *requestedUnitPrice
	}
	if requestedHeapSize != nil {
		limits.HeapSize = *requestedHeapSize
	}
	if requestedLoadedBytes != nil {
		limits.LoadedAccountsBytes = min32(*requestedLoadedBytes, MaxLoadedAccountsDataSizeBytes)
	}

	return limits, nil
}

func readU32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, errInvalidInstructionData
	}
	return binary.LittleEndian.Uint32(data), nil
}

func readU64(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, errInvalidInstructionData
	}
	return binary.LittleEndian.Uint64(data), nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
