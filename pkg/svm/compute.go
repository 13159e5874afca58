// Package svm executes transaction instructions against the builtin
// programs, metering compute units as it goes.
package svm

import (
	"errors"
	"sync/atomic"
)

// Compute unit cost constants.
const (
	// Base costs
	CUDefault = uint64(200_000)   // Default CU limit per instruction
	CUMax     = uint64(1_400_000) // Max CU limit per transaction

	// Native program defaults
	CUSystemProgramDefault = uint64(150) // System program base
	CUComputeBudgetDefault = uint64(150) // Compute budget base
)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")
)

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	disabled  bool
}

// NewComputeMeter creates a new compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// NewComputeMeterDisabled creates a disabled compute meter (for testing).
func NewComputeMeterDisabled() *ComputeMeter {
	return &ComputeMeter{
		remaining: CUMax,
		limit:     CUMax,
		disabled:  true,
	}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.disabled {
		return nil
	}

	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// IsExhausted returns true if compute units are exhausted.
func (cm *ComputeMeter) IsExhausted() bool {
	return atomic.LoadUint64(&cm.remaining) == 0
}
