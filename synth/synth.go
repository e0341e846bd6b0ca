// Package synth computes frequency plans for 8T49N24x fractional-N clock
// synthesizers and encodes them as ordered register write programs.
//
// The package performs no I/O. A Calculator turns a Request into Settings
// and a Program; applying the Program to a device is up to the caller.
package synth

import (
	"fmt"
	"math/bits"
)

// Device limits, all in Hz unless noted.
const (
	FvcoMin = 3_000_000_000 // Min VCO operating frequency
	FvcoMax = 4_000_000_000 // Max VCO operating frequency

	FoutMin = 8_000       // Min output frequency
	FoutMax = 400_000_000 // Max output frequency
	FinMin  = 8_000       // Min input frequency
	FinMax  = 875_000_000 // Max input frequency

	FpdMax = 128_000 // Max phase detector frequency

	PMax = 1 << 22 // Max pre-divider value
	MMax = 1 << 24 // Feedback multiplier must stay below this

	DefaultCrystalHz = 40_000_000
)

// Register field widths in bits.
const (
	preDividerBits   = 21
	feedbackBits     = 24
	dsmIntBits       = 9
	dsmFracBits      = 21
	outIntBits       = 18
	outFracBits      = 28
	losBits          = 17
	outFracHalfScale = 1 << (outFracBits - 1)
)

// Request asks for targetHz at the outputs, locked to referenceHz.
type Request struct {
	ReferenceHz uint64 `json:"reference_hz" yaml:"reference_hz"`
	TargetHz    uint64 `json:"target_hz" yaml:"target_hz"`
}

// Validate checks both frequencies against the device limits. The output
// frequency is checked first so a zero target never reaches a division.
func (r Request) Validate() error {
	if r.TargetHz < FoutMin || r.TargetHz > FoutMax {
		return &Error{Kind: OutputFrequencyOutOfRange, Value: r.TargetHz}
	}
	if r.ReferenceHz < FinMin || r.ReferenceHz > FinMax {
		return &Error{Kind: InputFrequencyOutOfRange, Value: r.ReferenceHz}
	}
	return nil
}

func (r Request) String() string {
	return fmt.Sprintf("%d Hz -> %d Hz", r.ReferenceHz, r.TargetHz)
}

// mul returns a*b and whether the product overflowed 64 bits.
func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi != 0
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func fits(v uint64, width uint) bool {
	return v < 1<<width
}
