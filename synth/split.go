package synth

// DsmSplit is the upper loop feedback divider as a 9-bit integer plus a
// 21-bit fraction scaled by 2^21.
type DsmSplit struct {
	Integer  uint16 `json:"integer"`
	Fraction uint32 `json:"fraction"`
}

// OutputDivSplit is an output divider as an 18-bit integer plus a 28-bit
// fraction.
type OutputDivSplit struct {
	Integer  uint32 `json:"integer"`
	Fraction uint32 `json:"fraction"`
}

// SplitDSM computes the delta-sigma feedback divider vco/(2*crystal).
// The fraction is rounded half up; a fraction that rounds to a full unit
// carries into the integer.
func SplitDSM(vcoHz, crystalHz uint64) (DsmSplit, error) {
	if crystalHz == 0 {
		return DsmSplit{}, &Error{Kind: InputFrequencyOutOfRange, Value: crystalHz}
	}
	div := 2 * crystalHz
	q, r := vcoHz/div, vcoHz%div

	scaled, over := mul(r, 1<<dsmFracBits)
	if over {
		return DsmSplit{}, overflow("dsm_frac", r)
	}
	frac := (scaled + div/2) / div
	if frac == 1<<dsmFracBits {
		q, frac = q+1, 0
	}
	if !fits(q, dsmIntBits) {
		return DsmSplit{}, overflow("dsm_int", q)
	}
	return DsmSplit{Integer: uint16(q), Fraction: uint32(frac)}, nil
}

// SplitOutputDivider encodes an integer total ratio for a fractional output
// divider. Odd ratios carry a half-scale fraction.
func SplitOutputDivider(totalRatio uint64) (OutputDivSplit, error) {
	var s OutputDivSplit
	n := totalRatio / 2
	if totalRatio&1 != 0 {
		n = (totalRatio + 1) / 2
		s.Fraction = outFracHalfScale
	}
	if !fits(n, outIntBits) {
		return OutputDivSplit{}, overflow("n_q", n)
	}
	s.Integer = uint32(n)
	return s, nil
}

// LossOfSignal returns the input monitor threshold divider, never below 6.
func LossOfSignal(vcoHz, referenceHz uint64) (uint32, error) {
	if referenceHz == 0 {
		return 0, &Error{Kind: InputFrequencyOutOfRange, Value: referenceHz}
	}
	los := vcoHz/8/referenceHz + 3
	if los < 6 {
		los = 6
	}
	if !fits(los, losBits) {
		return 0, overflow("los", los)
	}
	return uint32(los), nil
}
