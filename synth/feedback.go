package synth

import "fmt"

// FeedbackSolution approximates vco/reference as FeedbackMult/PreDivider.
type FeedbackSolution struct {
	PreDivider   uint32 `json:"pre_divider"`
	FeedbackMult uint32 `json:"feedback_mult"`
	ErrorPPM     uint32 `json:"error_ppm"`
}

func (s FeedbackSolution) String() string {
	return fmt.Sprintf("M1/P = %d/%d (%d ppm)", s.FeedbackMult, s.PreDivider, s.ErrorPPM)
}

// SolveFeedback searches pre-dividers upward from the smallest one that keeps
// the phase detector at or below FpdMax, keeping the lowest error seen. The
// error is truncated to whole ppm, so the first pre-divider that reaches 0 ppm
// wins even when the ratio is not exact. The scan also stops once the
// multiplier saturates MMax, or at the largest pre-divider the 21-bit register
// can hold.
func SolveFeedback(vcoHz, referenceHz uint64) (FeedbackSolution, error) {
	if referenceHz == 0 {
		return FeedbackSolution{}, &Error{Kind: InputFrequencyOutOfRange, Value: referenceHz}
	}

	var (
		best  FeedbackSolution
		found bool
	)
	pLimit := uint64(min(PMax, 1<<preDividerBits-1))
	for p := MinPreDivider(referenceHz); p <= pLimit; p++ {
		vp, over := mul(vcoHz, p)
		if over {
			return FeedbackSolution{}, overflow("vco*p", p)
		}
		m := (vp + referenceHz/2) / referenceHz
		if m >= MMax {
			break
		}

		mr, over := mul(m, referenceHz)
		if over {
			return FeedbackSolution{}, overflow("m*reference", m)
		}
		var diff uint64
		if vp >= mr {
			diff = vp - mr
		} else {
			diff = mr - vp
		}
		scaled, over := mul(diff, 1_000_000)
		if over {
			return FeedbackSolution{}, overflow("error_ppm", diff)
		}
		pr, over := mul(p, referenceHz)
		if over {
			return FeedbackSolution{}, overflow("p*reference", p)
		}
		ppm := scaled / pr

		sol := FeedbackSolution{
			PreDivider:   uint32(p),
			FeedbackMult: uint32(m),
			ErrorPPM:     uint32(ppm),
		}
		if sol.ErrorPPM == 0 {
			return sol, nil
		}
		if !found || sol.ErrorPPM < best.ErrorPPM {
			best, found = sol, true
		}
	}
	if !found {
		return FeedbackSolution{}, &Error{Kind: FeedbackSearchExhausted, Value: vcoHz}
	}
	return best, nil
}

// MinPreDivider is the smallest pre-divider keeping the phase detector input
// at or below FpdMax.
func MinPreDivider(referenceHz uint64) uint64 {
	return ceilDiv(referenceHz, FpdMax)
}
