package synth

import "fmt"

// NS1 ratios the output stage supports. The divide-by-1 option is only
// offered when bypass is allowed.
var (
	ns1Ratios       = []uint64{4, 5, 6}
	ns1BypassRatios = []uint64{1, 4, 5, 6}
)

// NS1 register selections for each ratio.
var ns1Codes = map[uint64]uint8{
	5: 0,
	6: 1,
	4: 2,
	1: 3,
}

// DividerCandidate is one integer output divider combination.
type DividerCandidate struct {
	NS1 uint64 `json:"ns1"`
	NS2 uint64 `json:"ns2"`
}

// TotalRatio is the overall integer division from the VCO to the output.
// NS2 of zero bypasses the second stage.
func (d DividerCandidate) TotalRatio() uint64 {
	if d.NS2 == 0 {
		return d.NS1
	}
	return d.NS1 * d.NS2 * 2
}

// NS1Code returns the NS1 register selection for the candidate's ratio.
func (d DividerCandidate) NS1Code() uint8 {
	return ns1Codes[d.NS1]
}

func (d DividerCandidate) String() string {
	return fmt.Sprintf("%d (ns1=%d, ns2=%d)", d.TotalRatio(), d.NS1, d.NS2)
}

// DividerTable enumerates every output divider combination that places the
// VCO inside [FvcoMin, FvcoMax] for targetHz.
func DividerTable(targetHz uint64, allowBypass bool) ([]DividerCandidate, error) {
	if targetHz == 0 {
		return nil, &Error{Kind: OutputFrequencyOutOfRange, Value: targetHz}
	}

	outdivMin := ceilDiv(FvcoMin, targetHz)
	outdivMax := FvcoMax / targetHz

	opts := ns1Ratios
	if allowBypass {
		opts = ns1BypassRatios
	}
	ns1Min, ns1Max := opts[0], opts[len(opts)-1]

	var ns2Min, ns2Max uint64
	bypass := false
	for _, ns1 := range opts {
		if ns1 == outdivMin || ns1 == outdivMax {
			bypass = true
		}
	}
	if !bypass {
		ns2Min = ceilDiv(outdivMin, ns1Max*2)
		ns2Max = outdivMax / ns1Min / 2
		if ns2Max == 0 {
			// rounding the max down can leave nothing to try
			ns2Max = 1
		}
	}

	var table []DividerCandidate
	for ns2 := ns2Min; ns2 <= ns2Max; ns2++ {
		for _, ns1 := range opts {
			d := DividerCandidate{NS1: ns1, NS2: ns2}
			vco, over := mul(targetHz, d.TotalRatio())
			if over {
				continue
			}
			if vco >= FvcoMin && vco <= FvcoMax {
				table = append(table, d)
			}
		}
	}
	if len(table) == 0 {
		return nil, &Error{Kind: NoValidDividerFound, Value: targetHz}
	}
	return table, nil
}

// MaxDivider picks the candidate with the largest total ratio, which leaves
// the VCO as high as possible. Equal ratios prefer the larger NS1.
func MaxDivider(table []DividerCandidate) (DividerCandidate, bool) {
	if len(table) == 0 {
		return DividerCandidate{}, false
	}
	best := table[0]
	for _, d := range table[1:] {
		r, br := d.TotalRatio(), best.TotalRatio()
		if r > br || (r == br && d.NS1 > best.NS1) {
			best = d
		}
	}
	return best, true
}
