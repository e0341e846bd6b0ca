package synth

import (
	"errors"
	"fmt"
	"math"
)

// Board holds the parameters that differ between boards carrying the chip.
type Board struct {
	// CrystalHz feeds the upper (DSM) loop.
	CrystalHz uint64 `json:"crystal_hz" yaml:"crystal_hz"`

	// AllowBypass offers the divide-by-1 NS1 option.
	AllowBypass bool `json:"allow_bypass" yaml:"allow_bypass"`

	Layout Layout `json:"layout" yaml:",inline"`
}

// DefaultBoard is the 40 MHz crystal configuration driving Q2 and Q3.
func DefaultBoard() Board {
	return Board{
		CrystalHz: DefaultCrystalHz,
		Layout:    DefaultLayout(),
	}
}

// Settings is a complete frequency plan.
type Settings struct {
	Request   Request          `json:"request"`
	Divider   DividerCandidate `json:"divider"`
	VcoHz     uint64           `json:"vco_hz"`
	Feedback  FeedbackSolution `json:"feedback"`
	Dsm       DsmSplit         `json:"dsm"`
	OutputDiv OutputDivSplit   `json:"output_div"`
	LosDiv    uint32           `json:"los_divider"`
	CrystalHz uint64           `json:"crystal_hz"`
}

// Fields returns the part of the plan that is written to registers.
func (s Settings) Fields() Fields {
	return Fields{
		PreDivider:   s.Feedback.PreDivider,
		FeedbackMult: s.Feedback.FeedbackMult,
		Dsm:          s.Dsm,
		OutputDiv:    s.OutputDiv,
		LosDivider:   s.LosDiv,
	}
}

// AchievedHz is the output frequency the DSM setting actually produces in
// synthesizer mode.
func (s Settings) AchievedHz() float64 {
	ratio := s.Divider.TotalRatio()
	if ratio == 0 {
		return 0
	}
	fb := float64(s.Dsm.Integer) + float64(s.Dsm.Fraction)/float64(1<<dsmFracBits)
	return 2 * float64(s.CrystalHz) * fb / float64(ratio)
}

// OutputHz is the synthesizer mode output frequency the fields produce with
// the given crystal. It is zero for an unprogrammed output divider.
//
// A nonzero fraction is read the way SplitOutputDivider writes it, with the
// integer rounded up, so an odd ratio of 5 stored as 3 + 0.5 decodes as 5.
func (f Fields) OutputHz(crystalHz uint64) float64 {
	ratio := 2 * float64(f.OutputDiv.Integer)
	if f.OutputDiv.Fraction != 0 && f.OutputDiv.Integer > 0 {
		ratio = 2*float64(f.OutputDiv.Integer-1) + float64(f.OutputDiv.Fraction)/float64(outFracHalfScale)
	}
	if ratio == 0 {
		return 0
	}
	fb := float64(f.Dsm.Integer) + float64(f.Dsm.Fraction)/float64(1<<dsmFracBits)
	return 2 * float64(crystalHz) * fb / ratio
}

// OffsetPPM is the relative error of AchievedHz against the request.
func (s Settings) OffsetPPM() float64 {
	if s.Request.TargetHz == 0 {
		return 0
	}
	t := float64(s.Request.TargetHz)
	return math.Round((s.AchievedHz()-t)/t*1e9) / 1e3
}

func (s Settings) String() string {
	return fmt.Sprintf("%v: div %v, vco %d Hz, %v, dsm %d+%d/2^21, n %d+%d/2^28, los %d",
		s.Request, s.Divider, s.VcoHz, s.Feedback,
		s.Dsm.Integer, s.Dsm.Fraction, s.OutputDiv.Integer, s.OutputDiv.Fraction, s.LosDiv)
}

// Calculator turns requests into settings and register programs for one
// board. It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	board Board
}

// NewCalculator validates board and returns a calculator for it.
func NewCalculator(board Board) (*Calculator, error) {
	if board.CrystalHz == 0 {
		return nil, errors.New("synth: board crystal frequency not set")
	}
	if err := board.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}
	return &Calculator{board: board}, nil
}

// Board returns the board the calculator was built for.
func (c *Calculator) Board() Board { return c.board }

// Settings runs the planner without encoding.
func (c *Calculator) Settings(req Request) (Settings, error) {
	if err := req.Validate(); err != nil {
		return Settings{}, err
	}

	table, err := DividerTable(req.TargetHz, c.board.AllowBypass)
	if err != nil {
		return Settings{}, err
	}
	div, _ := MaxDivider(table)

	vco, over := mul(req.TargetHz, div.TotalRatio())
	if over {
		return Settings{}, overflow("vco", div.TotalRatio())
	}

	fb, err := SolveFeedback(vco, req.ReferenceHz)
	if err != nil {
		return Settings{}, err
	}
	dsm, err := SplitDSM(vco, c.board.CrystalHz)
	if err != nil {
		return Settings{}, err
	}
	out, err := SplitOutputDivider(div.TotalRatio())
	if err != nil {
		return Settings{}, err
	}
	los, err := LossOfSignal(vco, req.ReferenceHz)
	if err != nil {
		return Settings{}, err
	}

	return Settings{
		Request:   req,
		Divider:   div,
		VcoHz:     vco,
		Feedback:  fb,
		Dsm:       dsm,
		OutputDiv: out,
		LosDiv:    los,
		CrystalHz: c.board.CrystalHz,
	}, nil
}

// Plan computes the settings for req and encodes them for the board layout.
func (c *Calculator) Plan(req Request) (Settings, Program, error) {
	s, err := c.Settings(req)
	if err != nil {
		return Settings{}, Program{}, err
	}
	prog, err := c.board.Layout.Encode(s.Fields())
	if err != nil {
		return Settings{}, Program{}, err
	}
	return s, prog, nil
}
