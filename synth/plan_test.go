package synth

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

var seed = int64(1)

func rand() float64 {
	seed = 25214903917*seed + 11
	return float64(seed&0xffff_ffff_ffff) / float64(1<<48)
}

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultBoard())
	assert.NilError(t, err)
	return c
}

func TestPlanHDMI(t *testing.T) {
	c := newCalculator(t)
	s, prog, err := c.Plan(Request{ReferenceHz: 40_000_000, TargetHz: 148_500_000})
	assert.NilError(t, err)

	assert.Equal(t, s.Divider, DividerCandidate{NS1: 6, NS2: 2})
	assert.Equal(t, s.VcoHz, uint64(3_564_000_000))
	assert.DeepEqual(t, s.Fields(), hdmiFields)
	assert.Equal(t, len(prog.Writes), 39)

	assert.Assert(t, math.Abs(s.AchievedHz()-148_500_000) < 1, "achieved %f", s.AchievedHz())
	assert.Assert(t, math.Abs(s.OffsetPPM()) < 0.01, "offset %f ppm", s.OffsetPPM())
}

func TestPlanRejectsFrequencies(t *testing.T) {
	c := newCalculator(t)
	tests := []struct {
		req  Request
		kind ErrorKind
	}{
		{Request{ReferenceHz: 40_000_000, TargetHz: 0}, OutputFrequencyOutOfRange},
		{Request{ReferenceHz: 40_000_000, TargetHz: FoutMin - 1}, OutputFrequencyOutOfRange},
		{Request{ReferenceHz: 40_000_000, TargetHz: FoutMax + 1}, OutputFrequencyOutOfRange},
		{Request{ReferenceHz: FinMin - 1, TargetHz: 148_500_000}, InputFrequencyOutOfRange},
		{Request{ReferenceHz: FinMax + 1, TargetHz: 148_500_000}, InputFrequencyOutOfRange},
		{Request{}, OutputFrequencyOutOfRange},
	}
	for _, tc := range tests {
		s, prog, err := c.Plan(tc.req)
		assert.ErrorIs(t, err, tc.kind, "request %v", tc.req)
		assert.Equal(t, len(prog.Writes), 0)
		assert.Equal(t, s, Settings{})

		var serr *Error
		assert.Assert(t, errors.As(err, &serr))
		assert.Assert(t, serr.Recoverable())
	}
}

func TestPlanProperties(t *testing.T) {
	c := newCalculator(t)
	refs := []uint64{FinMin, 10_000_000, 27_000_000, 40_000_000, 156_250_000}
	for _, ref := range refs {
		for f := float64(FoutMin); f <= FoutMax; f *= 1.5 + rand() {
			req := Request{ReferenceHz: ref, TargetHz: uint64(f)}
			s, prog, err := c.Plan(req)
			assert.NilError(t, err, "request %v", req)

			assert.Assert(t, s.VcoHz >= FvcoMin && s.VcoHz <= FvcoMax, "request %v vco %d", req, s.VcoHz)
			assert.Equal(t, s.VcoHz, req.TargetHz*s.Divider.TotalRatio())
			assert.Assert(t, s.Feedback.FeedbackMult < MMax)
			assert.Assert(t, uint64(s.Feedback.PreDivider) >= MinPreDivider(ref))
			assert.Assert(t, s.Feedback.PreDivider <= PMax)
			assert.Assert(t, s.LosDiv >= 6)

			fields, err := c.Board().Layout.Decode(prog.Writes)
			assert.NilError(t, err)
			assert.DeepEqual(t, fields, s.Fields())

			_, again, err := c.Plan(req)
			assert.NilError(t, err)
			assert.DeepEqual(t, again.Bytes(), prog.Bytes())
			assert.Equal(t, again.Checksum(), prog.Checksum())
		}
	}
}

func TestPlanAccuracy(t *testing.T) {
	// HDMI TMDS and pixel clocks
	c := newCalculator(t)
	for _, f := range []uint64{25_175_000, 27_000_000, 74_250_000, 148_500_000, 297_000_000, 340_000_000} {
		s, err := c.Settings(Request{ReferenceHz: DefaultCrystalHz, TargetHz: f})
		assert.NilError(t, err)
		assert.Assert(t, math.Abs(s.OffsetPPM()) < 1, "%d Hz: offset %f ppm", f, s.OffsetPPM())
	}
}

func TestNewCalculatorRejectsBoard(t *testing.T) {
	_, err := NewCalculator(Board{Layout: DefaultLayout()})
	assert.ErrorContains(t, err, "crystal")

	b := DefaultBoard()
	b.Layout.Outputs = []uint8{0}
	_, err = NewCalculator(b)
	assert.ErrorContains(t, err, "Q0")
}

func TestCalculatorConcurrent(t *testing.T) {
	c := newCalculator(t)
	req := Request{ReferenceHz: 40_000_000, TargetHz: 74_250_000}
	_, want, err := c.Plan(req)
	assert.NilError(t, err)

	done := make(chan uint16)
	for i := 0; i < 8; i++ {
		go func() {
			_, p, _ := c.Plan(req)
			done <- p.Checksum()
		}()
	}
	for i := 0; i < 8; i++ {
		assert.Equal(t, <-done, want.Checksum())
	}
}

func TestFieldsOutputHz(t *testing.T) {
	c := newCalculator(t)
	for _, f := range []uint64{25_175_000, 148_500_000, 297_000_000} {
		s, err := c.Settings(Request{ReferenceHz: DefaultCrystalHz, TargetHz: f})
		assert.NilError(t, err)
		got := s.Fields().OutputHz(s.CrystalHz)
		assert.Assert(t, math.Abs(got-s.AchievedHz()) < 1e-3, "%d Hz: %f vs %f", f, got, s.AchievedHz())
	}
	assert.Equal(t, Fields{}.OutputHz(DefaultCrystalHz), 0.0)
}

func TestFieldsOutputHzOddRatio(t *testing.T) {
	div, err := SplitOutputDivider(5)
	assert.NilError(t, err)
	assert.Equal(t, div, OutputDivSplit{Integer: 3, Fraction: outFracHalfScale})

	s := Settings{
		Divider:   DividerCandidate{NS1: 5},
		Dsm:       DsmSplit{Integer: 25},
		OutputDiv: div,
		CrystalHz: DefaultCrystalHz,
	}
	assert.Equal(t, s.AchievedHz(), 400_000_000.0)
	assert.Equal(t, s.Fields().OutputHz(s.CrystalHz), s.AchievedHz())
}
