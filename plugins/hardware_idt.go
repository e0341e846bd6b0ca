package plugins

import (
	"errors"
	"fmt"
	"slices"

	"github.com/linht/clock-manager/synth"
)

// ErrVerifyMismatch is returned when a register reads back differently from
// what was written.
var ErrVerifyMismatch = errors.New("register readback mismatch")

// DeviceID is the identification read from the device
type DeviceID struct {
	Revision uint8  `json:"revision"`
	DeviceID uint16 `json:"device_id"`
}

// Matches reports whether the device is an 8T49N24x
func (d DeviceID) Matches() bool {
	return d.DeviceID == ExpectedDeviceID && d.Revision == ExpectedRevID
}

func (d DeviceID) String() string {
	return fmt.Sprintf("DEVID 0x%04X REV %d", d.DeviceID, d.Revision)
}

// IDTController provides high-level control of an 8T49N24x
type IDTController struct {
	bus         RegisterBus
	calc        *synth.Calculator
	verify      bool
	initialized bool
}

// NewIDTController wraps an open bus. The controller owns the bus and
// closes it on Close.
func NewIDTController(bus RegisterBus, calc *synth.Calculator, verify bool) *IDTController {
	return &IDTController{
		bus:         bus,
		calc:        calc,
		verify:      verify,
		initialized: bus != nil,
	}
}

// Close releases the bus
func (s *IDTController) Close() error {
	s.initialized = false
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}

// Identify reads the device and revision IDs
func (s *IDTController) Identify() (DeviceID, error) {
	if !s.initialized {
		return DeviceID{}, fmt.Errorf("controller not initialized")
	}

	var raw [3]uint8
	for i := range raw {
		v, err := s.bus.ReadRegister(RegDeviceID0 + uint16(i))
		if err != nil {
			return DeviceID{}, fmt.Errorf("failed to read device ID: %w", err)
		}
		raw[i] = v
	}

	return DeviceID{
		Revision: raw[0] >> 4,
		DeviceID: uint16(raw[0]&0x0F)<<12 | uint16(raw[1])<<4 | uint16(raw[2]>>4),
	}, nil
}

// ReadRegister reads a single register
func (s *IDTController) ReadRegister(addr uint16) (uint8, error) {
	if !s.initialized {
		return 0, fmt.Errorf("controller not initialized")
	}

	return s.bus.ReadRegister(addr)
}

// WriteRegister writes to a single register
func (s *IDTController) WriteRegister(addr uint16, value uint8) error {
	if !s.initialized {
		return fmt.Errorf("controller not initialized")
	}

	return s.bus.WriteRegister(addr, value)
}

// ReadRegisters reads count consecutive registers starting at start
func (s *IDTController) ReadRegisters(start uint16, count int) (map[uint16]uint8, error) {
	if !s.initialized {
		return nil, fmt.Errorf("controller not initialized")
	}

	registers := make(map[uint16]uint8, max(count, 0))
	if err := s.readRange(start, count, registers); err != nil {
		return nil, err
	}

	return registers, nil
}

// readRange reads count consecutive registers into regs, in a single
// transfer when the bus supports it
func (s *IDTController) readRange(start uint16, count int, regs map[uint16]uint8) error {
	if count <= 0 {
		return nil
	}

	if br, ok := s.bus.(burstReader); ok {
		values, err := br.BurstRead(start, count)
		if err != nil {
			return err
		}
		for i, v := range values {
			regs[start+uint16(i)] = v
		}
		return nil
	}

	for i := 0; i < count; i++ {
		addr := start + uint16(i)
		value, err := s.bus.ReadRegister(addr)
		if err != nil {
			return fmt.Errorf("failed to read register 0x%04X: %w", addr, err)
		}
		regs[addr] = value
	}
	return nil
}

// writeAll writes in order and stops at the first failure
func (s *IDTController) writeAll(writes []synth.RegisterWrite) error {
	for _, w := range writes {
		if err := s.bus.WriteRegister(w.Address, w.Value); err != nil {
			return &synth.Error{Kind: synth.RegisterWriteFailed, Address: w.Address, Err: err}
		}
	}
	return nil
}

// modifyRegister replaces the masked bits of a register
func (s *IDTController) modifyRegister(addr uint16, value, mask uint8) error {
	cur, err := s.bus.ReadRegister(addr)
	if err != nil {
		return fmt.Errorf("failed to read register 0x%04X: %w", addr, err)
	}

	next := cur&^mask | value&mask
	if err := s.bus.WriteRegister(addr, next); err != nil {
		return &synth.Error{Kind: synth.RegisterWriteFailed, Address: addr, Err: err}
	}
	return nil
}

// SetMode switches between synthesizer and jitter attenuator operation.
// Synthesizer mode forces the DPLL to free-run with both reference inputs
// disabled.
func (s *IDTController) SetMode(mode string) error {
	if !s.initialized {
		return fmt.Errorf("controller not initialized")
	}

	switch mode {
	case ModeSynthesizer:
		if err := s.modifyRegister(RegDPLLMode, DPLLStateFreeRun|DPLLRef0Disable|DPLLRef1Disable, DPLLModeUpdateMask); err != nil {
			return err
		}
		return s.modifyRegister(RegAPLLMode, APLLSynthesizerMode, APLLSynthesizerMode)
	case ModeJitterAttenuator:
		if err := s.modifyRegister(RegDPLLMode, DPLLStateAuto|DPLLRef1Disable, DPLLModeUpdateMask); err != nil {
			return err
		}
		return s.modifyRegister(RegAPLLMode, 0, APLLSynthesizerMode)
	}
	return fmt.Errorf("invalid mode %q", mode)
}

// GetMode reads the APLL mode bit
func (s *IDTController) GetMode() (string, error) {
	if !s.initialized {
		return "", fmt.Errorf("controller not initialized")
	}

	v, err := s.bus.ReadRegister(RegAPLLMode)
	if err != nil {
		return "", fmt.Errorf("failed to read mode: %w", err)
	}
	if v&APLLSynthesizerMode != 0 {
		return ModeSynthesizer, nil
	}
	return ModeJitterAttenuator, nil
}

// Initialize writes the default configuration table followed by the
// loss-of-lock GPIO routing
func (s *IDTController) Initialize() error {
	if !s.initialized {
		return fmt.Errorf("controller not initialized")
	}

	if err := s.writeAll(DefaultProgram().Writes); err != nil {
		return err
	}
	return s.writeAll(LOLGPIOConfig)
}

// Apply programs a plan into the device. Calibration is held off while the
// mode and dividers change, and the sequence stops at the first failed
// write.
func (s *IDTController) Apply(prog synth.Program) error {
	if !s.initialized {
		return fmt.Errorf("controller not initialized")
	}
	if len(prog.Writes) < 2 {
		return fmt.Errorf("program has %d writes, missing calibration bookends", len(prog.Writes))
	}

	first, last := prog.Writes[0], prog.Writes[len(prog.Writes)-1]
	if err := s.writeAll([]synth.RegisterWrite{first}); err != nil {
		return err
	}
	if err := s.SetMode(ModeSynthesizer); err != nil {
		return err
	}
	if err := s.writeAll(prog.Body()); err != nil {
		return err
	}
	if err := s.writeAll([]synth.RegisterWrite{last}); err != nil {
		return err
	}

	if s.verify {
		return s.Verify(prog.Body())
	}
	return nil
}

// SetRate plans req and applies the resulting program
func (s *IDTController) SetRate(req synth.Request) (synth.Settings, synth.Program, error) {
	settings, prog, err := s.calc.Plan(req)
	if err != nil {
		return synth.Settings{}, synth.Program{}, err
	}
	if err := s.Apply(prog); err != nil {
		return settings, prog, err
	}
	return settings, prog, nil
}

// Verify reads back every write and compares
func (s *IDTController) Verify(writes []synth.RegisterWrite) error {
	for _, w := range writes {
		v, err := s.bus.ReadRegister(w.Address)
		if err != nil {
			return fmt.Errorf("verify 0x%04X: %w", w.Address, err)
		}
		if v != w.Value {
			return fmt.Errorf("%w: 0x%04X reads 0x%02X, wrote 0x%02X", ErrVerifyMismatch, w.Address, v, w.Value)
		}
	}
	return nil
}

// ReadFields reads the divider registers of the board layout back from the
// device
func (s *IDTController) ReadFields() (synth.Fields, error) {
	if !s.initialized {
		return synth.Fields{}, fmt.Errorf("controller not initialized")
	}

	layout := s.calc.Board().Layout
	addrs, err := layout.Addresses()
	if err != nil {
		return synth.Fields{}, err
	}

	// fields sit in a few contiguous blocks, read each in one go
	addrs = slices.Clone(addrs)
	slices.Sort(addrs)
	addrs = slices.Compact(addrs)

	regs := make(map[uint16]uint8, len(addrs))
	for i := 0; i < len(addrs); {
		j := i + 1
		for j < len(addrs) && addrs[j] == addrs[j-1]+1 {
			j++
		}
		if err := s.readRange(addrs[i], j-i, regs); err != nil {
			return synth.Fields{}, err
		}
		i = j
	}
	return layout.DecodeRegisters(regs)
}

// GetRate returns the output frequency the device is currently programmed
// for, along with the fields it was computed from
func (s *IDTController) GetRate() (float64, synth.Fields, error) {
	fields, err := s.ReadFields()
	if err != nil {
		return 0, synth.Fields{}, err
	}
	return fields.OutputHz(s.calc.Board().CrystalHz), fields, nil
}

// IsInitialized returns true if the controller has an open bus
func (s *IDTController) IsInitialized() bool {
	return s.initialized
}

// Info returns information about the controller
func (s *IDTController) Info() map[string]interface{} {
	board := s.calc.Board()
	info := map[string]interface{}{
		"initialized": s.initialized,
		"crystal_hz":  board.CrystalHz,
		"inputs":      board.Layout.Inputs,
		"outputs":     board.Layout.Outputs,
		"verify":      s.verify,
	}

	if dev, ok := s.bus.(*I2CDevice); ok {
		info["i2c"] = dev.DeviceInfo()
	}

	return info
}
