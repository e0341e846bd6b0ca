package plugins

import (
	"errors"
	"math"
	"sync"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/linht/clock-manager/synth"
)

// fakeBus is an in-memory register file that records every write
type fakeBus struct {
	mu     sync.Mutex
	regs   map[uint16]uint8
	writes []synth.RegisterWrite
	closed int

	// failAt makes writes to that address fail when failing is set
	failAt  uint16
	failing bool

	// readFailAt makes reads of that address fail when readFailing is set
	readFailAt  uint16
	readFailing bool

	// stuck registers ignore writes
	stuck map[uint16]uint8
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs:  map[uint16]uint8{RegDPLLMode: 0x20},
		stuck: map[uint16]uint8{},
	}
}

func (b *fakeBus) WriteRegister(addr uint16, value uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing && addr == b.failAt {
		return errors.New("i2c: nack")
	}
	b.writes = append(b.writes, synth.RegisterWrite{Address: addr, Value: value})
	if _, ok := b.stuck[addr]; !ok {
		b.regs[addr] = value
	}
	return nil
}

func (b *fakeBus) ReadRegister(addr uint16) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readFailing && addr == b.readFailAt {
		return 0, errors.New("i2c: timeout")
	}
	if v, ok := b.stuck[addr]; ok {
		return v, nil
	}
	return b.regs[addr], nil
}

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBus) Writes() []synth.RegisterWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]synth.RegisterWrite(nil), b.writes...)
}

// burstBus adds block reads to fakeBus
type burstBus struct {
	*fakeBus
	bursts [][2]int
}

func (b *burstBus) BurstRead(start uint16, count int) ([]uint8, error) {
	b.bursts = append(b.bursts, [2]int{int(start), count})
	values := make([]uint8, count)
	for i := range values {
		v, err := b.ReadRegister(start + uint16(i))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func newTestController(t *testing.T, bus RegisterBus, verify bool) *IDTController {
	t.Helper()
	calc, err := synth.NewCalculator(synth.DefaultBoard())
	assert.NilError(t, err)
	return NewIDTController(bus, calc, verify)
}

var hdmiRequest = synth.Request{ReferenceHz: 40_000_000, TargetHz: 148_500_000}

func TestApplyOrder(t *testing.T) {
	bus := newFakeBus()
	ctrl := newTestController(t, bus, false)

	_, prog, err := ctrl.SetRate(hdmiRequest)
	assert.NilError(t, err)

	writes := bus.Writes()
	assert.Equal(t, len(writes), len(prog.Writes)+2)
	assert.Equal(t, writes[0], synth.RegisterWrite{Address: RegCalibration, Value: synth.CalibrationDisable})
	// free-run with both inputs disabled, then APLL synthesizer mode
	assert.Equal(t, writes[1], synth.RegisterWrite{Address: RegDPLLMode, Value: 0x31})
	assert.Equal(t, writes[2], synth.RegisterWrite{Address: RegAPLLMode, Value: APLLSynthesizerMode})
	assert.DeepEqual(t, writes[3:len(writes)-1], prog.Body())
	assert.Equal(t, writes[len(writes)-1], synth.RegisterWrite{Address: RegCalibration, Value: synth.CalibrationEnable})
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	bus := newFakeBus()
	bus.failAt, bus.failing = RegDsmFrac, true
	ctrl := newTestController(t, bus, false)

	_, _, err := ctrl.SetRate(hdmiRequest)
	assert.ErrorIs(t, err, synth.RegisterWriteFailed)

	var serr *synth.Error
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Address, uint16(RegDsmFrac))
	assert.ErrorContains(t, err, "nack")

	writes := bus.Writes()
	last := writes[len(writes)-1]
	assert.Equal(t, last.Address, uint16(0x0026), "write after the failure: %v", last)
	for _, w := range writes[1:] {
		assert.Assert(t, w.Address != RegCalibration, "calibration re-enabled after failure")
	}
}

func TestApplyRejectsBareProgram(t *testing.T) {
	ctrl := newTestController(t, newFakeBus(), false)
	err := ctrl.Apply(synth.Program{})
	assert.ErrorContains(t, err, "missing calibration bookends")
}

func TestApplyVerify(t *testing.T) {
	bus := newFakeBus()
	ctrl := newTestController(t, bus, true)
	_, _, err := ctrl.SetRate(hdmiRequest)
	assert.NilError(t, err)

	bus = newFakeBus()
	bus.stuck[0x0073] = 0xFF
	ctrl = newTestController(t, bus, true)
	_, _, err = ctrl.SetRate(hdmiRequest)
	assert.ErrorIs(t, err, ErrVerifyMismatch)
	assert.ErrorContains(t, err, "0x0073 reads 0xFF, wrote 0x0E")
}

func TestInitialize(t *testing.T) {
	bus := newFakeBus()
	ctrl := newTestController(t, bus, false)
	assert.NilError(t, ctrl.Initialize())

	writes := bus.Writes()
	table := len(DefaultJAConfig) - defaultTableStartAddr - 1
	assert.Equal(t, len(writes), 1+table+1+len(LOLGPIOConfig))
	assert.Equal(t, writes[0], synth.RegisterWrite{Address: RegCalibration, Value: synth.CalibrationDisable})
	assert.Equal(t, writes[1], synth.RegisterWrite{Address: 0x0008, Value: 0x03})
	assert.Equal(t, writes[table+1], synth.RegisterWrite{Address: RegCalibration, Value: synth.CalibrationEnable})
	assert.DeepEqual(t, writes[table+2:], LOLGPIOConfig)

	for _, w := range writes[1 : table+1] {
		assert.Assert(t, w.Address != RegCalibration)
	}
}

func TestIdentify(t *testing.T) {
	bus := newFakeBus()
	bus.regs[RegDeviceID0] = 0x00
	bus.regs[RegDeviceID1] = 0x60
	bus.regs[RegDeviceID2] = 0x70
	ctrl := newTestController(t, bus, false)

	id, err := ctrl.Identify()
	assert.NilError(t, err)
	assert.Equal(t, id, DeviceID{Revision: 0, DeviceID: 0x0607})
	assert.Assert(t, id.Matches())

	bus.regs[RegDeviceID0] = 0x10
	id, err = ctrl.Identify()
	assert.NilError(t, err)
	assert.Equal(t, id.Revision, uint8(1))
	assert.Assert(t, !id.Matches())
}

func TestSetMode(t *testing.T) {
	bus := newFakeBus()
	bus.regs[RegDPLLMode] = 0xC0 | 0x31
	bus.regs[RegAPLLMode] = 0x81 | APLLSynthesizerMode
	ctrl := newTestController(t, bus, false)

	mode, err := ctrl.GetMode()
	assert.NilError(t, err)
	assert.Equal(t, mode, ModeSynthesizer)

	assert.NilError(t, ctrl.SetMode(ModeJitterAttenuator))
	// bits outside the masks are preserved
	assert.Equal(t, bus.regs[RegDPLLMode], uint8(0xC0|DPLLRef1Disable))
	assert.Equal(t, bus.regs[RegAPLLMode], uint8(0x81))

	mode, err = ctrl.GetMode()
	assert.NilError(t, err)
	assert.Equal(t, mode, ModeJitterAttenuator)

	assert.ErrorContains(t, ctrl.SetMode("bypass"), "invalid mode")
}

func TestGetRate(t *testing.T) {
	bus := newFakeBus()
	ctrl := newTestController(t, bus, false)

	s, _, err := ctrl.SetRate(hdmiRequest)
	assert.NilError(t, err)

	rate, fields, err := ctrl.GetRate()
	assert.NilError(t, err)
	assert.DeepEqual(t, fields, s.Fields())
	assert.Assert(t, math.Abs(rate-148_500_000) < 1, "rate %f", rate)
}

func TestControllerClosed(t *testing.T) {
	bus := newFakeBus()
	ctrl := newTestController(t, bus, false)
	assert.NilError(t, ctrl.Close())
	assert.Equal(t, bus.closed, 1)
	assert.Assert(t, !ctrl.IsInitialized())

	_, err := ctrl.Identify()
	assert.ErrorContains(t, err, "not initialized")
	_, _, err = ctrl.SetRate(hdmiRequest)
	assert.ErrorContains(t, err, "not initialized")
}

func TestSetModeReadFailure(t *testing.T) {
	bus := newFakeBus()
	bus.readFailAt, bus.readFailing = RegDPLLMode, true
	ctrl := newTestController(t, bus, false)

	err := ctrl.SetMode(ModeSynthesizer)
	assert.ErrorContains(t, err, "failed to read register 0x000A")
	assert.Assert(t, !errors.Is(err, synth.RegisterWriteFailed))
	assert.Equal(t, ClockErrorStatus(err), 500)
	assert.Equal(t, len(bus.Writes()), 0)
}

func TestReadFieldsBurst(t *testing.T) {
	bus := &burstBus{fakeBus: newFakeBus()}
	ctrl := newTestController(t, bus, false)

	s, _, err := ctrl.SetRate(hdmiRequest)
	assert.NilError(t, err)

	fields, err := ctrl.ReadFields()
	assert.NilError(t, err)
	assert.DeepEqual(t, fields, s.Fields())

	addrs, err := synth.DefaultLayout().Addresses()
	assert.NilError(t, err)
	unique := map[uint16]bool{}
	for _, a := range addrs {
		unique[a] = true
	}
	total := 0
	for _, b := range bus.bursts {
		total += b[1]
	}
	assert.Equal(t, total, len(unique))
	assert.Assert(t, len(bus.bursts) < len(unique), "%d bursts", len(bus.bursts))

	regs, err := ctrl.ReadRegisters(RegDPLLMode, 1)
	assert.NilError(t, err)
	assert.Equal(t, regs[RegDPLLMode], bus.regs[RegDPLLMode])
	assert.Equal(t, bus.bursts[len(bus.bursts)-1], [2]int{int(RegDPLLMode), 1})
}

func TestI2CDeviceClosed(t *testing.T) {
	d := &I2CDevice{name: "1", addr: 0x7C}
	assert.Assert(t, !d.IsOpen())

	_, err := d.ReadRegister(RegDeviceID0)
	assert.ErrorContains(t, err, "not open")
	_, err = d.BurstRead(RegDeviceID0, 3)
	assert.ErrorContains(t, err, "not open")
	_, err = d.BurstRead(RegDeviceID0, 0)
	assert.ErrorContains(t, err, "invalid count")
	assert.NilError(t, d.Close())
	assert.Equal(t, d.DeviceInfo(), "Bus: 1, Address: 0x7C (closed)")
}
