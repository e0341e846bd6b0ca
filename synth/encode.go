package synth

import (
	"errors"
	"fmt"

	"github.com/sigurn/crc16"
)

// Calibration control register. Writing CalibrationDisable holds the DPLL and
// APLL calibration off while the dividers change.
const (
	RegCalibration     uint16 = 0x0070
	CalibrationDisable uint8  = 0x05
	CalibrationEnable  uint8  = 0x00
)

// First-byte addresses of each multi-byte field, per channel instance.
var (
	preDividerAddrs = map[uint8]uint16{0: 0x000B, 1: 0x000E}
	feedbackAddrs   = map[uint8]uint16{0: 0x0014, 1: 0x0011}
	outIntAddrs     = map[uint8]uint16{0: 0x003F, 1: 0x0042, 2: 0x0045, 3: 0x0048}
	outFracAddrs    = map[uint8]uint16{1: 0x0057, 2: 0x005B, 3: 0x005F}
	losAddrs        = map[uint8]uint16{0: 0x0071, 1: 0x0074}
)

const (
	RegDsmInt  uint16 = 0x0025
	RegDsmFrac uint16 = 0x0028
)

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// RegisterWrite is a single byte written to a 16-bit register address.
type RegisterWrite struct {
	Address uint16 `json:"address"`
	Value   uint8  `json:"value"`
}

func (w RegisterWrite) String() string {
	return fmt.Sprintf("0x%04X=0x%02X", w.Address, w.Value)
}

// Program is an ordered register write sequence. The first and last writes
// are always the calibration disable and enable bookends.
type Program struct {
	Writes []RegisterWrite `json:"writes"`
}

// Bytes flattens the program into address-high, address-low, value triples.
func (p Program) Bytes() []byte {
	b := make([]byte, 0, 3*len(p.Writes))
	for _, w := range p.Writes {
		b = append(b, byte(w.Address>>8), byte(w.Address), w.Value)
	}
	return b
}

// Checksum is a CRC-16/ARC over Bytes. Identical programs have identical
// checksums.
func (p Program) Checksum() uint16 {
	return crc16.Checksum(p.Bytes(), crcTable)
}

// Body returns the writes between the calibration bookends.
func (p Program) Body() []RegisterWrite {
	if len(p.Writes) < 2 {
		return nil
	}
	return p.Writes[1 : len(p.Writes)-1]
}

// Fields holds the register-visible values of a plan.
type Fields struct {
	PreDivider   uint32         `json:"pre_divider"`
	FeedbackMult uint32         `json:"feedback_mult"`
	Dsm          DsmSplit       `json:"dsm"`
	OutputDiv    OutputDivSplit `json:"output_div"`
	LosDivider   uint32         `json:"los_divider"`
}

// Layout selects which reference inputs and output channels a plan is
// written to.
type Layout struct {
	Inputs  []uint8 `json:"inputs" yaml:"inputs"`
	Outputs []uint8 `json:"outputs" yaml:"outputs"`
}

// DefaultLayout programs both reference inputs and outputs Q2 and Q3.
func DefaultLayout() Layout {
	return Layout{Inputs: []uint8{0, 1}, Outputs: []uint8{2, 3}}
}

// Validate rejects channels the device does not have. Q0 has no fractional
// divider, so it cannot carry a plan.
func (l Layout) Validate() error {
	if len(l.Inputs) == 0 {
		return errors.New("layout: no reference inputs")
	}
	if len(l.Outputs) == 0 {
		return errors.New("layout: no output channels")
	}
	seen := map[uint8]bool{}
	for _, in := range l.Inputs {
		if _, ok := preDividerAddrs[in]; !ok {
			return fmt.Errorf("layout: invalid reference input %d", in)
		}
		if seen[in] {
			return fmt.Errorf("layout: duplicate reference input %d", in)
		}
		seen[in] = true
	}
	seen = map[uint8]bool{}
	for _, q := range l.Outputs {
		if _, ok := outFracAddrs[q]; !ok {
			return fmt.Errorf("layout: output Q%d has no fractional divider", q)
		}
		if seen[q] {
			return fmt.Errorf("layout: duplicate output Q%d", q)
		}
		seen[q] = true
	}
	return nil
}

type encoder struct {
	writes []RegisterWrite
	err    error
}

// put appends v as a big-endian field of the given width at addr.
func (e *encoder) put(name string, addr uint16, v uint64, width uint) {
	if e.err != nil {
		return
	}
	if !fits(v, width) {
		e.err = overflow(name, v)
		return
	}
	n := int(width+7) / 8
	for i := 0; i < n; i++ {
		shift := uint(8 * (n - 1 - i))
		e.writes = append(e.writes, RegisterWrite{
			Address: addr + uint16(i),
			Value:   uint8(v >> shift),
		})
	}
}

// Encode serializes f into a write program wrapped by the calibration
// bookends.
func (l Layout) Encode(f Fields) (Program, error) {
	if err := l.Validate(); err != nil {
		return Program{}, err
	}

	e := &encoder{}
	e.writes = append(e.writes, RegisterWrite{RegCalibration, CalibrationDisable})
	for _, in := range l.Inputs {
		e.put("pre_divider", preDividerAddrs[in], uint64(f.PreDivider), preDividerBits)
	}
	for _, in := range l.Inputs {
		e.put("m1", feedbackAddrs[in], uint64(f.FeedbackMult), feedbackBits)
	}
	e.put("dsm_int", RegDsmInt, uint64(f.Dsm.Integer), dsmIntBits)
	e.put("dsm_frac", RegDsmFrac, uint64(f.Dsm.Fraction), dsmFracBits)
	for _, q := range l.Outputs {
		e.put("n_q", outIntAddrs[q], uint64(f.OutputDiv.Integer), outIntBits)
	}
	for _, q := range l.Outputs {
		e.put("nfrac_q", outFracAddrs[q], uint64(f.OutputDiv.Fraction), outFracBits)
	}
	for _, in := range l.Inputs {
		e.put("los", losAddrs[in], uint64(f.LosDivider), losBits)
	}
	if e.err != nil {
		return Program{}, e.err
	}
	e.writes = append(e.writes, RegisterWrite{RegCalibration, CalibrationEnable})
	return Program{Writes: e.writes}, nil
}

type decoder struct {
	regs map[uint16]uint8
	err  error

	// mask drops reserved bits above the field instead of rejecting them.
	mask bool
}

func (d *decoder) get(name string, addr uint16, width uint) uint64 {
	if d.err != nil {
		return 0
	}
	n := int(width+7) / 8
	var v uint64
	for i := 0; i < n; i++ {
		b, ok := d.regs[addr+uint16(i)]
		if !ok {
			d.err = fmt.Errorf("decode %s: register 0x%04X not written", name, addr+uint16(i))
			return 0
		}
		v = v<<8 | uint64(b)
	}
	if d.mask {
		v &= 1<<width - 1
	}
	if !fits(v, width) {
		d.err = fmt.Errorf("decode %s: value %d wider than %d bits", name, v, width)
		return 0
	}
	return v
}

// same reads every instance of a field and requires them to agree.
func (d *decoder) same(name string, addrs []uint16, width uint) uint64 {
	var first uint64
	for i, addr := range addrs {
		v := d.get(name, addr, width)
		if d.err != nil {
			return 0
		}
		if i == 0 {
			first = v
		} else if v != first {
			d.err = fmt.Errorf("decode %s: instance at 0x%04X is %d, want %d", name, addr, v, first)
			return 0
		}
	}
	return first
}

// Decode reverses Encode for this layout.
func (l Layout) Decode(writes []RegisterWrite) (Fields, error) {
	if err := l.Validate(); err != nil {
		return Fields{}, err
	}
	if len(writes) < 2 ||
		writes[0] != (RegisterWrite{RegCalibration, CalibrationDisable}) ||
		writes[len(writes)-1] != (RegisterWrite{RegCalibration, CalibrationEnable}) {
		return Fields{}, errors.New("decode: program is not wrapped in calibration bookends")
	}

	d := &decoder{regs: make(map[uint16]uint8, len(writes))}
	for _, w := range writes[1 : len(writes)-1] {
		if _, dup := d.regs[w.Address]; dup {
			return Fields{}, fmt.Errorf("decode: register 0x%04X written twice", w.Address)
		}
		d.regs[w.Address] = w.Value
	}

	return l.decode(d)
}

// DecodeRegisters rebuilds the fields from a register snapshot, such as one
// read back from a device. Reserved bits sharing a byte with a field's most
// significant bits are ignored.
func (l Layout) DecodeRegisters(regs map[uint16]uint8) (Fields, error) {
	if err := l.Validate(); err != nil {
		return Fields{}, err
	}
	return l.decode(&decoder{regs: regs, mask: true})
}

func (l Layout) decode(d *decoder) (Fields, error) {
	pick := func(m map[uint8]uint16, chans []uint8) []uint16 {
		addrs := make([]uint16, len(chans))
		for i, c := range chans {
			addrs[i] = m[c]
		}
		return addrs
	}

	var f Fields
	f.PreDivider = uint32(d.same("pre_divider", pick(preDividerAddrs, l.Inputs), preDividerBits))
	f.FeedbackMult = uint32(d.same("m1", pick(feedbackAddrs, l.Inputs), feedbackBits))
	f.Dsm.Integer = uint16(d.get("dsm_int", RegDsmInt, dsmIntBits))
	f.Dsm.Fraction = uint32(d.get("dsm_frac", RegDsmFrac, dsmFracBits))
	f.OutputDiv.Integer = uint32(d.same("n_q", pick(outIntAddrs, l.Outputs), outIntBits))
	f.OutputDiv.Fraction = uint32(d.same("nfrac_q", pick(outFracAddrs, l.Outputs), outFracBits))
	f.LosDivider = uint32(d.same("los", pick(losAddrs, l.Inputs), losBits))
	if d.err != nil {
		return Fields{}, d.err
	}
	return f, nil
}

// Addresses lists the registers an encoded program for this layout writes
// between the bookends, in write order.
func (l Layout) Addresses() ([]uint16, error) {
	prog, err := l.Encode(Fields{})
	if err != nil {
		return nil, err
	}
	addrs := make([]uint16, 0, len(prog.Writes))
	for _, w := range prog.Body() {
		addrs = append(addrs, w.Address)
	}
	return addrs, nil
}
