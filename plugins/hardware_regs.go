package plugins

import "github.com/linht/clock-manager/synth"

// 8T49N24x register addresses
const (
	// Device identification
	RegDeviceID0 = 0x0002 // REV_ID[3:0], DEV_ID[15:12]
	RegDeviceID1 = 0x0003 // DEV_ID[11:4]
	RegDeviceID2 = 0x0004 // DEV_ID[3:0]

	// Digital PLL state and reference input disables
	RegDPLLMode = 0x000A

	// GPIO pin routing for the loss-of-lock output
	RegGPIOConfig = 0x0030
	RegGPIOLOL0   = 0x0034
	RegGPIOLOL1   = 0x0035
	RegGPIODir    = 0x0036

	// Upper loop delta-sigma modulator
	RegDsmInt  = synth.RegDsmInt
	RegDsmFrac = synth.RegDsmFrac

	// Analog PLL mode
	RegAPLLMode = 0x0069

	// DPLL and APLL calibration control
	RegCalibration = synth.RegCalibration
)

// Expected identification values
const (
	ExpectedRevID    = 0x0
	ExpectedDeviceID = 0x0607
)

// RegDPLLMode (0x000A) bits
const (
	DPLLStateMask      = 0x03
	DPLLStateAuto      = 0x00 // Run automatically
	DPLLStateFreeRun   = 0x01 // Force FREERUN
	DPLLRef0Disable    = 1 << 4
	DPLLRef1Disable    = 1 << 5
	DPLLModeUpdateMask = DPLLStateMask | DPLLRef0Disable | DPLLRef1Disable
)

// RegAPLLMode (0x0069) bits
const (
	APLLSynthesizerMode = 1 << 3 // Cleared for jitter attenuator mode
)

// Operating modes
const (
	ModeSynthesizer       = "synthesizer"
	ModeJitterAttenuator  = "jitter_attenuator"
	defaultTableStartAddr = 0x0008
)

// Loss-of-lock GPIO routing written after the default table
var LOLGPIOConfig = []synth.RegisterWrite{
	{Address: RegGPIOConfig, Value: 0x0F},
	{Address: RegGPIOLOL0, Value: 0x00},
	{Address: RegGPIOLOL1, Value: 0x00},
	{Address: RegGPIODir, Value: 0x0F},
}

// DefaultJAConfig puts the device in jitter attenuator mode producing
// 148.5 MHz on Q2 and Q3 from a 148.5 MHz input. Index is the register
// address; writing starts at defaultTableStartAddr.
var DefaultJAConfig = [...]uint8{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE, 0xEF, 0x00, 0x03, 0x00, 0x20, 0x00,
	0x04, 0x89, 0x00, 0x00, 0x01, 0x00, 0x63, 0xC6, 0x07, 0x00, 0x00, 0x77,
	0x6D, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0x01,
	0x3F, 0x00, 0x28, 0x00, 0x1A, 0xCC, 0xCD, 0x00, 0x01, 0x00, 0x00, 0xD0,
	0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x0C, 0x00, 0x00,
	0x00, 0x44, 0x44, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0B,
	0x00, 0x00, 0x0B, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x89, 0x02, 0x2B, 0x20,
	0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x27, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// DefaultProgram returns the default table as a write program wrapped in the
// calibration bookends. The calibration register itself is skipped.
func DefaultProgram() synth.Program {
	writes := []synth.RegisterWrite{{Address: RegCalibration, Value: synth.CalibrationDisable}}
	for addr := defaultTableStartAddr; addr < len(DefaultJAConfig); addr++ {
		if addr == int(RegCalibration) {
			continue
		}
		writes = append(writes, synth.RegisterWrite{Address: uint16(addr), Value: DefaultJAConfig[addr]})
	}
	writes = append(writes, synth.RegisterWrite{Address: RegCalibration, Value: synth.CalibrationEnable})
	return synth.Program{Writes: writes}
}

// Register descriptions for UI
var RegisterDescriptions = map[uint16]string{
	RegDeviceID0:   "DEVID0 - Revision and device ID [15:12]",
	RegDeviceID1:   "DEVID1 - Device ID [11:4]",
	RegDeviceID2:   "DEVID2 - Device ID [3:0]",
	RegDPLLMode:    "DPLL_MODE - State and reference input disables",
	0x000B:         "PRE0 - Input 0 pre-divider [20:16]",
	0x000E:         "PRE1 - Input 1 pre-divider [20:16]",
	0x0011:         "M1_1 - Input 1 feedback multiplier [23:16]",
	0x0014:         "M1_0 - Input 0 feedback multiplier [23:16]",
	RegDsmInt:      "DSM_INT - Upper loop integer [8]",
	RegDsmFrac:     "DSM_FRAC - Upper loop fraction [20:16]",
	RegGPIOConfig:  "GPIO_CFG - GPIO pin configuration",
	0x003F:         "N_Q0 - Output 0 divider [17:16]",
	0x0042:         "N_Q1 - Output 1 divider [17:16]",
	0x0045:         "N_Q2 - Output 2 divider [17:16]",
	0x0048:         "N_Q3 - Output 3 divider [17:16]",
	0x0057:         "NFRAC_Q1 - Output 1 fraction [27:24]",
	0x005B:         "NFRAC_Q2 - Output 2 fraction [27:24]",
	0x005F:         "NFRAC_Q3 - Output 3 fraction [27:24]",
	RegAPLLMode:    "APLL_MODE - Synthesizer / jitter attenuator",
	RegCalibration: "CAL - DPLL and APLL calibration control",
	0x0071:         "LOS0 - Input 0 loss-of-signal [16]",
	0x0074:         "LOS1 - Input 1 loss-of-signal [16]",
}
