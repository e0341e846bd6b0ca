package plugins

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// RegisterBus is byte-wide register access to a device with 16-bit
// register addresses
type RegisterBus interface {
	WriteRegister(addr uint16, value uint8) error
	ReadRegister(addr uint16) (uint8, error)
	Close() error
}

// burstReader is implemented by buses that can read consecutive registers in
// one transfer
type burstReader interface {
	BurstRead(startAddr uint16, count int) ([]uint8, error)
}

// I2CDevice represents an 8T49N24x on an I2C bus using periph.io
type I2CDevice struct {
	dev   *i2c.Dev
	bus   i2c.BusCloser
	name  string
	addr  uint16
	speed physic.Frequency
}

// NewI2CDevice opens the bus and binds the device address
func NewI2CDevice(busName string, addr uint16, speed uint32) (*I2CDevice, error) {
	// Initialize periph.io host
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	freq := physic.Frequency(speed) * physic.Hertz
	if speed != 0 {
		if err := bus.SetSpeed(freq); err != nil {
			bus.Close()
			return nil, fmt.Errorf("failed to set I2C speed %s: %w", freq, err)
		}
	}

	return &I2CDevice{
		dev:   &i2c.Dev{Bus: bus, Addr: addr},
		bus:   bus,
		name:  busName,
		addr:  addr,
		speed: freq,
	}, nil
}

// Close closes the I2C bus
func (d *I2CDevice) Close() error {
	if d.bus == nil {
		return nil
	}
	err := d.bus.Close()
	d.bus = nil
	d.dev = nil
	return err
}

func (d *I2CDevice) tx(w, r []byte) error {
	if !d.IsOpen() {
		return fmt.Errorf("I2C device not open")
	}
	if err := d.dev.Tx(w, r); err != nil {
		return fmt.Errorf("I2C transfer failed: %w", err)
	}
	return nil
}

// WriteRegister writes one byte. The register address goes out high byte
// first.
func (d *I2CDevice) WriteRegister(addr uint16, value uint8) error {
	if err := d.tx([]byte{byte(addr >> 8), byte(addr), value}, nil); err != nil {
		return fmt.Errorf("failed to write register 0x%04X: %w", addr, err)
	}
	return nil
}

// ReadRegister reads one byte with a repeated-start address write
func (d *I2CDevice) ReadRegister(addr uint16) (uint8, error) {
	rx := make([]byte, 1)
	if err := d.tx([]byte{byte(addr >> 8), byte(addr)}, rx); err != nil {
		return 0, fmt.Errorf("failed to read register 0x%04X: %w", addr, err)
	}
	return rx[0], nil
}

// BurstRead reads multiple values from consecutive registers. The device
// auto-increments the address.
func (d *I2CDevice) BurstRead(startAddr uint16, count int) ([]uint8, error) {
	if count <= 0 {
		return nil, fmt.Errorf("invalid count: %d", count)
	}

	rx := make([]byte, count)
	if err := d.tx([]byte{byte(startAddr >> 8), byte(startAddr)}, rx); err != nil {
		return nil, fmt.Errorf("failed to burst read starting at 0x%04X: %w", startAddr, err)
	}
	return rx, nil
}

// DeviceInfo provides information about the I2C device
func (d *I2CDevice) DeviceInfo() string {
	if d.dev == nil {
		return fmt.Sprintf("Bus: %s, Address: 0x%02X (closed)", d.name, d.addr)
	}
	if d.speed == 0 {
		return fmt.Sprintf("Bus: %s, Address: 0x%02X", d.name, d.addr)
	}
	return fmt.Sprintf("Bus: %s, Address: 0x%02X, Speed: %s", d.name, d.addr, d.speed)
}

// IsOpen returns true if the bus is open
func (d *I2CDevice) IsOpen() bool {
	return d.dev != nil && d.bus != nil
}

// ValidateI2CBus checks if the bus can be opened
func ValidateI2CBus(busName string) error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph.io: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return fmt.Errorf("I2C bus %s not accessible: %w", busName, err)
	}
	defer bus.Close()

	return nil
}
