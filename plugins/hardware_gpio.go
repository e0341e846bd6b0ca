package plugins

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// LockStatus is a snapshot of the loss-of-lock input
type LockStatus struct {
	Locked  bool      `json:"locked"`
	Changed time.Time `json:"changed"`
	Events  uint64    `json:"events"`
}

// LockMonitor watches the GPIO the synthesizer drives with its loss-of-lock
// signal. The line is high while the PLL is out of lock.
type LockMonitor struct {
	chip     *gpiocdev.Chip
	lolLine  *gpiocdev.Line
	chipPath string
	lolPin   int
	onChange func(LockStatus)

	mu     sync.Mutex
	status LockStatus
}

// NewLockMonitor requests the loss-of-lock pin as an input with edge
// detection. onChange may be nil.
func NewLockMonitor(chipPath string, lolPin int, onChange func(LockStatus)) (*LockMonitor, error) {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipPath, err)
	}

	m := &LockMonitor{
		chip:     chip,
		chipPath: chipPath,
		lolPin:   lolPin,
		onChange: onChange,
	}

	line, err := chip.RequestLine(
		lolPin,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer("8t49n24x-lol"),
		gpiocdev.WithEventHandler(m.handleEvent),
	)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request LOL pin %d: %w", lolPin, err)
	}
	m.lolLine = line

	value, err := line.Value()
	if err != nil {
		line.Close()
		chip.Close()
		return nil, fmt.Errorf("failed to read LOL pin: %w", err)
	}
	m.status = LockStatus{Locked: value == 0, Changed: time.Now()}

	return m, nil
}

func (m *LockMonitor) handleEvent(evt gpiocdev.LineEvent) {
	m.mu.Lock()
	m.status.Locked = evt.Type == gpiocdev.LineEventFallingEdge
	m.status.Changed = time.Now()
	m.status.Events++
	status := m.status
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(status)
	}
}

// Status returns the last observed lock state
func (m *LockMonitor) Status() LockStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Locked samples the line directly
func (m *LockMonitor) Locked() (bool, error) {
	if m.lolLine == nil {
		return false, fmt.Errorf("LOL line not initialized")
	}

	value, err := m.lolLine.Value()
	if err != nil {
		return false, fmt.Errorf("failed to read LOL pin: %w", err)
	}

	return value == 0, nil
}

// Close releases all GPIO resources
func (m *LockMonitor) Close() error {
	var errs []error

	if m.lolLine != nil {
		if err := m.lolLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close LOL line: %w", err))
		}
		m.lolLine = nil
	}

	if m.chip != nil {
		if err := m.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		m.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing GPIO: %v", errs)
	}

	return nil
}

// Info returns information about the monitor
func (m *LockMonitor) Info() string {
	if m.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", m.chipPath)
	}

	return fmt.Sprintf("GPIO: %s (%s, %s), LOL Pin: %d",
		m.chipPath, m.chip.Name, m.chip.Label, m.lolPin)
}
