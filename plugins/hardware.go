package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/linht/clock-manager/synth"
)

// ErrDeviceNotFound is returned for an unknown device name
var ErrDeviceNotFound = errors.New("clock device not found")

// ClockPlugin provides 8T49N24x frequency synthesizer control.
// Uses transient bus connections - opens and releases the bus for each
// operation, serialized per device.
type ClockPlugin struct {
	config  ClockConfig
	devices map[string]*clockDevice
	names   []string
	events  *EventHub

	// openBus is replaced in tests
	openBus func(DeviceConfig) (RegisterBus, error)
}

// ClockConfig holds the clock plugin configuration
type ClockConfig struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one synthesizer and the board around it
type DeviceConfig struct {
	Name      string `yaml:"name" json:"name"`
	I2CBus    string `yaml:"i2c_bus" json:"i2c_bus"`
	Address   uint16 `yaml:"address" json:"address"`
	BusSpeed  uint32 `yaml:"bus_speed_hz" json:"bus_speed_hz"`
	GPIOChip  string `yaml:"gpio_chip" json:"gpio_chip,omitempty"`
	LockPin   int    `yaml:"lock_pin" json:"lock_pin,omitempty"`
	Verify    bool   `yaml:"verify" json:"verify"`
	Probe     bool   `yaml:"probe" json:"probe"`
	InitialHz uint64 `yaml:"initial_hz" json:"initial_hz,omitempty"`

	// ReferenceHz is used when a request does not name a reference
	ReferenceHz uint64 `yaml:"reference_hz" json:"reference_hz"`

	Board synth.Board `yaml:",inline" json:"board"`
}

// clockDevice is the per-device state. mu serializes bus access.
type clockDevice struct {
	mu      sync.Mutex
	config  DeviceConfig
	calc    *synth.Calculator
	monitor *LockMonitor

	settings  *synth.Settings
	program   synth.Program
	operation string
	updated   time.Time
}

const defaultI2CAddress = 0x7C

func applyDeviceDefaults(cfg *DeviceConfig, index int) {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("clock%d", index)
	}
	if cfg.Address == 0 {
		cfg.Address = defaultI2CAddress
	}
	if cfg.BusSpeed == 0 {
		cfg.BusSpeed = 400000 // Default 400 kHz
	}
	if cfg.Board.CrystalHz == 0 {
		cfg.Board.CrystalHz = synth.DefaultCrystalHz
	}
	if len(cfg.Board.Layout.Inputs) == 0 && len(cfg.Board.Layout.Outputs) == 0 {
		cfg.Board.Layout = synth.DefaultLayout()
	}
	if cfg.ReferenceHz == 0 {
		cfg.ReferenceHz = cfg.Board.CrystalHz
	}
}

func openI2CBus(cfg DeviceConfig) (RegisterBus, error) {
	return NewI2CDevice(cfg.I2CBus, cfg.Address, cfg.BusSpeed)
}

// NewClockPlugin creates a new clock plugin instance. Devices with probe set
// are initialized immediately; failures are logged and do not stop startup.
func NewClockPlugin(cfg ClockConfig) (*ClockPlugin, error) {
	p, err := newClockPlugin(cfg, openI2CBus)
	if err != nil {
		return nil, err
	}

	for _, name := range p.names {
		dev := p.devices[name]
		if err := ValidateI2CBus(dev.config.I2CBus); err != nil {
			slog.Warn("Clock device bus unavailable", "device", name, "error", err)
		}

		if dev.config.GPIOChip != "" {
			monitor, err := NewLockMonitor(dev.config.GPIOChip, dev.config.LockPin, p.lockHandler(name))
			if err != nil {
				slog.Warn("Lock monitor unavailable", "device", name, "error", err)
			} else {
				dev.monitor = monitor
			}
		}

		if dev.config.Probe {
			if _, err := p.probe(dev); err != nil {
				slog.Error("Clock device probe failed", "device", name, "error", err)
			}
		}
	}

	return p, nil
}

func newClockPlugin(cfg ClockConfig, openBus func(DeviceConfig) (RegisterBus, error)) (*ClockPlugin, error) {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []DeviceConfig{{}}
	}

	p := &ClockPlugin{
		devices: make(map[string]*clockDevice),
		events:  NewEventHub(),
		openBus: openBus,
	}

	for i := range cfg.Devices {
		dc := &cfg.Devices[i]
		applyDeviceDefaults(dc, i)

		if _, dup := p.devices[dc.Name]; dup {
			return nil, fmt.Errorf("duplicate clock device %q", dc.Name)
		}

		calc, err := synth.NewCalculator(dc.Board)
		if err != nil {
			return nil, fmt.Errorf("clock device %s: %w", dc.Name, err)
		}

		p.devices[dc.Name] = &clockDevice{config: *dc, calc: calc}
		p.names = append(p.names, dc.Name)

		slog.Info("Clock device configured",
			"device", dc.Name,
			"i2c_bus", dc.I2CBus,
			"address", fmt.Sprintf("0x%02X", dc.Address),
			"crystal_hz", dc.Board.CrystalHz,
			"inputs", dc.Board.Layout.Inputs,
			"outputs", dc.Board.Layout.Outputs,
			"gpio_chip", dc.GPIOChip)
	}
	p.config = cfg

	return p, nil
}

// Name returns the plugin identifier
func (p *ClockPlugin) Name() string {
	return "clock"
}

// RegisterRoutes adds the plugin's HTTP routes
func (p *ClockPlugin) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api/clock")

	api.Get("/devices", p.handleListDevices)
	api.Post("/plan", p.handlePlan)
	api.Get("/events", websocket.New(p.events.handleWebSocket))

	// Device control endpoints
	api.Get("/:device/info", p.handleInfo)
	api.Post("/:device/init", p.handleInit)
	api.Get("/:device/lock", p.handleLockStatus)

	// Frequency control endpoints
	api.Post("/:device/rate", p.handleSetRate)
	api.Get("/:device/rate", p.handleGetRate)
	api.Post("/:device/round", p.handleRoundRate)

	api.Post("/:device/mode", p.handleSetMode)
	api.Get("/:device/mode", p.handleGetMode)

	// Register access endpoints
	api.Get("/:device/register/:addr", p.handleReadRegister)
	api.Post("/:device/register/:addr", p.handleWriteRegister)
	api.Get("/:device/registers", p.handleReadRegisters)

	slog.Info("Clock plugin routes registered", "devices", len(p.names))
}

// Shutdown releases the lock monitors and disconnects event subscribers
func (p *ClockPlugin) Shutdown() error {
	var errs []error
	for _, name := range p.names {
		dev := p.devices[name]
		dev.mu.Lock()
		if dev.monitor != nil {
			if err := dev.monitor.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			dev.monitor = nil
		}
		dev.mu.Unlock()
	}
	p.events.Close()
	return errors.Join(errs...)
}

// Events returns the hub the plugin publishes to
func (p *ClockPlugin) Events() *EventHub {
	return p.events
}

func (p *ClockPlugin) lockHandler(name string) func(LockStatus) {
	return func(status LockStatus) {
		slog.Info("Clock lock state changed", "device", name, "locked", status.Locked)
		p.events.Publish(ClockEvent{Type: EventLock, Device: name, Time: status.Changed, Data: status})
	}
}

func (p *ClockPlugin) device(name string) (*clockDevice, error) {
	dev, ok := p.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
	}
	return dev, nil
}

// withController executes fn with a temporary controller while holding the
// device lock
func (p *ClockPlugin) withController(dev *clockDevice, fn func(*IDTController) error) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	bus, err := p.openBus(dev.config)
	if err != nil {
		return err
	}
	controller := NewIDTController(bus, dev.calc, dev.config.Verify)
	defer controller.Close()

	return fn(controller)
}

// request fills in the device's default reference
func (dev *clockDevice) request(referenceHz, targetHz uint64) synth.Request {
	if referenceHz == 0 {
		referenceHz = dev.config.ReferenceHz
	}
	return synth.Request{ReferenceHz: referenceHz, TargetHz: targetHz}
}

// probe identifies and initializes the device, then programs the initial
// frequency if one is configured
func (p *ClockPlugin) probe(dev *clockDevice) (DeviceID, error) {
	var id DeviceID
	var settings synth.Settings
	var prog synth.Program
	opID := uuid.New().String()
	initial := dev.config.InitialHz != 0

	err := p.withController(dev, func(ctrl *IDTController) error {
		var err error
		id, err = ctrl.Identify()
		if err != nil {
			return err
		}
		if !id.Matches() {
			slog.Warn("Unexpected clock device ID", "device", dev.config.Name, "id", id.String())
		}

		if err := ctrl.Initialize(); err != nil {
			return err
		}
		dev.settings = nil

		if initial {
			settings, prog, err = ctrl.SetRate(dev.request(0, dev.config.InitialHz))
			if err != nil {
				return err
			}
			dev.remember(settings, prog, opID)
		}
		return nil
	})

	if err != nil {
		p.publishError(dev.config.Name, opID, err)
		return id, err
	}

	slog.Info("Clock device initialized", "device", dev.config.Name, "id", id.String(), "operation", opID)
	p.events.Publish(ClockEvent{Type: EventInit, Device: dev.config.Name, Operation: opID, Data: id})
	if initial {
		p.events.Publish(ClockEvent{Type: EventRate, Device: dev.config.Name, Operation: opID, Data: rateSummary(settings, prog)})
	}
	return id, nil
}

func (dev *clockDevice) remember(s synth.Settings, prog synth.Program, opID string) {
	dev.settings = &s
	dev.program = prog
	dev.operation = opID
	dev.updated = time.Now()
}

func (p *ClockPlugin) publishError(device, opID string, err error) {
	var serr *synth.Error
	if errors.As(err, &serr) && serr.Kind == synth.RegisterWriteFailed {
		p.events.Publish(ClockEvent{
			Type:      EventWriteError,
			Device:    device,
			Operation: opID,
			Data:      fiber.Map{"address": fmt.Sprintf("0x%04X", serr.Address)},
			Error:     err.Error(),
		})
	}
}

// rateSummary is the JSON shape of a programmed or planned rate
func rateSummary(s synth.Settings, prog synth.Program) fiber.Map {
	return fiber.Map{
		"settings":    s,
		"achieved_hz": s.AchievedHz(),
		"offset_ppm":  s.OffsetPPM(),
		"writes":      formatWrites(prog.Writes),
		"checksum":    fmt.Sprintf("0x%04X", prog.Checksum()),
	}
}

func formatWrites(writes []synth.RegisterWrite) []fiber.Map {
	list := make([]fiber.Map, 0, len(writes))
	for _, w := range writes {
		list = append(list, fiber.Map{
			"address": fmt.Sprintf("0x%04X", w.Address),
			"value":   fmt.Sprintf("0x%02X", w.Value),
		})
	}
	return list
}

func (p *ClockPlugin) lockStatus(dev *clockDevice) fiber.Map {
	if dev.monitor == nil {
		return fiber.Map{"available": false}
	}
	status := dev.monitor.Status()
	return fiber.Map{
		"available": true,
		"locked":    status.Locked,
		"changed":   status.Changed,
		"events":    status.Events,
	}
}

// Device handlers

func (p *ClockPlugin) handleListDevices(c *fiber.Ctx) error {
	list := make([]fiber.Map, 0, len(p.names))
	for _, name := range p.names {
		dev := p.devices[name]
		dev.mu.Lock()
		entry := fiber.Map{
			"name":   name,
			"config": dev.config,
			"lock":   p.lockStatus(dev),
		}
		if dev.settings != nil {
			entry["target_hz"] = dev.settings.Request.TargetHz
			entry["achieved_hz"] = dev.settings.AchievedHz()
			entry["updated"] = dev.updated
		}
		dev.mu.Unlock()
		list = append(list, entry)
	}

	return SendSuccess(c, fiber.Map{
		"devices":     list,
		"count":       len(list),
		"subscribers": p.events.Count(),
	}, "")
}

func (p *ClockPlugin) handleInfo(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var id DeviceID
	var info map[string]interface{}
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		id, err = ctrl.Identify()
		info = ctrl.Info()
		return err
	})
	if err != nil {
		return SendClockError(c, err)
	}

	return SendSuccess(c, fiber.Map{
		"id":      id,
		"matches": id.Matches(),
		"info":    info,
		"mode":    "transient",
	}, "")
}

func (p *ClockPlugin) handleInit(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	id, err := p.probe(dev)
	if err != nil {
		slog.Error("Failed to initialize clock device", "device", dev.config.Name, "error", err)
		return SendClockError(c, err)
	}

	data := fiber.Map{"id": id, "matches": id.Matches()}
	dev.mu.Lock()
	if dev.settings != nil {
		data["rate"] = rateSummary(*dev.settings, dev.program)
	}
	dev.mu.Unlock()

	return SendSuccess(c, data, "Clock device initialized")
}

func (p *ClockPlugin) handleLockStatus(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.monitor == nil {
		return SendErrorMessage(c, 404, "No loss-of-lock GPIO configured")
	}

	locked, err := dev.monitor.Locked()
	if err != nil {
		return SendError(c, 500, err)
	}

	data := p.lockStatus(dev)
	data["locked"] = locked
	return SendSuccess(c, data, "")
}

// Frequency handlers

type rateRequest struct {
	Device      string `json:"device"`
	ReferenceHz uint64 `json:"reference_hz"`
	TargetHz    uint64 `json:"target_hz"`
}

func (p *ClockPlugin) handlePlan(c *fiber.Ctx) error {
	var req rateRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	if req.Device == "" {
		req.Device = p.names[0]
	}

	dev, err := p.device(req.Device)
	if err != nil {
		return SendClockError(c, err)
	}

	settings, prog, err := dev.calc.Plan(dev.request(req.ReferenceHz, req.TargetHz))
	if err != nil {
		return SendClockError(c, err)
	}

	return SendSuccess(c, rateSummary(settings, prog), "")
}

func (p *ClockPlugin) handleRoundRate(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var req rateRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	settings, err := dev.calc.Settings(dev.request(req.ReferenceHz, req.TargetHz))
	if err != nil {
		return SendClockError(c, err)
	}

	return SendSuccess(c, fiber.Map{
		"target_hz":   settings.Request.TargetHz,
		"achieved_hz": settings.AchievedHz(),
		"offset_ppm":  settings.OffsetPPM(),
	}, "")
}

func (p *ClockPlugin) handleSetRate(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var req rateRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	// Plan before touching the bus so an unreachable frequency never
	// disturbs the device
	r := dev.request(req.ReferenceHz, req.TargetHz)
	if _, err := dev.calc.Settings(r); err != nil {
		return SendClockError(c, err)
	}

	opID := uuid.New().String()
	var settings synth.Settings
	var prog synth.Program
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		settings, prog, err = ctrl.SetRate(r)
		if err != nil {
			return err
		}
		dev.remember(settings, prog, opID)
		return nil
	})

	if err != nil {
		slog.Error("Failed to set clock rate", "device", dev.config.Name, "target_hz", r.TargetHz, "operation", opID, "error", err)
		p.publishError(dev.config.Name, opID, err)
		return SendClockError(c, err)
	}

	summary := rateSummary(settings, prog)
	summary["operation"] = opID
	slog.Info("Clock rate set",
		"device", dev.config.Name,
		"target_hz", r.TargetHz,
		"reference_hz", r.ReferenceHz,
		"vco_hz", settings.VcoHz,
		"checksum", summary["checksum"],
		"operation", opID)
	p.events.Publish(ClockEvent{Type: EventRate, Device: dev.config.Name, Operation: opID, Data: summary})

	return SendSuccess(c, summary, "Clock rate set successfully")
}

func (p *ClockPlugin) handleGetRate(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var rate float64
	var fields synth.Fields
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		rate, fields, err = ctrl.GetRate()
		return err
	})
	if err != nil {
		return SendClockError(c, err)
	}

	data := fiber.Map{
		"rate_hz": rate,
		"fields":  fields,
	}
	dev.mu.Lock()
	if dev.settings != nil {
		data["target_hz"] = dev.settings.Request.TargetHz
		data["operation"] = dev.operation
		data["updated"] = dev.updated
	}
	dev.mu.Unlock()

	return SendSuccess(c, data, "")
}

// Mode handlers

func (p *ClockPlugin) handleSetMode(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}
	if req.Mode != ModeSynthesizer && req.Mode != ModeJitterAttenuator {
		return SendErrorMessage(c, 400, "Invalid mode. Use: synthesizer or jitter_attenuator")
	}

	err = p.withController(dev, func(ctrl *IDTController) error {
		return ctrl.SetMode(req.Mode)
	})
	if err != nil {
		return SendClockError(c, err)
	}

	slog.Info("Clock mode set", "device", dev.config.Name, "mode", req.Mode)
	p.events.Publish(ClockEvent{Type: EventMode, Device: dev.config.Name, Data: fiber.Map{"mode": req.Mode}})
	return SendSuccess(c, fiber.Map{"mode": req.Mode}, "Mode set successfully")
}

func (p *ClockPlugin) handleGetMode(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	var mode string
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		mode, err = ctrl.GetMode()
		return err
	})
	if err != nil {
		return SendClockError(c, err)
	}

	return SendSuccess(c, fiber.Map{"mode": mode}, "")
}

// Register access handlers

// registerAddress accepts decimal or 0x-prefixed hex
func registerAddress(c *fiber.Ctx) (uint16, bool) {
	addr, err := strconv.ParseUint(c.Params("addr"), 0, 16)
	if err != nil {
		return 0, false
	}
	return uint16(addr), true
}

func describeRegister(addr uint16, value uint8) fiber.Map {
	desc := RegisterDescriptions[addr]
	if desc == "" {
		desc = "Unknown"
	}
	return fiber.Map{
		"address":     fmt.Sprintf("0x%04X", addr),
		"value":       fmt.Sprintf("0x%02X", value),
		"value_dec":   value,
		"description": desc,
	}
}

func (p *ClockPlugin) handleReadRegister(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}
	addr, ok := registerAddress(c)
	if !ok {
		return SendErrorMessage(c, 400, "Invalid register address")
	}

	var value uint8
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		value, err = ctrl.ReadRegister(addr)
		return err
	})
	if err != nil {
		return SendClockError(c, err)
	}

	return SendSuccess(c, describeRegister(addr, value), "")
}

func (p *ClockPlugin) handleWriteRegister(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}
	addr, ok := registerAddress(c)
	if !ok {
		return SendErrorMessage(c, 400, "Invalid register address")
	}

	var req struct {
		Value uint8 `json:"value"`
	}
	if err := c.BodyParser(&req); err != nil {
		return SendErrorMessage(c, 400, "Invalid request body")
	}

	err = p.withController(dev, func(ctrl *IDTController) error {
		return ctrl.WriteRegister(addr, req.Value)
	})
	if err != nil {
		return SendClockError(c, err)
	}

	slog.Info("Register write", "device", dev.config.Name, "address", fmt.Sprintf("0x%04X", addr), "value", fmt.Sprintf("0x%02X", req.Value))
	return SendSuccess(c, nil, "Register written successfully")
}

func (p *ClockPlugin) handleReadRegisters(c *fiber.Ctx) error {
	dev, err := p.device(c.Params("device"))
	if err != nil {
		return SendClockError(c, err)
	}

	start := c.QueryInt("start", 0)
	count := c.QueryInt("count", len(DefaultJAConfig))
	if start < 0 || count <= 0 || start+count > 0x10000 {
		return SendErrorMessage(c, 400, "Invalid register range")
	}

	var registers map[uint16]uint8
	err = p.withController(dev, func(ctrl *IDTController) error {
		var err error
		registers, err = ctrl.ReadRegisters(uint16(start), count)
		return err
	})
	if err != nil {
		return SendClockError(c, err)
	}

	regList := make([]fiber.Map, 0, count)
	for i := 0; i < count; i++ {
		addr := uint16(start + i)
		regList = append(regList, describeRegister(addr, registers[addr]))
	}

	return SendSuccess(c, fiber.Map{
		"registers": regList,
		"count":     len(regList),
	}, "")
}

func init() {
	Register("clock", func(config interface{}) (Plugin, error) {
		switch cfg := config.(type) {
		case ClockConfig:
			return NewClockPlugin(cfg)
		case nil:
			return NewClockPlugin(ClockConfig{})
		}
		return nil, fmt.Errorf("invalid config for clock plugin: expected ClockConfig")
	})
}
