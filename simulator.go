// Package nrfhw assembles the peripheral models in devices/, fabric/,
// bus/, scheduler/ and irq/ into one simulated nRF52-family wireless
// subsystem (spec.md §2's system overview), grounded on the teacher's
// VirtualMachine: one struct owning every peripheral, one MMIO bus, one
// scheduler, wired together at construction time and driven by a single
// Run loop.
package nrfhw

import (
	"fmt"

	"nrfhw/bus"
	"nrfhw/devices"
	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/memimg"
	"nrfhw/phy"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// Peripheral base addresses. These are a simulator convention (like
// fabric.PPI/DPPI's own register offsets) rather than lifted verbatim
// from a specific part number's SVD, since original_source/ is filtered
// to logic code and does not carry header files.
const (
	baseClock  = 0x40000000
	basePower  = 0x40001000
	baseRadio  = 0x40002000
	baseRNG    = 0x40003000
	baseTemp   = 0x40004000
	baseRTC0   = 0x40005000
	baseTimer0 = 0x40006000
	baseCCM    = 0x40007000
	baseAAR    = 0x40008000
	baseFicr   = 0x40009000
	basePPI    = 0x4000F000
	baseDPPI   = 0x40010000

	regionSize = 0x1000
)

// IRQ vector numbers, matching the referenced SoC's NVIC assignment for
// the peripherals this module models.
const (
	vecPowerClock = 0
	vecRadio      = 1
	vecTimer0     = 8
	vecRTC0       = 11
	vecTemp       = 12
	vecRNG        = 13
	vecCCMAAR     = 15 // CCM and AAR share one NVIC line on the referenced SoC
)

// Scheduler slots. Registration order is the tie-break priority
// (scheduler.SlotID doc comment): RADIO registers last so every other
// peripheral's effect on a tied microsecond is visible before RADIO's
// own callback runs; the dedicated TIFS re-enable slot registers after
// RADIO's own phase-timer slot so it never wins a tie against RADIO
// itself.
const (
	slotClockLF scheduler.SlotID = iota
	slotClockHF
	slotRNG
	slotRTC0
	slotTimer0
	slotAAR
	slotRadio
	slotRadioAbortReeval
	slotRadioTIFS
	slotRadioBC
)

// Simulator owns one instance of every modeled peripheral, the MMIO bus
// they are mapped onto, the scheduler driving simulated time, and the
// event fabric (PPI xor DPPI) routing between them.
type Simulator struct {
	Sched *scheduler.Scheduler
	Bus   *bus.MMIOBus
	NVIC  *NVIC
	IRQ   *irq.Aggregator
	Image *memimg.Image

	Clock  *devices.Clock
	Power  *devices.Power
	Radio  *devices.Radio
	RNG    *devices.RNG
	Temp   *devices.Temp
	RTC0   *devices.RTC
	Timer0 *devices.Timer
	CCM    *devices.CCM
	AAR    *devices.AAR
	Ficr   *devices.Ficr

	Registry *fabric.Registry
	Table    *fabric.AddressTable
	PPI      *fabric.PPI  // non-nil iff cfg.Fabric == FabricPPI
	DPPI     *fabric.DPPI // non-nil iff cfg.Fabric == FabricDPPI

	cfg  Config
	log  *simlog.Logger
	conn phy.Conn
}

// NewSimulator creates a Simulator wired per cfg. If cfg.PhyToPath and
// cfg.PhyFromPath are both set, it dials a FIFOConn; otherwise use
// NewSimulatorWithConn to supply a phy.Conn directly (tests use
// phy.MockConn this way).
func NewSimulator(cfg Config) (*Simulator, error) {
	if cfg.PhyToPath == "" || cfg.PhyFromPath == "" {
		return nil, fmt.Errorf("nrfhw: no Phy transport configured, use NewSimulatorWithConn")
	}
	conn, err := phy.DialFIFO(cfg.PhyToPath, cfg.PhyFromPath)
	if err != nil {
		return nil, fmt.Errorf("nrfhw: dialing Phy: %w", err)
	}
	return NewSimulatorWithConn(cfg, conn), nil
}

// NewSimulatorWithConn creates a Simulator using conn as the Radio's Phy
// transport, bypassing FIFO dialing entirely.
func NewSimulatorWithConn(cfg Config, conn phy.Conn) *Simulator {
	if cfg.MemSize == 0 {
		cfg.MemSize = 64 * 1024
	}

	s := &Simulator{
		Sched:    scheduler.New(),
		Bus:      bus.NewMMIOBus(),
		NVIC:     NewNVIC(),
		Image:    memimg.New(make([]byte, cfg.MemSize)),
		Registry: fabric.NewRegistry(),
		Table:    fabric.NewAddressTable(),
		cfg:      cfg,
		log:      simlog.New("SIM"),
		conn:     conn,
	}
	s.IRQ = irq.New(s.NVIC)

	var pub devices.Publisher
	switch cfg.Fabric {
	case FabricDPPI:
		s.DPPI = fabric.NewDPPI(s.Registry)
		pub = s.DPPI
	default:
		s.PPI = fabric.NewPPI(s.Table, s.Registry)
		pub = s.PPI
	}

	s.buildPeripherals(pub)
	s.bindEventsAndTasks()
	s.wireFixedRouting()
	s.mapBus()
	return s
}

func (s *Simulator) buildPeripherals(pub devices.Publisher) {
	s.Clock = devices.NewClock("CLOCK", s.Sched, slotClockLF, slotClockHF, pub)
	s.Power = devices.NewPower(func() { s.log.Warn("POWER repowered, peripheral state is not reset automatically") })
	s.RNG = devices.NewRNG("RNG", s.Sched, slotRNG, s.IRQ, vecRNG, pub)
	s.Temp = devices.NewTemp("TEMP", s.IRQ, vecTemp, pub)
	s.RTC0 = devices.NewRTC("RTC0", 3, s.Sched, slotRTC0, s.IRQ, vecRTC0, pub)
	s.Timer0 = devices.NewTimer("TIMER0", s.Sched, slotTimer0, s.IRQ, vecTimer0, pub)
	s.CCM = devices.NewCCM("CCM", s.Image, s.IRQ, vecCCMAAR, pub)
	s.CCM.SetRealEncryption(s.cfg.RealEncryption)
	s.AAR = devices.NewAAR("AAR", s.Image, s.Sched, slotAAR, s.IRQ, vecCCMAAR, pub)
	s.Radio = devices.NewRadio("RADIO", s.Image, s.conn, s.Sched, slotRadio, slotRadioTIFS, slotRadioAbortReeval, slotRadioBC, s.IRQ, vecRadio, pub)
	s.Radio.AttachCCM(s.CCM)
	s.Ficr = devices.NewFicr([2]uint32{0xDEADBEEF, 0xF00DCAFE}, [2]uint32{0x12345678, 0x9ABCDEF0})

	// RTC0's counter is held at 0 until the LF clock produces its first
	// tick, CLOCK's one non-trivial duty beyond register boilerplate.
	// TASKS_START arriving first is still accepted; the counter simply
	// doesn't advance until NotifyLFStarted fires.
	s.Clock.OnLFStarted(func() { s.RTC0.NotifyLFStarted() })
}

func (s *Simulator) bindEventsAndTasks() {
	s.Clock.BindEventIDs(evClockLFStarted, evClockHFStarted)

	s.RTC0.BindEventIDs(evRTC0Tick, evRTC0Ovrflw, [4]fabric.EventID{evRTC0Compare0, evRTC0Compare1, evRTC0Compare2, 0})
	s.Timer0.BindEventIDs([4]fabric.EventID{evTimer0Compare0, evTimer0Compare1, evTimer0Compare2, evTimer0Compare3})
	s.CCM.BindEventIDs(evCCMEndKSGen, evCCMEndCrypt, evCCMError)
	s.AAR.BindEventIDs(evAAREnd, evAARResolved, evAARNotResolved)

	s.Radio.BindEventID(0x104, evRadioAddress)
	s.Radio.BindEventID(0x100, evRadioReady)
	s.Radio.BindEventID(0x108, evRadioPayload)
	s.Radio.BindEventID(0x10C, evRadioEnd)
	s.Radio.BindEventID(0x110, evRadioDisabled)
	s.Radio.BindEventID(0x130, evRadioCRCOk)
	s.Radio.BindEventID(0x134, evRadioCRCError)
	s.Radio.BindEventID(0x144, evRadioCCAIdle)
	s.Radio.BindEventID(0x148, evRadioCCABusy)
	s.Radio.BindEventID(0x14C, evRadioCCAStopped)
	s.Radio.BindEventID(0x154, evRadioTxReady)
	s.Radio.BindEventID(0x158, evRadioRxReady)
	s.Radio.BindEventID(0x114, evRadioDevMatch)
	s.Radio.BindEventID(0x118, evRadioDevMiss)
	s.Radio.BindEventID(0x11C, evRadioRSSIEnd)
	s.Radio.BindEventID(0x128, evRadioBCMatch)
	s.Radio.BindEventID(0x150, evRadioRateBoost)
	s.Radio.BindEventID(0x13C, evRadioEDEnd)
	s.Radio.BindEventID(0x140, evRadioEDStopped)

	s.Registry.RegisterTask(tkRadioTxEn, s.Radio.TaskTxEn)
	s.Registry.RegisterTask(tkRadioRxEn, s.Radio.TaskRxEn)
	s.Registry.RegisterTask(tkRadioStart, s.Radio.TaskStart)
	s.Registry.RegisterTask(tkRadioStop, s.Radio.TaskStop)
	s.Registry.RegisterTask(tkRadioDisable, s.Radio.TaskDisable)
	s.Registry.RegisterTask(tkRadioCCAStart, s.Radio.TaskCCAStart)
	s.Registry.RegisterTask(tkRadioCCAStop, s.Radio.TaskCCAStop)
	s.Registry.RegisterTask(tkRadioRSSIStart, s.Radio.TaskRSSIStart)
	s.Registry.RegisterTask(tkRadioRSSIStop, s.Radio.TaskRSSIStop)
	s.Registry.RegisterTask(tkRadioBCStart, s.Radio.TaskBCStart)
	s.Registry.RegisterTask(tkRadioBCStop, s.Radio.TaskBCStop)
	s.Registry.RegisterTask(tkRadioEDStart, s.Radio.TaskEDStart)
	s.Registry.RegisterTask(tkRadioEDStop, s.Radio.TaskEDStop)

	s.Registry.RegisterTask(tkRTC0Start, s.RTC0.TaskStart)
	s.Registry.RegisterTask(tkRTC0Stop, s.RTC0.TaskStop)
	s.Registry.RegisterTask(tkRTC0Clear, s.RTC0.TaskClear)
	s.Registry.RegisterTask(tkRTC0TrigOvrflw, s.RTC0.TaskTrigOvrflw)
	s.Registry.RegisterTask(tkRTC0Capture0, func() { s.RTC0.TaskCapture(0) })
	s.Registry.RegisterTask(tkRTC0Capture1, func() { s.RTC0.TaskCapture(1) })
	s.Registry.RegisterTask(tkRTC0Capture2, func() { s.RTC0.TaskCapture(2) })

	s.Registry.RegisterTask(tkTimer0Start, func() { _ = s.Timer0.HandleWrite(0x000, 1) })
	s.Registry.RegisterTask(tkTimer0Stop, func() { _ = s.Timer0.HandleWrite(0x004, 1) })
	s.Registry.RegisterTask(tkTimer0Clear, func() { _ = s.Timer0.HandleWrite(0x008, 1) })
	s.Registry.RegisterTask(tkTimer0Capture0, func() { s.Timer0.TaskCapture(0) })
	s.Registry.RegisterTask(tkTimer0Capture1, func() { s.Timer0.TaskCapture(1) })
	s.Registry.RegisterTask(tkTimer0Capture2, func() { s.Timer0.TaskCapture(2) })
	s.Registry.RegisterTask(tkTimer0Capture3, func() { s.Timer0.TaskCapture(3) })

	s.Registry.RegisterTask(tkCCMKSGen, s.CCM.TaskKSGen)
	s.Registry.RegisterTask(tkCCMCrypt, s.CCM.TaskCrypt)

	// tkAARStart is registered here only for PPI builds. DPPI builds
	// register it inside wireFixedRouting via AAR.AttachDPPIHooks, which
	// binds the same task to AAR's firmware-visible SUBSCRIBE_START
	// register; registering it twice would panic (fabric: task
	// registered twice).
	if s.cfg.Fabric == FabricPPI {
		s.Registry.RegisterTask(tkAARStart, s.AAR.TaskStart)
	}
	s.Registry.RegisterTask(tkAARStop, s.AAR.TaskStop)
}

// fixedChannelRadioEndAAR/fixedChannelRadioEndTimer are the two fixed PPI
// channels (20, 21) dedicated to spec.md §8 scenario S5's "RADIO.EVENTS_END
// -> AAR.TASKS_START" wiring and the TIMER0 capture companion a BLE
// controller uses to timestamp packet reception.
const (
	fixedChannelRadioEndAAR   = 20
	fixedChannelRadioEndTimer = 21
)

// wireFixedRouting installs the two fixed-function routes every build of
// this simulator carries regardless of firmware configuration.
//
// In PPI mode these are genuinely fixed-function channels (20, 21):
// firmware cannot reprogram their EEP/TEP, matching real silicon.
//
// In DPPI mode there is no fixed-function concept; routing such as
// RADIO.EVENTS_END -> AAR.TASKS_START is ordinarily firmware's job via
// PUBLISH_END/SUBSCRIBE_START (and devices.Radio/devices.AAR's
// DPPIHooks make those two specific registers writable, see
// AttachDPPIHooks below). TIMER0 carries no DPPIHooks of its own in this
// module (see DESIGN.md), so its capture subscription is programmed
// directly against the DPPI fabric here rather than through a
// firmware-visible register.
func (s *Simulator) wireFixedRouting() {
	if s.PPI != nil {
		s.PPI.FixChannel(fixedChannelRadioEndAAR, evRadioEnd, tkAARStart, 0)
		s.PPI.FixChannel(fixedChannelRadioEndTimer, evRadioEnd, tkTimer0Capture2, 0)
		s.PPI.SetCHENSET(1<<fixedChannelRadioEndAAR | 1<<fixedChannelRadioEndTimer)
		return
	}

	hooks := devices.NewDPPIHooks(s.DPPI)
	s.Radio.AttachDPPIHooks(hooks, evRadioEnd)
	s.AAR.AttachDPPIHooks(hooks, s.Registry, tkAARStart)

	const dppiChannelEnd = 0
	s.DPPI.SetSubscribe(tkTimer0Capture2, dppiChannelEnd|dppiSubscribeEnableBit)
}

// dppiSubscribeEnableBit mirrors fabric's unexported enableBit (1<<31):
// the DPPI subscribe/publish encoding's active flag, needed here because
// TIMER0's capture subscription is programmed directly rather than
// through a firmware register (see wireFixedRouting).
const dppiSubscribeEnableBit = uint32(1) << 31

func (s *Simulator) mapBus() {
	s.Bus.RegisterDevice(baseClock, regionSize, "CLOCK", s.Clock)
	s.Bus.RegisterDevice(basePower, regionSize, "POWER", s.Power)
	s.Bus.RegisterDevice(baseRadio, regionSize, "RADIO", s.Radio)
	s.Bus.RegisterDevice(baseRNG, regionSize, "RNG", s.RNG)
	s.Bus.RegisterDevice(baseTemp, regionSize, "TEMP", s.Temp)
	s.Bus.RegisterDevice(baseRTC0, regionSize, "RTC0", s.RTC0)
	s.Bus.RegisterDevice(baseTimer0, regionSize, "TIMER0", s.Timer0)
	s.Bus.RegisterDevice(baseCCM, regionSize, "CCM", s.CCM)
	s.Bus.RegisterDevice(baseAAR, regionSize, "AAR", s.AAR)
	s.Bus.RegisterDevice(baseFicr, regionSize, "FICR", s.Ficr)
	if s.PPI != nil {
		s.Bus.RegisterDevice(basePPI, regionSize, "PPI", s.PPI)
	}
	if s.DPPI != nil {
		s.Bus.RegisterDevice(baseDPPI, regionSize, "DPPI", s.DPPI)
	}
}

// Run steps the scheduler until no peripheral has a pending event at or
// before deadline, returning the final virtual time reached. Firmware
// drives register writes through Bus between calls (or concurrently with
// them if embedded in a larger host that serializes bus access itself;
// this module does not add its own locking around Bus.Write/Read beyond
// what each device already does internally).
func (s *Simulator) Run(deadline scheduler.Time) scheduler.Time {
	return s.Sched.RunUntil(deadline)
}

// Fatal logs a simulator-fatal condition at the current virtual time.
// Grounded on the teacher's VirtualMachine.Fatal: centralizes the
// "simulation cannot continue" log line rather than leaving every
// peripheral to call os.Exit itself. It logs on every call and does not
// stop the scheduler.
func (s *Simulator) Fatal(format string, args ...any) {
	s.log.Fatal(int64(s.Sched.Now()), format, args...)
}

// Reset restores every owned peripheral to its datasheet power-on state.
func (s *Simulator) Reset() {
	s.Clock.Reset()
	s.RTC0.Reset()
	s.Timer0.Reset()
	s.CCM.Reset()
	s.AAR.Reset()
	s.Radio.Reset()
	s.RNG.Reset()
	s.Temp.Reset()
}
