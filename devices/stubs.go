package devices

import (
	"fmt"
	"sync"

	"nrfhw/irq"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// This file holds the peripherals spec.md §1 calls out as out-of-scope
// register-block boilerplate: their internal logic is stub-only, but they
// still own a real register block on the bus because firmware reads/writes
// them unconditionally during HW_INIT (spec.md §3's reset-value
// invariant). Grounded on the teacher's habit of giving even its simplest
// devices (e.g. KeyboardDevice) a real register block rather than
// omitting them from the bus entirely.

// Temp register offsets.
const (
	tempTasksStart = 0x000
	tempTasksStop  = 0x004
	tempEventsDataRdy = 0x100
	tempIntenset   = 0x304
	tempIntenclr   = 0x308
	tempValue      = 0x508
)

// Temp is a stub temperature sensor: TASKS_START immediately raises
// EVENTS_DATARDY with a fixed TEMP value (25.0C in the register's
// 0.25-degree units), since no thermal model exists in this simulator.
type Temp struct {
	mu sync.Mutex
	log *simlog.Logger
	irqV *irq.Aggregator
	vec int
	pubs []Publisher
	intenset uint32
	eventsDataRdy uint32
}

func NewTemp(name string, irqV *irq.Aggregator, vec int, pubs ...Publisher) *Temp {
	return &Temp{log: simlog.New(name), irqV: irqV, vec: vec, pubs: pubs}
}

func (d *Temp) HandleWrite(offset uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case tempTasksStart:
		d.eventsDataRdy = 1
		d.evaluateIRQ()
	case tempTasksStop:
	case tempEventsDataRdy:
		d.eventsDataRdy = value
		d.evaluateIRQ()
	case tempIntenset:
		d.intenset |= value
		d.evaluateIRQ()
	case tempIntenclr:
		d.intenset &^= value
		d.evaluateIRQ()
	default:
		return fmt.Errorf("TEMP: unhandled write at offset 0x%03x", offset)
	}
	return nil
}

func (d *Temp) HandleRead(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case tempEventsDataRdy:
		return d.eventsDataRdy, nil
	case tempIntenset, tempIntenclr:
		return d.intenset, nil
	case tempValue:
		return 100, nil // 25.00C in 0.25C units
	default:
		return 0, fmt.Errorf("TEMP: unhandled read at offset 0x%03x", offset)
	}
}

func (d *Temp) evaluateIRQ() {
	d.irqV.Evaluate(d.vec, d.eventsDataRdy != 0 && d.intenset&1 != 0)
}

func (d *Temp) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventsDataRdy = 0
	d.intenset = 0
	d.evaluateIRQ()
}

// RNG register offsets.
const (
	rngTasksStart = 0x000
	rngTasksStop  = 0x004
	rngEventsValRdy = 0x100
	rngIntenset = 0x304
	rngIntenclr = 0x308
	rngConfig   = 0x504
	rngValue    = 0x508
)

// rngSampleDelayUs is the fixed per-byte generation delay: real hardware
// varies with bias-correction; spec.md §1 scopes bias correction out, so
// a single constant stands in.
const rngSampleDelayUs = 10

// RNG is a stub random-number generator: TASKS_START raises EVENTS_VALRDY
// every rngSampleDelayUs until TASKS_STOP, each time with a value drawn
// from a deterministic (not cryptographic) source, since spec.md §1 excludes
// bias-correction modelling and nothing downstream needs real entropy.
type RNG struct {
	mu sync.Mutex
	log *simlog.Logger
	sch *scheduler.Scheduler
	slot scheduler.SlotID
	irqV *irq.Aggregator
	vec int
	pubs []Publisher
	running bool
	intenset uint32
	eventsValRdy uint32
	value uint32
	counter uint32
}

func NewRNG(name string, sch *scheduler.Scheduler, slot scheduler.SlotID, irqV *irq.Aggregator, vec int, pubs ...Publisher) *RNG {
	r := &RNG{log: simlog.New(name), sch: sch, slot: slot, irqV: irqV, vec: vec, pubs: pubs}
	sch.Register(slot, name, r.onSampleReady)
	return r
}

func (d *RNG) HandleWrite(offset uint32, value uint32) error {
	d.mu.Lock()
	switch offset {
	case rngTasksStart:
		d.running = true
		d.mu.Unlock()
		d.sch.Schedule(d.slot, d.sch.Now()+rngSampleDelayUs)
		return nil
	case rngTasksStop:
		d.running = false
		d.mu.Unlock()
		d.sch.Cancel(d.slot)
		return nil
	case rngEventsValRdy:
		d.eventsValRdy = value
		d.evaluateIRQLocked()
	case rngIntenset:
		d.intenset |= value
		d.evaluateIRQLocked()
	case rngIntenclr:
		d.intenset &^= value
		d.evaluateIRQLocked()
	case rngConfig:
	default:
		d.mu.Unlock()
		return fmt.Errorf("RNG: unhandled write at offset 0x%03x", offset)
	}
	d.mu.Unlock()
	return nil
}

func (d *RNG) HandleRead(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case rngEventsValRdy:
		return d.eventsValRdy, nil
	case rngIntenset, rngIntenclr:
		return d.intenset, nil
	case rngValue:
		return d.value, nil
	default:
		return 0, fmt.Errorf("RNG: unhandled read at offset 0x%03x", offset)
	}
}

func (d *RNG) onSampleReady(now scheduler.Time) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.counter++
	d.value = (d.counter * 2654435761) & 0xFF // Knuth multiplicative hash, low byte
	d.eventsValRdy = 1
	d.evaluateIRQLocked()
	d.mu.Unlock()
	d.sch.Schedule(d.slot, d.sch.Now()+rngSampleDelayUs)
}

func (d *RNG) evaluateIRQLocked() {
	d.irqV.Evaluate(d.vec, d.eventsValRdy != 0 && d.intenset&1 != 0)
}

func (d *RNG) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.sch.Cancel(d.slot)
	d.eventsValRdy = 0
	d.intenset = 0
	d.evaluateIRQLocked()
}

// Power register offsets.
const (
	powerReset  = 0x000 // not decoded: Power.HandleWrite rejects writes at this offset
	powerPower  = 0x500
)

// Power models the POWER register only: writing zero records the
// powered-off state, and writing non-zero after zero calls onReset. The
// powered-off state does not stop any peripheral producing events, and
// onReset does whatever its caller passed in (the Simulator's only logs a
// warning; it does not reset peripheral state) (see DESIGN.md).
type Power struct {
	mu sync.Mutex
	poweredOn bool
	onReset   func()
}

func NewPower(onReset func()) *Power {
	return &Power{poweredOn: true, onReset: onReset}
}

func (d *Power) HandleWrite(offset uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case powerPower:
		wasOn := d.poweredOn
		d.poweredOn = value != 0
		if d.poweredOn && !wasOn && d.onReset != nil {
			d.onReset()
		}
		return nil
	default:
		return fmt.Errorf("POWER: unhandled write at offset 0x%03x", offset)
	}
}

func (d *Power) HandleRead(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case powerPower:
		if d.poweredOn {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("POWER: unhandled read at offset 0x%03x", offset)
	}
}

// Ficr is the read-only factory information configuration block: device
// ID and address bytes fixed at construction, matching spec.md §1's
// "FICR... storage mapping" carve-out. NVMC's UICR-backed flash storage
// is out of scope entirely (spec.md §1) and is not modelled at all.
type Ficr struct {
	deviceID   [2]uint32
	deviceAddr [2]uint32
}

// NewFicr creates a Ficr with a fixed, simulation-only device identity.
func NewFicr(deviceID [2]uint32, deviceAddr [2]uint32) *Ficr {
	return &Ficr{deviceID: deviceID, deviceAddr: deviceAddr}
}

func (f *Ficr) HandleWrite(offset uint32, value uint32) error {
	return fmt.Errorf("FICR: write-protected register at offset 0x%03x", offset)
}

func (f *Ficr) HandleRead(offset uint32) (uint32, error) {
	switch offset {
	case 0x060, 0x064:
		return f.deviceID[(offset-0x060)/4], nil
	case 0x0A4, 0x0A8:
		return f.deviceAddr[(offset-0x0A4)/4], nil
	default:
		return 0, fmt.Errorf("FICR: unhandled read at offset 0x%03x", offset)
	}
}
