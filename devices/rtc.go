package devices

import (
	"fmt"
	"sync"

	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// RTC register byte offsets, word-aligned, matching the referenced SoC's
// datasheet layout exactly (spec.md §6).
const (
	rtcTasksStart     = 0x000
	rtcTasksStop      = 0x004
	rtcTasksClear     = 0x008
	rtcTasksTrigOvrflw = 0x00C
	rtcTasksCapture0  = 0x010 // TASKS_CAPTURE[i] = 0x010 + 4*i

	rtcEventsTick   = 0x100
	rtcEventsOvrflw = 0x104
	rtcEventsCompare0 = 0x140 // EVENTS_COMPARE[i] = 0x140 + 4*i

	rtcShorts   = 0x200
	rtcIntenset = 0x304
	rtcIntenclr = 0x308
	rtcEvtenset = 0x340
	rtcEvtenclr = 0x344
	rtcCounter  = 0x504
	rtcPrescaler = 0x508
	rtcCC0      = 0x540 // CC[i] = 0x540 + 4*i
)

// rtcLFPeriodQ9 is one LF clock period (1e6/32768 us) in Q23.9 fixed point
// (spec.md §4.2: "all counter times are held in fixed-point with 9
// fractional bits"). 1e6/32768 * 512 = 15625.0, exactly representable.
const rtcLFPeriodQ9 = 15625

const rtcCounterMask = 0xFFFFFF // 24-bit counter

// RTC models one RTC instance (spec.md §4.2): a 24-bit LF-clock-prescaled
// counter with N compare channels, tick/overflow/compare events, and the
// COMPARE[i]->CLEAR shortcut. Grounded on the teacher's PITDevice counter
// bookkeeping (devices/pit.go), generalized from a fixed 1.193182MHz
// divider to an arbitrary PRESCALER and from one down-counter to this
// counter's up-counting compare-match model.
type RTC struct {
	mu sync.Mutex

	name string
	log  *simlog.Logger
	sch  *scheduler.Scheduler
	slot scheduler.SlotID
	irqV *irq.Aggregator
	vec  int
	pubs []Publisher

	numCC int

	prescaler uint32
	// counterStartQ9 is the sub-microsecond scheduler time (Q23.9) at
	// which the counter was last known to read 0, i.e. counter =
	// floor((nowQ9 - counterStartQ9) / tickPeriodQ9) & mask.
	counterStartQ9 int64
	running        bool
	// lfReady mirrors whether the LF clock has produced its first tick
	// (devices.Clock.OnLFStarted). The counter is held at 0 and no
	// compare/overflow deadline is armed until this is true, matching
	// real silicon where RTC is clocked directly off LFCLK.
	lfReady bool

	cc [4]uint32

	// pendingOverflow/pendingCompare record which match(es) the scheduler
	// slot is currently armed for, decided at rearm time, so onDeadline
	// never has to re-derive "what just matched" from a counter read.
	pendingOverflow bool
	pendingCompare  [4]bool

	shorts     uint32
	intenset   uint32
	evtenset   uint32
	eventsTick    uint32
	eventsOvrflw  uint32
	eventsCompare [4]uint32

	// event/task IDs, bound once by the simulator at construction time so
	// PPI/DPPI can route through them.
	tickEvent     fabric.EventID
	ovrflwEvent   fabric.EventID
	compareEvent  [4]fabric.EventID
}

// NewRTC creates an RTC instance with numCC compare channels (3 or 4,
// depending on which RTC index the referenced SoC exposes), driven by
// sch, reporting interrupts on vec through irqV, and publishing events to
// pubs.
func NewRTC(name string, numCC int, sch *scheduler.Scheduler, slot scheduler.SlotID, irqV *irq.Aggregator, vec int, pubs ...Publisher) *RTC {
	r := &RTC{
		name:  name,
		log:   simlog.New(name),
		sch:   sch,
		slot:  slot,
		irqV:  irqV,
		vec:   vec,
		pubs:  pubs,
		numCC: numCC,
	}
	sch.Register(slot, name, r.onDeadline)
	return r
}

// BindEventIDs installs the abstract EventIDs the fabric uses to route
// TICK/OVRFLW/COMPARE[i]. Called once by the simulator during wiring.
func (r *RTC) BindEventIDs(tick, ovrflw fabric.EventID, compare [4]fabric.EventID) {
	r.tickEvent = tick
	r.ovrflwEvent = ovrflw
	r.compareEvent = compare
}

func (r *RTC) publish(ev fabric.EventID) {
	if ev == 0 {
		return
	}
	for _, p := range r.pubs {
		p.Publish(ev)
	}
}

// tickPeriodQ9 is one counter tick in Q23.9 fixed point.
func (r *RTC) tickPeriodQ9() int64 {
	return rtcLFPeriodQ9 * int64(r.prescaler+1)
}

func (r *RTC) nowQ9() int64 {
	return int64(r.sch.Now()) << 9
}

// counter computes the live counter value at the current scheduler time,
// per spec.md §4.2's "COUNTER read semantics".
func (r *RTC) counter() uint32 {
	if !r.running || !r.lfReady {
		return 0
	}
	elapsed := r.nowQ9() - r.counterStartQ9
	if elapsed < 0 {
		elapsed = 0
	}
	return uint32((elapsed / r.tickPeriodQ9()) & rtcCounterMask)
}

// HandleWrite implements bus.MMIODevice.
func (r *RTC) HandleWrite(offset uint32, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == rtcTasksStart:
		r.taskStart()
	case offset == rtcTasksStop:
		r.taskStop()
	case offset == rtcTasksClear:
		r.taskClear()
	case offset == rtcTasksTrigOvrflw:
		r.taskTrigOvrflw()
	case offset >= rtcTasksCapture0 && offset < rtcTasksCapture0+16:
		i := int((offset - rtcTasksCapture0) / 4)
		r.taskCapture(i)
	case offset == rtcEventsTick:
		r.eventsTick = value
		r.evaluateIRQ()
	case offset == rtcEventsOvrflw:
		r.eventsOvrflw = value
		r.evaluateIRQ()
	case offset >= rtcEventsCompare0 && offset < rtcEventsCompare0+16:
		i := int((offset - rtcEventsCompare0) / 4)
		r.eventsCompare[i] = value
		r.evaluateIRQ()
	case offset == rtcShorts:
		r.shorts = value
	case offset == rtcIntenset:
		r.intenset |= value
		r.evaluateIRQ()
	case offset == rtcIntenclr:
		r.intenset &^= value
		r.evaluateIRQ()
	case offset == rtcEvtenset:
		r.evtenset |= value
	case offset == rtcEvtenclr:
		r.evtenset &^= value
	case offset == rtcPrescaler:
		if r.running {
			r.log.Warn("PRESCALER written while running, latched on next START/CLEAR")
		}
		r.prescaler = value & 0xFFF
	case offset >= rtcCC0 && offset < rtcCC0+16:
		i := int((offset - rtcCC0) / 4)
		if i >= r.numCC {
			r.log.Warn("write to CC[%d] beyond this instance's %d channels", i, r.numCC)
			return nil
		}
		r.cc[i] = value & rtcCounterMask
		r.rearm()
	default:
		return fmt.Errorf("%s: unhandled write at offset 0x%03x", r.name, offset)
	}
	return nil
}

// HandleRead implements bus.MMIODevice.
func (r *RTC) HandleRead(offset uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == rtcEventsTick:
		return r.eventsTick, nil
	case offset == rtcEventsOvrflw:
		return r.eventsOvrflw, nil
	case offset >= rtcEventsCompare0 && offset < rtcEventsCompare0+16:
		return r.eventsCompare[(offset-rtcEventsCompare0)/4], nil
	case offset == rtcShorts:
		return r.shorts, nil
	case offset == rtcIntenset, offset == rtcIntenclr:
		return r.intenset, nil
	case offset == rtcEvtenset, offset == rtcEvtenclr:
		return r.evtenset, nil
	case offset == rtcCounter:
		return r.counter(), nil
	case offset == rtcPrescaler:
		return r.prescaler, nil
	case offset >= rtcCC0 && offset < rtcCC0+16:
		return r.cc[(offset-rtcCC0)/4], nil
	default:
		return 0, fmt.Errorf("%s: unhandled read at offset 0x%03x", r.name, offset)
	}
}

// TaskStart, TaskStop, TaskClear, TaskTrigOvrflw and TaskCapture are
// exported wrappers so fabric-routed tasks can trigger the same behavior
// as a direct TASKS_* register write.
func (r *RTC) TaskStart()        { r.mu.Lock(); defer r.mu.Unlock(); r.taskStart() }
func (r *RTC) TaskStop()         { r.mu.Lock(); defer r.mu.Unlock(); r.taskStop() }
func (r *RTC) TaskClear()        { r.mu.Lock(); defer r.mu.Unlock(); r.taskClear() }
func (r *RTC) TaskTrigOvrflw()   { r.mu.Lock(); defer r.mu.Unlock(); r.taskTrigOvrflw() }
func (r *RTC) TaskCapture(i int) { r.mu.Lock(); defer r.mu.Unlock(); r.taskCapture(i) }

// NotifyLFStarted is called once by devices.Clock's OnLFStarted hook when
// the LF clock produces its first tick. If TASKS_START already arrived,
// the counter begins advancing from this instant rather than from
// whenever TASKS_START happened to be written.
func (r *RTC) NotifyLFStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lfReady {
		return
	}
	r.lfReady = true
	if r.running {
		r.counterStartQ9 = r.nowQ9()
		r.rearm()
	}
}

func (r *RTC) taskStart() {
	if r.running {
		return
	}
	r.running = true
	r.counterStartQ9 = r.nowQ9()
	r.rearm()
}

func (r *RTC) taskStop() {
	if !r.running {
		r.log.Warn("TASKS_STOP on an already-stopped RTC")
		return
	}
	r.running = false
	r.sch.Cancel(r.slot)
}

func (r *RTC) taskClear() {
	r.counterStartQ9 = r.nowQ9()
	if r.running {
		r.rearm()
	}
}

// taskTrigOvrflw sets the virtual counter to 0xFFFFF0 (spec.md §4.2) by
// choosing a negative counterStartQ9 such that elapsed ticks since that
// virtual zero equal 0xFFFFF0.
func (r *RTC) taskTrigOvrflw() {
	target := int64(0xFFFFF0)
	r.counterStartQ9 = r.nowQ9() - target*r.tickPeriodQ9()
	if r.running {
		r.rearm()
	}
}

func (r *RTC) taskCapture(i int) {
	if i < 0 || i >= r.numCC {
		r.log.Warn("TASKS_CAPTURE[%d] beyond this instance's %d channels", i, r.numCC)
		return
	}
	r.cc[i] = r.counter()
	r.rearm()
}

// rearm recomputes, for overflow and every CC[i], the absolute scheduler
// time of the next match, per spec.md §4.2's CC time prediction
// recurrence, and arms the scheduler slot for the earliest of them.
// Ties at the same microsecond all fire together in onDeadline.
func (r *RTC) rearm() {
	if !r.running || !r.lfReady {
		return
	}
	period := r.tickPeriodQ9()
	nowQ9 := r.nowQ9()

	next := func(ticks int64) int64 {
		t := r.counterStartQ9 + ticks*period
		for t <= nowQ9 {
			t += (1 << 24) * period
		}
		return t
	}

	overflowAt := next(1 << 24)
	earliest := overflowAt

	var ccAt [4]int64
	for i := 0; i < r.numCC; i++ {
		ccAt[i] = next(int64(r.cc[i]))
		if ccAt[i] < earliest {
			earliest = ccAt[i]
		}
	}

	r.pendingOverflow = overflowAt == earliest
	for i := 0; i < r.numCC; i++ {
		r.pendingCompare[i] = ccAt[i] == earliest
	}

	// ceil(sub_us / 512): round up so no event is signalled early.
	deadlineUs := (earliest + 511) >> 9
	r.sch.Schedule(r.slot, scheduler.Time(deadlineUs))
}

func (r *RTC) onDeadline(now scheduler.Time) {
	r.mu.Lock()

	overflowed := r.pendingOverflow
	var matched []int
	for i := 0; i < r.numCC; i++ {
		if r.pendingCompare[i] {
			matched = append(matched, i)
		}
	}

	if overflowed {
		r.eventsOvrflw = 1
	}
	for _, i := range matched {
		r.eventsCompare[i] = 1
	}

	clearNow := false
	for _, i := range matched {
		if r.shorts&(1<<uint(i)) != 0 {
			clearNow = true
		}
	}

	r.evaluateIRQ()
	r.mu.Unlock()

	if overflowed && r.evtenset&(1<<1) != 0 {
		r.publish(r.ovrflwEvent)
	}
	for _, i := range matched {
		if r.evtenset&(1<<uint(16+i)) != 0 {
			r.publish(r.compareEvent[i])
		}
	}

	r.mu.Lock()
	if clearNow {
		r.log.Warn("COMPARE->CLEAR shortcut fired, counter cleared one tick later than real hardware would")
		r.counterStartQ9 = r.nowQ9()
	}
	r.rearm()
	r.mu.Unlock()
}

func (r *RTC) evaluateIRQ() {
	level := false
	if r.eventsTick != 0 && r.intenset&(1<<0) != 0 {
		level = true
	}
	if r.eventsOvrflw != 0 && r.intenset&(1<<1) != 0 {
		level = true
	}
	for i := 0; i < r.numCC; i++ {
		if r.eventsCompare[i] != 0 && r.intenset&(1<<uint(16+i)) != 0 {
			level = true
		}
	}
	r.irqV.Evaluate(r.vec, level)
}

// Reset restores the register block to datasheet defaults and clears
// pending events/interrupts (spec.md §7).
func (r *RTC) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	r.sch.Cancel(r.slot)
	r.prescaler = 0
	r.cc = [4]uint32{}
	r.shorts = 0
	r.intenset = 0
	r.evtenset = 0
	r.eventsTick = 0
	r.eventsOvrflw = 0
	r.eventsCompare = [4]uint32{}
	r.evaluateIRQ()
}
