package devices

import (
	"fmt"
	"sync"

	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// Timer register offsets (spec.md §1/§9: out-of-scope register-block
// boilerplate except for the role TIMER0 plays as the fixed-function PPI
// partner of RADIO.EVENTS_END).
const (
	timerTasksStart = 0x000
	timerTasksStop  = 0x004
	timerTasksClear = 0x008
	timerTasksCapture0 = 0x040 // TASKS_CAPTURE[i] = 0x040 + 4*i

	timerEventsCompare0 = 0x140 // EVENTS_COMPARE[i] = 0x140 + 4*i

	timerIntenset = 0x304
	timerIntenclr = 0x308
	timerMode     = 0x504
	timerBitmode  = 0x508
	timerPrescaler = 0x510
	timerCC0      = 0x540 // CC[i] = 0x540 + 4*i
)

// Timer models a free-running microsecond counter with 4 capture/compare
// registers. It is carried only as the vehicle for the fixed PPI channel
// RADIO.EVENTS_END -> TIMER0.TASKS_CAPTURE[2] (spec.md §4.5); the Radio's
// bit counter keeps its own time and does not use it. It does not attempt the full
// datasheet TIMER feature set (one-shot vs. counter mode, 8/16/24/32-bit
// BITMODE truncation beyond storage width).
type Timer struct {
	mu sync.Mutex

	name string
	log  *simlog.Logger
	sch  *scheduler.Scheduler
	slot scheduler.SlotID
	irqV *irq.Aggregator
	vec  int
	pubs []Publisher

	running    bool
	startedAt  scheduler.Time
	prescaler  uint32
	cc         [4]uint32
	eventsCmp  [4]uint32
	intenset   uint32
	captured   [4]uint32

	compareEvent [4]fabric.EventID
}

// NewTimer creates a Timer driven by sch.
func NewTimer(name string, sch *scheduler.Scheduler, slot scheduler.SlotID, irqV *irq.Aggregator, vec int, pubs ...Publisher) *Timer {
	t := &Timer{name: name, log: simlog.New(name), sch: sch, slot: slot, irqV: irqV, vec: vec, pubs: pubs}
	sch.Register(slot, name, t.onDeadline)
	return t
}

// BindEventIDs installs the abstract EventIDs for EVENTS_COMPARE[0..3].
func (t *Timer) BindEventIDs(compare [4]fabric.EventID) {
	t.compareEvent = compare
}

// now returns the elapsed microseconds since the timer last started or
// cleared, honoring the PRESCALER divider (ticks run at 16MHz/2^PRESCALER,
// approximated here directly in microsecond units since this module's
// clock is already 1us-resolution).
func (t *Timer) now() uint32 {
	if !t.running {
		return 0
	}
	elapsed := int64(t.sch.Now() - t.startedAt)
	if t.prescaler > 0 {
		elapsed >>= t.prescaler
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return uint32(elapsed)
}

// TaskCapture latches the current counter value into CC[i] (what
// TASKS_CAPTURE[i] does); exported so the PPI fixed channel bound to
// RADIO.EVENTS_END can invoke it directly.
func (t *Timer) TaskCapture(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= 4 {
		return
	}
	t.cc[i] = t.now()
	t.captured[i] = t.cc[i]
}

func (t *Timer) publish(ev fabric.EventID) {
	if ev == 0 {
		return
	}
	for _, p := range t.pubs {
		p.Publish(ev)
	}
}

func (t *Timer) HandleWrite(offset uint32, value uint32) error {
	t.mu.Lock()
	switch {
	case offset == timerTasksStart:
		if !t.running {
			t.running = true
			t.startedAt = t.sch.Now()
			t.rearm()
		}
	case offset == timerTasksStop:
		t.running = false
		t.sch.Cancel(t.slot)
	case offset == timerTasksClear:
		t.startedAt = t.sch.Now()
		if t.running {
			t.rearm()
		}
	case offset >= timerTasksCapture0 && offset < timerTasksCapture0+16:
		i := int((offset - timerTasksCapture0) / 4)
		t.mu.Unlock()
		t.TaskCapture(i)
		return nil
	case offset >= timerEventsCompare0 && offset < timerEventsCompare0+16:
		t.eventsCmp[(offset-timerEventsCompare0)/4] = value
		t.evaluateIRQ()
	case offset == timerIntenset:
		t.intenset |= value
		t.evaluateIRQ()
	case offset == timerIntenclr:
		t.intenset &^= value
		t.evaluateIRQ()
	case offset == timerMode:
	case offset == timerBitmode:
	case offset == timerPrescaler:
		t.prescaler = value & 0xF
	case offset >= timerCC0 && offset < timerCC0+16:
		t.cc[(offset-timerCC0)/4] = value
		if t.running {
			t.rearm()
		}
	default:
		t.mu.Unlock()
		return fmt.Errorf("%s: unhandled write at offset 0x%03x", t.name, offset)
	}
	t.mu.Unlock()
	return nil
}

func (t *Timer) HandleRead(offset uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case offset >= timerEventsCompare0 && offset < timerEventsCompare0+16:
		return t.eventsCmp[(offset-timerEventsCompare0)/4], nil
	case offset == timerIntenset, offset == timerIntenclr:
		return t.intenset, nil
	case offset >= timerCC0 && offset < timerCC0+16:
		return t.cc[(offset-timerCC0)/4], nil
	default:
		return 0, fmt.Errorf("%s: unhandled read at offset 0x%03x", t.name, offset)
	}
}

// rearm schedules the earliest upcoming CC match.
func (t *Timer) rearm() {
	now := t.now()
	earliest := int64(-1)
	for i := 0; i < 4; i++ {
		if t.cc[i] > now {
			delta := int64(t.cc[i] - now)
			if earliest < 0 || delta < earliest {
				earliest = delta
			}
		}
	}
	if earliest < 0 {
		t.sch.Cancel(t.slot)
		return
	}
	t.sch.Schedule(t.slot, t.sch.Now()+scheduler.Time(earliest))
}

func (t *Timer) onDeadline(now scheduler.Time) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cur := t.now()
	var matched []int
	for i := 0; i < 4; i++ {
		if t.cc[i] == cur {
			matched = append(matched, i)
			t.eventsCmp[i] = 1
		}
	}
	t.evaluateIRQ()
	t.rearm()
	t.mu.Unlock()

	for _, i := range matched {
		t.publish(t.compareEvent[i])
	}
}

func (t *Timer) evaluateIRQ() {
	level := false
	for i := 0; i < 4; i++ {
		if t.eventsCmp[i] != 0 && t.intenset&(1<<uint(16+i)) != 0 {
			level = true
		}
	}
	t.irqV.Evaluate(t.vec, level)
}

// Reset restores the register block to datasheet defaults.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.sch.Cancel(t.slot)
	t.prescaler = 0
	t.cc = [4]uint32{}
	t.eventsCmp = [4]uint32{}
	t.intenset = 0
	t.evaluateIRQ()
}
