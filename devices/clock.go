package devices

import (
	"fmt"
	"sync"

	"nrfhw/fabric"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// Clock register offsets. Out of scope's register-block boilerplate
// (spec.md §1) except for the LF/HF request state machine: CLOCK's only
// non-trivial duty in this simulator is producing one real "first tick"
// ramp delay rather than firing LFCLKSTARTED immediately, since RTC's
// period bookkeeping is meaningless before the LF clock has actually
// started.
const (
	clockTasksLFClkStart = 0x000
	clockTasksLFClkStop  = 0x004
	clockTasksHFClkStart = 0x008
	clockTasksHFClkStop  = 0x00C

	clockEventsLFClkStarted = 0x104
	clockEventsHFClkStarted = 0x108

	clockIntenset = 0x304
	clockIntenclr = 0x308

	clockLFClkStat = 0x418
	clockHFClkStat = 0x40C
)

// lfClkRampUs/hfClkRampUs are the simulated startup delays for the LFXO
// and HFXO oscillators. The real datasheet values run into the hundreds
// of microseconds to milliseconds; these are simulation-friendly
// approximations, not bit-exact to any part number.
const (
	lfClkRampUs = 100
	hfClkRampUs = 40
)

type clockSource int

const (
	clockSourceNone clockSource = iota
	clockSourceRC
	clockSourceXtal
)

// Clock models NRF_CLOCK's LF/HF request and ramp-up state machine
// (spec.md §1's explicit exception to "stub-only"). The RTC registers a
// callback here so its counter only begins advancing once the LF clock
// has actually started, instead of ticking from power-on.
type Clock struct {
	mu sync.Mutex

	log  *simlog.Logger
	sch  *scheduler.Scheduler
	lfSlot, hfSlot scheduler.SlotID
	pubs []Publisher

	lfRunning, hfRunning bool
	intenset             uint32
	eventsLFStarted      uint32
	eventsHFStarted      uint32

	lfStartedEvent fabric.EventID
	hfStartedEvent fabric.EventID

	onLFStarted func()
}

// NewClock creates a Clock using two scheduler slots (one per oscillator
// ramp timer).
func NewClock(name string, sch *scheduler.Scheduler, lfSlot, hfSlot scheduler.SlotID, pubs ...Publisher) *Clock {
	c := &Clock{
		log:    simlog.New(name),
		sch:    sch,
		lfSlot: lfSlot,
		hfSlot: hfSlot,
		pubs:   pubs,
	}
	sch.Register(lfSlot, name+".LF", c.onLFReady)
	sch.Register(hfSlot, name+".HF", c.onHFReady)
	return c
}

// BindEventIDs installs the abstract EventIDs for LFCLKSTARTED/HFCLKSTARTED.
func (c *Clock) BindEventIDs(lfStarted, hfStarted fabric.EventID) {
	c.lfStartedEvent = lfStarted
	c.hfStartedEvent = hfStarted
}

// OnLFStarted registers a callback fired the instant the LF clock
// completes its ramp-up; RTC uses this to gate its first tick.
func (c *Clock) OnLFStarted(fn func()) {
	c.onLFStarted = fn
}

func (c *Clock) publish(ev fabric.EventID) {
	if ev == 0 {
		return
	}
	for _, p := range c.pubs {
		p.Publish(ev)
	}
}

func (c *Clock) HandleWrite(offset uint32, value uint32) error {
	c.mu.Lock()
	switch offset {
	case clockTasksLFClkStart:
		if c.lfRunning {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		c.sch.Schedule(c.lfSlot, c.sch.Now()+lfClkRampUs)
		return nil
	case clockTasksLFClkStop:
		c.lfRunning = false
		c.eventsLFStarted = 0
		c.mu.Unlock()
		c.sch.Cancel(c.lfSlot)
		return nil
	case clockTasksHFClkStart:
		if c.hfRunning {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		c.sch.Schedule(c.hfSlot, c.sch.Now()+hfClkRampUs)
		return nil
	case clockTasksHFClkStop:
		c.hfRunning = false
		c.eventsHFStarted = 0
		c.mu.Unlock()
		c.sch.Cancel(c.hfSlot)
		return nil
	case clockEventsLFClkStarted:
		c.eventsLFStarted = value
	case clockEventsHFClkStarted:
		c.eventsHFStarted = value
	case clockIntenset:
		c.intenset |= value
	case clockIntenclr:
		c.intenset &^= value
	default:
		c.mu.Unlock()
		return fmt.Errorf("CLOCK: unhandled write at offset 0x%03x", offset)
	}
	c.mu.Unlock()
	return nil
}

func (c *Clock) HandleRead(offset uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch offset {
	case clockEventsLFClkStarted:
		return c.eventsLFStarted, nil
	case clockEventsHFClkStarted:
		return c.eventsHFStarted, nil
	case clockIntenset, clockIntenclr:
		return c.intenset, nil
	case clockLFClkStat:
		if c.lfRunning {
			return uint32(clockSourceXtal)<<16 | 1, nil
		}
		return 0, nil
	case clockHFClkStat:
		if c.hfRunning {
			return uint32(clockSourceXtal)<<16 | 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("CLOCK: unhandled read at offset 0x%03x", offset)
	}
}

func (c *Clock) onLFReady(now scheduler.Time) {
	c.mu.Lock()
	c.lfRunning = true
	c.eventsLFStarted = 1
	cb := c.onLFStarted
	c.mu.Unlock()
	c.publish(c.lfStartedEvent)
	if cb != nil {
		cb()
	}
}

func (c *Clock) onHFReady(now scheduler.Time) {
	c.mu.Lock()
	c.hfRunning = true
	c.eventsHFStarted = 1
	c.mu.Unlock()
	c.publish(c.hfStartedEvent)
}

// Reset restores the register block to defaults.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sch.Cancel(c.lfSlot)
	c.sch.Cancel(c.hfSlot)
	c.lfRunning = false
	c.hfRunning = false
	c.eventsLFStarted = 0
	c.eventsHFStarted = 0
	c.intenset = 0
}
