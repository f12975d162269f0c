package devices

import (
	"crypto/aes"
	"fmt"
	"sync"

	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/memimg"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// AAR register offsets (spec.md §4.4).
const (
	aarTasksStart = 0x000
	aarTasksStop  = 0x004

	aarEventsEnd         = 0x100
	aarEventsResolved    = 0x104
	aarEventsNotResolved = 0x108

	aarIntenset = 0x300
	aarIntenclr = 0x304

	aarStatus  = 0x400
	aarEnable  = 0x500
	aarNIRK    = 0x504
	aarIRKPtr  = 0x508
	aarAddrPtr = 0x50C

	aarSubscribeStart = 0x680 // SUBSCRIBE_START (DPPI mode only)
)

const aarEnableResolution = 3

// aarUsPerIteration is the per-candidate-key cost: one AES-128 evaluation
// per iteration (spec.md §4.4: "An END event fires after 1 + 6*iterations
// us").
const aarUsPerIteration = 6

// AAR implements the resolvable-private-address resolver (spec.md §4.4):
// scans an IRK table against a received private address, one AES-128
// evaluation per candidate key, and reports a match (or exhaustion) via a
// one-shot scheduler slot so the scan takes simulated time instead of
// resolving instantaneously like CCM.
type AAR struct {
	mu sync.Mutex

	log  *simlog.Logger
	sch  *scheduler.Scheduler
	slot scheduler.SlotID
	irqV *irq.Aggregator
	vec  int
	pubs []Publisher
	img  *memimg.Image

	enable  uint32
	nirk    uint32
	irkPtr  uint32
	addrPtr uint32

	intenset uint32

	eventsEnd         uint32
	eventsResolved    uint32
	eventsNotResolved uint32
	status            uint32

	running      bool
	pendingMatch int // index of the IRK that matched, or -1

	endEvent         fabric.EventID
	resolvedEvent    fabric.EventID
	notResolvedEvent fabric.EventID

	dppi *DPPIHooks
}

// AttachDPPIHooks wires this AAR's DPPI-mode SUBSCRIBE_START register
// (spec.md §8 scenario S5) to the shared DPPI fabric and registers
// TASKS_START's implementation under taskID so the fabric can invoke it.
func (a *AAR) AttachDPPIHooks(h *DPPIHooks, reg *fabric.Registry, taskID fabric.TaskID) {
	reg.RegisterTask(taskID, a.TaskStart)
	h.BindSubscribe(aarSubscribeStart, taskID)
	a.dppi = h
}

// NewAAR creates an AAR instance backed by sch for its one-shot scan
// timer and img for IRKPTR/ADDRPTR dereferencing.
func NewAAR(name string, img *memimg.Image, sch *scheduler.Scheduler, slot scheduler.SlotID, irqV *irq.Aggregator, vec int, pubs ...Publisher) *AAR {
	a := &AAR{
		log:  simlog.New(name),
		sch:  sch,
		slot: slot,
		irqV: irqV,
		vec:  vec,
		pubs: pubs,
		img:  img,
	}
	sch.Register(slot, name, a.onScanDone)
	return a
}

// BindEventIDs installs the abstract EventIDs routed through the fabric.
func (a *AAR) BindEventIDs(end, resolved, notResolved fabric.EventID) {
	a.endEvent = end
	a.resolvedEvent = resolved
	a.notResolvedEvent = notResolved
}

func (a *AAR) publish(ev fabric.EventID) {
	if ev == 0 {
		return
	}
	for _, p := range a.pubs {
		p.Publish(ev)
	}
}

func (a *AAR) HandleWrite(offset uint32, value uint32) error {
	a.mu.Lock()
	switch offset {
	case aarTasksStart:
		a.mu.Unlock()
		a.taskStart()
		return nil
	case aarTasksStop:
		a.mu.Unlock()
		a.taskStop()
		return nil
	case aarEventsEnd:
		a.eventsEnd = value
	case aarEventsResolved:
		a.eventsResolved = value
	case aarEventsNotResolved:
		a.eventsNotResolved = value
	case aarIntenset:
		a.intenset |= value
	case aarIntenclr:
		a.intenset &^= value
	case aarEnable:
		a.enable = value
	case aarNIRK:
		a.nirk = value
	case aarIRKPtr:
		a.irkPtr = value
	case aarAddrPtr:
		a.addrPtr = value
	default:
		if a.dppi != nil && a.dppi.HandleWrite(offset, value) {
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		return fmt.Errorf("AAR: unhandled write at offset 0x%03x", offset)
	}
	a.evaluateIRQLocked()
	a.mu.Unlock()
	return nil
}

func (a *AAR) HandleRead(offset uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch offset {
	case aarEventsEnd:
		return a.eventsEnd, nil
	case aarEventsResolved:
		return a.eventsResolved, nil
	case aarEventsNotResolved:
		return a.eventsNotResolved, nil
	case aarIntenset, aarIntenclr:
		return a.intenset, nil
	case aarStatus:
		return a.status, nil
	case aarEnable:
		return a.enable, nil
	case aarNIRK:
		return a.nirk, nil
	case aarIRKPtr:
		return a.irkPtr, nil
	case aarAddrPtr:
		return a.addrPtr, nil
	default:
		if a.dppi != nil {
			if v, ok := a.dppi.HandleRead(offset); ok {
				return v, nil
			}
		}
		return 0, fmt.Errorf("AAR: unhandled read at offset 0x%03x", offset)
	}
}

func (a *AAR) evaluateIRQLocked() {
	level := (a.eventsEnd != 0 && a.intenset&(1<<0) != 0) ||
		(a.eventsResolved != 0 && a.intenset&(1<<1) != 0) ||
		(a.eventsNotResolved != 0 && a.intenset&(1<<2) != 0)
	a.irqV.Evaluate(a.vec, level)
}

// TaskStart and TaskStop are exported wrappers so fabric-routed tasks
// (e.g. spec.md §8 scenario S5's AAR.TASKS_START subscribed to a DPPI
// channel) can trigger the same behavior as a direct register write.
func (a *AAR) TaskStart() { a.taskStart() }
func (a *AAR) TaskStop()  { a.taskStop() }

func (a *AAR) taskStart() {
	a.mu.Lock()
	if a.enable != aarEnableResolution {
		a.log.Warn("TASKS_START with ENABLE=%d, resolver requires ENABLE=3", a.enable)
		a.mu.Unlock()
		return
	}
	if a.running {
		a.log.Warn("TASKS_START while a scan is already in progress, ignoring")
		a.mu.Unlock()
		return
	}
	a.running = true
	nirk := a.nirk
	irkPtr := a.irkPtr
	addrPtr := a.addrPtr
	img := a.img
	a.mu.Unlock()

	addr := img.At(addrPtr).Offset(3).ReadBytes(6)
	prand := addr[0:3]
	hash := addr[3:6]

	resolvable := prand[0]&0xC0 == 0x40
	var matchIdx = -1
	var iterations uint32

	if !resolvable {
		iterations = nirk
	} else {
		for i := uint32(0); i < nirk; i++ {
			a.mu.Lock()
			if !a.running {
				a.mu.Unlock()
				return // TASK_STOP fired mid-scan
			}
			a.mu.Unlock()

			key := img.At(irkPtr).Offset(i * 16).ReadBytes(16)
			iterations = i + 1
			if ahMatches(key, prand, hash) {
				matchIdx = int(i)
				break
			}
		}
	}

	deadline := a.sch.Now() + scheduler.Time(1+aarUsPerIteration*int64(iterations))
	a.mu.Lock()
	a.pendingMatch = matchIdx
	a.mu.Unlock()
	a.sch.Schedule(a.slot, deadline)
}

func (a *AAR) taskStop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()
	a.sch.Cancel(a.slot)

	a.mu.Lock()
	a.eventsEnd = 1
	a.evaluateIRQLocked()
	a.mu.Unlock()
	a.publish(a.endEvent)
}

func (a *AAR) onScanDone(now scheduler.Time) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	match := a.pendingMatch
	a.eventsEnd = 1
	if match >= 0 {
		a.status = uint32(match)
	}
	a.evaluateIRQLocked()
	a.mu.Unlock()

	a.publish(a.endEvent)
	if match >= 0 {
		a.mu.Lock()
		a.eventsResolved = 1
		a.evaluateIRQLocked()
		a.mu.Unlock()
		a.publish(a.resolvedEvent)
	} else {
		a.mu.Lock()
		a.eventsNotResolved = 1
		a.evaluateIRQLocked()
		a.mu.Unlock()
		a.publish(a.notResolvedEvent)
	}
}

// ahMatches implements the ah() resolvable-private-address predicate:
// AES-128(IRK, 13 zero bytes || prand) truncated to its low 3 bytes must
// equal hash.
func ahMatches(irk, prand, hash []byte) bool {
	block, err := aes.NewCipher(irk)
	if err != nil {
		return false
	}
	var in, out [16]byte
	copy(in[13:], prand)
	block.Encrypt(out[:], in[:])
	return out[13] == hash[0] && out[14] == hash[1] && out[15] == hash[2]
}

// Reset restores the register block to defaults.
func (a *AAR) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.sch.Cancel(a.slot)
	a.enable = 0
	a.eventsEnd = 0
	a.eventsResolved = 0
	a.eventsNotResolved = 0
	a.status = 0
	a.evaluateIRQLocked()
}
