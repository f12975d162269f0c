package devices

import (
	"fmt"
	"sync"

	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/memimg"
	"nrfhw/phy"
	"nrfhw/scheduler"
	"nrfhw/simlog"
)

// Radio register offsets (spec.md §6: bit-exact to the target SoC
// datasheet; the subset this module actually drives is listed here).
const (
	radioTasksTxEn     = 0x000
	radioTasksRxEn     = 0x004
	radioTasksStart    = 0x008
	radioTasksStop     = 0x00C
	radioTasksDisable  = 0x010
	radioTasksEDStart  = 0x014
	radioTasksRSSIStart = 0x02C
	radioTasksRSSIStop  = 0x030
	radioTasksBCStart   = 0x024
	radioTasksBCStop    = 0x028
	radioTasksCCAStart = 0x018
	radioTasksCCAStop  = 0x01C
	radioTasksEDStop   = 0x038

	radioEventsReady      = 0x100
	radioEventsAddress    = 0x104
	radioEventsPayload    = 0x108
	radioEventsEnd        = 0x10C
	radioEventsDisabled   = 0x110
	radioEventsDevMatch   = 0x114
	radioEventsDevMiss    = 0x118
	radioEventsRSSIEnd    = 0x11C
	radioEventsBCMatch    = 0x128
	radioEventsCRCOk      = 0x130
	radioEventsCRCError   = 0x134
	radioEventsFrameStart = 0x138
	radioEventsEDEnd      = 0x13C
	radioEventsEDStopped  = 0x140
	radioEventsCCAIdle    = 0x144
	radioEventsCCABusy    = 0x148
	radioEventsCCAStopped = 0x14C
	radioEventsRateBoost  = 0x150
	radioEventsTxReady    = 0x154
	radioEventsRxReady    = 0x158
	radioEventsSync       = 0x15C
	radioEventsPhyEnd     = 0x160

	radioShorts   = 0x200
	radioIntenset = 0x304
	radioIntenclr = 0x308

	radioPublishEnd = 0x68C // PUBLISH_END (DPPI mode only)

	radioState      = 0x550
	radioPacketPtr  = 0x504
	radioFrequency  = 0x508
	radioMode       = 0x510
	radioPcnf0      = 0x514
	radioPcnf1      = 0x518
	radioDACNF      = 0x530
	radioCrcCnf     = 0x534
	radioCrcPoly    = 0x538
	radioCrcInit    = 0x53C
	radioTxPower    = 0x52C
	radioRSSISample = 0x548
	radioBCC        = 0x560

	radioDAB0 = 0x600 // DAB[0..7], stride 4
	radioDAP0 = 0x620 // DAP[0..7], stride 4
	radioDAI  = 0x640

	radioCCACtrl = 0x66C
	radioPDUStat = 0x67C
)

const numDeviceAddrSlots = 8

const (
	radioShortReadyStart       = 1 << 0
	radioShortEndDisable       = 1 << 1
	radioShortDisabledTxEn     = 1 << 2
	radioShortDisabledRxEn     = 1 << 3
	radioShortAddressRSSIStart = 1 << 4
	radioShortEndStart         = 1 << 5
	radioShortAddressBCStart   = 1 << 6
)

// CCACTRL.CCAMODE values (spec.md §4.1's "CCA / ED"): which of
// carrier-sense and energy-detect gate CCABUSY, and whether the scan
// stops as soon as that condition is met.
const (
	ccaModeEnergyDetect        = 0
	ccaModeCarrier             = 1
	ccaModeCarrierAndEnergy    = 2
	ccaModeCarrierOrEnergy     = 3
	ccaModeEnergyDetectTest    = 4
)

type radioState8 int

const (
	stDisabled radioState8 = iota
	stTxRu
	stTxIdle
	stTx
	stTxDisable
	stRxRu
	stRxIdle
	stRx
	stRxDisable
	stCCAED
)

// rampUpDurationUs is the ramp-up time for both Tx and Rx (spec.md §8
// scenario S1: "TXRU for 130 us").
const rampUpDurationUs = 130

// syncDelayUs is the fixed gap between START and the Phy beginning to
// send bits (spec.md §8 scenario S1: "START -> ADDRESS at
// TXRU+130+1+40us", i.e. 1us sync delay before the 40us address segment).
const syncDelayUs = 1

// tifsUs is the mandated BLE inter-frame-space (GLOSSARY: "TIFS"): the gap
// the automatic-turnaround machinery (spec.md §4.1) targets between one
// packet's END and the next packet's first Phy bit.
const tifsUs = 150

// codedFEC1DurationUs is the fixed duration of a BLE5 CodedPhy FEC1
// segment (access address + CI + TERM1 encoded at S=8), coarse
// packet-level timing only (spec.md §1 Non-goals excludes bit-level
// Viterbi modelling of the FEC itself).
const codedFEC1DurationUs = 80

// MODE register values for the CodedPhy rates this module drives; 1Mbit
// and 2Mbit uncoded share the existing bitsPerUs switch.
const (
	radioModeLR125K = 3 // S=8 FEC2 throughout
	radioModeLR500K = 4 // S=2 FEC2 throughout
)

// codedSymbolsPerBit returns the FEC2 symbol-per-bit rate (S) implied by
// a CodingIndicator/CIBit value, per the BLE5 CodedPhy air interface.
func codedSymbolsPerBit(ci uint8) int64 {
	if ci == 1 {
		return 2
	}
	return 8
}

type radioPhase int

const (
	phaseNone radioPhase = iota
	phaseAddress
	phaseFEC1
	phasePayload
	phaseEnd
)

// Radio implements the BLE/802.15.4 transceiver (spec.md §4.1): the
// ramp-up/disable machine, Tx and Rx through an external Phy (including
// coarse packet-level CodedPhy and the repeating abort-reevaluation
// handshake, grounded on original_source/HW_models/NRF_RADIO.c's
// handle_Rx_response), CCA/ED, device-address matching, RSSI sampling and
// the BCC/BCMATCH bit counter (grounded on
// NRF_RADIO_bitcounter.c — modelled as logic inside this same module
// since the original treats it as one more timer belonging to the RADIO
// peripheral, not a separate block), and the SHORTS subset needed for
// automatic TIFS-style chaining.
//
// Grounded on the teacher's NE2000Device (devices/ne2000.go): an
// interrupt-raising peripheral driven by an external transport
// (hostNetInterface there, phy.Conn here) with an async "what arrived"
// callback shape.
type Radio struct {
	mu sync.Mutex

	name      string
	log       *simlog.Logger
	sch       *scheduler.Scheduler
	slot      scheduler.SlotID
	tifsSlot  scheduler.SlotID
	abortSlot scheduler.SlotID
	bcSlot    scheduler.SlotID
	irqV      *irq.Aggregator
	vec       int
	pubs      []Publisher
	img       *memimg.Image
	conn      phy.Conn
	ccm       *CCM // optional: Rx CRC result is forwarded here if non-nil

	state   radioState8
	phase   radioPhase
	aborted bool

	shorts   uint32
	intenset uint32

	events [0x164 / 4]uint32 // indexed by offset/4 for the simple event registers

	packetPtr uint32
	frequency uint32
	mode      uint32
	pcnf0     uint32
	pcnf1     uint32
	crcCnf    uint32

	ccaCtrl    uint32
	dacnf      uint32
	dab        [numDeviceAddrSlots]uint32
	dap        [numDeviceAddrSlots]uint32
	dai        uint32
	bcc        uint32
	rssiSample uint32
	edSample   uint32
	pduStat    uint32

	bcArmed   bool
	rssiArmed bool

	lastCRCOk bool

	// phaseHPUs/phaseCRCUs carry the header+payload and CRC on-air
	// durations for the activity currently in flight (Tx or Rx) from
	// beginTx/beginRx through to onPhaseDeadline's later calls.
	phaseHPUs, phaseCRCUs int64

	// activityIsTx/activityCoded/activityCI describe the activity the
	// phase timer is currently advancing, so the shared ADDRESS/PAYLOAD/
	// END chain and the abort-reevaluation handshake know which kind of
	// exchange with the Phy is in flight.
	activityIsTx   bool
	activityCoded  bool
	activityCI     uint8
	abortReevalIsTx bool

	// pendingRx stashes the final RxResponse from beginRx's blocking
	// ReqRxV2 call until the phase chain reaches phasePayload/phaseEnd,
	// where the packet bytes are copied into img and DAP/DAB, RSSI and
	// CRC are evaluated (spec.md §4.1's "Interaction with the Phy (Rx)").
	pendingRx *phy.RxResponse

	// lastWasTx records whether the activity that just reached DISABLED
	// was a Tx or an Rx, so fireDisabled/doDisable know which of
	// DISABLED->TXEN / DISABLED->RXEN to consider (spec.md §4.1).
	lastWasTx bool

	evID map[uint32]fabric.EventID
	dppi *DPPIHooks
}

// AttachDPPIHooks wires this Radio's DPPI-mode PUBLISH_* registers
// (currently just PUBLISH_END, spec.md §8 scenario S5) into the shared
// DPPI fabric. In PPI mode this is never called and events route purely
// through the pubs list instead.
func (r *Radio) AttachDPPIHooks(h *DPPIHooks, endEvent fabric.EventID) {
	h.BindPublish(radioPublishEnd, endEvent)
	r.dppi = h
}

// NewRadio creates a Radio driven by sch for its phase timer and conn for
// Phy exchanges. tifsSlot is a dedicated scheduler slot used only for the
// automatic TIFS re-enable timer; abortSlot is a dedicated slot for the
// repeating abort-reevaluation recheck (spec.md §4.1); bcSlot is a
// dedicated slot for the BCC/BCMATCH bit counter, which the hardware
// models as its own independently-reprogrammable timer decoupled from
// the main Tx/Rx phase chain (NRF_RADIO_bitcounter.c). All three must
// register after slot so they never win a tie against RADIO's own phase
// timer (scheduler.SlotID's doc comment).
func NewRadio(name string, img *memimg.Image, conn phy.Conn, sch *scheduler.Scheduler, slot, tifsSlot, abortSlot, bcSlot scheduler.SlotID, irqV *irq.Aggregator, vec int, pubs ...Publisher) *Radio {
	r := &Radio{
		name:      name,
		log:       simlog.New(name),
		sch:       sch,
		slot:      slot,
		tifsSlot:  tifsSlot,
		abortSlot: abortSlot,
		bcSlot:    bcSlot,
		irqV:      irqV,
		vec:       vec,
		pubs:      pubs,
		img:       img,
		conn:      conn,
		evID:      make(map[uint32]fabric.EventID),
	}
	sch.Register(slot, name, r.onPhaseDeadline)
	sch.Register(tifsSlot, name+"-tifs", r.onTIFSDeadline)
	sch.Register(abortSlot, name+"-abortreeval", r.onAbortReevalDeadline)
	sch.Register(bcSlot, name+"-bitcounter", r.onBCDeadline)
	return r
}

// onTIFSDeadline fires the delayed re-enable armed by doDisable's TIFS
// path: it triggers the same task a DISABLED->{TXEN,RXEN} shortcut would,
// just later, so the ramp-up it kicks off lands the next packet's first
// bit exactly TIFS microseconds after the previous packet's END.
func (r *Radio) onTIFSDeadline(now scheduler.Time) {
	r.mu.Lock()
	wasTx := r.lastWasTx
	r.mu.Unlock()
	if wasTx {
		r.taskTxEn()
	} else {
		r.taskRxEn()
	}
}

// onAbortReevalDeadline fires the recheck the Phy asked for via a
// previous ProvideTxAbort/ProvideRxAbort reply's RecheckAt (spec.md
// §4.1's repeating abort-reevaluation handshake, grounded on
// NRF_RADIO.c's handle_Rx_response / nrfra_set_Timer_abort_reeval): it
// re-asserts the abort at the current time and, if the Phy still can't
// honour it immediately, reschedules itself at the new RecheckAt.
func (r *Radio) onAbortReevalDeadline(now scheduler.Time) {
	r.mu.Lock()
	isTx := r.abortReevalIsTx
	r.mu.Unlock()
	r.requestAbort(isTx, phy.Time(now))
}

// onBCDeadline fires EVENTS_BCMATCH. Per NRF_RADIO_bitcounter.c the timer
// is left "running" afterwards (not disarmed): only TASKS_BCSTOP clears
// bcArmed, so a later BCC rewrite while running can retrigger it.
func (r *Radio) onBCDeadline(now scheduler.Time) {
	r.raiseAndPublish(radioEventsBCMatch)
}

// BindEventID installs the abstract EventID used to route the event at
// the given EVENTS_* offset through the fabric.
func (r *Radio) BindEventID(offset uint32, id fabric.EventID) {
	r.evID[offset] = id
}

// AttachCCM wires the CCM block whose radio_received_packet hook fires
// when an Rx completes (spec.md §4.3's Rx path).
func (r *Radio) AttachCCM(ccm *CCM) { r.ccm = ccm }

func (r *Radio) publish(offset uint32) {
	id := r.evID[offset]
	if id == 0 {
		return
	}
	for _, p := range r.pubs {
		p.Publish(id)
	}
}

func (r *Radio) setEvent(offset uint32) {
	r.events[offset/4] = 1
	r.evaluateIRQLocked()
}

func (r *Radio) evaluateIRQLocked() {
	level := false
	for idx, v := range r.events {
		offset := uint32(idx) * 4
		if offset < 0x100 || v == 0 {
			continue
		}
		bit := (offset - 0x100) / 4
		if r.intenset&(1<<bit) != 0 {
			level = true
		}
	}
	r.irqV.Evaluate(r.vec, level)
}

func (r *Radio) HandleWrite(offset uint32, value uint32) error {
	r.mu.Lock()
	switch offset {
	case radioTasksTxEn:
		r.mu.Unlock()
		r.taskTxEn()
		return nil
	case radioTasksRxEn:
		r.mu.Unlock()
		r.taskRxEn()
		return nil
	case radioTasksStart:
		r.mu.Unlock()
		r.taskStart()
		return nil
	case radioTasksStop:
		r.mu.Unlock()
		r.taskStop()
		return nil
	case radioTasksDisable:
		r.mu.Unlock()
		r.taskDisable()
		return nil
	case radioTasksCCAStart:
		r.mu.Unlock()
		r.taskCCAStart()
		return nil
	case radioTasksCCAStop:
		r.mu.Unlock()
		r.taskCCAStop()
		return nil
	case radioTasksEDStart:
		r.mu.Unlock()
		r.taskEDStart()
		return nil
	case radioTasksEDStop:
		r.mu.Unlock()
		r.taskEDStop()
		return nil
	case radioTasksRSSIStart:
		r.rssiArmed = true
	case radioTasksRSSIStop:
		r.rssiArmed = false
	case radioTasksBCStart:
		r.mu.Unlock()
		r.taskBCStart()
		return nil
	case radioTasksBCStop:
		r.mu.Unlock()
		r.taskBCStop()
		return nil
	case radioShorts:
		r.shorts = value
	case radioIntenset:
		r.intenset |= value
		r.evaluateIRQLocked()
	case radioIntenclr:
		r.intenset &^= value
		r.evaluateIRQLocked()
	case radioPacketPtr:
		r.packetPtr = value
	case radioFrequency:
		r.frequency = value
	case radioMode:
		r.mode = value
	case radioPcnf0:
		r.pcnf0 = value
	case radioPcnf1:
		r.pcnf1 = value
	case radioDACNF:
		r.dacnf = value
	case radioCrcCnf:
		r.crcCnf = value
	case radioCCACtrl:
		r.ccaCtrl = value
	case radioBCC:
		r.bcc = value
		if r.bcArmed {
			r.rearmBCLocked()
		}
	default:
		if offset >= radioDAB0 && offset < radioDAB0+numDeviceAddrSlots*4 {
			r.dab[(offset-radioDAB0)/4] = value
			r.mu.Unlock()
			return nil
		}
		if offset >= radioDAP0 && offset < radioDAP0+numDeviceAddrSlots*4 {
			r.dap[(offset-radioDAP0)/4] = value
			r.mu.Unlock()
			return nil
		}
		if offset >= 0x100 && offset < 0x164 {
			r.events[offset/4] = value
			r.evaluateIRQLocked()
			r.mu.Unlock()
			return nil
		}
		if r.dppi != nil {
			if r.dppi.HandleWrite(offset, value) {
				r.mu.Unlock()
				return nil
			}
		}
		r.mu.Unlock()
		return fmt.Errorf("%s: unhandled write at offset 0x%03x", r.name, offset)
	}
	r.mu.Unlock()
	return nil
}

func (r *Radio) HandleRead(offset uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch offset {
	case radioShorts:
		return r.shorts, nil
	case radioIntenset, radioIntenclr:
		return r.intenset, nil
	case radioState:
		return uint32(r.state), nil
	case radioPacketPtr:
		return r.packetPtr, nil
	case radioFrequency:
		return r.frequency, nil
	case radioMode:
		return r.mode, nil
	case radioPcnf0:
		return r.pcnf0, nil
	case radioPcnf1:
		return r.pcnf1, nil
	case radioDACNF:
		return r.dacnf, nil
	case radioCrcCnf:
		return r.crcCnf, nil
	case radioCCACtrl:
		return r.ccaCtrl, nil
	case radioDAI:
		return r.dai, nil
	case radioRSSISample:
		return r.rssiSample, nil
	case radioBCC:
		return r.bcc, nil
	case radioPDUStat:
		return r.pduStat, nil
	default:
		if offset >= radioDAB0 && offset < radioDAB0+numDeviceAddrSlots*4 {
			return r.dab[(offset-radioDAB0)/4], nil
		}
		if offset >= radioDAP0 && offset < radioDAP0+numDeviceAddrSlots*4 {
			return r.dap[(offset-radioDAP0)/4], nil
		}
		if offset >= 0x100 && offset < 0x164 {
			return r.events[offset/4], nil
		}
		if r.dppi != nil {
			if v, ok := r.dppi.HandleRead(offset); ok {
				return v, nil
			}
		}
		return 0, fmt.Errorf("%s: unhandled read at offset 0x%03x", r.name, offset)
	}
}

// bitsPerUs returns the PHY bit rate for the configured MODE (1 for
// 1Mbit BLE, matching spec.md §8 scenario S1). CodedPhy's two rates are
// always modulated at the same 1Mbit GFSK symbol rate; the FEC2
// symbol-per-bit stretch is applied separately by codedSymbolsPerBit.
func (r *Radio) bitsPerUs() float64 {
	switch r.mode {
	case 1:
		return 1 // 1Mbit
	case 2:
		return 2 // 2Mbit
	default:
		return 1
	}
}

// isCodedPhy reports whether MODE selects one of the BLE5 CodedPhy
// rates (spec.md §1 Non-goals excludes only bit-level Viterbi modelling
// of the FEC, implying this coarse packet-level behaviour is in scope).
func (r *Radio) isCodedPhy() bool {
	return r.mode == radioModeLR125K || r.mode == radioModeLR500K
}

// packetLayout reports the byte lengths this module needs to compute
// on-air timings: preamble+address ("sync") bytes, header+payload
// bytes, and CRC bytes, derived from PCNF0/PCNF1/CRCCNF and the packet
// buffer itself (spec.md §8 scenario S1's worked example). It is used by
// beginTx, which already knows its own payload length up front.
func (r *Radio) packetLayout() (syncBytes, headerPayloadBytes, crcBytes int, payloadLen int) {
	balen := int((r.pcnf1>>16)&0x7) + 1 // BALEN: base address length in bytes (+1 for prefix)
	preamble := 1
	syncBytes = preamble + balen

	header := 2 // S0(1)+LEN(1), S1 folded in per spec's HEADERMASK handling elsewhere
	p := r.img.At(r.packetPtr)
	payloadLen = int(p.Offset(1).ReadByte())
	headerPayloadBytes = header + payloadLen

	crcBytes = int(r.crcCnf & 0x3)
	return
}

// syncBytes reports just the preamble+address length, the portion of
// packetLayout that beginRx can compute before the Phy has told it the
// received LEN.
func (r *Radio) syncBytes() int {
	balen := int((r.pcnf1>>16)&0x7) + 1
	return 1 + balen
}

// maxLen reports PCNF1.MAXLEN, the largest LEN this module will accept
// before truncating and setting PDUSTAT (spec.md §4.1's Rx path).
func (r *Radio) maxLen() int {
	return int(r.pcnf1 & 0xFF)
}

// TaskTxEn, TaskRxEn, TaskStart, TaskStop, TaskDisable, TaskCCAStart,
// TaskCCAStop, TaskEDStart, TaskEDStop, TaskRSSIStart, TaskRSSIStop,
// TaskBCStart and TaskBCStop are exported wrappers over the unexported
// task handlers so PPI/DPPI fabric routing (which lives outside this
// package) can trigger them exactly as a direct TASKS_* register write
// would.
func (r *Radio) TaskTxEn()      { r.taskTxEn() }
func (r *Radio) TaskRxEn()      { r.taskRxEn() }
func (r *Radio) TaskStart()     { r.taskStart() }
func (r *Radio) TaskStop()      { r.taskStop() }
func (r *Radio) TaskDisable()   { r.taskDisable() }
func (r *Radio) TaskCCAStart()  { r.taskCCAStart() }
func (r *Radio) TaskCCAStop()   { r.taskCCAStop() }
func (r *Radio) TaskEDStart()   { r.taskEDStart() }
func (r *Radio) TaskEDStop()    { r.taskEDStop() }
func (r *Radio) TaskRSSIStart() { r.mu.Lock(); r.rssiArmed = true; r.mu.Unlock() }
func (r *Radio) TaskRSSIStop()  { r.mu.Lock(); r.rssiArmed = false; r.mu.Unlock() }
func (r *Radio) TaskBCStart()   { r.taskBCStart() }
func (r *Radio) TaskBCStop()    { r.taskBCStop() }

func (r *Radio) taskTxEn() {
	r.mu.Lock()
	if r.state != stDisabled {
		r.log.Warn("TASKS_TXEN in state %d, ignoring", r.state)
		r.mu.Unlock()
		return
	}
	r.state = stTxRu
	r.mu.Unlock()
	r.sch.Schedule(r.slot, r.sch.Now()+rampUpDurationUs)
	r.phase = phaseNone
}

func (r *Radio) taskRxEn() {
	r.mu.Lock()
	if r.state != stDisabled {
		r.log.Warn("TASKS_RXEN in state %d, ignoring", r.state)
		r.mu.Unlock()
		return
	}
	r.state = stRxRu
	r.mu.Unlock()
	r.sch.Schedule(r.slot, r.sch.Now()+rampUpDurationUs)
}

func (r *Radio) taskStart() {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case stTxIdle:
		r.beginTx()
	case stRxIdle:
		r.beginRx()
	default:
		r.log.Warn("TASKS_START in state %d, ignoring", state)
	}
}

func (r *Radio) taskStop() {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state != stTx && state != stRx {
		r.log.Warn("TASKS_STOP outside an active Tx/Rx, ignoring")
		return
	}
	r.abortCurrent()
}

func (r *Radio) taskDisable() { r.doDisable(false) }

// doDisable is TASKS_DISABLE's handler. fromEnd is true only when this
// disable is the END->DISABLE shortcut firing from finishActivity: in
// that case the just-finished Tx/Rx exchange with the Phy already
// concluded normally, so no abort is issued.
//
// When fromEnd is true AND the matching DISABLED->{TXEN,RXEN} shortcut is
// also configured, this is the automatic TIFS turnaround (spec.md §4.1):
// the direct hardware shortcut is suppressed in favour of a delayed
// re-enable computed from END time itself (not from whenever the
// rampdown timer would later fire DISABLED), and the ramp-down delay is
// skipped: EVENTS_DISABLED is raised at END time and the state goes
// straight to DISABLED, so the chain into a new ramp-up carries no
// disable duration of its own.
func (r *Radio) doDisable(fromEnd bool) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	switch state {
	case stDisabled:
		r.log.Warn("TASKS_DISABLE while already disabled")
		r.fireDisabled()
		return
	case stTx, stRx:
		if !fromEnd {
			r.abortCurrent()
		}
	}

	r.mu.Lock()
	wasTx := r.state == stTx || r.state == stTxDisable
	shorts := r.shorts
	now := r.sch.Now()
	r.mu.Unlock()

	if fromEnd {
		var wantAutoEn bool
		if wasTx {
			wantAutoEn = shorts&radioShortDisabledTxEn != 0
		} else {
			wantAutoEn = shorts&radioShortDisabledRxEn != 0
		}
		if wantAutoEn {
			r.mu.Lock()
			r.state = stDisabled
			r.phase = phaseNone
			r.aborted = false
			r.mu.Unlock()
			r.raiseAndPublish(radioEventsDisabled)

			reenableAt := now + tifsUs - syncDelayUs - rampUpDurationUs
			if reenableAt < now {
				reenableAt = now
			}
			r.mu.Lock()
			r.lastWasTx = wasTx
			r.mu.Unlock()
			r.sch.Schedule(r.tifsSlot, reenableAt)
			return
		}
	}

	r.mu.Lock()
	if r.state == stTx {
		r.state = stTxDisable
	} else if r.state == stRx || r.state == stRxIdle || r.state == stRxRu || r.state == stRxDisable {
		r.state = stRxDisable
	} else {
		r.state = stTxDisable
	}
	// The abort above only concerns the in-flight Tx/Rx phase timer,
	// which abortCurrent already cancelled; clear it so the rampdown
	// timer scheduled below still fires DISABLED.
	r.aborted = false
	r.mu.Unlock()
	r.sch.Schedule(r.slot, r.sch.Now()+rampUpDurationUs)
	r.phase = phaseNone
}

// taskCCAStart maps CCACTRL.CCAMODE onto the Phy's CCARequest fields
// (spec.md §4.1's "CCA / ED"): EnergyDetect-family modes arm EDThreshold,
// Carrier-family modes arm CarrierThreshold, and the carrier-based modes
// (spec: CCABUSY should latch as soon as the condition is met rather than
// running the full scan window) set StopWhenFound.
func (r *Radio) taskCCAStart() {
	r.mu.Lock()
	if r.state != stRxIdle {
		r.log.Warn("CCASTART in state %d, not RXIDLE", r.state)
		r.mu.Unlock()
		return
	}
	r.state = stCCAED
	req := r.ccaRequestLocked(false)
	r.mu.Unlock()

	resp, err := r.conn.ReqCCA(req)
	if err != nil {
		r.log.Warn("Phy CCA request failed: %v", err)
	}
	r.mu.Lock()
	r.state = stRxIdle
	r.mu.Unlock()
	if resp.Busy {
		r.raiseAndPublish(radioEventsCCABusy)
	} else {
		r.raiseAndPublish(radioEventsCCAIdle)
	}
}

func (r *Radio) taskCCAStop() {
	r.mu.Lock()
	if r.state == stCCAED {
		r.state = stRxIdle
	}
	r.mu.Unlock()
	r.raiseAndPublish(radioEventsCCAStopped)
}

// ccaRequestLocked builds the Phy CCA/ED request for the current
// CCACTRL setting. forceEDTest is used by TASKS_EDSTART, which always
// behaves like CCAMODE=EnergyDetectTest regardless of CCACTRL.CCAMODE;
// the ED threshold is still taken from CCACTRL.CCAEDTHRES.
func (r *Radio) ccaRequestLocked(forceEDTest bool) phy.CCARequest {
	mode := r.ccaCtrl & 0x7
	if forceEDTest {
		mode = ccaModeEnergyDetectTest
	}
	edThres := int32((r.ccaCtrl >> 8) & 0xFF)
	corrThres := int32((r.ccaCtrl >> 16) & 0xFF)

	req := phy.CCARequest{StartTime: phy.Time(r.sch.Now()), CCAMode: mode}
	switch mode {
	case ccaModeEnergyDetect, ccaModeEnergyDetectTest:
		req.EDThreshold = edThres
	case ccaModeCarrier:
		req.CarrierThreshold = corrThres
		req.StopWhenFound = true
	case ccaModeCarrierAndEnergy, ccaModeCarrierOrEnergy:
		req.CarrierThreshold = corrThres
		req.EDThreshold = edThres
		req.StopWhenFound = true
	}
	return req
}

// taskEDStart runs a pure energy-detect scan (TASKS_EDSTART, spec.md
// §4.1's "CCA / ED"), reusing the CCA state machine and Phy primitive
// since real silicon's ED shares RADIO's CCAMODE=EnergyDetectTest path.
func (r *Radio) taskEDStart() {
	r.mu.Lock()
	if r.state != stRxIdle {
		r.log.Warn("EDSTART in state %d, not RXIDLE", r.state)
		r.mu.Unlock()
		return
	}
	r.state = stCCAED
	req := r.ccaRequestLocked(true)
	r.mu.Unlock()

	resp, err := r.conn.ReqCCA(req)
	if err != nil {
		r.log.Warn("Phy ED request failed: %v", err)
	}
	r.mu.Lock()
	r.state = stRxIdle
	r.edSample = uint32(resp.RSSI)
	r.mu.Unlock()
	r.raiseAndPublish(radioEventsEDEnd)
}

func (r *Radio) taskEDStop() {
	r.mu.Lock()
	if r.state == stCCAED {
		r.state = stRxIdle
	}
	r.mu.Unlock()
	r.raiseAndPublish(radioEventsEDStopped)
}

// taskBCStart arms the bit counter at BCC/bits_per_us microseconds from
// now (NRF_RADIO_bitcounter.c's nrf_radio_tasks_bcstart), warning and
// ignoring the task if the counter is already running rather than
// restarting it.
func (r *Radio) taskBCStart() {
	r.mu.Lock()
	if r.bcArmed {
		r.log.Warn("BCSTART while bit counter already running, ignoring")
		r.mu.Unlock()
		return
	}
	r.bcArmed = true
	r.rearmBCLocked()
	r.mu.Unlock()
}

// taskBCStop is the only task that actually disarms the bit counter
// (NRF_RADIO_bitcounter.c: BCMATCH firing leaves bit_counter_running
// true).
func (r *Radio) taskBCStop() {
	r.mu.Lock()
	r.bcArmed = false
	r.mu.Unlock()
	r.sch.Cancel(r.bcSlot)
}

// rearmBCLocked (re)programs the bit-counter timer from the current BCC
// value, called both by TASKS_BCSTART and by a live BCC register write
// while running (NRF_RADIO_bitcounter.c's
// nrf_radio_regw_sideeffects_BCC). If the computed deadline has already
// passed, the timer is left disarmed with a warning, matching the
// original's TIME_NEVER fallback, rather than firing immediately.
func (r *Radio) rearmBCLocked() {
	now := r.sch.Now()
	deltaUs := int64(float64(r.bcc) / r.bitsPerUs())
	deadline := now + scheduler.Time(deltaUs)
	if deadline < now {
		r.log.Warn("BCC already elapsed, bit counter left disarmed")
		r.sch.Cancel(r.bcSlot)
		return
	}
	r.sch.Schedule(r.bcSlot, deadline)
}

// abortCurrent implements TASK_STOP/TASK_DISABLE's abort path: it marks
// the in-flight phase timer's callback a no-op, cancels it, and begins
// the abort-reevaluation handshake with the Phy (spec.md §4.1).
func (r *Radio) abortCurrent() {
	r.mu.Lock()
	r.aborted = true
	isTx := r.activityIsTx
	r.mu.Unlock()

	r.sch.Cancel(r.slot)
	r.requestAbort(isTx, phy.Time(r.sch.Now()))
}

// requestAbort sends (or resends) an abort reply to the Phy and arms the
// abort-reevaluation recheck timer if the Phy isn't ready to honour it
// yet (NRF_RADIO.c's handle_Rx_response: on P2G4_MSG_ABORTREEVAL the
// model arms a dedicated Timer_abort_reeval at
// max(next_recheck_time, now) and re-enters this same path when it
// fires).
func (r *Radio) requestAbort(isTx bool, at phy.Time) {
	reply := phy.AbortReply{Abort: true, Now: at}
	if isTx {
		resp, err := r.conn.ProvideTxAbort(reply)
		if err != nil {
			r.log.Warn("Phy Tx abort reply failed: %v", err)
			return
		}
		if resp.AbortReeval {
			r.mu.Lock()
			r.abortReevalIsTx = true
			r.mu.Unlock()
			r.sch.Schedule(r.abortSlot, scheduler.Time(resp.RecheckAt))
		}
		return
	}
	resp, err := r.conn.ProvideRxAbort(reply)
	if err != nil {
		r.log.Warn("Phy Rx abort reply failed: %v", err)
		return
	}
	if resp.AbortReeval {
		r.mu.Lock()
		r.abortReevalIsTx = false
		r.mu.Unlock()
		r.sch.Schedule(r.abortSlot, scheduler.Time(resp.RecheckAt))
	}
}

func (r *Radio) raiseAndPublish(offset uint32) {
	r.mu.Lock()
	r.setEvent(offset)
	r.mu.Unlock()
	r.publish(offset)
}

// maybeAutoArmAddressShorts services SHORTS.ADDRESS->RSSISTART and
// SHORTS.ADDRESS->BCSTART, fired once EVENTS_ADDRESS has been raised.
func (r *Radio) maybeAutoArmAddressShorts() {
	r.mu.Lock()
	wantRSSI := r.shorts&radioShortAddressRSSIStart != 0
	wantBC := r.shorts&radioShortAddressBCStart != 0 && !r.bcArmed
	r.mu.Unlock()
	if wantRSSI {
		r.mu.Lock()
		r.rssiArmed = true
		r.mu.Unlock()
	}
	if wantBC {
		r.taskBCStart()
	}
}

// beginTx assembles the wire packet and issues the Tx request (spec.md
// §4.1's "Interaction with the Phy (Tx)"), then arms the local phase
// timer for ADDRESS/[FEC1/]PAYLOAD/END at the pre-computed offsets. For
// CodedPhy (MODE=LR125K/LR500K) this issues a single request marked FEC1
// and carrying the CI bit (no separate FEC2 request is sent) and
// schedules a RATEBOOST event at the FEC1/FEC2 boundary when CI=1,
// coarse packet-level timing only (spec.md §1 Non-goals).
func (r *Radio) beginTx() {
	r.mu.Lock()
	r.state = stTx
	r.aborted = false
	r.activityIsTx = true
	coded := r.isCodedPhy()
	var ci uint8
	if r.mode == radioModeLR500K {
		ci = 1
	}
	syncBytesN, hpBytes, crcBytes, _ := r.packetLayout()
	bpus := r.bitsPerUs()
	now := r.sch.Now()
	r.mu.Unlock()

	syncUs := int64(float64(syncBytesN*8) / bpus)

	var hpUs, crcUs int64
	if coded {
		spb := codedSymbolsPerBit(ci)
		hpUs = int64(hpBytes*8) * spb
		crcUs = int64(crcBytes*8+3) * spb // +3: TERM2 bits
	} else {
		hpUs = int64(float64(hpBytes*8) / bpus)
		crcUs = int64(float64(crcBytes*8) / bpus)
	}

	totalLen := uint32(syncBytesN + hpBytes + crcBytes)

	req := phy.TxRequest{
		StartTime:  phy.Time(now),
		CenterFreq: r.frequency,
		PacketSize: totalLen,
		Modulation: r.mode,
	}
	if coded {
		req.CodingIndicator = ci
		req.FEC1 = true
	}
	_, err := r.conn.ReqTxV2(req)
	if err != nil {
		r.log.Fatal(int64(now), "Phy Tx request failed: %v", err)
		return
	}

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	r.phase = phaseAddress
	r.activityCoded = coded
	r.activityCI = ci
	r.phaseHPUs, r.phaseCRCUs = hpUs, crcUs
	r.mu.Unlock()
	r.sch.Schedule(r.slot, now+syncDelayUs+syncUs)
}

// beginRx issues the Rx request and blocks for the Phy's final response
// (spec.md §4.1's "Interaction with the Phy (Rx)"), then arms the same
// ADDRESS/[FEC1/]PAYLOAD/END phase chain beginTx uses, computed from the
// received LEN (truncated to PCNF1.MAXLEN). The heavy lifting — the
// MAXLEN-bounded buffer copy, DAP/DAB matching, RSSI sampling and CRC
// evaluation — happens at the phasePayload/phaseEnd steps in
// completeRxPayload/finishRx once the chain reaches them, mirroring how
// beginTx defers to onPhaseDeadline.
func (r *Radio) beginRx() {
	r.mu.Lock()
	r.state = stRx
	r.aborted = false
	r.activityIsTx = false
	coded := r.isCodedPhy()
	now := r.sch.Now()
	r.mu.Unlock()

	req := phy.RxRequest{StartTime: phy.Time(now), CenterFreq: r.frequency, Modulation: r.mode}
	if coded {
		req.CodingRate = 8
		req.FEC1 = true
	}
	resp, err := r.conn.ReqRxV2(req, func(phy.RxAddressFound) {})
	if err != nil {
		r.log.Fatal(int64(now), "Phy Rx request failed: %v", err)
		return
	}

	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}

	length := 0
	if len(resp.PacketBytes) >= 2 {
		length = int(resp.PacketBytes[1])
	}
	if ml := r.maxLen(); length > ml {
		length = ml
	}
	headerPayloadBytes := 2 + length
	crcBytes := int(r.crcCnf & 0x3)
	bpus := r.bitsPerUs()
	syncUs := int64(float64(r.syncBytes()*8) / bpus)

	ci := resp.CIBit
	var hpUs, crcUs int64
	if coded {
		spb := codedSymbolsPerBit(ci)
		hpUs = int64(headerPayloadBytes*8) * spb
		crcUs = int64(crcBytes*8+3) * spb
	} else {
		hpUs = int64(float64(headerPayloadBytes*8) / bpus)
		crcUs = int64(float64(crcBytes*8) / bpus)
	}

	respCopy := resp
	r.pendingRx = &respCopy
	r.phase = phaseAddress
	r.activityCoded = coded
	r.activityCI = ci
	r.phaseHPUs, r.phaseCRCUs = hpUs, crcUs
	r.mu.Unlock()
	r.sch.Schedule(r.slot, now+syncDelayUs+syncUs)
}

// onPhaseDeadline advances the shared Tx/Rx phase sequence: ADDRESS ->
// [FEC1 ->] PAYLOAD -> END, each scheduled relative to the previous one
// using the durations beginTx/beginRx computed up front. At PAYLOAD, an
// in-flight Rx has its packet bytes copied in and device-address match
// evaluated (completeRxPayload); at END, an in-flight Rx samples RSSI,
// evaluates CRC and hands off to CCM (finishRx) instead of the plain
// Tx END handling.
func (r *Radio) onPhaseDeadline(now scheduler.Time) {
	r.mu.Lock()
	if r.aborted {
		r.mu.Unlock()
		return
	}
	phase := r.phase
	hpUs, crcUs := r.phaseHPUs, r.phaseCRCUs
	ci := r.activityCI
	state := r.state
	r.mu.Unlock()

	switch phase {
	case phaseAddress:
		r.raiseAndPublish(radioEventsAddress)
		r.maybeAutoArmAddressShorts()
		r.mu.Lock()
		if r.activityCoded {
			r.phase = phaseFEC1
			r.mu.Unlock()
			r.sch.Schedule(r.slot, now+codedFEC1DurationUs)
			return
		}
		r.phase = phasePayload
		r.mu.Unlock()
		r.sch.Schedule(r.slot, now+scheduler.Time(hpUs))
	case phaseFEC1:
		if ci == 1 {
			r.raiseAndPublish(radioEventsRateBoost)
		}
		r.mu.Lock()
		r.phase = phasePayload
		r.mu.Unlock()
		r.sch.Schedule(r.slot, now+scheduler.Time(hpUs))
	case phasePayload:
		if state == stRx {
			r.completeRxPayload()
		}
		r.raiseAndPublish(radioEventsPayload)
		r.mu.Lock()
		r.phase = phaseEnd
		r.mu.Unlock()
		r.sch.Schedule(r.slot, now+scheduler.Time(crcUs))
	case phaseEnd:
		if state == stRx {
			r.finishRx()
			return
		}
		r.raiseAndPublish(radioEventsEnd)
		r.finishActivity()
	case phaseNone:
		r.completeRampOrRampdown()
	}
}

// completeRxPayload copies S0/LEN/S1/payload into the device buffer at
// PACKETPTR, honouring PCNF1.MAXLEN (truncating and setting PDUSTAT=1 on
// overflow), and evaluates DAP/DAB device-address matching when DACNF is
// non-zero, firing DEVMATCH/DEVMISS (spec.md §4.1's Rx path, grounded on
// original_source/HW_models/NRF_RADIO.c's nrf_radio_device_address_match
// and its MAXLEN-truncation comment near PDUSTAT).
func (r *Radio) completeRxPayload() {
	r.mu.Lock()
	resp := r.pendingRx
	ptr := r.packetPtr
	maxLen := r.maxLen()
	dacnf := r.dacnf
	r.mu.Unlock()
	if resp == nil {
		return
	}
	raw := resp.PacketBytes

	length := 0
	if len(raw) >= 2 {
		length = int(raw[1])
	}
	pduStat := uint32(0)
	if length > maxLen {
		pduStat = 1
		length = maxLen
	}
	copyLen := 2 + length
	if copyLen > len(raw) {
		copyLen = len(raw)
	}

	r.mu.Lock()
	r.pduStat = pduStat
	r.mu.Unlock()
	if copyLen > 0 {
		r.img.At(ptr).WriteBytes(raw[:copyLen])
	}

	if dacnf&0xFF == 0 {
		return
	}
	matched := false
	if len(raw) >= 8 {
		txAddBit := (raw[0] >> 6) & 1
		r.mu.Lock()
		for i := 0; i < numDeviceAddrSlots; i++ {
			if dacnf&(1<<uint(i)) == 0 {
				continue
			}
			wantTxAdd := uint8((dacnf >> uint(i+8)) & 1)
			if wantTxAdd != txAddBit {
				continue
			}
			gotDab := uint32(raw[2]) | uint32(raw[3])<<8 | uint32(raw[4])<<16 | uint32(raw[5])<<24
			gotDap := uint32(raw[6]) | uint32(raw[7])<<8
			if gotDab == r.dab[i] && gotDap == r.dap[i]&0xFFFF {
				r.dai = uint32(i)
				matched = true
				break
			}
		}
		r.mu.Unlock()
	}
	if matched {
		r.raiseAndPublish(radioEventsDevMatch)
	} else {
		r.raiseAndPublish(radioEventsDevMiss)
	}
}

// finishRx samples RSSI if armed, raises CRCOK/CRCERROR and END, hands
// the result to CCM, and returns the radio to idle/rampdown via
// finishActivity (spec.md §4.1's Rx path tail, grounded on
// NRF_RADIO.c line ~774's single RSSISAMPLE-per-reception behaviour).
func (r *Radio) finishRx() {
	r.mu.Lock()
	resp := r.pendingRx
	r.pendingRx = nil
	rssiArmed := r.rssiArmed
	r.mu.Unlock()
	if resp == nil {
		r.finishActivity()
		return
	}

	r.mu.Lock()
	r.lastCRCOk = resp.CRCOk
	if rssiArmed {
		r.rssiSample = uint32(resp.RSSI)
	}
	r.mu.Unlock()
	if rssiArmed {
		r.raiseAndPublish(radioEventsRSSIEnd)
	}

	if resp.CRCOk {
		r.raiseAndPublish(radioEventsCRCOk)
	} else {
		r.raiseAndPublish(radioEventsCRCError)
	}
	r.raiseAndPublish(radioEventsEnd)
	if r.ccm != nil {
		r.ccm.RadioReceivedPacket(!resp.CRCOk)
	}
	r.finishActivity()
}

func (r *Radio) completeRampOrRampdown() {
	r.mu.Lock()
	switch r.state {
	case stTxRu:
		r.state = stTxIdle
		r.mu.Unlock()
		r.raiseAndPublish(radioEventsTxReady)
		r.raiseAndPublish(radioEventsReady)
		r.maybeAutoStart()
		return
	case stRxRu:
		r.state = stRxIdle
		r.mu.Unlock()
		r.raiseAndPublish(radioEventsRxReady)
		r.raiseAndPublish(radioEventsReady)
		r.maybeAutoStart()
		return
	case stTxDisable, stRxDisable:
		r.lastWasTx = r.state == stTxDisable
		r.state = stDisabled
		r.mu.Unlock()
		r.fireDisabled()
		return
	}
	r.mu.Unlock()
}

func (r *Radio) maybeAutoStart() {
	r.mu.Lock()
	short := r.shorts&radioShortReadyStart != 0
	r.mu.Unlock()
	if short {
		r.taskStart()
	}
}

// fireDisabled raises EVENTS_DISABLED and, if a DISABLED->{TXEN,RXEN}
// shortcut is configured, fires it immediately. This is the plain
// hardware shortcut path; the chained automatic-TIFS case (END->DISABLE
// together with DISABLED->{TXEN,RXEN}) never reaches here — doDisable
// intercepts it and schedules the delayed re-enable itself (spec.md
// §4.1).
func (r *Radio) fireDisabled() {
	r.raiseAndPublish(radioEventsDisabled)

	r.mu.Lock()
	wasTx := r.lastWasTx
	shorts := r.shorts
	r.mu.Unlock()

	var wantAutoEn bool
	if wasTx {
		wantAutoEn = shorts&radioShortDisabledTxEn != 0
	} else {
		wantAutoEn = shorts&radioShortDisabledRxEn != 0
	}
	if !wantAutoEn {
		return
	}
	if wasTx {
		r.taskTxEn()
	} else {
		r.taskRxEn()
	}
}

// finishActivity runs END-time SHORTS (END->DISABLE, END->START) and
// returns the radio to IDLE or begins rampdown.
func (r *Radio) finishActivity() {
	r.mu.Lock()
	wasTx := r.state == stTx
	endDisable := r.shorts&radioShortEndDisable != 0
	endStart := r.shorts&radioShortEndStart != 0
	r.mu.Unlock()

	if endDisable {
		r.doDisable(true)
		return
	}
	r.mu.Lock()
	if wasTx {
		r.state = stTxIdle
	} else {
		r.state = stRxIdle
	}
	r.mu.Unlock()
	if endStart {
		r.taskStart()
	}
}

// Reset restores the register block to datasheet defaults.
func (r *Radio) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sch.Cancel(r.slot)
	r.sch.Cancel(r.tifsSlot)
	r.sch.Cancel(r.abortSlot)
	r.sch.Cancel(r.bcSlot)
	r.state = stDisabled
	r.phase = phaseNone
	r.shorts = 0
	r.intenset = 0
	r.events = [0x164 / 4]uint32{}
	r.ccaCtrl = 0
	r.dacnf = 0
	r.dab = [numDeviceAddrSlots]uint32{}
	r.dap = [numDeviceAddrSlots]uint32{}
	r.dai = 0
	r.bcc = 0
	r.rssiSample = 0
	r.edSample = 0
	r.pduStat = 0
	r.bcArmed = false
	r.rssiArmed = false
	r.pendingRx = nil
	r.evaluateIRQLocked()
}
