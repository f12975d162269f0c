package fabric

import (
	"fmt"
	"log"
)

// PPI's own MMIO register layout: TASKS_CHG[i].EN/DIS, CHEN/CHENSET/
// CHENCLR, CH[i].EEP/TEP, FORK[i].TEP, CHG[i]. Offsets are a simulator
// convention (spec.md §9 notes the real datasheet layout is bit-exact but
// not itself part of this retrieval pack) rather than lifted from a
// specific part number's header.
const (
	ppiTasksChgEn0  = 0x000 // TASKS_CHG[i].EN  = 0x000 + 8*i
	ppiTasksChgDis0 = 0x004 // TASKS_CHG[i].DIS = 0x004 + 8*i

	ppiChen    = 0x500
	ppiChenSet = 0x504
	ppiChenClr = 0x508

	ppiCh0Eep = 0x510 // CH[i].EEP = 0x510 + 8*i, CH[i].TEP = 0x514 + 8*i
	ppiChg0   = 0x800 // CHG[i]    = 0x800 + 4*i
	ppiFork0  = 0x910 // FORK[i].TEP = 0x910 + 4*i
)

// HandleWrite implements bus.MMIODevice for PPI's own register block.
func (p *PPI) HandleWrite(offset uint32, value uint32) error {
	switch {
	case offset < 8*numCHG && offset%8 == ppiTasksChgEn0:
		p.EnableGroup(int(offset / 8))
	case offset < 8*numCHG && offset%8 == ppiTasksChgDis0:
		p.DisableGroup(int(offset / 8))
	case offset == ppiChen:
		p.SetCHEN(value)
	case offset == ppiChenSet:
		p.SetCHENSET(value)
	case offset == ppiChenClr:
		p.SetCHENCLR(value)
	case offset >= ppiCh0Eep && offset < ppiCh0Eep+8*numPPIChannels:
		rel := offset - ppiCh0Eep
		ch := int(rel / 8)
		if rel%8 == 0 {
			p.SetEEP(ch, value)
		} else {
			p.SetTEP(ch, value)
		}
	case offset >= ppiFork0 && offset < ppiFork0+4*numPPIChannels:
		p.SetForkTEP(int((offset-ppiFork0)/4), value)
	case offset >= ppiChg0 && offset < ppiChg0+4*uint32(len(p.chg)):
		p.SetCHG(int((offset-ppiChg0)/4), value)
	default:
		return fmt.Errorf("PPI: unhandled write at offset 0x%03x", offset)
	}
	return nil
}

// HandleRead implements bus.MMIODevice for PPI's own register block.
func (p *PPI) HandleRead(offset uint32) (uint32, error) {
	switch {
	case offset == ppiChen, offset == ppiChenSet, offset == ppiChenClr:
		return p.CHEN(), nil
	case offset >= ppiCh0Eep && offset < ppiCh0Eep+8*numPPIChannels:
		rel := offset - ppiCh0Eep
		ch := int(rel / 8)
		if rel%8 == 0 {
			return p.eep[ch], nil
		}
		return p.tep[ch], nil
	case offset >= ppiFork0 && offset < ppiFork0+4*numPPIChannels:
		return p.forkTep[int((offset-ppiFork0)/4)], nil
	case offset >= ppiChg0 && offset < ppiChg0+4*uint32(len(p.chg)):
		return p.chg[int((offset-ppiChg0)/4)], nil
	default:
		return 0, fmt.Errorf("PPI: unhandled read at offset 0x%03x", offset)
	}
}

// numPPIChannels matches the referenced SoC: 20 programmable channels
// (0-19), each with its own EEP/TEP/FORK_TEP, and 12
// fixed-function channels (20-31) whose EEP/TEP/FORK_TEP are wired at
// construction time and rejected on write.
const numPPIChannels = 32

// firstFixedChannel is the first of the 12 fixed-function channels
// (20-31) that user code cannot reprogram, e.g.
// RADIO.EVENTS_END <-> TIMER0.TASKS_CAPTURE[2].
const firstFixedChannel = 20

// PPI implements the fixed-slot PPI event-routing fabric (spec.md §4.5):
// 32 channels, each with a programmable EEP/TEP/FORK_TEP address triplet
// resolved through an AddressTable, gated by a single 32-bit CHEN enable
// mask. Channel groups (CHG) are a convenience for toggling several CHEN
// bits atomically; unlike DPPI they do not gate routing independently of
// CHEN.
type PPI struct {
	table *AddressTable
	disp  dispatcher

	chen uint32

	eep     [numPPIChannels]uint32
	tep     [numPPIChannels]uint32
	forkTep [numPPIChannels]uint32

	eepEvent     [numPPIChannels]EventID
	tepTask      [numPPIChannels]TaskID
	forkTepTask  [numPPIChannels]TaskID
	channelsMask [256]uint32 // channelsMask[eventID] -> bitmap of channels whose EEP resolved to that event

	chg [6]uint32 // CHG[i]: bitmap of member channels
}

// NewPPI creates a PPI fabric backed by table for address resolution and r
// for task dispatch.
func NewPPI(table *AddressTable, r *Registry) *PPI {
	return &PPI{table: table, disp: newDispatcher(r)}
}

// FixChannel wires one of the 20-31 fixed-function channels at
// construction time, bypassing the EEP/TEP address-register path entirely
// since the referenced SoC never exposes these as programmable.
func (p *PPI) FixChannel(ch int, ev EventID, tep TaskID, forkTep TaskID) {
	if ch < firstFixedChannel || ch >= numPPIChannels {
		panic("fabric: FixChannel out of fixed-function range")
	}
	p.eepEvent[ch] = ev
	p.tepTask[ch] = tep
	p.forkTepTask[ch] = forkTep
	p.channelsMask[ev] |= 1 << uint(ch)
}

// SetCHEN writes the CHEN register.
func (p *PPI) SetCHEN(mask uint32) { p.chen = mask }

// CHEN reads the CHEN register.
func (p *PPI) CHEN() uint32 { return p.chen }

// SetCHENSET ORs bits into CHEN (CHENSET write semantics).
func (p *PPI) SetCHENSET(mask uint32) { p.chen |= mask }

// SetCHENCLR clears bits from CHEN (CHENCLR write semantics).
func (p *PPI) SetCHENCLR(mask uint32) { p.chen &^= mask }

// SetEEP programs channel ch's event endpoint. Fixed-function channels
// (20-31) reject the write with a warning, matching real silicon.
func (p *PPI) SetEEP(ch int, addr uint32) {
	if p.rejectFixed(ch, "EEP") {
		return
	}
	p.eep[ch] = addr
	p.rebuildChannel(ch)
}

// SetTEP programs channel ch's primary task endpoint.
func (p *PPI) SetTEP(ch int, addr uint32) {
	if p.rejectFixed(ch, "TEP") {
		return
	}
	p.tep[ch] = addr
	p.rebuildChannel(ch)
}

// SetForkTEP programs channel ch's fork task endpoint.
func (p *PPI) SetForkTEP(ch int, addr uint32) {
	if p.rejectFixed(ch, "FORK_TEP") {
		return
	}
	p.forkTep[ch] = addr
	p.rebuildChannel(ch)
}

func (p *PPI) rejectFixed(ch int, reg string) bool {
	if ch >= firstFixedChannel && ch < numPPIChannels {
		log.Printf("fabric: warning: PPI CH[%d].%s is fixed-function, write ignored", ch, reg)
		return true
	}
	if ch < 0 || ch >= numPPIChannels {
		log.Printf("fabric: warning: PPI channel %d out of range", ch)
		return true
	}
	return false
}

// rebuildChannel re-resolves ch's EEP/TEP/FORK_TEP through the address
// table, clearing the old mask bit from every event before installing the
// new one, per spec.md §4.5's "channel programming side effects".
func (p *PPI) rebuildChannel(ch int) {
	old := p.eepEvent[ch]
	p.channelsMask[old] &^= 1 << uint(ch)
	p.eepEvent[ch] = 0
	p.tepTask[ch] = 0
	p.forkTepTask[ch] = 0

	if ev, ok := p.table.ResolveEvent(p.eep[ch]); ok {
		p.eepEvent[ch] = ev
		p.channelsMask[ev] |= 1 << uint(ch)
	} else if p.eep[ch] != 0 {
		log.Printf("fabric: warning: PPI CH[%d].EEP 0x%08x does not resolve to a known event", ch, p.eep[ch])
	}
	if task, ok := p.table.ResolveTask(p.tep[ch]); ok {
		p.tepTask[ch] = task
	} else if p.tep[ch] != 0 {
		log.Printf("fabric: warning: PPI CH[%d].TEP 0x%08x does not resolve to a known task", ch, p.tep[ch])
	}
	if task, ok := p.table.ResolveTask(p.forkTep[ch]); ok {
		p.forkTepTask[ch] = task
	} else if p.forkTep[ch] != 0 {
		log.Printf("fabric: warning: PPI CH[%d].FORK_TEP 0x%08x does not resolve to a known task", ch, p.forkTep[ch])
	}
}

// SetCHG programs the channel-membership bitmap for group i.
func (p *PPI) SetCHG(i int, mask uint32) {
	if i < 0 || i >= len(p.chg) {
		return
	}
	p.chg[i] = mask
}

// EnableGroup implements TASKS_CHG[i].EN: sets CHEN for every member
// channel of group i.
func (p *PPI) EnableGroup(i int) {
	if i < 0 || i >= len(p.chg) {
		return
	}
	p.chen |= p.chg[i]
}

// DisableGroup implements TASKS_CHG[i].DIS: clears CHEN for every member
// channel of group i.
func (p *PPI) DisableGroup(i int) {
	if i < 0 || i >= len(p.chg) {
		return
	}
	p.chen &^= p.chg[i]
}

// Publish routes event ev (spec.md §4.5's dispatch algorithm): every
// enabled channel whose EEP resolved to ev queues its TEP and FORK_TEP,
// deduped and drained breadth-first so re-published events recurse safely.
func (p *PPI) Publish(ev EventID) {
	bits := p.channelsMask[ev] & p.chen
	if bits == 0 {
		return
	}
	var ids []TaskID
	for ch := 0; ch < numPPIChannels; ch++ {
		if bits&(1<<uint(ch)) == 0 {
			continue
		}
		if t := p.tepTask[ch]; t != 0 {
			ids = append(ids, t)
		}
		if t := p.forkTepTask[ch]; t != 0 {
			ids = append(ids, t)
		}
	}
	p.disp.enqueue(ids...)
}
