package devices

import "nrfhw/fabric"

// DPPIHooks lets one peripheral's own PUBLISH_*/SUBSCRIBE_* MMIO registers
// forward into a shared fabric.DPPI without every device hand-rolling the
// `{channel | ENABLE_BIT}` encoding at each call site (spec.md §4.5: "In
// DPPI mode each event has its own PUBLISH_* register... each task has a
// SUBSCRIBE_* register with the same encoding"). A device holds one of
// these only when the simulator is configured in DPPI mode; in PPI mode
// devices publish through the `pubs []Publisher` list exactly as before
// and this type is unused.
//
// Only the registers actually exercised by this module's worked scenarios
// (spec.md §8 S5: RADIO.EVENTS_END -> AAR.TASKS_START) are wired through
// this helper; see DESIGN.md for the set of peripherals it is attached to.
type DPPIHooks struct {
	d *fabric.DPPI

	publishAt  map[uint32]fabric.EventID
	publishRaw map[uint32]uint32

	subscribeAt  map[uint32]fabric.TaskID
	subscribeRaw map[uint32]uint32
}

// NewDPPIHooks creates a hooks helper bound to the shared DPPI fabric d.
func NewDPPIHooks(d *fabric.DPPI) *DPPIHooks {
	return &DPPIHooks{
		d:            d,
		publishAt:    make(map[uint32]fabric.EventID),
		publishRaw:   make(map[uint32]uint32),
		subscribeAt:  make(map[uint32]fabric.TaskID),
		subscribeRaw: make(map[uint32]uint32),
	}
}

// BindPublish associates a PUBLISH_* register offset with the EventID it
// configures. Call once per register at simulator construction time.
func (h *DPPIHooks) BindPublish(offset uint32, ev fabric.EventID) {
	h.publishAt[offset] = ev
}

// BindSubscribe associates a SUBSCRIBE_* register offset with the TaskID
// it configures.
func (h *DPPIHooks) BindSubscribe(offset uint32, t fabric.TaskID) {
	h.subscribeAt[offset] = t
}

// HandleWrite intercepts a write to offset if it is a bound PUBLISH_*/
// SUBSCRIBE_* register, forwarding to the DPPI fabric. handled reports
// whether offset was one of the bound registers.
func (h *DPPIHooks) HandleWrite(offset, value uint32) (handled bool) {
	if ev, ok := h.publishAt[offset]; ok {
		h.publishRaw[offset] = value
		h.d.SetPublish(ev, value)
		return true
	}
	if t, ok := h.subscribeAt[offset]; ok {
		h.subscribeRaw[offset] = value
		h.d.SetSubscribe(t, value)
		return true
	}
	return false
}

// HandleRead returns the last-written raw value for a bound PUBLISH_*/
// SUBSCRIBE_* register.
func (h *DPPIHooks) HandleRead(offset uint32) (value uint32, handled bool) {
	if _, ok := h.publishAt[offset]; ok {
		return h.publishRaw[offset], true
	}
	if _, ok := h.subscribeAt[offset]; ok {
		return h.subscribeRaw[offset], true
	}
	return 0, false
}
