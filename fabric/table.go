package fabric

// AddressTable resolves an MMIO register address to the abstract EventID/
// TaskID the fabric routes on. PPI's CH[i].EEP/TEP/FORK_TEP registers hold
// raw addresses that must be resolved this way; DPPI's SUBSCRIBE_*/
// PUBLISH_* registers carry the channel number directly and never consult
// this table. Keyed by the folded (peripheralBase+offset) address rather
// than a linear scan over the full address space, per spec.md §9's design
// note.
type AddressTable struct {
	events map[uint32]EventID
	tasks  map[uint32]TaskID
}

// NewAddressTable creates an empty table.
func NewAddressTable() *AddressTable {
	return &AddressTable{
		events: make(map[uint32]EventID),
		tasks:  make(map[uint32]TaskID),
	}
}

// BindEvent associates an EVENTS_* register address with an EventID. Called
// once per peripheral at simulator construction time.
func (t *AddressTable) BindEvent(base, offset uint32, id EventID) {
	t.events[base+offset] = id
}

// BindTask associates a TASKS_* register address with a TaskID.
func (t *AddressTable) BindTask(base, offset uint32, id TaskID) {
	t.tasks[base+offset] = id
}

// ResolveEvent looks up the EventID bound to a raw device address (as
// stored verbatim in a CH[i].EEP/FORK_TEP register). ok is false for an
// address the table has never seen — spec.md §4.5: "Unknown addresses
// produce a warning and the slot resolves to no-op."
func (t *AddressTable) ResolveEvent(addr uint32) (EventID, bool) {
	id, ok := t.events[addr]
	return id, ok
}

// ResolveTask looks up the TaskID bound to a raw device address.
func (t *AddressTable) ResolveTask(addr uint32) (TaskID, bool) {
	id, ok := t.tasks[addr]
	return id, ok
}
