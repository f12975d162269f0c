// Package fabric implements the PPI/DPPI event-routing fabric (spec.md
// §4.5): fixed-slot PPI channels with EEP/TEP/FORK_TEP address registers
// plus a CHEN mask, and DPPI's PUBLISH_*/SUBSCRIBE_* per-event/per-task
// registers plus channel groups.
//
// Both variants share one dispatch core (dispatcher in this file) and one
// static address table (table.go) mapping a peripheral's MMIO offset to an
// abstract EventID/TaskID, matching spec.md §9's design note: "a
// reimplementation should build this as ... a sorted lookup keyed by
// (peripheral, offset)" rather than the original's linear scan.
package fabric

import "log"

// EventID identifies one of the closed set of events the fabric can route
// from (CLOCK, RADIO, RTC compares, TIMER compares, GPIOTE, EGU, CCM, AAR,
// ...).
type EventID int

// TaskID identifies one of the closed set of tasks the fabric can route to.
type TaskID int

// TaskFn is the side-effecting function a peripheral registers to back a
// TaskID; it is whatever TASKS_* write would normally trigger.
type TaskFn func()

// Registry maps abstract TaskIDs to the function that implements them.
// Peripherals register once at construction time; CH[i].TEP/FORK_TEP and
// DPPI SUBSCRIBE_* registers refer to tasks only by TaskID afterward.
type Registry struct {
	tasks map[TaskID]TaskFn
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[TaskID]TaskFn)}
}

// RegisterTask installs the function backing id. Registering the same id
// twice is a programming error in the simulator itself (not a firmware
// mistake) so it panics rather than warning.
func (r *Registry) RegisterTask(id TaskID, fn TaskFn) {
	if _, ok := r.tasks[id]; ok {
		panic("fabric: task registered twice")
	}
	r.tasks[id] = fn
}

// dispatcher implements the three-step dispatch algorithm of spec.md §4.5:
// collect candidate tasks for one event with per-event dedup, then drain
// the queue invoking each task once, allowing tasks to recursively publish
// further events without blowing the stack or double-firing identity
// cycles.
type dispatcher struct {
	registry *Registry
	queue    []TaskID
	queued   map[TaskID]bool
	draining bool
}

func newDispatcher(r *Registry) dispatcher {
	return dispatcher{registry: r, queued: make(map[TaskID]bool)}
}

func (d *dispatcher) enqueue(ids ...TaskID) {
	for _, id := range ids {
		if id == 0 || d.queued[id] {
			continue
		}
		d.queued[id] = true
		d.queue = append(d.queue, id)
	}
	if d.draining {
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		id := d.queue[0]
		d.queue = d.queue[1:]
		fn := d.registry.tasks[id]
		if fn == nil {
			log.Printf("fabric: warning: task %d has no registered implementation, ignoring", id)
			continue
		}
		fn()
	}
	clear(d.queued)
	d.draining = false
}
