package fabric_test

import (
	"testing"

	"nrfhw/fabric"
)

func TestPPIRoutesEnabledChannel(t *testing.T) {
	table := fabric.NewAddressTable()
	reg := fabric.NewRegistry()
	table.BindEvent(0x1000, 0x100, fabric.EventID(1))
	table.BindTask(0x2000, 0x100, fabric.TaskID(1))

	fired := false
	reg.RegisterTask(1, func() { fired = true })

	p := fabric.NewPPI(table, reg)
	p.SetEEP(0, 0x1100)
	p.SetTEP(0, 0x2100)
	p.SetCHENSET(1 << 0)

	p.Publish(1)
	if !fired {
		t.Fatalf("expected task to fire through enabled channel")
	}
}

func TestPPIChannelDisabledDoesNotRoute(t *testing.T) {
	table := fabric.NewAddressTable()
	reg := fabric.NewRegistry()
	table.BindEvent(0x1000, 0x100, fabric.EventID(1))
	table.BindTask(0x2000, 0x100, fabric.TaskID(1))

	fired := false
	reg.RegisterTask(1, func() { fired = true })

	p := fabric.NewPPI(table, reg)
	p.SetEEP(0, 0x1100)
	p.SetTEP(0, 0x2100)
	// CHEN left clear.

	p.Publish(1)
	if fired {
		t.Fatalf("channel must not route while disabled")
	}
}

func TestPPIFixedChannelRejectsReprogramming(t *testing.T) {
	table := fabric.NewAddressTable()
	reg := fabric.NewRegistry()
	fired := false
	reg.RegisterTask(1, func() { fired = true })

	p := fabric.NewPPI(table, reg)
	p.FixChannel(20, fabric.EventID(5), fabric.TaskID(1), 0)
	p.SetEEP(20, 0xdeadbeef) // should be ignored
	p.SetCHENSET(1 << 20)

	p.Publish(5)
	if !fired {
		t.Fatalf("fixed channel mapping must survive an attempted reprogram")
	}
}

func TestPPIGroupEnableSetsCHEN(t *testing.T) {
	table := fabric.NewAddressTable()
	reg := fabric.NewRegistry()
	p := fabric.NewPPI(table, reg)

	p.SetCHG(0, 1<<3|1<<5)
	p.EnableGroup(0)
	if p.CHEN()&(1<<3) == 0 || p.CHEN()&(1<<5) == 0 {
		t.Fatalf("CHEN = %032b, want bits 3 and 5 set", p.CHEN())
	}
	p.DisableGroup(0)
	if p.CHEN()&(1<<3|1<<5) != 0 {
		t.Fatalf("CHEN = %032b, want bits 3 and 5 cleared", p.CHEN())
	}
}

func TestPPIForkRoutesAlongsidePrimaryTask(t *testing.T) {
	table := fabric.NewAddressTable()
	reg := fabric.NewRegistry()
	table.BindEvent(0x1000, 0, fabric.EventID(1))
	table.BindTask(0x2000, 0, fabric.TaskID(1))
	table.BindTask(0x3000, 0, fabric.TaskID(2))

	var order []int
	reg.RegisterTask(1, func() { order = append(order, 1) })
	reg.RegisterTask(2, func() { order = append(order, 2) })

	p := fabric.NewPPI(table, reg)
	p.SetEEP(0, 0x1000)
	p.SetTEP(0, 0x2000)
	p.SetForkTEP(0, 0x3000)
	p.SetCHENSET(1)

	p.Publish(1)
	if len(order) != 2 {
		t.Fatalf("order = %v, want both primary and fork task to fire", order)
	}
}
