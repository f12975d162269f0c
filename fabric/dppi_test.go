package fabric_test

import (
	"testing"

	"nrfhw/fabric"
)

func TestDPPIRoutesPublishToSubscribedTask(t *testing.T) {
	reg := fabric.NewRegistry()
	fired := false
	reg.RegisterTask(1, func() { fired = true })

	d := fabric.NewDPPI(reg)
	d.SetPublish(1, 4|1<<31)
	d.SetSubscribe(1, 4|1<<31)

	d.Publish(1)
	if !fired {
		t.Fatalf("expected subscribed task to fire")
	}
}

func TestDPPIPublishDisabledDoesNotRoute(t *testing.T) {
	reg := fabric.NewRegistry()
	fired := false
	reg.RegisterTask(1, func() { fired = true })

	d := fabric.NewDPPI(reg)
	d.SetPublish(1, 4) // enable bit clear
	d.SetSubscribe(1, 4|1<<31)

	d.Publish(1)
	if fired {
		t.Fatalf("disabled PUBLISH register must not route")
	}
}

// TestDPPIGroupDisableSuppressesFanOut is spec.md §8 scenario S5:
// RADIO.EVENTS_END publishes channel 4, AAR.TASKS_START subscribes channel
// 4; disabling a CHG group containing channel 4 must suppress the route
// even though both the PUBLISH and SUBSCRIBE enable bits are still set.
func TestDPPIGroupDisableSuppressesFanOut(t *testing.T) {
	reg := fabric.NewRegistry()
	fired := false
	reg.RegisterTask(1, func() { fired = true })

	d := fabric.NewDPPI(reg)
	d.SetPublish(1, 4|1<<31)
	d.SetSubscribe(1, 4|1<<31)
	d.SetCHG(0, 1<<4)

	d.DisableGroup(0)
	d.Publish(1)
	if fired {
		t.Fatalf("group-disabled channel must not route")
	}

	d.EnableGroup(0)
	d.Publish(1)
	if !fired {
		t.Fatalf("expected route to resume after group re-enable")
	}
}

func TestDPPIResubscribeMovesChannel(t *testing.T) {
	reg := fabric.NewRegistry()
	var fired int
	reg.RegisterTask(1, func() { fired++ })

	d := fabric.NewDPPI(reg)
	d.SetPublish(1, 4|1<<31)
	d.SetPublish(2, 7|1<<31)
	d.SetSubscribe(1, 4|1<<31)

	d.Publish(1)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after initial subscribe", fired)
	}

	d.SetSubscribe(1, 7|1<<31) // move task 1 to channel 7
	d.Publish(1)               // channel 4 has no subscribers now
	if fired != 1 {
		t.Fatalf("fired = %d, want still 1 after channel moved away", fired)
	}
	d.Publish(2)
	if fired != 2 {
		t.Fatalf("fired = %d, want 2 after publish on new channel", fired)
	}
}
