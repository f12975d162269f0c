package scheduler_test

import (
	"testing"

	"nrfhw/scheduler"
)

func TestStepOrdersTiesByRegistrationPriority(t *testing.T) {
	s := scheduler.New()
	var order []string

	s.Register(1, "first", func(now scheduler.Time) { order = append(order, "first") })
	s.Register(2, "second", func(now scheduler.Time) { order = append(order, "second") })
	s.Register(3, "third", func(now scheduler.Time) { order = append(order, "third") })

	s.Schedule(3, 100)
	s.Schedule(1, 100)
	s.Schedule(2, 100)

	if !s.Step() {
		t.Fatalf("expected a pending event")
	}
	if s.Now() != 100 {
		t.Fatalf("now = %d, want 100", s.Now())
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancelDisarmsSlot(t *testing.T) {
	s := scheduler.New()
	fired := false
	s.Register(1, "x", func(now scheduler.Time) { fired = true })
	s.Schedule(1, 50)
	s.Cancel(1)

	if s.NextEventTime() != scheduler.Never {
		t.Fatalf("NextEventTime = %v, want Never after cancel", s.NextEventTime())
	}
	if s.Step() {
		t.Fatalf("Step should report no pending event after cancel")
	}
	if fired {
		t.Fatalf("cancelled slot must not fire")
	}
}

func TestRescheduleDuringCallbackIsPickedUpNextStep(t *testing.T) {
	s := scheduler.New()
	count := 0
	s.Register(1, "periodic", func(now scheduler.Time) {
		count++
		if count < 3 {
			s.Schedule(1, now+10)
		} else {
			s.Cancel(1)
		}
	})
	s.Schedule(1, 10)

	for s.Step() {
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if s.Now() != 30 {
		t.Fatalf("now = %d, want 30", s.Now())
	}
}

func TestRunUntilStopsAtDeadline(t *testing.T) {
	s := scheduler.New()
	fires := 0
	s.Register(1, "tick", func(now scheduler.Time) {
		fires++
		s.Schedule(1, now+1)
	})
	s.Schedule(1, 1)
	final := s.RunUntil(5)
	if final != 5 {
		t.Fatalf("final now = %d, want 5", final)
	}
	if fires != 5 {
		t.Fatalf("fires = %d, want 5", fires)
	}
}
