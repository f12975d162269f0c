package devices_test

import (
	"testing"

	"nrfhw/devices"
	"nrfhw/fabric"
	"nrfhw/irq"
	"nrfhw/scheduler"
)

type recordingPublisher struct {
	events []fabric.EventID
}

func (p *recordingPublisher) Publish(ev fabric.EventID) {
	p.events = append(p.events, ev)
}

func newTestRTC(t *testing.T) (*devices.RTC, *scheduler.Scheduler, *recordingPublisher) {
	t.Helper()
	sch := scheduler.New()
	pub := &recordingPublisher{}
	agg := irq.New(&noopSink{})
	r := devices.NewRTC("RTC0", 4, sch, 1, agg, 11, pub)
	r.BindEventIDs(1, 2, [4]fabric.EventID{10, 11, 12, 13})
	r.NotifyLFStarted() // these tests exercise compare/shorts logic, not clock gating
	return r, sch, pub
}

type noopSink struct{}

func (noopSink) RaiseLine(int) {}
func (noopSink) LowerLine(int) {}

// TestRTCCompareMatchFiresAtExpectedTime is spec.md §8 scenario S3:
// PRESCALER=0, CC[0]=32, START -> EVENTS_COMPARE[0] at now + 32*LF_PERIOD
// (~976.56us).
func TestRTCCompareMatchFiresAtExpectedTime(t *testing.T) {
	r, sch, pub := newTestRTC(t)

	mustWrite(t, r, 0x540, 32) // CC[0]
	mustWrite(t, r, 0x000, 1)  // TASKS_START
	mustWrite(t, r, 0x340, 1<<16) // EVTENSET: COMPARE[0]

	sch.RunUntil(2000)

	if len(pub.events) != 1 || pub.events[0] != 10 {
		t.Fatalf("published events = %v, want [10]", pub.events)
	}
	if sch.Now() < 976 || sch.Now() > 977 {
		t.Fatalf("compare fired at t=%d, want ~976us", sch.Now())
	}
}

// TestRTCCompareClearShortRestartsPeriod exercises
// SHORTS.COMPARE0_CLEAR: the counter resets to 0 at the match and the
// next COMPARE[0] fires one period later.
func TestRTCCompareClearShortRestartsPeriod(t *testing.T) {
	r, sch, pub := newTestRTC(t)

	mustWrite(t, r, 0x540, 32)     // CC[0]
	mustWrite(t, r, 0x200, 1)      // SHORTS: COMPARE0_CLEAR
	mustWrite(t, r, 0x340, 1<<16)  // EVTENSET: COMPARE[0]
	mustWrite(t, r, 0x000, 1)      // TASKS_START

	sch.RunUntil(3000)

	// CC=32 ticks is 977us; with the CLEAR short the matches land at
	// 977, 1954 and 2931us, all before 3000.
	if len(pub.events) != 3 {
		t.Fatalf("published events = %v, want 3 compare matches", pub.events)
	}
	gap := sch.Now() // not exactly meaningful here; just ensure 3 matches happened
	_ = gap
}

// TestRTCTaskStopCancelsPendingMatch verifies a stopped RTC never fires.
func TestRTCTaskStopCancelsPendingMatch(t *testing.T) {
	r, sch, pub := newTestRTC(t)

	mustWrite(t, r, 0x540, 32)
	mustWrite(t, r, 0x340, 1<<16)
	mustWrite(t, r, 0x000, 1) // START
	mustWrite(t, r, 0x004, 1) // STOP

	sch.RunUntil(5000)
	if len(pub.events) != 0 {
		t.Fatalf("published events = %v, want none after STOP", pub.events)
	}
}

func mustWrite(t *testing.T, r *devices.RTC, offset uint32, value uint32) {
	t.Helper()
	if err := r.HandleWrite(offset, value); err != nil {
		t.Fatalf("HandleWrite(0x%x, 0x%x): %v", offset, value, err)
	}
}
