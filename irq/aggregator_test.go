package irq_test

import (
	"testing"

	"nrfhw/irq"
)

type recordingSink struct {
	raised  []int
	lowered []int
}

func (s *recordingSink) RaiseLine(v int) { s.raised = append(s.raised, v) }
func (s *recordingSink) LowerLine(v int) { s.lowered = append(s.lowered, v) }

func TestEvaluateOnlyFiresOnTransition(t *testing.T) {
	sink := &recordingSink{}
	a := irq.New(sink)

	a.Evaluate(1, true)
	a.Evaluate(1, true) // no transition, must not re-raise
	a.Evaluate(1, false)
	a.Evaluate(1, false) // no transition, must not re-lower

	if len(sink.raised) != 1 || sink.raised[0] != 1 {
		t.Fatalf("raised = %v, want [1]", sink.raised)
	}
	if len(sink.lowered) != 1 || sink.lowered[0] != 1 {
		t.Fatalf("lowered = %v, want [1]", sink.lowered)
	}
}

func TestIndependentVectors(t *testing.T) {
	sink := &recordingSink{}
	a := irq.New(sink)

	a.Evaluate(1, true)
	a.Evaluate(2, true)

	if !a.Level(1) || !a.Level(2) {
		t.Fatalf("expected both vectors raised")
	}
	if len(sink.raised) != 2 {
		t.Fatalf("raised = %v, want 2 entries", sink.raised)
	}
}
