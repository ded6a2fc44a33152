package domain

import (
	"testing"
	"time"
)

func TestMessage_AggregationKey(t *testing.T) {
	m := &Message{
		ID:          7,
		IncidentID:  3,
		PlanID:      12,
		Application: "monitor",
		Target:      "jdoe",
		Priority:    PriorityHigh,
	}

	key, ok := m.AggregationKey()
	if !ok {
		t.Fatal("plan-driven message should have an aggregation key")
	}
	want := AggregationKey{PlanID: 12, Application: "monitor", Priority: PriorityHigh, Target: "jdoe"}
	if key != want {
		t.Errorf("AggregationKey = %v, want %v", key, want)
	}
}

func TestMessage_AggregationKey_OutOfBand(t *testing.T) {
	m := &Message{Application: "monitor", Target: "jdoe", Mode: ModeEmail}

	if !m.OutOfBand() {
		t.Fatal("message without a plan should be out-of-band")
	}
	if _, ok := m.AggregationKey(); ok {
		t.Error("out-of-band messages must not be aggregated")
	}
}

func TestMessage_Batch(t *testing.T) {
	m := &Message{PlanID: 1, BatchID: "abc", AggregatedIDs: []int64{1, 2, 3}}
	if !m.Batch() {
		t.Error("message with aggregated IDs should be a batch")
	}
	if (&Message{PlanID: 1}).Batch() {
		t.Error("plain message should not be a batch")
	}
}

func TestPlan_Step(t *testing.T) {
	plan := &Plan{
		ID:   1,
		Name: "db-oncall",
		Steps: [][]*Notification{
			{{ID: 10, Step: 1}},
			{{ID: 20, Step: 2}, {ID: 21, Step: 2}},
		},
	}

	if plan.StepCount() != 2 {
		t.Fatalf("StepCount = %d, want 2", plan.StepCount())
	}
	if got := plan.Step(2); len(got) != 2 {
		t.Errorf("Step(2) has %d notifications, want 2", len(got))
	}
	if plan.Step(0) != nil || plan.Step(3) != nil {
		t.Error("out-of-range steps should be nil")
	}
}

func TestNotification_MaxSends(t *testing.T) {
	n := &Notification{Repeat: 2, Wait: 5 * time.Minute}
	if n.MaxSends() != 3 {
		t.Errorf("MaxSends = %d, want 3", n.MaxSends())
	}
}

func TestIncident_DynamicTarget(t *testing.T) {
	inc := &Incident{
		ID:             5,
		DynamicTargets: []RoleTarget{{Role: "oncall-primary", Target: "infra"}},
	}

	rt, ok := inc.DynamicTarget(0)
	if !ok || rt.Role != "oncall-primary" {
		t.Errorf("DynamicTarget(0) = %v %v, want oncall-primary", rt, ok)
	}
	if _, ok := inc.DynamicTarget(1); ok {
		t.Error("out-of-range dynamic index should not resolve")
	}
}

func TestIncident_Claimed(t *testing.T) {
	if (&Incident{Active: true}).Claimed() {
		t.Error("active incident is not claimed")
	}
	if !(&Incident{Active: false, Owner: "jdoe"}).Claimed() {
		t.Error("inactive owned incident is claimed")
	}
	if (&Incident{Active: false}).Claimed() {
		t.Error("deactivated unowned incident is not claimed")
	}
}
