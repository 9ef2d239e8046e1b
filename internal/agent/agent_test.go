package agent

import (
	"encoding/json"
	"testing"
)

func TestFunctionValidate(t *testing.T) {
	valid := Function{
		Name:      "rebalance",
		Signature: "rebalance(uint256)",
		Direction: DirectionWrite,
		Params: []Param{
			{Name: "amount", Type: "uint256", Rules: &ValidationRule{Required: true}},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	noName := valid
	noName.Name = " "
	if err := noName.Validate(); err == nil {
		t.Fatal("expected error for empty name")
	}

	badSignature := valid
	badSignature.Signature = "rebalance(uint256"
	if err := badSignature.Validate(); err == nil {
		t.Fatal("expected error for malformed signature")
	}

	badDirection := valid
	badDirection.Direction = "call"
	if err := badDirection.Validate(); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}

func TestWriteFunctionRequiresRulesOrDefault(t *testing.T) {
	def := "10"
	fn := Function{
		Name:      "deposit",
		Signature: "deposit(uint256)",
		Direction: DirectionWrite,
		Params:    []Param{{Name: "amount", Type: "uint256"}},
	}
	if err := fn.Validate(); err == nil {
		t.Fatal("expected error for write param without rules or default")
	}

	fn.Params[0].Default = &def
	if err := fn.Validate(); err != nil {
		t.Fatalf("default should satisfy the constraint: %v", err)
	}
}

func TestAgentExecutable(t *testing.T) {
	ag := &Agent{
		Status: StatusRunning,
		Functions: []Function{
			{Name: "poke", Signature: "poke()", Direction: DirectionRead, Enabled: true},
		},
		Schedule: &Schedule{Kind: ScheduleInterval, IntervalSeconds: 60, Active: true},
	}
	if !ag.Executable() {
		t.Fatal("expected agent to be executable")
	}

	ag.Status = StatusStopped
	if ag.Executable() {
		t.Fatal("stopped agent must not be executable")
	}

	ag.Status = StatusRunning
	ag.Functions[0].Enabled = false
	if ag.Executable() {
		t.Fatal("agent without enabled functions must not be executable")
	}

	ag.Functions[0].Enabled = true
	ag.Schedule = nil
	if ag.Executable() {
		t.Fatal("agent without schedule must not be executable")
	}
}

func TestAgentCloneIsDeep(t *testing.T) {
	ag := &Agent{
		ID:        "a-1",
		ABI:       json.RawMessage(`[{"type":"function"}]`),
		Functions: []Function{{Name: "poke"}},
		Schedule:  &Schedule{Kind: ScheduleInterval, IntervalSeconds: 60},
	}
	clone := ag.Clone()
	clone.Functions[0].Name = "changed"
	clone.Schedule.IntervalSeconds = 1

	if ag.Functions[0].Name != "poke" {
		t.Fatal("clone shares the functions slice")
	}
	if ag.Schedule.IntervalSeconds != 60 {
		t.Fatal("clone shares the schedule")
	}
}
