package execution

import (
	"testing"

	"AgentFleet-Chain/internal/agent"
	xerrors "AgentFleet-Chain/internal/errors"
)

func floatPtr(v float64) *float64 { return &v }
func strPtr(s string) *string     { return &s }

func TestBuildArgsOrdersAndFillsDefaults(t *testing.T) {
	fn := &agent.Function{
		Name: "transfer",
		Params: []agent.Param{
			{Name: "to", Type: "address"},
			{Name: "amount", Type: "uint256", Default: strPtr("100")},
		},
	}

	ordered, resolved, err := BuildArgs(fn, map[string]any{"to": "0xabc"})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	if len(ordered) != 2 || ordered[0] != "0xabc" || ordered[1] != "100" {
		t.Fatalf("unexpected ordered args: %v", ordered)
	}
	if resolved["amount"] != "100" {
		t.Fatalf("default was not applied: %v", resolved)
	}
}

func TestBuildArgsMissingWithoutDefault(t *testing.T) {
	fn := &agent.Function{
		Name:   "transfer",
		Params: []agent.Param{{Name: "to", Type: "address"}},
	}
	if _, _, err := BuildArgs(fn, nil); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestBuildArgsRejectsUndeclaredParams(t *testing.T) {
	fn := &agent.Function{
		Name:   "poke",
		Params: nil,
	}
	if _, _, err := BuildArgs(fn, map[string]any{"extra": 1}); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected rejection of undeclared param, got %v", err)
	}
}

func TestBuildArgsRangeRules(t *testing.T) {
	fn := &agent.Function{
		Name: "deposit",
		Params: []agent.Param{
			{
				Name: "amount",
				Type: "uint256",
				Rules: &agent.ValidationRule{
					Required: true,
					Min:      floatPtr(1),
					Max:      floatPtr(1000),
				},
			},
		},
	}

	if _, _, err := BuildArgs(fn, map[string]any{"amount": float64(500)}); err != nil {
		t.Fatalf("in-range value rejected: %v", err)
	}
	if _, _, err := BuildArgs(fn, map[string]any{"amount": float64(0)}); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected below-min rejection, got %v", err)
	}
	if _, _, err := BuildArgs(fn, map[string]any{"amount": float64(2000)}); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected above-max rejection, got %v", err)
	}
	// String quantities participate in range checks too.
	if _, _, err := BuildArgs(fn, map[string]any{"amount": "999"}); err != nil {
		t.Fatalf("numeric string rejected: %v", err)
	}
	if _, _, err := BuildArgs(fn, nil); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected required-param rejection, got %v", err)
	}
}

func TestBuildArgsPatternRule(t *testing.T) {
	fn := &agent.Function{
		Name: "register",
		Params: []agent.Param{
			{
				Name:  "recipient",
				Type:  "address",
				Rules: &agent.ValidationRule{Pattern: "^0x[0-9a-fA-F]{40}$"},
			},
		},
	}

	good := "0xab00000000000000000000000000000000000000"
	if _, _, err := BuildArgs(fn, map[string]any{"recipient": good}); err != nil {
		t.Fatalf("well-formed address rejected: %v", err)
	}
	if _, _, err := BuildArgs(fn, map[string]any{"recipient": "not-an-address"}); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected pattern rejection, got %v", err)
	}
	if _, _, err := BuildArgs(fn, map[string]any{"recipient": 42}); xerrors.CodeOf(err) != CodeArgValidation {
		t.Fatalf("expected type rejection for non-string, got %v", err)
	}
}
