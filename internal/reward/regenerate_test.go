package reward

import (
	"context"
	"errors"
	"strings"
	"testing"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/llm"
	"ReTool-Life/internal/variant"
)

func deployedVariant(t *testing.T) *variant.Variant {
	t.Helper()
	variants, err := variant.NewGenerator(nil).Generate(variant.Profile{
		ID:          "u1",
		Name:        "Tester",
		Preferences: variant.Preferences{WellnessGoals: []string{"stress_reduction"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return variants[0]
}

func TestRegenerateProducesNewVariant(t *testing.T) {
	current := deployedVariant(t)
	current.Session().Append(llm.Message{Role: llm.RoleUser, Content: "hello"})
	original := current.Instructions

	var prompt string
	backend := llm.BackendFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		prompt = llm.LastUserMessage(req.Conversation)
		if req.Model != defaultOptimizerModel {
			t.Errorf("unexpected optimizer model %s", req.Model)
		}
		return &llm.Response{Text: "  Improved instructions.  "}, nil
	})

	vec := Vector{TaskCompletion: 1, UserEngagement: 0.85, TimingAccuracy: 0.9, ResourceEfficiency: 0.8, SafetyCompliance: 0.6}
	next, err := NewRegenerator(backend, "").Regenerate(context.Background(), current, vec, []string{DimSafetyCompliance})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if next == current {
		t.Fatalf("regeneration must return a new variant")
	}
	if next.Instructions != "Improved instructions." {
		t.Fatalf("unexpected instructions %q", next.Instructions)
	}
	if current.Instructions != original {
		t.Fatalf("old variant was mutated")
	}
	if next.Specialty != current.Specialty || next.Tier != current.Tier || next.Key() != current.Key() {
		t.Fatalf("identity changed during regeneration")
	}
	if next.Session() != current.Session() || next.Session().Len() != 1 {
		t.Fatalf("conversation state not preserved")
	}
	if !strings.Contains(prompt, "safety_compliance") || !strings.Contains(prompt, original) {
		t.Fatalf("prompt must name weak areas and current instructions: %s", prompt)
	}
}

func TestRegenerateBackendFailure(t *testing.T) {
	current := deployedVariant(t)
	backend := llm.BackendFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("rate limited")
	})
	_, err := NewRegenerator(backend, "").Regenerate(context.Background(), current, Vector{}, nil)
	if !xerrors.IsCode(err, CodeRegenerationFailed) {
		t.Fatalf("expected regeneration failure, got %v", err)
	}
}

func TestRegenerateRejectsEmptyText(t *testing.T) {
	current := deployedVariant(t)
	backend := llm.BackendFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "   "}, nil
	})
	if _, err := NewRegenerator(backend, "").Regenerate(context.Background(), current, Vector{}, nil); !xerrors.IsCode(err, CodeRegenerationFailed) {
		t.Fatalf("expected regeneration failure, got %v", err)
	}
}
