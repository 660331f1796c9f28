package scenario

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestScore(t *testing.T) {
	sleep := Scenario{
		Name:             "Sleep Issues",
		ExpectedOutcomes: []string{"sleep", "recommendation", "insight"},
		RequiredTools:    []string{"get_health_metrics"},
	}

	cases := []struct {
		name    string
		text    string
		invoked []string
		sc      Scenario
		want    float64
	}{
		{"no tools no keywords", "hello there", nil, Scenario{RequiredTools: []string{"send_sms"}, ExpectedOutcomes: []string{"reminder"}}, 0},
		{"everything present", "Sleep INSIGHT and a recommendation", []string{"get_health_metrics"}, sleep, 1},
		{"tools only", "nothing relevant", []string{"get_health_metrics", "web_search"}, sleep, 0.5},
		{"partial keywords", "sleep more", nil, sleep, 0.5 / 3},
		{"duplicate tool calls count once", "", []string{"send_sms", "send_sms"}, Scenario{RequiredTools: []string{"send_sms", "optimize_calendar"}}, 0.25},
		{"baseline reply", "anything", nil, Scenario{}, 0.8},
		{"baseline empty", "  ", nil, Scenario{}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Score(tc.text, tc.invoked, tc.sc)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("score = %v, want %v", got, tc.want)
			}
			if got < 0 || got > 1 {
				t.Fatalf("score out of range: %v", got)
			}
		})
	}
}

func TestLoadPersona(t *testing.T) {
	if got := len(Load("")); got != 4 {
		t.Fatalf("expected 4 base scenarios, got %d", got)
	}
	if got := len(Load(PersonaHighStress)); got != 5 {
		t.Fatalf("expected 5 scenarios for high_stress, got %d", got)
	}
}

func TestLoadSuite(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "suite.yaml")
	content := `base:
  - {name: a, prompt: pa, required_tools: [send_sms]}
  - {name: b, prompt: pb}
  - {name: c, prompt: pc, expected_outcomes: [calm]}
  - {name: d, prompt: pd}
personas:
  Night_Owl:
    - {name: e, prompt: pe}
`
	if err := os.WriteFile(good, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	suite, err := LoadSuite(good)
	if err != nil {
		t.Fatalf("load suite: %v", err)
	}
	if got := len(suite.Scenarios("night_owl")); got != 5 {
		t.Fatalf("expected persona scenarios to be appended, got %d", got)
	}

	short := filepath.Join(dir, "short.yaml")
	_ = os.WriteFile(short, []byte("base:\n  - {name: a, prompt: b}\n"), 0o644)
	if _, err := LoadSuite(short); err == nil {
		t.Fatalf("expected error for suite with fewer than 4 base scenarios")
	}
}
