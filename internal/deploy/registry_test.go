package deploy

import (
	"sync"
	"testing"
	"time"

	xerrors "ReTool-Life/internal/errors"
	"ReTool-Life/internal/variant"
)

func testVariants(t *testing.T) []*variant.Variant {
	t.Helper()
	variants, err := variant.NewGenerator(nil).Generate(variant.Profile{
		ID:          "u1",
		Name:        "Tester",
		Preferences: variant.Preferences{WellnessGoals: []string{"better_sleep"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return variants
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 8, 30, 15, 0, time.UTC)
	return func() time.Time { return at }
}

func TestDeployAssignsVersionsAndID(t *testing.T) {
	reg := NewRegistry(WithClock(fixedClock()))
	variants := testVariants(t)

	first, err := reg.Deploy("u1", variants[0])
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}
	if first.ID != "u1-sleep-gpt-4.1-20250601083015" {
		t.Fatalf("unexpected deployment id %s", first.ID)
	}

	second, err := reg.Deploy("u1", variants[1])
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if second.Version != 2 || second.Variant != variants[1] {
		t.Fatalf("unexpected second deployment: %+v", second)
	}

	active, err := reg.Active("u1")
	if err != nil || active != second {
		t.Fatalf("expected latest deployment to be active, got %+v (%v)", active, err)
	}
}

func TestRedeployKeepsIDAndIncrementsVersion(t *testing.T) {
	reg := NewRegistry(WithClock(fixedClock()))
	v := testVariants(t)[0]

	if _, err := reg.Redeploy("u1", v); !xerrors.IsCode(err, CodeNoActiveVariant) {
		t.Fatalf("expected no active variant, got %v", err)
	}

	first, _ := reg.Deploy("u1", v)
	next := v.WithInstructions("better", time.Now())
	redeployed, err := reg.Redeploy("u1", next)
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if redeployed.ID != first.ID || redeployed.Version != first.Version+1 || redeployed.Reason != ReasonRegenerated {
		t.Fatalf("unexpected redeployment: %+v", redeployed)
	}
	if first.Variant != v {
		t.Fatalf("previous deployment record must not change")
	}
}

func TestActiveUnknownUser(t *testing.T) {
	if _, err := NewRegistry().Active("nobody"); !xerrors.IsCode(err, CodeNoActiveVariant) {
		t.Fatalf("expected no active variant, got %v", err)
	}
}

func TestDeployValidation(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Deploy("", testVariants(t)[0]); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := reg.Deploy("u1", nil); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if reg.Users() != 0 {
		t.Fatalf("failed deploys must not create deployments")
	}
}

func TestConcurrentDeploysProduceDistinctVersions(t *testing.T) {
	reg := NewRegistry()
	v := testVariants(t)[0]
	const writers = 20

	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := reg.Deploy("u1", v)
			if err != nil {
				t.Errorf("deploy: %v", err)
				return
			}
			versions <- d.Version
			if active, err := reg.Active("u1"); err != nil || active.Variant == nil {
				t.Errorf("observed partial deployment: %+v (%v)", active, err)
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		if seen[v] {
			t.Fatalf("duplicate version %d", v)
		}
		seen[v] = true
	}
	active, _ := reg.Active("u1")
	if active.Version != writers {
		t.Fatalf("expected final version %d, got %d", writers, active.Version)
	}
}
