package instance

import (
	"reflect"
	"testing"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

// testMission builds a three-level hide-mode mission:
//
//	root -> recon, strike
//	recon -> relay
//	relay -> vault
func testMission() *domain.MissionDefinition {
	return &domain.MissionDefinition{
		ID:         "m-1",
		Name:       "Test Mission",
		RevealMode: domain.RevealHide,
		RootID:     "root",
		Prototypes: map[string]domain.Prototype{
			"root": {ID: "root", Name: "Root", ChildIDs: []string{"recon", "strike"}},
			"recon": {
				ID: "recon", Name: "Recon", ParentID: "root", ChildIDs: []string{"relay"},
				Actions: []domain.ActionTemplate{{
					ID:            "scan",
					Name:          "Scan",
					ProcessTime:   30 * time.Second,
					SuccessChance: 0.6,
					ResourceCost:  10,
				}},
			},
			"strike": {ID: "strike", Name: "Strike", ParentID: "root"},
			"relay":  {ID: "relay", Name: "Relay", ParentID: "recon", ChildIDs: []string{"vault"}},
			"vault":  {ID: "vault", Name: "Vault", ParentID: "relay"},
		},
		Forces: []domain.ForceDefinition{
			{ID: "red", Name: "Red", InitialPool: 100},
			{ID: "blue", Name: "Blue", InitialPool: 100},
		},
	}
}

func TestNewTreeSeedsForces(t *testing.T) {
	tree := NewTree(testMission())

	force, ok := tree.Force("red")
	if !ok {
		t.Fatal("red force missing")
	}
	if force.Pool != 100 {
		t.Fatalf("expected initial pool 100, got %v", force.Pool)
	}
	if len(force.Nodes) != 5 {
		t.Fatalf("expected 5 node instances, got %d", len(force.Nodes))
	}
	if force.Visible("recon") {
		t.Fatal("recon should not be visible before the root opens")
	}
}

func TestDeriveIsIdempotent(t *testing.T) {
	tree := NewTree(testMission())
	tree.RevealRoot("red")

	force, _ := tree.Force("red")
	before := force.VisibleIDs()

	tree.Derive()
	tree.Derive()

	if !reflect.DeepEqual(before, force.VisibleIDs()) {
		t.Fatalf("visible set changed across derives: %v vs %v", before, force.VisibleIDs())
	}
}

func TestDeriveDropsVanishedPrototypes(t *testing.T) {
	def := testMission()
	tree := NewTree(def)
	tree.RevealRoot("red")

	relay := def.Prototypes["relay"]
	relay.ChildIDs = nil
	def.Prototypes["relay"] = relay
	delete(def.Prototypes, "vault")
	tree.Derive()

	if _, ok := tree.Resolve("vault", "red"); ok {
		t.Fatal("vault instance should be dropped with its prototype")
	}
	force, _ := tree.Force("red")
	if force.Visible("vault") {
		t.Fatal("vault should leave the visible set with its prototype")
	}
}

func TestRevealExposesDirectChildren(t *testing.T) {
	tree := NewTree(testMission())

	revealed := tree.RevealRoot("red")
	if !reflect.DeepEqual(revealed, []string{"recon", "strike"}) {
		t.Fatalf("expected root reveal to expose recon and strike, got %v", revealed)
	}

	force, _ := tree.Force("red")
	if force.Visible("relay") {
		t.Fatal("relay should stay hidden until recon opens")
	}
	blue, _ := tree.Force("blue")
	if blue.Visible("recon") {
		t.Fatal("reveal for red must not leak into blue's visible set")
	}
}

func TestRevealIsIdempotent(t *testing.T) {
	tree := NewTree(testMission())
	tree.RevealRoot("red")

	if again := tree.RevealRoot("red"); len(again) != 0 {
		t.Fatalf("repeat reveal should expose nothing, got %v", again)
	}
}

func TestRevealExtraDepthPinsDescendants(t *testing.T) {
	tree := NewTree(testMission())
	tree.RevealRoot("red")

	revealed := tree.Reveal("red", "recon", 1)
	if !reflect.DeepEqual(revealed, []string{"relay", "vault"}) {
		t.Fatalf("expected relay and vault, got %v", revealed)
	}

	// vault stays visible through the pin even though relay is unopened.
	tree.Derive()
	force, _ := tree.Force("red")
	if !force.Visible("vault") {
		t.Fatal("pinned vault should survive a derive")
	}
}

func TestCloseHidesUnreachableDescendants(t *testing.T) {
	tree := NewTree(testMission())
	tree.RevealRoot("red")
	tree.Reveal("red", "recon", 1)

	hidden := tree.Close("red", "recon")
	if !reflect.DeepEqual(hidden, []string{"relay", "vault"}) {
		t.Fatalf("expected relay and vault hidden, got %v", hidden)
	}

	// Instance state outlives the visibility change.
	node, _ := tree.Resolve("relay", "red")
	if node == nil {
		t.Fatal("relay instance should be retained after close")
	}

	reopened := tree.Reveal("red", "recon", 0)
	if !reflect.DeepEqual(reopened, []string{"relay", "vault"}) {
		t.Fatalf("reopen should restore relay and pinned vault, got %v", reopened)
	}
}

func TestChildrenFilteredByRevealMode(t *testing.T) {
	def := testMission()
	tree := NewTree(def)

	root, _ := tree.Resolve("root", "red")
	if children := tree.Children(root); len(children) != 0 {
		t.Fatalf("hide mode should filter unrevealed children, got %d", len(children))
	}

	tree.RevealRoot("red")
	if children := tree.Children(root); len(children) != 2 {
		t.Fatalf("expected 2 children after reveal, got %d", len(children))
	}

	def.RevealMode = domain.RevealBlur
	recon, _ := tree.Resolve("recon", "red")
	if children := tree.Children(recon); len(children) != 1 {
		t.Fatalf("blur mode should expose the full structure, got %d children", len(children))
	}
}

func TestEffectiveActionAppliesClampedOverrides(t *testing.T) {
	tree := NewTree(testMission())
	node, _ := tree.Resolve("recon", "red")

	if !tree.ApplyDelta(node, "scan", domain.FieldSuccessChance, 0.9) {
		t.Fatal("delta apply failed")
	}
	eff, ok := tree.EffectiveAction(node, "scan")
	if !ok {
		t.Fatal("effective action missing")
	}
	if eff.SuccessChance != 1 {
		t.Fatalf("expected chance clamped to 1, got %v", eff.SuccessChance)
	}

	// The stored delta is re-clamped, so stacking shifts never drifts the
	// effective value outside bounds.
	tree.ApplyDelta(node, "scan", domain.FieldSuccessChance, -0.3)
	eff, _ = tree.EffectiveAction(node, "scan")
	if eff.SuccessChance != 0.7 {
		t.Fatalf("expected 0.7 after pulling back from the clamp, got %v", eff.SuccessChance)
	}

	tree.ApplyDelta(node, "scan", domain.FieldProcessTime, -120)
	eff, _ = tree.EffectiveAction(node, "scan")
	if eff.ProcessTime != 0 {
		t.Fatalf("expected process time clamped to 0, got %v", eff.ProcessTime)
	}

	tree.ApplyDelta(node, "scan", domain.FieldProcessTime, 15)
	eff, _ = tree.EffectiveAction(node, "scan")
	if eff.ProcessTime != 15*time.Second {
		t.Fatalf("expected 15s after clamp recovery, got %v", eff.ProcessTime)
	}
}

func TestApplyDeltaAllTouchesEveryAction(t *testing.T) {
	tree := NewTree(testMission())
	node, _ := tree.Resolve("recon", "red")

	if touched := tree.ApplyDeltaAll(node, domain.FieldResourceCost, 5); touched != 1 {
		t.Fatalf("expected 1 action touched, got %d", touched)
	}
	eff, _ := tree.EffectiveAction(node, "scan")
	if eff.ResourceCost != 15 {
		t.Fatalf("expected cost 15, got %v", eff.ResourceCost)
	}
}
