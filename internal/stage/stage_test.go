package stage_test

import (
	"testing"

	"growline/internal/stage"
)

func TestOrderIsMonotonic(t *testing.T) {
	all := stage.All()
	if len(all) != 9 {
		t.Fatalf("expected nine stages, got %d", len(all))
	}
	if all[0] != stage.Initial {
		t.Fatalf("initial stage should open the order")
	}
	for i, s := range all[:len(all)-1] {
		next, err := stage.Next(s)
		if err != nil {
			t.Fatalf("next(%s): %v", s, err)
		}
		if next != all[i+1] {
			t.Fatalf("next(%s) = %s, want %s", s, next, all[i+1])
		}
		if stage.Index(next) <= stage.Index(s) {
			t.Fatalf("stage index must increase: %s -> %s", s, next)
		}
	}
}

func TestTerminalStage(t *testing.T) {
	if !stage.IsTerminal(stage.PackingStorage) {
		t.Fatalf("packing_storage must be terminal")
	}
	if _, err := stage.Next(stage.PackingStorage); err == nil {
		t.Fatalf("expected error advancing past terminal stage")
	}
	if stage.IsTerminal(stage.Harvest) {
		t.Fatalf("harvest is not terminal")
	}
}

func TestUnknownStage(t *testing.T) {
	if stage.IsValid("curing") {
		t.Fatalf("curing is not a lifecycle stage")
	}
	if _, err := stage.Next("curing"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestTransitionKey(t *testing.T) {
	got := stage.TransitionKey(stage.CloneGermination, stage.Hardening)
	if got != "clone_germination_to_hardening" {
		t.Fatalf("unexpected key %s", got)
	}
}
