// Package stage holds the ordered lifecycle stage table a batch moves
// through. Transitions go one stage forward at a time; there is no
// skipping and no backward path.
package stage

import "fmt"

const (
	Preclone          = "preclone"
	CloneGermination  = "clone_germination"
	Hardening         = "hardening"
	Vegetative        = "vegetative"
	FloweringGrowRoom = "flowering_grow_room"
	Preharvest        = "preharvest"
	Harvest           = "harvest"
	ProcessingDrying  = "processing_drying"
	PackingStorage    = "packing_storage"
)

var order = []string{
	Preclone,
	CloneGermination,
	Hardening,
	Vegetative,
	FloweringGrowRoom,
	Preharvest,
	Harvest,
	ProcessingDrying,
	PackingStorage,
}

// Initial is the stage assigned at batch creation.
const Initial = Preclone

// All returns the stages in lifecycle order.
func All() []string {
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// Index returns the position of s in the lifecycle order, or -1.
func Index(s string) int {
	for i, v := range order {
		if v == s {
			return i
		}
	}
	return -1
}

func IsValid(s string) bool {
	return Index(s) >= 0
}

// IsTerminal reports whether s has no further transition.
func IsTerminal(s string) bool {
	return s == PackingStorage
}

// Next returns the stage following s.
func Next(s string) (string, error) {
	i := Index(s)
	if i < 0 {
		return "", fmt.Errorf("unknown stage %s", s)
	}
	if i == len(order)-1 {
		return "", fmt.Errorf("stage %s is terminal", s)
	}
	return order[i+1], nil
}

// TransitionKey is the registry key for the from→to pair, e.g.
// "hardening_to_vegetative".
func TransitionKey(from, to string) string {
	return from + "_to_" + to
}
