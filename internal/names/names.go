// Package names generates and validates agent names. Names end up in archive
// paths, so they are restricted to a path-safe alphabet.
package names

import (
	"math/rand/v2"
	"regexp"
)

var (
	adjectives = []string{
		"Amber", "Azure", "Bold", "Brisk", "Calm", "Clear", "Coral", "Crimson",
		"Dusty", "Eager", "Fern", "Gentle", "Golden", "Green", "Hazel", "Ivory",
		"Jade", "Keen", "Lively", "Lunar", "Misty", "Noble", "Olive", "Pale",
		"Quiet", "Rapid", "Rustic", "Silver", "Solar", "Steady", "Swift", "Tidal",
		"Umber", "Vivid", "Wild", "Witty",
	}

	nouns = []string{
		"Badger", "Brook", "Canyon", "Castle", "Cedar", "Cliff", "Comet", "Creek",
		"Dune", "Falcon", "Field", "Fjord", "Forest", "Glade", "Harbor", "Heron",
		"Hill", "Island", "Lake", "Lantern", "Meadow", "Mesa", "Otter", "Peak",
		"Pine", "Quarry", "Ridge", "River", "Sparrow", "Stone", "Summit", "Tower",
		"Valley", "Willow", "Wren",
	}

	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
)

// Generate returns a random adjective+noun name such as "GreenCastle".
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + nouns[rand.IntN(len(nouns))]
}

// Valid reports whether name can be used as an agent name.
func Valid(name string) bool {
	return validName.MatchString(name) && name != "." && name != ".."
}
