package flavor

import (
	"strings"
	"testing"

	"ashen-realm/shared/chance"
)

func TestSeededThreatIsStable(t *testing.T) {
	a := Threat(chance.Seeded(3), "Knight", "Catacombs")
	b := Threat(chance.Seeded(3), "Knight", "Catacombs")
	if a == "" || a != b {
		t.Fatalf("expected stable threat, got %q and %q", a, b)
	}
}

func TestConfirmationMentionsInvader(t *testing.T) {
	src := chance.Seeded(9)
	for i := 0; i < 50; i++ {
		line := Confirmation(src, "Red Phantom", "Solaire", "Anor Londo", "Darkwraith")
		if !strings.Contains(line, "Red Phantom") {
			t.Fatalf("confirmation does not name the invader: %q", line)
		}
	}
}

func TestOutcomeLines(t *testing.T) {
	for _, o := range []string{"INVADER_VICTORY", "TARGET_VICTORY", "INVADER_RETREATED", "CONNECTION_LOST", "DRAW", "UNKNOWN"} {
		if Outcome(o, "A", "B") == "" {
			t.Fatalf("empty outcome line for %s", o)
		}
	}
}
