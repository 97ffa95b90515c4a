// Package flavor holds the lines invaders say. Selection goes through a
// chance.Source so replies are reproducible under a seeded source.
package flavor

import (
	"fmt"

	"ashen-realm/shared/chance"
)

// AutoInvaders is the roster synthetic invasions draw from.
var AutoInvaders = []string{
	"Dark Spirit Maldron",
	"Darkwraith Knight",
	"Forest Invader",
	"Gravelord Servant",
	"Red Phantom",
	"Blade of the Darkmoon",
}

const InvaderType = "Dark Spirit"

func threats(target string, zone string) []string {
	return []string{
		fmt.Sprintf("Your words have drawn the eye of the dark spirits, %s...", target),
		"The darkness heard your call. Prepare to be invaded!",
		"You talk a lot for someone about to be silenced...",
		fmt.Sprintf("The Darkwraiths have marked you, %s. Your location is revealed.", target),
		"Brave words... let us see if your blade is as sharp as your tongue.",
		fmt.Sprintf("Death walks among the shadows of %s. Beware...", zone),
		"You have woken something that should have stayed asleep...",
	}
}

func confirmations(invader string, target string, zone string, covenant string) []string {
	return []string{
		fmt.Sprintf("%s emerged from the darkness of %s!", invader, zone),
		fmt.Sprintf("INVASION! %s (%s) hunts %s!", invader, covenant, target),
		fmt.Sprintf("A dark spirit rises... %s thirsts for blood!", invader),
		fmt.Sprintf("%s %s has invaded the world of %s!", covenant, invader, target),
		fmt.Sprintf("The darkness takes shape... %s has come to duel!", invader),
		fmt.Sprintf("ALERT: %s has marked %s for elimination!", invader, target),
		fmt.Sprintf("%s echoes with the footsteps of %s... let the hunt begin!", zone, invader),
	}
}

// Threat is the reply to a chat message that caught an invader's attention.
func Threat(src chance.Source, target string, zone string) string {
	line, err := chance.Pick(src, threats(target, zone)...)
	if err != nil {
		return ""
	}
	return line
}

// Confirmation is the reply to a registered invasion.
func Confirmation(src chance.Source, invader string, target string, zone string, covenant string) string {
	line, err := chance.Pick(src, confirmations(invader, target, zone, covenant)...)
	if err != nil {
		return ""
	}
	return line
}

// Outcome describes how an invasion ended.
func Outcome(outcome string, invader string, target string) string {
	switch outcome {
	case "INVADER_VICTORY":
		return fmt.Sprintf("%s was defeated by %s!", target, invader)
	case "TARGET_VICTORY":
		return fmt.Sprintf("%s repelled %s!", target, invader)
	case "INVADER_RETREATED":
		return fmt.Sprintf("%s retreated from battle.", invader)
	case "CONNECTION_LOST":
		return "Connection lost during the invasion."
	case "DRAW":
		return fmt.Sprintf("An honorable draw between %s and %s.", invader, target)
	default:
		return fmt.Sprintf("The invasion of %s by %s has ended.", target, invader)
	}
}
