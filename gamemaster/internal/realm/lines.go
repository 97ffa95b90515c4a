package realm

import (
	"fmt"
	"strings"

	"ashen-realm/shared/chance"
)

const (
	EventBonfireBlessing = "BONFIRE_BLESSING"
	BlessingExperience   = 10
)

var gameWords = []string{
	"adventure", "explore", "game", "treasure",
	"quest", "mission", "challenge", "riddle",
}

// Quest is a small game the game master offers in reply to chat.
type Quest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Reward      string `json:"reward"`
	Difficulty  string `json:"difficulty"`
}

func quests(player string, zone string) []Quest {
	return []Quest{
		{"TREASURE_HUNT", fmt.Sprintf("Game Master: '%s, I sense a treasure hidden somewhere in %s!'", player, zone), "Gold coins", "Easy"},
		{"RIDDLE_CHALLENGE", fmt.Sprintf("Elder Sage: '%s, solve this riddle: what grows larger the more you take away?'", player), "Scroll of Wisdom", "Medium"},
		{"FRIENDLY_RACE", fmt.Sprintf("Runner: '%s, how about a friendly race to the next bonfire?'", player), "Boots of Haste", "Easy"},
		{"CRAFTING_QUEST", fmt.Sprintf("Blacksmith: '%s, bring me three magic crystals and I will forge something special!'", player), "Enchanted Weapon", "Medium"},
		{"PEACEFUL_ENCOUNTER", fmt.Sprintf("Mysterious Traveler: '%s, share a story with me and I will give you a gift.'", player), "Secret Map", "Easy"},
		{"MINI_BOSS", fmt.Sprintf("Forest Guardian: '%s, prove your worth against my trial of wits!'", player), "Crown of Leaves", "Hard"},
		{"TRADING_GAME", fmt.Sprintf("Merchant: '%s, I have rare goods to trade. Care for a round of haggling?'", player), "Rare Item", "Medium"},
		{"EXPLORATION", fmt.Sprintf("Explorer: '%s, I found a hidden cave in %s! Shall we explore it together?'", player, zone), "Ancient Relic", "Medium"},
	}
}

func casualLines(player string, zone string) []string {
	return []string{
		fmt.Sprintf("Game Master: 'Interesting, %s... keep exploring!'", player),
		fmt.Sprintf("Narrator: 'In %s, %s ponders the meaning of it all...'", zone, player),
		fmt.Sprintf("Echo: 'The words of %s echo across the land...'", player),
		"Wind: 'The wind carries your message to other travelers...'",
		fmt.Sprintf("Sage: 'Wise words, young %s.'", player),
		fmt.Sprintf("Bard: 'That would make a fine song, %s!'", player),
	}
}

// Blessing is the game master's answer to a lit bonfire.
type Blessing struct {
	Line   string
	Reward string
}

func blessings(player string, bonfire string) []Blessing {
	return []Blessing{
		{fmt.Sprintf("Bonfire Spirit: '%s, the flame reveals its secrets... go and explore!'", player), "Ember"},
		{fmt.Sprintf("Fire Keeper: '%s, your soul burns brighter. You gained %d experience!'", player, BlessingExperience), "Humanity"},
		{fmt.Sprintf("Traveler: '%s, other adventurers left messages here. Read them before you move on.'", player), "Soapstone"},
		{fmt.Sprintf("Guardian: '%s, the bonfire %s is now your respawn point!'", player, bonfire), "Estus Flask refill"},
	}
}

var globalLines = []string{
	"A golden meteor crosses the sky! The first to speak earns a bonus.",
	"A rare merchant has appeared! Trade while the stock lasts.",
	"Moon festival! Every action grants 50% more experience.",
	"A shower of falling stars! Make a wish.",
	"A friendly dragon circles overhead! Wave to receive its blessing.",
}

// Playful reports whether a chat line asks for a game outright.
func Playful(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range gameWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func pickQuest(src chance.Source, player string, zone string) Quest {
	q, err := chance.Pick(src, quests(player, zone)...)
	if err != nil {
		return Quest{}
	}
	return q
}

func pickLine(src chance.Source, lines ...string) string {
	line, err := chance.Pick(src, lines...)
	if err != nil {
		return ""
	}
	return line
}

func pickBlessing(src chance.Source, player string, bonfire string) Blessing {
	b, err := chance.Pick(src, blessings(player, bonfire)...)
	if err != nil {
		return Blessing{}
	}
	return b
}
