package diceroller

// tables holds the built-in random tables. A roll of N selects entry N-1.
var tables = map[string][]string{
	"weather": {
		"Clear skies and a light breeze.",
		"Overcast, with a chance of drizzle by evening.",
		"Heavy rain; travel speed is halved.",
		"Thick fog limits visibility to 30 feet.",
		"A thunderstorm rolls in from the west.",
		"Unseasonal heat; water consumption doubles.",
	},
	"treasure_hoard": {
		"A pouch of 2d6 x 100 gold pieces.",
		"A gemstone worth 1d6 x 50 gp.",
		"A +1 shortsword.",
		"A scroll of a 2nd-level spell.",
		"1d4 potions of healing.",
		"A silver statuette worth 250 gp.",
		"A map to a hidden dungeon.",
		"Three doses of antitoxin.",
	},
	"random_encounter": {
		"A patrol of 1d6 town guards, suspicious but not hostile.",
		"A merchant caravan under attack by 1d4 bandits.",
		"An injured traveller in need of healing.",
		"A pack of 2d4 wolves stalking the party.",
		"A travelling bard who knows a useful rumour.",
		"A hidden pit trap (2d6 fall damage).",
		"Two rival adventurers asking for arbitration.",
		"A lone skeleton rises from a roadside grave.",
	},
}
