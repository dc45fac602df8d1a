// Package name generates random session names.
package name

import "math/rand"

var adjectives = []string{
	"bold", "brave", "bright", "calm", "clever",
	"cool", "eager", "fair", "fast", "fierce",
	"gentle", "happy", "jolly", "keen", "kind",
	"lively", "lucky", "merry", "mighty", "noble",
	"proud", "quick", "quiet", "sharp", "sleek",
	"smart", "snappy", "speedy", "steady", "swift",
	"tender", "tough", "vivid", "warm", "wild",
	"wise", "witty", "zesty", "agile", "alert",
	"cosmic", "daring", "epic", "grand", "plucky",
	"rapid", "serene", "stoic", "sunny", "trusty",
}

var animals = []string{
	"badger", "bear", "beaver", "bison", "cat",
	"cheetah", "condor", "coyote", "crane", "crow",
	"deer", "dingo", "dolphin", "dove", "dragon",
	"eagle", "falcon", "ferret", "finch", "fox",
	"frog", "gopher", "hawk", "heron", "horse",
	"jaguar", "koala", "lemur", "lion", "lynx",
	"meerkat", "moose", "narwhal", "octopus", "otter",
	"owl", "panda", "parrot", "penguin", "pigeon",
	"puma", "quail", "rabbit", "raven", "salmon",
	"seal", "shark", "sparrow", "swan", "tiger",
	"turtle", "viper", "walrus", "whale", "wolf",
	"wombat", "wren", "yak", "zebra", "ibex",
}

// Generate returns a random name in adjective-animal format. Names are not
// guaranteed unique; sessions are keyed by ID, the name is for humans.
func Generate() string {
	adj := adjectives[rand.Intn(len(adjectives))]
	animal := animals[rand.Intn(len(animals))]
	return adj + "-" + animal
}
