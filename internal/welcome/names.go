package welcome

// adjectives and animals are combined with SuggestName into a personalized
// display-name suggestion for a node still using its factory default name.
var adjectives = [50]string{
	"Brave", "Swift", "Clever", "Mighty", "Gentle", "Fierce", "Quiet", "Bold",
	"Lucky", "Wild", "Calm", "Sharp", "Bright", "Sly", "Noble", "Happy",
	"Quick", "Steady", "Fearless", "Curious", "Jolly", "Rugged", "Graceful", "Vivid",
	"Daring", "Patient", "Sturdy", "Witty", "Loyal", "Nimble", "Radiant", "Stealthy",
	"Cheerful", "Hardy", "Keen", "Playful", "Proud", "Resolute", "Serene", "Spirited",
	"Stalwart", "Tenacious", "Thrifty", "Tireless", "Valiant", "Vigilant", "Whimsical", "Zealous",
	"Earnest", "Friendly",
}

var animals = [50]string{
	"Fox", "Owl", "Wolf", "Hawk", "Bear", "Otter", "Lynx", "Falcon",
	"Badger", "Heron", "Raven", "Moose", "Eagle", "Beaver", "Coyote", "Marten",
	"Osprey", "Puma", "Stoat", "Weasel", "Bison", "Caribou", "Crane", "Dingo",
	"Elk", "Ferret", "Gecko", "Heron2", "Ibex", "Jackal", "Kestrel", "Loon",
	"Mink", "Newt", "Ocelot", "Panther", "Quail", "Raccoon", "Salamander", "Tapir",
	"Urchin", "Vole", "Walrus", "Xerus", "Yak", "Zebra", "Antelope", "Bobcat",
	"Cougar", "Dove",
}

// emojis is aligned index-for-index with animals, so SuggestName's animal
// index always has a matching emoji.
var emojis = [50]string{
	"🦊", "🦉", "🐺", "🦅", "🐻", "🦦", "🐈", "🦅",
	"🦡", "🐦", "🐦‍⬛", "🫎", "🦅", "🦫", "🐺", "🐾",
	"🦅", "🐆", "🐾", "🐾", "🦬", "🦌", "🕊️", "🐕",
	"🦌", "🐾", "🦎", "🐦", "🐐", "🐾", "🦅", "🐦",
	"🐾", "🦎", "🐈", "🐆", "🐦", "🦝", "🦎", "🐾",
	"🦔", "🐾", "🦭", "🐿️", "🐐", "🦓", "🦌", "🐈",
	"🐆", "🕊️",
}

// SuggestName derives a deterministic personalized display name for
// nodeKey: the same node always gets the same suggestion, so repeated
// welcomes (within MaxWelcomesPerNode) stay consistent.
func (s *Subsystem) SuggestName(nodeKey uint32) string {
	adj := adjectives[nodeKey%uint32(len(adjectives))]
	idx := (nodeKey / uint32(len(adjectives))) % uint32(len(animals))
	return emojis[idx] + " " + adj + " " + animals[idx]
}
