// Package anon derives the pseudonymous identity shown for JUNGLE messages.
//
// The identity depends only on the characters of the message id, so every participant
// derives the same one without any stored mapping, and two messages of the same author
// are not linkable through it.
package anon

// SelfLabel replaces the derived name on the author's own messages.
const SelfLabel = "YOU"

var (
	WildNamesMale   = []string{"Neon Tiger", "Cyber Wolf", "Iron Bear", "Shadow Hawk", "Electric Lion", "Steel Cobra"}
	WildNamesFemale = []string{"Velvet Fox", "Crystal Cat", "Moon Raven", "Solar Panther", "Star Viper", "Mist Swan"}

	AvatarsMale = []string{
		"/assets/male1.1.png", "/assets/male1.2.jpg", "/assets/male1.3.jpg",
		"/assets/male1.4.png", "/assets/male1.5.png", "/assets/male1.6.jpg",
	}
	AvatarsFemale = []string{
		"/assets/female1.1.png", "/assets/female1.2.png", "/assets/female1.3.png",
		"/assets/female1.4.jpg", "/assets/female1.5.png", "/assets/female1.6.png",
	}
)

type Identity struct {
	DisplayName string `json:"displayName"`
	AvatarUrl   string `json:"avatarUrl"`
}

// Pools holds one name pool and one avatar pool per bucket. Pools must not be empty.
type Pools struct {
	MaleNames     []string
	FemaleNames   []string
	MaleAvatars   []string
	FemaleAvatars []string
}

var DefaultPools = Pools{
	MaleNames:     WildNamesMale,
	FemaleNames:   WildNamesFemale,
	MaleAvatars:   AvatarsMale,
	FemaleAvatars: AvatarsFemale,
}

// Seed sums the code points of id. Not a hash: collisions are expected and fine.
func Seed(id string) int {
	seed := 0
	for _, r := range id {
		seed += int(r)
	}
	return seed
}

// Derive returns the identity of a message id using DefaultPools.
func Derive(messageId string) Identity {
	return DefaultPools.Derive(messageId)
}

// Derive picks the female bucket for an even seed, the male bucket otherwise, then indexes
// the name and avatar pools independently by seed modulo pool size.
func (p Pools) Derive(messageId string) Identity {
	seed := Seed(messageId)

	names, avatars := p.MaleNames, p.MaleAvatars
	if seed%2 == 0 {
		names, avatars = p.FemaleNames, p.FemaleAvatars
	}

	return Identity{
		DisplayName: names[seed%len(names)],
		AvatarUrl:   avatars[seed%len(avatars)],
	}
}
