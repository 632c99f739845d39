package client

import "strings"

// Standardized tag vocabularies offered to the model.
var (
	Genres = []string{
		"Pop", "Synth-pop", "Dance-pop", "Electropop", "Dream-pop", "Bedroom pop",
		"Hyperpop", "K-pop", "J-pop", "Indie pop",
		"Rock", "Alternative", "Indie", "Punk", "Grunge", "Shoegaze",
		"New wave", "Post-punk", "Psychedelic", "Progressive", "Art rock",
		"Experimental", "Noise", "Industrial", "Classic rock", "Hard rock",
		"Metal", "Heavy metal", "Thrash metal", "Death metal", "Black metal",
		"Electronic", "Dance", "House", "Techno", "Trance", "Ambient",
		"Drum and bass", "Dubstep", "Future bass", "Chillwave", "Retrowave",
		"Lo-fi", "Trap", "Phonk", "EDM",
		"Hip-hop", "R&B", "Contemporary R&B", "Neo-soul", "Soul", "Funk",
		"Drill", "Boom bap", "Cloud rap",
		"Latin pop", "Reggaeton", "Urbano latino", "Bachata", "Salsa",
		"Cumbia", "Bossa nova", "Bolero", "Corrido", "Mariachi", "Flamenco",
		"Jazz", "Blues", "Country", "Folk", "Acoustic", "Singer-songwriter",
		"Classical", "Gospel", "Disco", "Reggae", "Dancehall", "Ska", "Dub",
		"Afrobeats", "World", "Sertanejo", "MPB",
	}

	Moods = []string{
		"Energetic", "Happy", "Upbeat", "Uplifting", "Euphoric", "Celebratory",
		"Romantic", "Sensual", "Seductive", "Tender", "Dreamy",
		"Melancholic", "Sad", "Nostalgic", "Bittersweet", "Wistful", "Lonely",
		"Aggressive", "Angry", "Dark", "Intense", "Rebellious",
		"Calm", "Relaxed", "Peaceful", "Chill", "Atmospheric",
		"Groovy", "Funky", "Danceable", "Catchy", "Playful",
		"Cinematic", "Epic", "Dramatic", "Mysterious", "Haunting",
		"Confident", "Empowering", "Bold", "Sophisticated", "Contemplative",
	}

	Instruments = []string{
		"Vocals",
		"Guitar", "Electric guitar", "Acoustic guitar", "Bass", "Bass guitar",
		"Strings", "Violin", "Cello", "Harp", "Mandolin", "Banjo", "Ukulele",
		"Sitar", "Oud",
		"Piano", "Keyboard", "Synthesizer", "Organ", "Accordion",
		"Bass synth", "Pad synth", "Lead synth",
		"Drums", "Drum machine", "Percussion",
		"Congas", "Bongos", "Timbales", "Maracas", "Cajón", "Tabla",
		"Tambourine", "Cowbell", "Claps", "Handclaps",
		"Vibraphone", "Xylophone", "Steel drums",
		"Trumpet", "Saxophone", "Flute", "Clarinet", "Trombone",
		"French horn", "Oboe", "Harmonica", "Didgeridoo",
		"Turntables", "Sampler", "Vocoder", "Talk box",
	}
)

var canonicalGenres = func() map[string]string {
	m := make(map[string]string, len(Genres))
	for _, g := range Genres {
		m[strings.ToLower(g)] = g
	}
	return m
}()

// NormalizeGenres fixes capitalization drift in model output and drops
// duplicates, keeping first-seen order. Known genres take their canonical
// spelling; "synthpop" becomes "Synth-pop"; other hyphenated names
// capitalize only the first part.
func NormalizeGenres(genres []string) []string {
	seen := make(map[string]bool, len(genres))
	out := make([]string, 0, len(genres))

	for _, g := range genres {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}

		canonical, known := canonicalGenres[strings.ToLower(g)]
		switch {
		case known:
			g = canonical
		case strings.EqualFold(g, "synthpop"):
			g = "Synth-pop"
		case strings.Contains(g, "-"):
			parts := strings.Split(g, "-")
			parts[0] = capitalize(parts[0])
			for i := 1; i < len(parts); i++ {
				parts[i] = strings.ToLower(parts[i])
			}
			g = strings.Join(parts, "-")
		default:
			g = capitalize(g)
		}

		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
