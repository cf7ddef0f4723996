package tts

// VoiceProfile selects a voice and how fast and high it speaks.
type VoiceProfile struct {
	ID       string // empty selects the provider default
	Name     string
	Language string // BCP-47, empty when unknown
	Provider string

	// Rate and Pitch scale the natural voice; 1.0 or 0 leaves it alone.
	Rate  float64
	Pitch float64

	Metadata map[string]string
}
