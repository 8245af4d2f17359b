package harness

import (
	"strings"
)

// OutputParser turns raw engine text into the reply stored in the conversation.
type OutputParser struct{}

func NewOutputParser() *OutputParser { return &OutputParser{} }

// Extract trims the completion and cuts it at the earliest stop sequence.
// Engines that already honour stop words leave nothing to cut, so this is a
// no-op for them.
func (p *OutputParser) Extract(text string, stops []string) string {
	text = strings.TrimSpace(text)

	cut := len(text)
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && i < cut {
			cut = i
		}
	}

	return strings.TrimSpace(text[:cut])
}
