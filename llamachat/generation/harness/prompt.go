package harness

import (
	"slices"
	"strings"

	"github.com/ZanzyTHEbar/llamachat/llamachat/generation"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// PromptAssembler flattens a system prompt, windowed history and the new user
// input into the single string the engine continues from.
//
// Layout:
//
//	<system block><separator>
//	<User>: first question
//	<Assistant>: first answer
//	<User>: new input
//	<Assistant>:␠
type PromptAssembler struct {
	markers   generation.RoleMarkers
	separator string
	budget    *BudgetChecker
}

// NewPromptAssembler creates an assembler. A nil budget never rejects a prompt.
func NewPromptAssembler(markers generation.RoleMarkers, separator string, budget *BudgetChecker) *PromptAssembler {
	return &PromptAssembler{markers: markers, separator: separator, budget: budget}
}

// Markers returns the role markers fixed for this run.
func (a *PromptAssembler) Markers() generation.RoleMarkers { return a.markers }

// StopSequences returns the stops that end a reply before the model invents
// the next turn, followed by extra without duplicates.
func (a *PromptAssembler) StopSequences(extra []string) []string {
	stops := make([]string, 0, 3+len(extra))
	if a.markers.User != "" {
		stops = append(stops, a.markers.User+":", "\n"+a.markers.User+":")
	}
	if a.markers.Assistant != "" {
		stops = append(stops, "\n"+a.markers.Assistant+":")
	}
	for _, s := range extra {
		if s != "" && !slices.Contains(stops, s) {
			stops = append(stops, s)
		}
	}
	return stops
}

// Assemble is deterministic: the same inputs always produce the same bytes.
// It never truncates; ErrOversize is returned only when a budget is configured
// and the prompt exceeds it.
func (a *PromptAssembler) Assemble(system string, history []ports.Turn, input string) (string, error) {
	var b strings.Builder

	if system != "" {
		if a.markers.System != "" {
			b.WriteString(a.markers.System)
			b.WriteString(": ")
		}
		b.WriteString(normalize(system))
		b.WriteString(a.separator)
	}

	for _, t := range history {
		b.WriteString(a.marker(t.Role))
		b.WriteString(": ")
		b.WriteString(normalize(t.Content))
		b.WriteByte('\n')
	}

	b.WriteString(a.markers.User)
	b.WriteString(": ")
	b.WriteString(normalize(input))
	b.WriteByte('\n')
	b.WriteString(a.markers.Assistant)
	b.WriteString(": ")

	prompt := b.String()
	if err := a.budget.Check(prompt); err != nil {
		return "", err
	}
	return prompt, nil
}

func (a *PromptAssembler) marker(r ports.Role) string {
	switch r {
	case ports.RoleUser:
		return a.markers.User
	case ports.RoleAssistant:
		return a.markers.Assistant
	default:
		return string(r)
	}
}

// normalize keeps line endings stable so the same transcript always renders the same prompt
func normalize(s string) string { return strings.ReplaceAll(s, "\r\n", "\n") }
