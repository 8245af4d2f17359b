package generation

import (
	"fmt"
	"slices"
	"strings"
)

// RoleMarkers are the literal prefixes rendered in front of each prompt line.
type RoleMarkers struct {
	System    string `json:"system,omitempty"` // optional; empty renders the system prompt bare
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Marker presets seen in deployed prompt formats.
var markerPresets = map[string]RoleMarkers{
	"english": {User: "Human", Assistant: "Assistant"},
	"chinese": {System: "系统", User: "用户", Assistant: "助手"},
}

// System prompt presets selectable with prompt.system_preset.
var systemPresets = map[string]string{
	"default": `You are Unlimited Agent, a capable local AI assistant. You:

1. Answer questions directly and thoroughly
2. Reason step by step when a problem calls for it
3. Offer practical, creative solutions
4. Adapt the level of detail to what the user needs

Stay friendly and professional. Approach sensitive topics constructively.`,

	"creative": `You are a highly creative assistant who helps with creative writing, brainstorming,
role play, artistic inspiration and inventive problem solving. Respond with imagination.`,

	"technical": `You are a technical expert assistant. You help with programming, system architecture,
data analysis, troubleshooting and technical writing. Give accurate, detailed answers with code
examples where useful.`,

	"casual": `You are a relaxed, friendly companion who enjoys light conversation. Be warm and
upbeat, use a little humour, and keep the chat easygoing.`,
}

// MarkerPreset returns the named marker set.
func MarkerPreset(name string) (RoleMarkers, error) {
	m, ok := markerPresets[strings.ToLower(name)]
	if !ok {
		return RoleMarkers{}, fmt.Errorf("unknown marker preset %q (known: %s)", name, strings.Join(MarkerPresetNames(), ", "))
	}
	return m, nil
}

// ResolveMarkers applies explicit overrides on top of a preset.
func ResolveMarkers(preset, system, user, assistant string) (RoleMarkers, error) {
	m, err := MarkerPreset(preset)
	if err != nil {
		return RoleMarkers{}, err
	}
	if system != "" {
		m.System = system
	}
	if user != "" {
		m.User = user
	}
	if assistant != "" {
		m.Assistant = assistant
	}
	return m, nil
}

// SystemPrompt returns the preset text, falling back to "default" for unknown names.
func SystemPrompt(preset string) string {
	if p, ok := systemPresets[strings.ToLower(preset)]; ok {
		return p
	}
	return systemPresets["default"]
}

// ResolveSystemPrompt prefers an explicit prompt over the preset.
func ResolveSystemPrompt(explicit, preset string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return SystemPrompt(preset)
}

func MarkerPresetNames() []string {
	return sortedKeys(markerPresets)
}

func SystemPresetNames() []string {
	return sortedKeys(systemPresets)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
