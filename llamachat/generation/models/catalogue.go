package models

import (
	"fmt"
	"slices"
	"strings"

	"github.com/armon/go-radix"
)

// CatalogueEntry describes a downloadable model.
type CatalogueEntry struct {
	Name        string `json:"name"`
	Repo        string `json:"repo_id"`
	Filename    string `json:"filename"`
	Description string `json:"description"`
	Size        string `json:"size"`
	Recommended bool   `json:"recommended"`
}

// DefaultCatalogue lists the recommended quantized chat models.
var DefaultCatalogue = []CatalogueEntry{
	{
		Name:        "Llama-2-7B-Chat",
		Repo:        "TheBloke/Llama-2-7B-Chat-GGML",
		Filename:    "llama-2-7b-chat.q4_0.bin",
		Description: "Meta's Llama-2 7B chat model, quantized for a balance of speed and quality",
		Size:        "3.5GB",
		Recommended: true,
	},
	{
		Name:        "CodeLlama-7B",
		Repo:        "TheBloke/CodeLlama-7B-GGML",
		Filename:    "codellama-7b.q4_0.bin",
		Description: "Llama variant tuned for code generation",
		Size:        "3.5GB",
	},
	{
		Name:        "Mistral-7B-Instruct",
		Repo:        "TheBloke/Mistral-7B-Instruct-v0.1-GGML",
		Filename:    "mistral-7b-instruct-v0.1.q4_0.bin",
		Description: "Mistral AI's 7B instruction-tuned model",
		Size:        "3.5GB",
		Recommended: true,
	},
	{
		Name:        "Vicuna-7B",
		Repo:        "TheBloke/vicuna-7B-1.1-GGML",
		Filename:    "vicuna-7b-1.1.q4_0.bin",
		Description: "Vicuna chat model built on Llama",
		Size:        "3.5GB",
	},
	{
		Name:        "OpenChat-3.5",
		Repo:        "TheBloke/openchat_3.5-GGML",
		Filename:    "openchat_3.5.q4_0.bin",
		Description: "OpenChat 3.5 chat model",
		Size:        "3.5GB",
		Recommended: true,
	},
}

// Catalogue resolves model names by exact match or unique prefix, ignoring case.
type Catalogue struct {
	tree    *radix.Tree
	entries []CatalogueEntry
}

func NewCatalogue(entries []CatalogueEntry) *Catalogue {
	tree := radix.New()
	for _, e := range entries {
		tree.Insert(strings.ToLower(e.Name), e)
	}
	return &Catalogue{tree: tree, entries: slices.Clone(entries)}
}

// Entries returns the catalogue in declaration order.
func (c *Catalogue) Entries() []CatalogueEntry {
	return slices.Clone(c.entries)
}

// Lookup finds the entry for name. A prefix shared by several entries is
// reported as ErrAmbiguousModel.
func (c *Catalogue) Lookup(name string) (CatalogueEntry, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return CatalogueEntry{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	if v, ok := c.tree.Get(key); ok {
		return v.(CatalogueEntry), nil
	}

	var matches []CatalogueEntry
	c.tree.WalkPrefix(key, func(_ string, v interface{}) bool {
		matches = append(matches, v.(CatalogueEntry))
		return false
	})

	switch len(matches) {
	case 0:
		return CatalogueEntry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Name
		}
		return CatalogueEntry{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguousModel, name, strings.Join(names, ", "))
	}
}
