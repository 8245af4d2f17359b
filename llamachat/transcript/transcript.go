// Package transcript reads and writes conversation histories as JSON files.
package transcript

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidTranscript is returned when a file does not match the transcript schema.
var ErrInvalidTranscript = errors.New("invalid transcript")

//go:embed schema.json
var schema []byte

var schemaLoader = gojsonschema.NewBytesLoader(schema)

// Marshal renders turns as an indented JSON array. HTML characters are kept
// as written.
func Marshal(turns []ports.Turn) ([]byte, error) {
	if turns == nil {
		turns = []ports.Turn{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(turns); err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal validates data against the transcript schema and decodes it.
func Unmarshal(data []byte) ([]ports.Turn, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var turns []ports.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}
	if err := ports.ValidateTurns(turns...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}
	return turns, nil
}

// Validate checks data against the embedded schema.
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}

	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidTranscript, strings.Join(problems, "; "))
	}
	return nil
}

// Save writes turns to path, creating parent directories as needed.
func Save(path string, turns []ports.Turn) error {
	data, err := Marshal(turns)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create transcript directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write transcript %s: %w", path, err)
	}
	return nil
}

// Load reads and validates the transcript at path.
func Load(path string) ([]ports.Turn, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript %s: %w", path, err)
	}
	return Unmarshal(data)
}
