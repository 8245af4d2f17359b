package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/models"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

// scriptReader replays fixed lines, then reports end.
type scriptReader struct {
	lines []string
	end   error
}

func (s *scriptReader) ReadLine(string) (string, error) {
	if len(s.lines) == 0 {
		if s.end != nil {
			return "", s.end
		}
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptReader) Close() error { return nil }

type fakeChat struct {
	inputs []string
	clears int
	err    error
	failed bool
	status service.Status
}

func (f *fakeChat) Chat(ctx context.Context, sessionID, message string, overrides map[string]any) (*harness.Result, error) {
	f.inputs = append(f.inputs, message)
	if f.err != nil {
		return nil, f.err
	}
	return &harness.Result{Response: "reply to " + message, Failed: f.failed}, nil
}

func (f *fakeChat) Clear(ctx context.Context, sessionID string) error {
	f.clears++
	return nil
}

func (f *fakeChat) Status() service.Status { return f.status }

func run(t *testing.T, app Chatter, in LineReader) string {
	t.Helper()
	var out bytes.Buffer
	repl := NewREPL(app, in, &out, NewRenderer(false, 60), "cli-session", zerolog.Nop())
	require.NoError(t, repl.Run(context.Background()))
	return out.String()
}

func TestParseCommand(t *testing.T) {
	tests := map[string]command{
		"quit":     cmdQuit,
		"EXIT":     cmdQuit,
		"  Bye ":   cmdQuit,
		"clear":    cmdClear,
		"Help":     cmdHelp,
		"quit now": cmdNone,
		"hello":    cmdNone,
		"":         cmdNone,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseCommand(input), "input %q", input)
	}
}

func TestREPLSkipsBlankLinesAndStopsOnQuit(t *testing.T) {
	app := &fakeChat{status: service.Status{ModelLoaded: true, Model: "tiny.gguf"}}
	out := run(t, app, &scriptReader{lines: []string{"", "   ", "hello", "QUIT", "never sent"}})

	assert.Equal(t, []string{"hello"}, app.inputs)
	assert.Contains(t, out, "tiny.gguf")
	assert.Contains(t, out, "reply to hello")
	assert.Contains(t, out, "Goodbye.")
}

func TestREPLReservedWords(t *testing.T) {
	app := &fakeChat{}
	out := run(t, app, &scriptReader{lines: []string{"help", "Clear", "bye"}})

	assert.Empty(t, app.inputs)
	assert.Equal(t, 1, app.clears)
	assert.Contains(t, out, "COMMAND")
	assert.Contains(t, out, "Conversation history cleared.")
}

func TestREPLShowsErrorsAndContinues(t *testing.T) {
	app := &fakeChat{err: errors.New("store unavailable")}
	out := run(t, app, &scriptReader{lines: []string{"one", "two"}})

	assert.Equal(t, []string{"one", "two"}, app.inputs)
	assert.Equal(t, 2, strings.Count(out, "store unavailable"))
}

func TestREPLEndsOnAbort(t *testing.T) {
	app := &fakeChat{}
	out := run(t, app, &scriptReader{end: ErrQuit})
	assert.Contains(t, out, "Goodbye.")
}

func TestREPLReadFailure(t *testing.T) {
	var out bytes.Buffer
	repl := NewREPL(&fakeChat{}, &scriptReader{end: errors.New("tty gone")}, &out, NewRenderer(false, 60), "s", zerolog.Nop())
	assert.ErrorContains(t, repl.Run(context.Background()), "tty gone")
}

func TestREPLStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	app := &fakeChat{}
	var out bytes.Buffer
	repl := NewREPL(app, &scriptReader{lines: []string{"hello"}}, &out, NewRenderer(false, 60), "s", zerolog.Nop())
	require.NoError(t, repl.Run(ctx))
	assert.Empty(t, app.inputs)
}

func TestRendererDegradedBanner(t *testing.T) {
	r := NewRenderer(false, 60)
	banner := r.Banner(service.Status{Mode: harness.ModeDegraded, LoadError: "no model configured"})
	assert.Contains(t, banner, "degraded mode")
	assert.Contains(t, banner, "no model configured")
}

func TestRendererFailedReply(t *testing.T) {
	r := NewRenderer(false, 60)
	assert.Contains(t, r.Reply("oops", true), "Assistant (error)")
	assert.NotContains(t, r.Reply("fine", false), "(error)")
}

func TestRendererMarkdown(t *testing.T) {
	r := NewRenderer(true, 60)
	out := r.Reply("**bold** text", false)
	assert.Contains(t, out, "bold")
	assert.Contains(t, out, "Assistant")
}

func TestModelsTable(t *testing.T) {
	out := ModelsTable([]models.ModelInfo{
		{CatalogueEntry: models.CatalogueEntry{Name: "llama-2", Size: "3.8GB", Description: "chat", Recommended: true}},
		{CatalogueEntry: models.CatalogueEntry{Name: "mistral", Size: "4.1GB"}, Downloaded: true, SizeBytes: 2048},
	})
	assert.Contains(t, out, "llama-2 *")
	assert.Contains(t, out, "not downloaded")
	assert.Contains(t, out, "2.0 KiB")
}

func TestStorageSummary(t *testing.T) {
	out := StorageSummary(models.StorageInfo{Dir: "/models", Models: 2, TotalSize: "1.0 GiB"})
	assert.Contains(t, out, "2 model files, 1.0 GiB")
}
