package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

// ErrQuit is returned by a LineReader when the user aborts input.
var ErrQuit = errors.New("input aborted")

// LineReader reads one line of input per call. It returns io.EOF or ErrQuit
// when there is nothing more to read.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// Chatter is the part of the application state the REPL drives.
type Chatter interface {
	Chat(ctx context.Context, sessionID, message string, overrides map[string]any) (*harness.Result, error)
	Clear(ctx context.Context, sessionID string) error
	Status() service.Status
}

// LinerReader reads lines with history and line editing. The history is
// loaded from and saved to historyFile when it is set.
type LinerReader struct {
	line        *liner.State
	historyFile string
}

func NewLinerReader(historyFile string) *LinerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	r := &LinerReader{line: line, historyFile: historyFile}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	return r
}

func (r *LinerReader) ReadLine(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", ErrQuit
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the history and restores the terminal.
func (r *LinerReader) Close() error {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o755); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = r.line.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.line.Close()
}

type command int

const (
	cmdNone command = iota
	cmdQuit
	cmdClear
	cmdHelp
)

// parseCommand recognizes the reserved words, ignoring case and surrounding space.
func parseCommand(input string) command {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "quit", "exit", "bye":
		return cmdQuit
	case "clear":
		return cmdClear
	case "help":
		return cmdHelp
	}
	return cmdNone
}

// REPL is the interactive chat loop.
type REPL struct {
	app       Chatter
	in        LineReader
	out       io.Writer
	render    *Renderer
	sessionID string
	logger    zerolog.Logger
}

func NewREPL(app Chatter, in LineReader, out io.Writer, render *Renderer, sessionID string, logger zerolog.Logger) *REPL {
	return &REPL{
		app:       app,
		in:        in,
		out:       out,
		render:    render,
		sessionID: sessionID,
		logger:    logger.With().Str("component", "repl").Str("session_id", sessionID).Logger(),
	}
}

// Run reads lines until the user quits, input ends or ctx is cancelled.
// Chat errors are shown inline and the loop continues.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, r.render.Banner(r.app.Status()))

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		input, err := r.in.ReadLine(promptStyle.Render("you> "))
		if errors.Is(err, io.EOF) || errors.Is(err, ErrQuit) {
			fmt.Fprintln(r.out)
			fmt.Fprintln(r.out, r.render.Info("Goodbye."))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		if strings.TrimSpace(input) == "" {
			continue
		}

		switch parseCommand(input) {
		case cmdQuit:
			fmt.Fprintln(r.out, r.render.Info("Goodbye."))
			return nil
		case cmdClear:
			if err := r.app.Clear(ctx, r.sessionID); err != nil {
				fmt.Fprintln(r.out, r.render.Error(err))
				continue
			}
			fmt.Fprintln(r.out, r.render.Info("Conversation history cleared."))
			continue
		case cmdHelp:
			fmt.Fprintln(r.out, r.render.Help())
			continue
		}

		result, err := r.app.Chat(ctx, r.sessionID, input, nil)
		if err != nil {
			r.logger.Error().Err(err).Msg("Chat failed")
			fmt.Fprintln(r.out, r.render.Error(err))
			continue
		}
		fmt.Fprintln(r.out, r.render.Reply(result.Response, result.Failed))
	}
}
