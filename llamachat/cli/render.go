// Package cli implements the interactive terminal front-end.
package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/models"
	"github.com/ZanzyTHEbar/llamachat/llamachat/service"
)

var (
	purple = lipgloss.Color("#A78BFA")
	cyan   = lipgloss.Color("#22D3EE")
	amber  = lipgloss.Color("#FBBF24")
	rose   = lipgloss.Color("#FB7185")
	muted  = lipgloss.Color("#9CA3AF")

	promptStyle = lipgloss.NewStyle().Foreground(cyan).Bold(true)
	infoStyle   = lipgloss.NewStyle().Foreground(muted)
	titleStyle  = lipgloss.NewStyle().Foreground(purple).Bold(true)

	replyPanel = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1)
	failedPanel = replyPanel.BorderForeground(amber)
	errorPanel  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(rose).
			Foreground(rose).
			Padding(0, 1)
)

// Renderer turns replies and notices into terminal output.
type Renderer struct {
	width    int
	markdown *glamour.TermRenderer
}

// NewRenderer builds a renderer wrapping at width columns. Markdown rendering
// falls back to plain text if glamour cannot be set up.
func NewRenderer(markdown bool, width int) *Renderer {
	if width <= 0 {
		width = 100
	}
	r := &Renderer{width: width}
	if markdown {
		tr, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-4),
		)
		if err == nil {
			r.markdown = tr
		}
	}
	return r
}

// Reply renders an assistant reply. failed replies get a warning border.
func (r *Renderer) Reply(text string, failed bool) string {
	body := text
	if r.markdown != nil {
		if out, err := r.markdown.Render(text); err == nil {
			body = strings.Trim(out, "\n")
		}
	}
	style := replyPanel
	title := "Assistant"
	if failed {
		style = failedPanel
		title = "Assistant (error)"
	}
	return titleStyle.Render(title) + "\n" + style.Width(r.width).Render(body)
}

func (r *Renderer) Error(err error) string {
	return errorPanel.Width(r.width).Render("Error: " + err.Error())
}

func (r *Renderer) Info(msg string) string {
	return infoStyle.Render(msg)
}

// Banner is printed once when the REPL starts.
func (r *Renderer) Banner(st service.Status) string {
	var state string
	if st.ModelLoaded {
		state = "model: " + st.Model
	} else {
		state = "degraded mode, replies are placeholders"
		if st.LoadError != "" {
			state += "\n" + st.LoadError
		}
	}
	return titleStyle.Render("llamachat") + "\n" + infoStyle.Render(state) + "\n" +
		infoStyle.Render(`Type "help" for commands.`)
}

// Help lists the reserved words.
func (r *Renderer) Help() string {
	rows := [][]string{
		{"quit, exit, bye", "leave the chat"},
		{"clear", "forget the conversation so far"},
		{"help", "show this list"},
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(muted)).
		Headers("COMMAND", "ACTION").
		Rows(rows...)
	return t.Render()
}

// ModelsTable renders the catalogue with local download state.
func ModelsTable(infos []models.ModelInfo) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		Headers("NAME", "SIZE", "STATUS", "DESCRIPTION").
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true).Foreground(cyan)
			}
			return s
		})
	for _, m := range infos {
		name := m.Name
		if m.Recommended {
			name += " *"
		}
		size, status := m.Size, "not downloaded"
		if m.Downloaded {
			size = humanize.IBytes(uint64(m.SizeBytes))
			status = "downloaded"
		}
		t.Row(name, size, status, m.Description)
	}
	return t.Render()
}

// StorageSummary renders the models directory totals.
func StorageSummary(info models.StorageInfo) string {
	return fmt.Sprintf("%s  %d model files, %s",
		infoStyle.Render(info.Dir), info.Models, info.TotalSize)
}
