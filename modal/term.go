package modal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	termBox = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#ff6b9a")).
		Padding(0, 1)
	termTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ffd166"))
	termBody    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e6e6e6"))
	termButtons = lipgloss.NewStyle().Foreground(lipgloss.Color("#8a8a8a"))
)

// TermDialog draws the dialog as a bordered box on a terminal.
type TermDialog struct {
	mu      sync.Mutex
	w       io.Writer
	width   int
	content Content
	visible bool
}

// NewTermDialog returns a hidden dialog showing resting until something else is
// applied. width <= 0 lets the box size itself to its content.
func NewTermDialog(w io.Writer, width int, resting Content) *TermDialog {
	return &TermDialog{w: w, width: width, content: resting}
}

func (d *TermDialog) Content() Content {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

func (d *TermDialog) Apply(c Content) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content = c
	if d.visible {
		d.draw()
	}
}

func (d *TermDialog) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = true
	d.draw()
}

func (d *TermDialog) Hide() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = false
}

// ActiveElement always returns nil; a terminal has no focus to restore.
func (d *TermDialog) ActiveElement() Focusable { return nil }

// Visible reports whether the dialog is open.
func (d *TermDialog) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// View renders the current content.
func (d *TermDialog) View() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.render()
}

func (d *TermDialog) render() string {
	var parts []string
	if d.content.Title != "" {
		parts = append(parts, termTitle.Render(d.content.Title))
	}
	if d.content.Body != "" {
		parts = append(parts, termBody.Render(d.content.Body))
	}
	if d.content.Buttons != "" {
		parts = append(parts, termButtons.Render(d.content.Buttons))
	}
	box := termBox
	if d.width > 0 {
		box = box.Width(d.width)
	}
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (d *TermDialog) draw() {
	if d.w == nil {
		return
	}
	fmt.Fprintln(d.w, d.render())
}

// ButtonBar renders labels as a footer line.
func ButtonBar(labels ...string) string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = "[ " + l + " ]"
	}
	return strings.Join(out, " ")
}
