// Package tui is the interactive version picker.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/felixgeelhaar/strata/internal/catalog"
)

// ErrCancelled is returned when the user leaves the picker without choosing.
var ErrCancelled = errors.New("version selection cancelled")

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#777777"))
)

// Model lists the versions of one artifact, newest first.
type Model struct {
	Path     string
	Versions []catalog.Version
	Cursor   int
	Chosen   string
	Quitting bool
	Viewport viewport.Model
	Ready    bool
	Width    int
	Height   int
}

// NewModel returns a picker positioned on the latest version.
func NewModel(path string, versions []catalog.Version) Model {
	return Model{Path: path, Versions: versions}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.Quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.Cursor > 0 {
				m.Cursor--
			}
		case "down", "j":
			if m.Cursor < len(m.Versions)-1 {
				m.Cursor++
			}
		case "home", "g":
			m.Cursor = 0
		case "end", "G":
			if len(m.Versions) > 0 {
				m.Cursor = len(m.Versions) - 1
			}
		case "enter":
			if len(m.Versions) > 0 {
				m.Chosen = m.Versions[m.Cursor].ID
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		if !m.Ready {
			m.Viewport = viewport.New(msg.Width, msg.Height-4)
			m.Ready = true
		} else {
			m.Viewport.Width = msg.Width
			m.Viewport.Height = msg.Height - 4
		}
	}

	if m.Ready {
		m.Viewport.SetContent(m.rows())
		if m.Cursor < m.Viewport.YOffset {
			m.Viewport.SetYOffset(m.Cursor)
		} else if m.Cursor >= m.Viewport.YOffset+m.Viewport.Height {
			m.Viewport.SetYOffset(m.Cursor - m.Viewport.Height + 1)
		}
	}
	return m, nil
}

func (m Model) rows() string {
	var b strings.Builder
	for i, v := range m.Versions {
		label := fmt.Sprintf("%-3s %s  %8s  %s", offsetLabel(i), v.ID,
			humanize.IBytes(uint64(max(v.SizeBytes, 0))), humanize.Time(v.CreatedAt))
		if i == m.Cursor {
			b.WriteString(selectedStyle.Render("> " + label))
		} else {
			b.WriteString(dimStyle.Render("  " + label))
		}
		if i < len(m.Versions)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func offsetLabel(i int) string {
	if i == 0 {
		return "0"
	}
	return fmt.Sprintf("-%d", i)
}

func (m Model) View() string {
	header := titleStyle.Render(fmt.Sprintf(" %s ", m.Path))
	help := dimStyle.Render("up/down to move, enter to load, q to cancel")
	body := m.rows()
	if m.Ready {
		body = m.Viewport.View()
	}
	view := fmt.Sprintf("%s\n\n%s\n\n%s", header, body, help)
	if m.Quitting {
		return view + "\n  Cancelled.\n"
	}
	return view
}

// Pick runs the picker on the terminal and returns the chosen version id.
// Its signature matches version.Picker.
func Pick(ctx context.Context, path string, versions []catalog.Version) (string, error) {
	p := tea.NewProgram(NewModel(path, versions), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return "", fmt.Errorf("version picker: %w", err)
	}
	m, ok := final.(Model)
	if !ok || m.Chosen == "" {
		return "", ErrCancelled
	}
	return m.Chosen, nil
}
