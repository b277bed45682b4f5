// Package tui renders the marker set as a live terminal member board.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/OCAP2/locsync/pkg/core"
)

type clearMsg struct{}

type markersMsg struct {
	markers []core.MarkerEntity
	at      time.Time
}

type row struct {
	MemberID string
	Label    string
	Coord    core.Coordinate
	Changed  time.Time
}

// Model is the bubbletea model of the member board.
type Model struct {
	groupID  string
	rows     []row
	updates  <-chan tea.Msg
	updated  time.Time
	quitting bool
}

// waitForUpdate waits for the next sink update and delivers it as a message
func waitForUpdate(updates <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m Model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case clearMsg:
		m.rows = nil
		return m, waitForUpdate(m.updates)

	case markersMsg:
		m.rows = merge(m.rows, msg.markers, msg.at)
		m.updated = msg.at
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

// merge builds the rows for markers, keeping the change time of members whose
// coordinate did not move.
func merge(prev []row, markers []core.MarkerEntity, at time.Time) []row {
	known := make(map[string]row, len(prev))
	for _, r := range prev {
		known[r.MemberID] = r
	}

	rows := make([]row, 0, len(markers))
	for _, mk := range markers {
		r := row{MemberID: mk.MemberID, Label: mk.DisplayLabel, Coord: mk.Coordinate, Changed: at}
		if r.Label == "" {
			r.Label = mk.MemberID
		}
		if old, ok := known[mk.MemberID]; ok && old.Coord == mk.Coordinate {
			r.Changed = old.Changed
		}
		rows = append(rows, r)
	}
	return rows
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF00"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 1)
)

func (m Model) View() string {
	if m.quitting {
		return "Bye!\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Group %s: %d members", m.groupID, len(m.rows))))
	b.WriteString("\n\n")
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %11s %12s  %s", "MEMBER", "LAT", "LON", "CHANGED")))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		b.WriteString("no members\n")
	}
	for _, r := range m.rows {
		fmt.Fprintf(&b, "%-20s %11.6f %12.6f  %s\n", truncate(r.Label, 20), r.Coord.Latitude, r.Coord.Longitude, r.Changed.Format("15:04:05"))
	}

	if !m.updated.IsZero() {
		fmt.Fprintf(&b, "\nlast update %s", m.updated.Format(time.RFC3339))
	}

	return boxStyle.Render(b.String()) + "\n" + helpStyle.Render("q: quit") + "\n"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Sink feeds the member board. Updates are coalesced; the board always shows
// the latest collection.
type Sink struct {
	updates chan tea.Msg
	model   Model
	opts    []tea.ProgramOption
	now     func() time.Time
}

// New creates a board sink for groupID.
func New(groupID string, opts ...tea.ProgramOption) *Sink {
	updates := make(chan tea.Msg, 1)
	return &Sink{
		updates: updates,
		model:   Model{groupID: groupID, updates: updates},
		opts:    opts,
		now:     time.Now,
	}
}

// Run shows the board until the user quits or ctx is done.
func (s *Sink) Run(ctx context.Context) error {
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, s.opts...)
	_, err := tea.NewProgram(s.model, opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// ClearAll empties the board.
func (s *Sink) ClearAll(ctx context.Context) error {
	s.push(clearMsg{})
	return nil
}

// AddAll shows markers on the board.
func (s *Sink) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	cp := make([]core.MarkerEntity, len(markers))
	copy(cp, markers)
	s.push(markersMsg{markers: cp, at: s.now()})
	return nil
}

// push replaces any update the board has not consumed yet.
func (s *Sink) push(msg tea.Msg) {
	for {
		select {
		case s.updates <- msg:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
