package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/pkg/core"
)

var _ sink.RenderingSink = (*Sink)(nil)

func marker(id string, lat, lon float64) core.MarkerEntity {
	return core.MarkerEntity{MemberID: id, DisplayLabel: id, Coordinate: core.Coordinate{Latitude: lat, Longitude: lon}}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestModel_ShowsMarkers(t *testing.T) {
	s := New("mygroup1")
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	m := update(t, s.model, markersMsg{markers: []core.MarkerEntity{marker("alice", 44.698921, -63.665212)}, at: at})

	view := m.View()
	assert.Contains(t, view, "Group mygroup1: 1 members")
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "44.698921")
	assert.Contains(t, view, "-63.665212")
	assert.Contains(t, view, "12:30:00")
}

func TestModel_KeepsChangeTimeOfUnmovedMembers(t *testing.T) {
	s := New("g")
	t1 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	m := update(t, s.model, markersMsg{markers: []core.MarkerEntity{marker("alice", 1, 1), marker("bob", 2, 2)}, at: t1})
	m = update(t, m, markersMsg{markers: []core.MarkerEntity{marker("alice", 1, 1), marker("bob", 3, 3)}, at: t2})

	require.Len(t, m.rows, 2)
	assert.Equal(t, t1, m.rows[0].Changed)
	assert.Equal(t, t2, m.rows[1].Changed)
	assert.Equal(t, t2, m.updated)
}

func TestModel_Clear(t *testing.T) {
	s := New("g")
	m := update(t, s.model, markersMsg{markers: []core.MarkerEntity{marker("alice", 1, 1)}, at: time.Now()})

	m = update(t, m, clearMsg{})

	assert.Empty(t, m.rows)
	assert.Contains(t, m.View(), "no members")
}

func TestModel_Quit(t *testing.T) {
	s := New("g")

	next, cmd := s.model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	require.NotNil(t, cmd)
	assert.True(t, next.(Model).quitting)
}

func TestSink_CoalescesUpdates(t *testing.T) {
	s := New("g")
	ctx := context.Background()

	require.NoError(t, s.ClearAll(ctx))
	require.NoError(t, s.AddAll(ctx, []core.MarkerEntity{marker("alice", 1, 1)}))

	msg := <-s.updates
	got, ok := msg.(markersMsg)
	require.True(t, ok)
	assert.Equal(t, "alice", got.markers[0].MemberID)

	select {
	case extra := <-s.updates:
		t.Fatalf("unexpected extra update %v", extra)
	default:
	}
}

func TestSink_InitWaitsForUpdates(t *testing.T) {
	s := New("g")
	cmd := s.model.Init()
	require.NotNil(t, cmd)

	require.NoError(t, s.ClearAll(context.Background()))

	assert.Equal(t, clearMsg{}, cmd())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
