package termsession_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renxida/opus-orchestra-sub001/internal/termsession"
	"github.com/renxida/opus-orchestra-sub001/internal/tmux"
)

func newManager(t *testing.T) (*termsession.Manager, *tmux.Tmux) {
	t.Helper()
	tm := tmux.New()
	if !tm.IsAvailable() {
		t.Skip("tmux binary not available")
	}
	return termsession.New(tm, "orchestra-test", ""), tm
}

func TestSessionNameIsDeterministicFromSessionID(t *testing.T) {
	m := termsession.New(tmux.New(), "oo", "")
	sessionID := "abcd1234-ef56-7890-abcd-1234567890ab"

	n1 := m.SessionName(sessionID)
	n2 := m.SessionName(sessionID)
	assert.Equal(t, n1, n2)
	assert.True(t, len(n1) > len("oo-"))
}

func TestSessionNameHasFirst12HexOfDashlessID(t *testing.T) {
	m := termsession.New(tmux.New(), "oo", "")
	sessionID := "abcd1234ef567890abcd1234567890ab"
	got := m.SessionName(sessionID)
	assert.Equal(t, "oo-abcd1234ef56", got)
}

func TestSessionNameDifferentIDsDifferentNames(t *testing.T) {
	m := termsession.New(tmux.New(), "oo", "")
	a := m.SessionName("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := m.SessionName("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	assert.NotEqual(t, a, b)
}

func TestCreateDetachedIsIdempotent(t *testing.T) {
	m, tm := newManager(t)
	name := fmt.Sprintf("orchestra-test-%d", time.Now().UnixNano())
	defer tm.KillSession(name)

	require.NoError(t, m.CreateDetached(name, ""))
	require.NoError(t, m.CreateDetached(name, ""))

	exists, err := m.Exists(name)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListSessionsFiltersByPrefix(t *testing.T) {
	m, tm := newManager(t)
	name := fmt.Sprintf("orchestra-test-%d", time.Now().UnixNano())
	require.NoError(t, tm.NewSession(name, ""))
	defer tm.KillSession(name)

	other := fmt.Sprintf("unrelated-%d", time.Now().UnixNano())
	require.NoError(t, tm.NewSession(other, ""))
	defer tm.KillSession(other)

	sessions, err := m.ListSessions()
	require.NoError(t, err)
	assert.Contains(t, sessions, name)
	assert.NotContains(t, sessions, other)
}

func TestKillRemovesSession(t *testing.T) {
	m, _ := newManager(t)
	name := fmt.Sprintf("orchestra-test-%d", time.Now().UnixNano())
	require.NoError(t, m.CreateDetached(name, ""))
	require.NoError(t, m.Kill(name))

	exists, err := m.Exists(name)
	require.NoError(t, err)
	assert.False(t, exists)
}
