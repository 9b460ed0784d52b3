package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

func testMatcher(name string, order int) model.Matcher {
	return model.Matcher{
		Name:        name,
		Owner:       "alice",
		CalendarID:  "primary",
		TaskAccount: "alice-clickup",
		ListID:      "L1",
		Order:       order,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*model.Matcher)
		wantErr bool
	}{
		{"name pattern only", func(m *model.Matcher) { m.NamePattern = "^TEST" }, false},
		{"description pattern only", func(m *model.Matcher) { m.DescriptionPattern = "#sync" }, false},
		{"no pattern", func(m *model.Matcher) {}, true},
		{"invalid regex", func(m *model.Matcher) { m.NamePattern = "(" }, true},
		{"missing list", func(m *model.Matcher) { m.NamePattern = "x"; m.ListID = "" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testMatcher("m", 0)
			tc.mutate(&m)
			err := Validate(m)
			if tc.wantErr {
				assert.True(t, syncerr.IsValidation(err), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestMatchEventPriority(t *testing.T) {
	low := testMatcher("low", 10)
	low.NamePattern = "^TEST"
	low.ListID = "L-low"
	high := testMatcher("high", 1)
	high.DescriptionPattern = `#clickup`
	high.ListID = "L-high"

	set, err := NewSet([]model.Matcher{low, high})
	require.NoError(t, err)

	m, ok := set.MatchEvent("alice", "primary", &calendar.Event{Summary: "TEST foo", Description: "see #clickup"})
	require.True(t, ok)
	assert.Equal(t, "high", m.Matcher.Name)
	assert.Equal(t, OnDescription, m.Field)

	m, ok = set.MatchEvent("alice", "primary", &calendar.Event{Summary: "TEST foo"})
	require.True(t, ok)
	assert.Equal(t, "low", m.Matcher.Name)
	assert.Equal(t, OnName, m.Field)
	assert.Equal(t, []string{"TEST"}, m.Groups)
}

func TestMatchEventScopedToCalendar(t *testing.T) {
	m := testMatcher("m", 0)
	m.NamePattern = "^TEST"
	set, err := NewSet([]model.Matcher{m})
	require.NoError(t, err)

	_, ok := set.MatchEvent("alice", "work", &calendar.Event{Summary: "TEST foo"})
	assert.False(t, ok)
	_, ok = set.MatchEvent("alice", "primary", &calendar.Event{Summary: "foo TEST"})
	assert.False(t, ok)
}

func TestMatchTaskByList(t *testing.T) {
	a := testMatcher("a", 2)
	a.NamePattern = "x"
	b := testMatcher("b", 1)
	b.NamePattern = "y"
	b.ListID = "L2"
	set, err := NewSet([]model.Matcher{a, b})
	require.NoError(t, err)

	m, ok := set.MatchTask("alice-clickup", &clickup.Task{ID: "t", List: clickup.ListRef{ID: "L1"}})
	require.True(t, ok)
	assert.Equal(t, "a", m.Matcher.Name)

	_, ok = set.MatchTask("bob-clickup", &clickup.Task{ID: "t", List: clickup.ListRef{ID: "L1"}})
	assert.False(t, ok)
}

func TestNewSetRejectsDuplicates(t *testing.T) {
	m := testMatcher("dup", 0)
	m.NamePattern = "x"
	_, err := NewSet([]model.Matcher{m, m})
	assert.True(t, syncerr.IsValidation(err))
}

func TestChanged(t *testing.T) {
	a := testMatcher("a", 0)
	a.NamePattern = "^A"
	other := testMatcher("o", 1)
	other.CalendarID = "work"
	other.NamePattern = "^O"

	prev, err := NewSet([]model.Matcher{a, other})
	require.NoError(t, err)

	a.NamePattern = "^B"
	next, err := NewSet([]model.Matcher{a, other})
	require.NoError(t, err)

	assert.Equal(t, []string{"alice/primary"}, next.Changed(prev))
	assert.Empty(t, next.Changed(next))
	assert.Equal(t, []string{"alice/primary", "alice/work"}, next.Changed(nil))
	assert.True(t, next.References("alice/work"))
	assert.False(t, next.References("bob/primary"))
}
