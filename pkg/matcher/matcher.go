// Package matcher resolves calendar events and ClickUp tasks to the user rule
// that syncs them. Rules are evaluated strictly in priority order and the first
// satisfied rule wins.
package matcher

import (
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/mo"
	"google.golang.org/api/calendar/v3"

	"github.com/esdandreu/gcal2clickup/pkg/clickup"
	"github.com/esdandreu/gcal2clickup/pkg/model"
	"github.com/esdandreu/gcal2clickup/pkg/syncerr"
)

// Matched field names reported in Match.Field.
const (
	OnName        = "name"
	OnDescription = "description"
	OnList        = "list"
)

// Match is a successful rule resolution.
type Match struct {
	Matcher model.Matcher
	Field   string
	Groups  []string
}

type rule struct {
	model.Matcher
	name        mo.Option[*regexp.Regexp]
	description mo.Option[*regexp.Regexp]
}

// Set is an immutable priority-ordered rule set.
type Set struct {
	rules []rule
}

// Validate checks the write-time invariants of a matcher.
func Validate(m model.Matcher) error {
	_, err := compile(m)
	return err
}

func compile(m model.Matcher) (rule, error) {
	r := rule{Matcher: m}
	switch {
	case strings.TrimSpace(m.Name) == "":
		return r, syncerr.Validationf("matcher has no name")
	case m.Owner == "" || m.CalendarID == "":
		return r, syncerr.Validationf("matcher %s: owner and calendar_id are required", m.Name)
	case m.TaskAccount == "" || m.ListID == "":
		return r, syncerr.Validationf("matcher %s: task_account and list_id are required", m.Name)
	case m.NamePattern == "" && m.DescriptionPattern == "":
		return r, syncerr.Validationf("matcher %s: at least one of name_pattern or description_pattern is required", m.Name)
	}
	var err error
	if r.name, err = optionalPattern(m.Name, "name_pattern", m.NamePattern); err != nil {
		return r, err
	}
	if r.description, err = optionalPattern(m.Name, "description_pattern", m.DescriptionPattern); err != nil {
		return r, err
	}
	return r, nil
}

func optionalPattern(matcher, field, pattern string) (mo.Option[*regexp.Regexp], error) {
	if pattern == "" {
		return mo.None[*regexp.Regexp](), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return mo.None[*regexp.Regexp](), syncerr.Validationf("matcher %s: invalid %s: %v", matcher, field, err)
	}
	return mo.Some(re), nil
}

// NewSet validates and orders matchers. Ties in Order keep input order.
func NewSet(matchers []model.Matcher) (*Set, error) {
	rules := make([]rule, 0, len(matchers))
	seen := make(map[string]bool, len(matchers))
	for _, m := range matchers {
		if seen[m.Name] {
			return nil, syncerr.Validationf("duplicate matcher name %q", m.Name)
		}
		seen[m.Name] = true
		r, err := compile(m)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Order < rules[j].Order })
	return &Set{rules: rules}, nil
}

// MatchEvent returns the first rule of the calendar whose name pattern matches the
// summary or, failing that, whose description pattern matches the description.
func (s *Set) MatchEvent(owner, calendarID string, ev *calendar.Event) (Match, bool) {
	if s == nil || ev == nil {
		return Match{}, false
	}
	for _, r := range s.rules {
		if r.Owner != owner || r.CalendarID != calendarID {
			continue
		}
		if re, ok := r.name.Get(); ok {
			if groups := re.FindStringSubmatch(ev.Summary); groups != nil {
				return Match{Matcher: r.Matcher, Field: OnName, Groups: groups}, true
			}
		}
		if ev.Description == "" {
			continue
		}
		if re, ok := r.description.Get(); ok {
			if groups := re.FindStringSubmatch(ev.Description); groups != nil {
				return Match{Matcher: r.Matcher, Field: OnDescription, Groups: groups}, true
			}
		}
	}
	return Match{}, false
}

// MatchTask returns the first rule of the account targeting the task's list.
func (s *Set) MatchTask(account string, task *clickup.Task) (Match, bool) {
	if s == nil || task == nil {
		return Match{}, false
	}
	for _, r := range s.rules {
		if r.TaskAccount == account && r.ListID == task.List.ID {
			return Match{Matcher: r.Matcher, Field: OnList, Groups: []string{task.List.ID}}, true
		}
	}
	return Match{}, false
}

// Matchers returns the rules in priority order.
func (s *Set) Matchers() []model.Matcher {
	if s == nil {
		return nil
	}
	out := make([]model.Matcher, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Matcher)
	}
	return out
}

// Get returns a rule by name.
func (s *Set) Get(name string) (model.Matcher, bool) {
	if s == nil {
		return model.Matcher{}, false
	}
	for _, r := range s.rules {
		if r.Name == name {
			return r.Matcher, true
		}
	}
	return model.Matcher{}, false
}

// References reports whether any rule refers to the subscription key.
func (s *Set) References(subscriptionKey string) bool {
	return len(s.bySubscription()[subscriptionKey]) > 0
}

// Changed returns the subscription keys whose rules differ between prev and s.
// Items that did not qualify before may qualify now, so those cursors must be reset.
func (s *Set) Changed(prev *Set) []string {
	before, after := prev.bySubscription(), s.bySubscription()
	var keys []string
	for k, rules := range after {
		if !reflect.DeepEqual(before[k], rules) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Set) bySubscription() map[string][]model.Matcher {
	out := map[string][]model.Matcher{}
	if s == nil {
		return out
	}
	for _, r := range s.rules {
		out[r.SubscriptionKey()] = append(out[r.SubscriptionKey()], r.Matcher)
	}
	return out
}
