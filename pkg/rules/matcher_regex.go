package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// regexMatcher compiles one alternation per rule (patterns joined with `|`,
// each wrapped in its own non-capturing group), matching the original
// guardian engine's "combine all patterns with OR" compilation.
type regexMatcher struct {
	byRule map[string]*regexp.Regexp
}

func newRegexMatcher(rules []Rule) (*regexMatcher, error) {
	m := &regexMatcher{byRule: map[string]*regexp.Regexp{}}
	for _, r := range rules {
		if r.Kind != MatchRegex || !r.Enabled {
			continue
		}
		patterns := nonEmpty(r.Patterns)
		parts := make([]string, len(patterns))
		for i, p := range patterns {
			parts[i] = "(?:" + p + ")"
		}
		combined := strings.Join(parts, "|")
		if !r.CaseSensitive {
			combined = "(?i)" + combined
		}
		re, err := regexp.Compile(combined)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile pattern: %w", r.ID, err)
		}
		m.byRule[r.ID] = re
	}
	return m, nil
}

type regexMatch struct {
	text       string
	start, end int
}

// match returns the first regex hit per rule against text. The engine caps
// matches at one per rule regardless of matcher kind, so only the first
// match location is kept.
func (m *regexMatcher) match(text string) map[string]regexMatch {
	out := map[string]regexMatch{}
	if text == "" {
		return out
	}
	for ruleID, re := range m.byRule {
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		out[ruleID] = regexMatch{text: text[loc[0]:loc[1]], start: loc[0], end: loc[1]}
	}
	return out
}
