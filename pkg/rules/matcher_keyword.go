package rules

import "strings"

// keywordMatch is one keyword hit before it is resolved to its owning rule.
type keywordMatch struct {
	keyword    string
	start, end int
}

// keywordMatcher multi-pattern substring-scans case-folded text. It does not
// build a real Aho-Corasick automaton (no trie library appears anywhere in
// the example pack); a single pass per keyword over the text is fast enough
// at rule-set sizes this engine targets (low hundreds), and keeps the build
// step allocation-free.
type keywordMatcher struct {
	// byKeyword maps a normalized keyword to the rule ids that declared it.
	byKeyword map[string][]string
	// caseSensitiveKeywords holds the keywords that must be matched verbatim instead
	// of case-folded, keyed the same way.
	caseSensitiveKeywords map[string][]string
}

func newKeywordMatcher(rules []Rule) *keywordMatcher {
	m := &keywordMatcher{
		byKeyword:             map[string][]string{},
		caseSensitiveKeywords: map[string][]string{},
	}
	for _, r := range rules {
		if r.Kind != MatchKeyword || !r.Enabled {
			continue
		}
		for _, kw := range nonEmpty(r.Keywords) {
			if r.CaseSensitive {
				m.caseSensitiveKeywords[kw] = append(m.caseSensitiveKeywords[kw], r.ID)
			} else {
				norm := strings.ToLower(kw)
				m.byKeyword[norm] = append(m.byKeyword[norm], r.ID)
			}
		}
	}
	return m
}

// match returns every keyword hit against text, each carrying the rule ids
// that own it.
func (m *keywordMatcher) match(text string) map[string][]keywordMatch {
	out := map[string][]keywordMatch{}
	if text == "" {
		return out
	}

	lower := strings.ToLower(text)
	for kw, ruleIDs := range m.byKeyword {
		for _, pos := range allIndexes(lower, kw) {
			hit := keywordMatch{keyword: kw, start: pos, end: pos + len(kw)}
			for _, id := range ruleIDs {
				out[id] = append(out[id], hit)
			}
		}
	}
	for kw, ruleIDs := range m.caseSensitiveKeywords {
		for _, pos := range allIndexes(text, kw) {
			hit := keywordMatch{keyword: kw, start: pos, end: pos + len(kw)}
			for _, id := range ruleIDs {
				out[id] = append(out[id], hit)
			}
		}
	}
	return out
}

// allIndexes returns every (possibly overlapping) occurrence of sub in s.
func allIndexes(s, sub string) []int {
	if sub == "" {
		return nil
	}
	var idxs []int
	start := 0
	for {
		i := strings.Index(s[start:], sub)
		if i == -1 {
			break
		}
		idxs = append(idxs, start+i)
		start += i + 1
		if start >= len(s) {
			break
		}
	}
	return idxs
}
