package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleDocument is the on-disk YAML shape: a list of rules, optionally
// wrapped in a `rules:` document with file-level metadata ignored here.
type ruleDocument struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Category      string   `yaml:"category" json:"category"`
	Severity      string   `yaml:"severity" json:"severity"`
	Action        string   `yaml:"action" json:"action"`
	MatchKind     string   `yaml:"match_kind" json:"match_kind"`
	Keywords      []string `yaml:"keywords" json:"keywords"`
	Patterns      []string `yaml:"patterns" json:"patterns"`
	Confidence    float64  `yaml:"confidence" json:"confidence"`
	CaseSensitive bool     `yaml:"case_sensitive" json:"case_sensitive"`
	Enabled       *bool    `yaml:"enabled" json:"enabled"`
	Priority      int      `yaml:"priority" json:"priority"`
}

// toRule resolves defaults and infers MatchKind when the document omits it,
// mirroring the original loader's "patterns present => regex" inference.
func (e ruleEntry) toRule() (Rule, error) {
	if e.ID == "" {
		return Rule{}, fmt.Errorf("rule entry missing id")
	}

	kind := MatchKind(strings.ToLower(e.MatchKind))
	if kind == "" {
		if len(nonEmpty(e.Patterns)) > 0 {
			kind = MatchRegex
		} else {
			kind = MatchKeyword
		}
	}

	severity := Severity(strings.ToLower(e.Severity))
	if severity == "" {
		severity = SeverityMedium
	}
	action := Action(strings.ToLower(e.Action))
	if action == "" {
		action = ActionBlock
	}
	confidence := e.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	enabled := true
	if e.Enabled != nil {
		enabled = *e.Enabled
	}

	r := Rule{
		ID:            e.ID,
		Name:          e.Name,
		Category:      e.Category,
		Severity:      severity,
		Action:        action,
		Kind:          kind,
		Keywords:      e.Keywords,
		Patterns:      e.Patterns,
		Confidence:    confidence,
		CaseSensitive: e.CaseSensitive,
		Enabled:       enabled,
		Priority:      e.Priority,
	}
	if r.Category == "" {
		r.Category = "general"
	}
	if err := r.validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// LoadDir reads every *.yaml/*.yml file in dir, in lexical order, and
// returns the combined, validated rule set. A later rule with the same id
// as an earlier one overrides it (last file wins, within a file last entry
// wins), matching the registry's "already exists, updating" behavior.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	byID := map[string]Rule{}
	var order []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule file %s: %w", path, err)
		}
		var doc ruleDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rule file %s: %w", path, err)
		}
		for _, entry := range doc.Rules {
			rule, err := entry.toRule()
			if err != nil {
				return nil, fmt.Errorf("rule file %s: %w", path, err)
			}
			if _, seen := byID[rule.ID]; !seen {
				order = append(order, rule.ID)
			}
			byID[rule.ID] = rule
		}
	}

	out := make([]Rule, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// LoadDynamic decodes the JSON rule blobs stored in the coordination store's
// guardian:dynamic_rules set — rules added there at runtime take effect on
// the next reload, without a file change or process restart. No package in
// this module writes to that set.
func LoadDynamic(blobs []string) ([]Rule, error) {
	out := make([]Rule, 0, len(blobs))
	for i, blob := range blobs {
		var entry ruleEntry
		if err := json.Unmarshal([]byte(blob), &entry); err != nil {
			return nil, fmt.Errorf("dynamic rule %d: %w", i, err)
		}
		rule, err := entry.toRule()
		if err != nil {
			return nil, fmt.Errorf("dynamic rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}
