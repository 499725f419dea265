package rules

import "testing"

func TestRuleEntryToRule(t *testing.T) {
	tests := []struct {
		name    string
		entry   ruleEntry
		wantErr bool
	}{
		{
			name:    "keyword rule without keywords is rejected",
			entry:   ruleEntry{ID: "r1", MatchKind: "keyword"},
			wantErr: true,
		},
		{
			name:    "regex rule without patterns is rejected",
			entry:   ruleEntry{ID: "r2", MatchKind: "regex"},
			wantErr: true,
		},
		{
			name:    "regex inferred from patterns when match_kind omitted",
			entry:   ruleEntry{ID: "r3", Patterns: []string{"foo"}},
			wantErr: false,
		},
		{
			name:    "keyword inferred when neither match_kind nor patterns given",
			entry:   ruleEntry{ID: "r4", Keywords: []string{"bar"}},
			wantErr: false,
		},
		{
			name:    "missing id is rejected",
			entry:   ruleEntry{Keywords: []string{"bar"}},
			wantErr: true,
		},
		{
			name:    "invalid severity is rejected",
			entry:   ruleEntry{ID: "r5", Keywords: []string{"bar"}, Severity: "extreme"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.entry.toRule()
			if (err != nil) != tt.wantErr {
				t.Errorf("toRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDynamic(t *testing.T) {
	blobs := []string{
		`{"id":"dyn1","category":"cyber","severity":"high","action":"block","match_kind":"keyword","keywords":["exploit-code"]}`,
	}
	rules, err := LoadDynamic(blobs)
	if err != nil {
		t.Fatalf("LoadDynamic() error = %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "dyn1" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestLoadDynamicRejectsMalformedJSON(t *testing.T) {
	_, err := LoadDynamic([]string{"not json"})
	if err == nil {
		t.Fatal("expected error for malformed dynamic rule JSON")
	}
}
