package rules

import (
	"context"
	"crypto/md5" //nolint:gosec // cache key only, not a security boundary
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/gridguard/gridguard/pkg/coordination"
)

// compiledRuleSet is the immutable, swappable unit the engine evaluates
// against. A new one is built off-line from a freshly loaded rule list and
// published atomically, so an in-flight Evaluate never observes a half
// loaded set.
type compiledRuleSet struct {
	version string
	byID    map[string]Rule
	keyword *keywordMatcher
	regex   *regexMatcher
}

func compile(rules []Rule, version string) (*compiledRuleSet, error) {
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	regex, err := newRegexMatcher(rules)
	if err != nil {
		return nil, err
	}
	return &compiledRuleSet{
		version: version,
		byID:    byID,
		keyword: newKeywordMatcher(rules),
		regex:   regex,
	}, nil
}

type cacheEntry struct {
	matches []Match
	latency time.Duration
}

// Engine is the rule-engine orchestrator: load, compile, evaluate, hot
// reload. The zero value is not usable; construct with NewEngine.
type Engine struct {
	set atomic.Pointer[compiledRuleSet]
	log logr.Logger

	dir          string
	store        coordination.Store
	pollInterval time.Duration

	cacheMu  sync.Mutex
	cache    map[string]*cacheEntry
	cacheOrd []string // LRU order, oldest first
	cacheMax int

	stopCh chan struct{}
	stopOnce sync.Once
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithDynamicStore wires the coordination store LoadDynamic rules are pulled
// from on every reload.
func WithDynamicStore(store coordination.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithPollInterval sets the fallback poll-ticker interval for environments
// where fsnotify's watch is unavailable or unreliable (network filesystems).
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithCacheSize overrides the default 10k-entry LRU result cache bound.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheMax = n }
}

// NewEngine constructs an Engine rooted at rulesDir and performs the
// initial load+compile synchronously, so a freshly constructed Engine is
// immediately ready to Evaluate.
func NewEngine(rulesDir string, log logr.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:          rulesDir,
		log:          log.WithName("rules"),
		pollInterval: 60 * time.Second,
		cache:        map[string]*cacheEntry{},
		cacheMax:     10000,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// current returns the active compiled rule set.
func (e *Engine) current() *compiledRuleSet {
	return e.set.Load()
}

// reload loads the file-based and dynamic rule sets, compiles them, and
// swaps the engine's active set atomically. Callers of Evaluate never
// observe a partially built set.
func (e *Engine) reload(ctx context.Context) error {
	var all []Rule
	if e.dir != "" {
		fileRules, err := LoadDir(e.dir)
		if err != nil {
			return fmt.Errorf("reload rules: %w", err)
		}
		all = append(all, fileRules...)
	}
	if e.store != nil {
		blobs, err := e.store.DynamicRulesSnapshot(ctx)
		if err != nil {
			e.log.Error(err, "dynamic rule snapshot unavailable, keeping file-based rules only")
		} else {
			dynamic, err := LoadDynamic(blobs)
			if err != nil {
				e.log.Error(err, "dynamic rule set rejected, keeping file-based rules only")
			} else {
				all = append(all, dynamic...)
			}
		}
	}

	version := versionOf(all)
	set, err := compile(all, version)
	if err != nil {
		return fmt.Errorf("compile rule set: %w", err)
	}

	e.set.Store(set)
	e.clearCache()
	e.log.Info("rule set reloaded", "rules", len(all), "version", version)
	return nil
}

func versionOf(rules []Rule) string {
	h := md5.New() //nolint:gosec
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	for _, id := range ids {
		_, _ = h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Watch starts a background fsnotify watch on the rules directory plus a
// poll-ticker fallback, reloading on any detected change. Watch returns
// immediately; call Stop to end the background goroutine.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rule watch: %w", err)
	}
	if e.dir != "" {
		if err := watcher.Add(e.dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("rule watch: add %s: %w", e.dir, err)
		}
	}

	ticker := time.NewTicker(e.pollInterval)
	go func() {
		defer watcher.Close()
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := e.reload(ctx); err != nil {
						e.log.Error(err, "rule hot reload failed, keeping previous set")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Error(err, "rule watcher error")
			case <-ticker.C:
				if err := e.reload(ctx); err != nil {
					e.log.Error(err, "rule poll reload failed, keeping previous set")
				}
			}
		}
	}()
	return nil
}

// Reload triggers an explicit, synchronous reload (e.g. on an operator
// signal or admin endpoint), bypassing the poll/watch cadence.
func (e *Engine) Reload(ctx context.Context) error {
	return e.reload(ctx)
}

// Stop ends the background watch goroutine started by Watch.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Evaluate matches text against the active rule set, returning at most one
// Match per rule, sorted by severity (critical first) then descending
// priority. Empty or whitespace-only text short-circuits to no matches.
func (e *Engine) Evaluate(text string) ([]Match, time.Duration) {
	start := time.Now()

	if isBlank(text) {
		return nil, time.Since(start)
	}

	set := e.current()
	cacheKey := e.cacheKey(text, set.version)
	if entry, ok := e.cacheGet(cacheKey); ok {
		return entry.matches, entry.latency
	}

	matches := e.evaluateUncached(text, set)

	elapsed := time.Since(start)
	e.cachePut(cacheKey, &cacheEntry{matches: matches, latency: elapsed})
	return matches, elapsed
}

func (e *Engine) evaluateUncached(text string, set *compiledRuleSet) []Match {
	perRule := map[string]Match{}

	for ruleID, hits := range set.keyword.match(text) {
		rule, ok := set.byID[ruleID]
		if !ok || !rule.Enabled {
			continue
		}
		if _, seen := perRule[ruleID]; seen || len(hits) == 0 {
			continue
		}
		first := hits[0]
		perRule[ruleID] = Match{
			RuleID: rule.ID, RuleName: rule.Name, Category: rule.Category,
			Severity: rule.Severity, Action: rule.Action, Confidence: rule.Confidence,
			MatchedText: text[first.start:first.end], Start: first.start, End: first.end,
		}
	}

	for ruleID, hit := range set.regex.match(text) {
		rule, ok := set.byID[ruleID]
		if !ok || !rule.Enabled {
			continue
		}
		if _, seen := perRule[ruleID]; seen {
			continue
		}
		perRule[ruleID] = Match{
			RuleID: rule.ID, RuleName: rule.Name, Category: rule.Category,
			Severity: rule.Severity, Action: rule.Action, Confidence: rule.Confidence,
			MatchedText: hit.text, Start: hit.start, End: hit.end,
		}
	}

	out := make([]Match, 0, len(perRule))
	for _, m := range perRule {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity.rank() < out[j].Severity.rank()
		}
		ri, rj := set.byID[out[i].RuleID].Priority, set.byID[out[j].RuleID].Priority
		if ri != rj {
			return ri > rj // descending priority: higher number first
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// QuickCheck reports whether text must be blocked outright: the first match
// whose action is block/canary, or escalate at high/critical severity,
// terminates the check.
func (e *Engine) QuickCheck(text string) (blocked bool, reasonCode string, action Action) {
	matches, _ := e.Evaluate(text)
	for _, m := range matches {
		switch {
		case m.Action == ActionBlock || m.Action == ActionCanary:
			return true, reasonCode(m), m.Action
		case m.Action == ActionEscalate && (m.Severity == SeverityHigh || m.Severity == SeverityCritical):
			return true, escalateReasonCode(m), m.Action
		}
	}
	return false, "", ""
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func (e *Engine) cacheKey(text, version string) string {
	h := md5.New() //nolint:gosec
	_, _ = h.Write([]byte(text))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(version))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) cacheGet(key string) (*cacheEntry, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	entry, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	e.touchLRU(key)
	return entry, true
}

func (e *Engine) cachePut(key string, entry *cacheEntry) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if _, exists := e.cache[key]; !exists && len(e.cache) >= e.cacheMax {
		oldest := e.cacheOrd[0]
		e.cacheOrd = e.cacheOrd[1:]
		delete(e.cache, oldest)
	}
	e.cache[key] = entry
	e.touchLRU(key)
}

func (e *Engine) touchLRU(key string) {
	for i, k := range e.cacheOrd {
		if k == key {
			e.cacheOrd = append(e.cacheOrd[:i], e.cacheOrd[i+1:]...)
			break
		}
	}
	e.cacheOrd = append(e.cacheOrd, key)
}

func (e *Engine) clearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = map[string]*cacheEntry{}
	e.cacheOrd = nil
}
