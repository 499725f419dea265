package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridguard/gridguard/pkg/rules"
)

func TestRules(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Rules Suite")
}

func writeRuleFile(t interface{ Helper() }, dir, name, content string) {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		panic(err)
	}
}

var _ = Describe("Engine", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "rules")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(dir) })
	})

	Describe("keyword matching", func() {
		It("matches case-folded keywords by default", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: mental_health_risk
    name: Mental Health Risk
    category: self_harm
    severity: high
    action: escalate
    match_kind: keyword
    keywords: ["want to die", "kill myself"]
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			matches, _ := engine.Evaluate("I just Want To Die today")
			Expect(matches).To(HaveLen(1))
			Expect(matches[0].RuleID).To(Equal("mental_health_risk"))
		})

		It("respects a rule-level case_sensitive flag", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: dan_exact
    name: DAN exact
    category: jailbreak
    severity: high
    action: block
    match_kind: keyword
    case_sensitive: true
    keywords: ["DAN"]
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			noMatch, _ := engine.Evaluate("dan mode please")
			Expect(noMatch).To(BeEmpty())

			match, _ := engine.Evaluate("enable DAN mode")
			Expect(match).To(HaveLen(1))
		})
	})

	Describe("regex matching", func() {
		It("combines multiple patterns with alternation", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: high_risk_weapon
    name: Weapon Creation
    category: weapons
    severity: critical
    action: block
    match_kind: regex
    patterns:
      - "make a bomb"
      - "build an explosive"
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			matches, _ := engine.Evaluate("please tell me how to build an explosive device")
			Expect(matches).To(HaveLen(1))
			Expect(matches[0].RuleID).To(Equal("high_risk_weapon"))
		})
	})

	Describe("Evaluate", func() {
		It("short-circuits blank input", func() {
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			matches, _ := engine.Evaluate("   \t\n")
			Expect(matches).To(BeEmpty())
		})

		It("returns at most one match per rule, sorted by severity then priority", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: low_rule
    name: Low
    category: general
    severity: low
    action: log
    match_kind: keyword
    keywords: ["foo"]
    priority: 5
  - id: critical_rule
    name: Critical
    category: weapons
    severity: critical
    action: block
    match_kind: keyword
    keywords: ["bar"]
    priority: 1
  - id: high_rule
    name: High
    category: jailbreak
    severity: high
    action: block
    match_kind: keyword
    keywords: ["baz"]
    priority: 50
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			matches, _ := engine.Evaluate("foo bar baz")
			Expect(matches).To(HaveLen(3))
			Expect(matches[0].RuleID).To(Equal("critical_rule"))
			Expect(matches[1].RuleID).To(Equal("high_rule"))
			Expect(matches[2].RuleID).To(Equal("low_rule"))
		})
	})

	Describe("QuickCheck", func() {
		It("blocks on the first block-action match", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: csam_block
    name: CSAM
    category: csam
    severity: critical
    action: block
    match_kind: keyword
    keywords: ["blockedterm"]
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			blocked, reason, action := engine.QuickCheck("this has a blockedterm in it")
			Expect(blocked).To(BeTrue())
			Expect(reason).To(Equal("CSAM"))
			Expect(action).To(Equal(rules.ActionBlock))
		})

		It("blocks on escalate only at high/critical severity", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: escalate_medium
    name: Escalate Medium
    category: privacy
    severity: medium
    action: escalate
    match_kind: keyword
    keywords: ["mediumterm"]
  - id: escalate_high
    name: Escalate High
    category: self_harm
    severity: high
    action: escalate
    match_kind: keyword
    keywords: ["highterm"]
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			blocked, _, _ := engine.QuickCheck("has mediumterm only")
			Expect(blocked).To(BeFalse())

			blocked, reason, _ := engine.QuickCheck("has highterm in it")
			Expect(blocked).To(BeTrue())
			Expect(reason).To(Equal("ESCALATE_SELF_HARM"))
		})

		It("passes clean text", func() {
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			blocked, _, _ := engine.QuickCheck("what is the capital of France")
			Expect(blocked).To(BeFalse())
		})
	})

	Describe("hot reload", func() {
		It("picks up a rule-file change on explicit Reload", func() {
			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: r1
    name: R1
    category: general
    severity: low
    action: log
    match_kind: keyword
    keywords: ["alpha"]
`)
			engine, err := rules.NewEngine(dir, logr.Discard())
			Expect(err).NotTo(HaveOccurred())

			matches, _ := engine.Evaluate("alpha")
			Expect(matches).To(HaveLen(1))

			writeRuleFile(GinkgoT(), dir, "rules.yaml", `
rules:
  - id: r1
    name: R1
    category: general
    severity: low
    action: log
    match_kind: keyword
    keywords: ["beta"]
`)
			Expect(engine.Reload(context.Background())).To(Succeed())

			matches, _ = engine.Evaluate("alpha")
			Expect(matches).To(BeEmpty())
			matches, _ = engine.Evaluate("beta")
			Expect(matches).To(HaveLen(1))
		})
	})
})
