// Package precheck runs the synchronous, sub-50ms deterministic gate over
// raw input text, before anything reaches the sandbox invoker: length cap,
// rule-engine quick_check, dynamic blocklist, canary-token scan, and an
// entropy-based obfuscation guard. Every step is pure and offline — no
// detector in this package performs network I/O itself.
package precheck

import "strings"

// canaryTokens are the invisible Unicode marker sequences the system
// injects into its own completions (see pkg/worker's canary injection) to
// detect adversarial recycling of a prior response back in as new input.
var canaryTokens = []string{
	"‍⁢⁣‍",
	"‍⁤⁡‍",
	"‍﻿‍",
}

// hasCanary reports whether text contains any known canary token.
func hasCanary(text string) bool {
	if text == "" {
		return false
	}
	for _, token := range canaryTokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

// InjectCanary appends a canary token to text, for use by the worker pool
// when watermarking a completion before it's released to the caller.
func InjectCanary(text string, tokenIndex int) string {
	return text + canaryTokens[tokenIndex%len(canaryTokens)]
}
