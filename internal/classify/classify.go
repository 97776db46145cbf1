// Package classify assigns a temporal class (sync/async/flexible) to work
// descriptions.
//
// The policy is an ordered rule table, not ad hoc string matching: destructive
// and judgment signals are checked before batch signals, so "search for papers
// and then delete the old ones" is Sync: safety overrides convenience. Work
// with no recognized signal stays Flexible; the admission layer (not this
// package) resolves Flexible to now-or-deferred, defaulting to Sync when in
// doubt so work that might need a human is never silently deferred.
package classify

import (
	"strings"
	"unicode"

	"nightshift/internal/work"
)

// Rule matches a set of keywords against a description and yields a timing.
type Rule struct {
	Name     string
	Timing   work.Timing
	Keywords []string
}

// DefaultRules is the ordered policy table. Earlier rules win.
var DefaultRules = []Rule{
	{
		Name:   "destructive",
		Timing: work.TimingSync,
		Keywords: []string{
			"delete", "remove", "overwrite", "drop", "truncate",
			"destroy", "wipe", "deploy", "migrate", "force push",
		},
	},
	{
		Name:   "judgment",
		Timing: work.TimingSync,
		Keywords: []string{
			"help me choose", "which", "decide", "review", "design",
			"approve", "should i", "what do you think",
		},
	},
	{
		Name:   "batch",
		Timing: work.TimingAsync,
		Keywords: []string{
			"search", "analyze", "analyse", "batch", "scan", "crawl",
			"index", "summarize", "summarise", "generate report",
			"overnight", "benchmark", "backfill",
		},
	},
}

// Classifier evaluates an ordered rule table.
// The zero value is not usable; construct with New.
type Classifier struct {
	rules []Rule
}

// New returns a classifier over the given rules, or DefaultRules when none
// are provided.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Classify returns the timing class for a description and the name of the
// rule that decided it ("" when no rule matched and the result is Flexible).
func (c *Classifier) Classify(description string) (work.Timing, string) {
	desc := strings.ToLower(description)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if matchKeyword(desc, kw) {
				return r.Timing, r.Name
			}
		}
	}
	return work.TimingFlexible, ""
}

// Estimate produces informational priority/complexity estimates from signal
// density. Caller-supplied values always win; this only fills gaps.
func (c *Classifier) Estimate(description string) (priority, complexity int) {
	desc := strings.ToLower(description)
	words := len(strings.Fields(desc))

	priority = 5
	if matchKeyword(desc, "urgent") || matchKeyword(desc, "asap") || matchKeyword(desc, "critical") {
		priority = 9
	} else if matchKeyword(desc, "low priority") || matchKeyword(desc, "whenever") {
		priority = 2
	}

	// Longer, multi-clause descriptions tend to be more complex.
	switch {
	case words > 60:
		complexity = 8
	case words > 25:
		complexity = 5
	default:
		complexity = 3
	}
	return priority, complexity
}

// matchKeyword reports whether kw occurs in desc on word boundaries.
// Multi-word keywords match as plain substrings ("help me choose").
func matchKeyword(desc, kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(desc, kw)
	}
	idx := 0
	for {
		i := strings.Index(desc[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordRune(rune(desc[start-1]))
		afterOK := end == len(desc) || !isWordRune(rune(desc[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
