// Package query answers reachability questions against a compiled rule set.
package query

import (
	"math"
	"math/bits"
	"slices"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

type Evaluator struct {
	Rules model.RuleSet
}

func NewEvaluator(rules model.RuleSet) *Evaluator {
	return &Evaluator{Rules: rules}
}

// Match is a rule that permits part of a queried flow space.
type Match struct {
	Rule model.Rule
	Src  ipset.PrefixSet
	Dst  ipset.PrefixSet
}

// Permits reports whether every flow from src to dst is permitted for app.
// The second result holds the flows no rule permits.
func (e *Evaluator) Permits(app string, src, dst ipset.PrefixSet) (bool, ipset.PairSet) {
	remaining := ipset.NewPairSet(ipset.Pair{Src: src, Dst: dst})
	for _, r := range e.Rules.RulesFor(app) {
		if remaining.IsEmpty() {
			break
		}
		remaining = remaining.Subtract(ipset.NewPairSet(ipset.Pair{Src: r.Src, Dst: r.Dst}))
	}
	return remaining.IsEmpty(), remaining
}

// Denies reports whether no flow from src to dst is permitted for app. The
// second result lists the rules that permit something.
func (e *Evaluator) Denies(app string, src, dst ipset.PrefixSet) (bool, []Match) {
	var matches []Match
	for _, r := range e.Rules.RulesFor(app) {
		if r.Src.Disjoint(src) || r.Dst.Disjoint(dst) {
			continue
		}
		matches = append(matches, Match{Rule: r, Src: r.Src.Intersect(src), Dst: r.Dst.Intersect(dst)})
	}
	return len(matches) == 0, matches
}

// Apps lists the applications with at least one permitted flow from src to
// dst. The catch-all is reported as "any".
func (e *Evaluator) Apps(src, dst ipset.PrefixSet) []string {
	var apps []string
	for _, app := range e.Rules.Apps() {
		for _, r := range e.Rules[app] {
			if r.Src.Disjoint(src) || r.Dst.Disjoint(dst) {
				continue
			}
			if app == model.OtherApp {
				app = model.AnyApp
			}
			apps = append(apps, app)
			break
		}
	}
	slices.Sort(apps)
	return apps
}

// SourcesFor returns every source address permitted to reach dst on app,
// leaving out addresses in ignore.
func (e *Evaluator) SourcesFor(dst ipset.PrefixSet, app string, ignore ipset.PrefixSet) ipset.PrefixSet {
	var out ipset.PrefixSet
	for _, r := range e.Rules.RulesFor(app) {
		if r.Dst.Disjoint(dst) {
			continue
		}
		out = out.Union(r.Src)
	}
	return out.Difference(ignore)
}

// Evaluate checks one flow assertion.
func (e *Evaluator) Evaluate(check *model.FlowCheck) model.CheckResult {
	result := model.CheckResult{
		Source:      check.Source,
		Destination: check.Destination,
		Application: check.Application,
		Expect:      check.Expect,
		FlowCount:   flowCount(check.Src, check.Dst),
	}
	if check.Src.IsEmpty() || check.Dst.IsEmpty() {
		result.Decision = model.DecisionSkip
		result.Reason = "EMPTY_ADDRESS_SPACE"
		return result
	}

	permitted, remaining := e.Permits(check.Application, check.Src, check.Dst)
	denied, matches := e.Denies(check.Application, check.Src, check.Dst)
	for _, m := range matches {
		if !slices.Contains(result.MatchedRules, m.Rule.Name) {
			result.MatchedRules = append(result.MatchedRules, m.Rule.Name)
		}
	}

	switch {
	case permitted:
		result.Decision = model.DecisionAllow
		result.Reason = "MATCH_RULE_PERMIT"
	case denied:
		result.Decision = model.DecisionDeny
		result.Reason = "NO_MATCHING_RULE"
	default:
		result.Decision = model.DecisionPartial
		result.Reason = "PARTIAL_PERMIT: unmatched " + remaining.String()
	}
	switch check.Expect {
	case model.Permit:
		result.Passed = permitted
	case model.Deny:
		result.Passed = denied
	}
	return result
}

// flowCount saturates instead of wrapping for 0.0.0.0/0 to 0.0.0.0/0.
func flowCount(src, dst ipset.PrefixSet) uint64 {
	hi, lo := bits.Mul64(src.Size(), dst.Size())
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
