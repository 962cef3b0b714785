package engine

import (
	"log/slog"
	"slices"
	"strings"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

type SimplifyOptions struct {
	// RequireSameName only merges rules carrying the same provenance name.
	// Rules with identical source and destination are merged regardless.
	RequireSameName bool
}

// Simplify repeatedly merges rules of one application that share a source
// or a destination, until a full pass merges nothing. The input is not
// modified.
func Simplify(rs model.RuleSet, opts SimplifyOptions) model.RuleSet {
	out := make(model.RuleSet, len(rs))
	for _, app := range rs.Apps() {
		before := len(rs[app])
		rules, passes := simplifyApp(rs[app], opts)
		out[app] = rules
		slog.Debug("Simplified rules", "app", app, "before", before, "after", len(rules), "passes", passes)
	}
	return out
}

type groupKey struct {
	key   func(model.Rule) ipset.PrefixSet
	merge func(a, b model.Rule) (ipset.PrefixSet, ipset.PrefixSet)
}

var (
	bySource = groupKey{
		key: func(r model.Rule) ipset.PrefixSet { return r.Src },
		merge: func(a, b model.Rule) (ipset.PrefixSet, ipset.PrefixSet) {
			return a.Src, a.Dst.Union(b.Dst)
		},
	}
	byDestination = groupKey{
		key: func(r model.Rule) ipset.PrefixSet { return r.Dst },
		merge: func(a, b model.Rule) (ipset.PrefixSet, ipset.PrefixSet) {
			return a.Src.Union(b.Src), a.Dst
		},
	}
)

func simplifyApp(rules []model.Rule, opts SimplifyOptions) ([]model.Rule, int) {
	rules = slices.Clone(rules)
	passes := 0
	for {
		passes++
		var mergedSame, mergedSrc, mergedDst bool
		rules, mergedSame = mergeIdentical(rules)
		rules, mergedSrc = mergeAdjacent(rules, bySource, opts)
		rules, mergedDst = mergeAdjacent(rules, byDestination, opts)
		if !mergedSame && !mergedSrc && !mergedDst {
			break
		}
	}
	slices.SortFunc(rules, compareRules)
	return rules, passes
}

// mergeAdjacent sorts by (key, name) and folds each run of rules whose keys
// match into a single rule.
func mergeAdjacent(rules []model.Rule, g groupKey, opts SimplifyOptions) ([]model.Rule, bool) {
	slices.SortFunc(rules, func(a, b model.Rule) int {
		if c := g.key(a).Compare(g.key(b)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	out := rules[:0:0]
	merged := false
	for _, r := range rules {
		if n := len(out); n > 0 {
			last := out[n-1]
			if g.key(last).Equal(g.key(r)) && (!opts.RequireSameName || last.Name == r.Name) {
				src, dst := g.merge(last, r)
				out[n-1] = model.Rule{Src: src, Dst: dst, App: last.App, Name: model.CombineNames(last.Name, r.Name)}
				merged = true
				continue
			}
		}
		out = append(out, r)
	}
	return out, merged
}

// mergeIdentical folds rules with the same source and destination,
// whatever their names.
func mergeIdentical(rules []model.Rule) ([]model.Rule, bool) {
	slices.SortFunc(rules, compareRules)
	out := rules[:0:0]
	merged := false
	for _, r := range rules {
		if n := len(out); n > 0 && out[n-1].Src.Equal(r.Src) && out[n-1].Dst.Equal(r.Dst) {
			out[n-1].Name = model.CombineNames(out[n-1].Name, r.Name)
			merged = true
			continue
		}
		out = append(out, r)
	}
	return out, merged
}

func compareRules(a, b model.Rule) int {
	if c := a.Src.Compare(b.Src); c != 0 {
		return c
	}
	if c := a.Dst.Compare(b.Dst); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}
