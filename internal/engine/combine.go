package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

var (
	ErrUnknownSpace  = errors.New("unknown address space")
	ErrUnknownSource = errors.New("unknown rule source")
)

// UnmanagedSpace names the synthetic space holding every address outside
// the declared spaces.
const UnmanagedSpace = "unmanaged"

type CombineInput struct {
	Spaces  map[string]ipset.PrefixSet
	Routes  map[string][]string // route expression -> rule source names
	Sources map[string]model.RuleSet
	// Unmanaged declares the "unmanaged" space so route expressions can
	// name it. Flows between two unmanaged addresses are never emitted.
	Unmanaged bool
}

// Combine builds one rule set from several independently compiled ones.
// For every connected space pair, a flow survives only where all sources
// governing that pair permit it.
func Combine(in CombineInput) (model.RuleSet, error) {
	start := time.Now()
	spaces := maps.Clone(in.Spaces)
	if spaces == nil {
		spaces = make(map[string]ipset.PrefixSet)
	}
	if in.Unmanaged {
		if _, ok := spaces[UnmanagedSpace]; ok {
			return nil, fmt.Errorf("%w: %q is reserved", ErrBadRouteExpression, UnmanagedSpace)
		}
		spaces[UnmanagedSpace] = unmanagedSpace(in.Spaces)
	}

	topo, err := ParseTopology(in.Routes, slices.Collect(maps.Keys(spaces)))
	if err != nil {
		return nil, err
	}
	for _, name := range topo.Sources() {
		if _, ok := in.Sources[name]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSource, name)
		}
	}

	apps := combinedApps(in.Sources)
	slog.Info("Combining rule sources", "sources", len(in.Sources), "spaces", len(spaces), "routes", len(topo), "applications", len(apps))

	out := model.RuleSet{}
	for _, app := range apps {
		rules := []model.Rule{}
		for _, pair := range topo.Pairs() {
			if pair.Local == UnmanagedSpace && pair.Remote == UnmanagedSpace {
				continue
			}
			local, remote := spaces[pair.Local], spaces[pair.Remote]
			if local.IsEmpty() || remote.IsEmpty() {
				continue
			}
			combined := combinePair(app, local, remote, topo[pair], in.Sources)
			slog.Debug("Combined space pair", "app", app, "local", pair.Local, "remote", pair.Remote, "rules", len(combined))
			rules = append(rules, combined...)
		}
		if len(rules) > 0 || app != model.OtherApp {
			out[app] = rules
		}
	}

	result := Simplify(out, SimplifyOptions{RequireSameName: false})
	slog.Info("Combined rules", "applications", len(result), "rules", result.Len(), "duration", time.Since(start))
	return result, nil
}

// combinePair clips the first source's rules to local -> remote and folds
// the remaining sources in by intersection.
func combinePair(app string, local, remote ipset.PrefixSet, sources []string, all map[string]model.RuleSet) []model.Rule {
	var acc []model.Rule
	for _, r := range rulesForApp(all[sources[0]], app) {
		src, dst := r.Src.Intersect(local), r.Dst.Intersect(remote)
		if src.IsEmpty() || dst.IsEmpty() {
			continue
		}
		acc = append(acc, model.Rule{Src: src, Dst: dst, App: app, Name: r.Name})
	}
	for _, name := range sources[1:] {
		if len(acc) == 0 {
			break
		}
		var next []model.Rule
		for _, a := range acc {
			for _, r := range rulesForApp(all[name], app) {
				src, dst := a.Src.Intersect(r.Src), a.Dst.Intersect(r.Dst)
				if src.IsEmpty() || dst.IsEmpty() {
					continue
				}
				next = append(next, model.Rule{Src: src, Dst: dst, App: app, Name: model.CombineNames(a.Name, r.Name)})
			}
		}
		acc = next
	}
	return acc
}

// rulesForApp returns a source's rules for app. A source without its own
// entry contributes clones of its catch-all rules.
func rulesForApp(rs model.RuleSet, app string) []model.Rule {
	if rules, ok := rs[app]; ok {
		return rules
	}
	other := rs[model.OtherApp]
	out := make([]model.Rule, len(other))
	for i, r := range other {
		r.App = app
		out[i] = r
	}
	return out
}

func combinedApps(sources map[string]model.RuleSet) []string {
	seen := map[string]struct{}{model.OtherApp: {}}
	for _, rs := range sources {
		for app := range rs {
			seen[app] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func unmanagedSpace(spaces map[string]ipset.PrefixSet) ipset.PrefixSet {
	var managed ipset.PrefixSet
	for _, s := range spaces {
		managed = managed.Union(s)
	}
	return ipset.Any().Difference(managed)
}
