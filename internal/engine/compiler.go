// Package engine turns vendor-neutral firewall models into flat permit-only
// rule sets, and combines rule sets from several sources.
package engine

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

var (
	ErrUnknownZone    = errors.New("unknown zone")
	ErrUnknownAddress = errors.New("unknown address")
)

// Compiler simulates ordered first-match evaluation of a firewall's
// policies and emits the permitted flows as non-overlapping rules.
type Compiler struct {
	Apps    *model.ApplicationMap
	Workers int // concurrent (zone pair, application) units; <1 means 1
}

type zonePair struct {
	from, to string
}

// resolvedPolicy is a policy with its addresses already turned into sets
// for one zone pair.
type resolvedPolicy struct {
	name   string
	src    ipset.PrefixSet
	dst    ipset.PrefixSet
	action model.Action
	policy *model.Policy
}

type unit struct {
	pair zonePair
	app  string
}

func (c *Compiler) Compile(fw *model.Firewall) (model.RuleSet, error) {
	start := time.Now()
	if err := validateZones(fw); err != nil {
		return nil, err
	}

	interfaceNets := InterfaceNets(fw.Routes)
	zoneNets := ZoneNets(fw, interfaceNets)
	byPair, err := c.policiesByZonePair(fw, zoneNets)
	if err != nil {
		return nil, err
	}
	allApps := c.applicationUniverse(fw)
	slog.Info("Compiling policies", "zones", len(fw.Zones), "policies", len(fw.Policies), "zone_pairs", len(byPair), "applications", len(allApps))

	pairs := slices.SortedFunc(maps.Keys(byPair), func(a, b zonePair) int {
		if a.from != b.from {
			return cmp.Compare(a.from, b.from)
		}
		return cmp.Compare(a.to, b.to)
	})

	var units []unit
	for _, pair := range pairs {
		for _, app := range pairApps(byPair[pair], allApps) {
			units = append(units, unit{pair: pair, app: app})
		}
	}

	results := make([][]model.Rule, len(units))
	var g errgroup.Group
	g.SetLimit(max(1, c.Workers))
	for i, u := range units {
		g.Go(func() error {
			results[i] = c.evaluate(u, zoneNets, byPair[u.pair])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rs := model.RuleSet{}
	for i, u := range units {
		mapped := c.mapApp(u.app)
		if _, ok := rs[mapped]; !ok {
			rs[mapped] = []model.Rule{}
		}
		rs.Add(results[i]...)
	}
	if len(rs[model.OtherApp]) == 0 {
		delete(rs, model.OtherApp)
	}

	out := Simplify(rs, SimplifyOptions{RequireSameName: true})
	slog.Info("Compiled rules", "applications", len(out), "rules", out.Len(), "duration", time.Since(start))
	return out, nil
}

// evaluate walks one zone pair's policies for one application, consuming
// flow space as policies match it.
func (c *Compiler) evaluate(u unit, zoneNets map[string]ipset.PrefixSet, policies []resolvedPolicy) []model.Rule {
	mapped := c.mapApp(u.app)
	remaining := ipset.NewPairSet(ipset.Pair{Src: zoneNets[u.pair.from], Dst: zoneNets[u.pair.to]})
	var rules []model.Rule
	for _, pol := range policies {
		if remaining.IsEmpty() {
			break
		}
		if !pol.policy.NamesApp(u.app) {
			continue
		}
		if pol.action == model.Permit {
			for _, p := range remaining.Pairs() {
				s, d := p.Src.Intersect(pol.src), p.Dst.Intersect(pol.dst)
				if s.IsEmpty() || d.IsEmpty() {
					continue
				}
				rules = append(rules, model.Rule{Src: s, Dst: d, App: mapped, Name: pol.name})
			}
		}
		remaining = remaining.Subtract(ipset.NewPairSet(ipset.Pair{Src: pol.src, Dst: pol.dst}))
	}
	slog.Debug("Evaluated zone pair", "from_zone", u.pair.from, "to_zone", u.pair.to, "app", u.app, "rules", len(rules))
	return rules
}

func (c *Compiler) mapApp(app string) string {
	if app == model.OtherApp {
		return app
	}
	return c.Apps.Lookup(app)
}

// applicationUniverse is every application named by an enabled policy plus
// every ApplicationMap key, without "any".
func (c *Compiler) applicationUniverse(fw *model.Firewall) []string {
	seen := make(map[string]struct{})
	for _, pol := range fw.Policies {
		if !pol.Enabled {
			continue
		}
		for _, app := range pol.Applications {
			seen[app] = struct{}{}
		}
	}
	for _, key := range c.Apps.Keys() {
		seen[key] = struct{}{}
	}
	delete(seen, model.AnyApp)
	delete(seen, model.OtherApp)
	return slices.Sorted(maps.Keys(seen))
}

// pairApps lists the applications worth evaluating for one zone pair. A
// pair with an "any" policy is evaluated for the whole universe.
func pairApps(policies []resolvedPolicy, allApps []string) []string {
	seen := make(map[string]struct{})
	for _, pol := range policies {
		for _, app := range pol.policy.Applications {
			if app == model.AnyApp {
				return append(slices.Clone(allApps), model.OtherApp)
			}
			seen[app] = struct{}{}
		}
	}
	seen[model.OtherApp] = struct{}{}
	return slices.Sorted(maps.Keys(seen))
}

func validateZones(fw *model.Firewall) error {
	for _, pol := range fw.Policies {
		if pol.Global {
			continue
		}
		for _, zone := range []string{pol.FromZone, pol.ToZone} {
			if _, ok := fw.Zones[zone]; !ok {
				return fmt.Errorf("policy %q: %w %q", pol.Name, ErrUnknownZone, zone)
			}
		}
	}
	return nil
}

// InterfaceNets assigns address space to interfaces, most specific route
// first, so every address belongs to at most one interface. The default
// route ends up holding whatever no narrower route claimed.
func InterfaceNets(routes []model.Route) map[string]ipset.PrefixSet {
	sorted := slices.Clone(routes)
	slices.SortStableFunc(sorted, func(a, b model.Route) int {
		return b.Destination.Bits() - a.Destination.Bits()
	})
	nets := make(map[string]ipset.PrefixSet)
	matched := ipset.PrefixSet{}
	for _, r := range sorted {
		if r.Interface == "" {
			continue
		}
		dest := ipset.New(r.Destination)
		nets[r.Interface] = nets[r.Interface].Union(dest.Difference(matched))
		matched = matched.Union(dest)
	}
	return nets
}

// ZoneNets is the union of each zone's interface space and static networks.
func ZoneNets(fw *model.Firewall, interfaceNets map[string]ipset.PrefixSet) map[string]ipset.PrefixSet {
	nets := make(map[string]ipset.PrefixSet, len(fw.Zones))
	for _, name := range fw.ZoneNames() {
		zone := fw.Zones[name]
		net := zone.Static
		for _, itfc := range zone.Interfaces {
			// interfaces without routes contribute nothing
			net = net.Union(interfaceNets[itfc])
		}
		nets[name] = net
		slog.Debug("Zone network", "zone", name, "prefixes", net.Len())
	}
	return nets
}

// localPolicies permits traffic inside each directly attached network,
// which never crosses the firewall.
func localPolicies(fw *model.Firewall, zone string, zoneNet ipset.PrefixSet) []model.Policy {
	var out []model.Policy
	for _, r := range fw.Routes {
		if !r.Local || !r.Destination.IsValid() {
			continue
		}
		att := ipset.New(r.Destination)
		if att.Disjoint(zoneNet) {
			continue
		}
		out = append(out, model.Policy{
			Name:                 "local-" + r.Destination.Masked().String(),
			FromZone:             zone,
			ToZone:               zone,
			Enabled:              true,
			Sequence:             -1,
			SourceAddresses:      []model.Address{model.LiteralAddress(att)},
			DestinationAddresses: []model.Address{model.LiteralAddress(att)},
			Applications:         []string{model.AnyApp},
			Action:               model.Permit,
		})
	}
	return out
}

// policiesByZonePair orders each pair's policies: attached-network
// policies, then zone policies by sequence, then global policies by
// sequence. Disabled policies are dropped.
func (c *Compiler) policiesByZonePair(fw *model.Firewall, zoneNets map[string]ipset.PrefixSet) (map[zonePair][]resolvedPolicy, error) {
	zoned := make(map[zonePair][]*model.Policy)
	var globals []*model.Policy
	for i := range fw.Policies {
		pol := &fw.Policies[i]
		if !pol.Enabled {
			slog.Debug("Skipping disabled policy", "policy", pol.Name)
			continue
		}
		if pol.Global {
			globals = append(globals, pol)
			continue
		}
		pair := zonePair{pol.FromZone, pol.ToZone}
		zoned[pair] = append(zoned[pair], pol)
	}
	bySequence := func(a, b *model.Policy) int { return a.Sequence - b.Sequence }
	slices.SortStableFunc(globals, bySequence)

	pairs := make(map[zonePair]struct{})
	for pair := range zoned {
		pairs[pair] = struct{}{}
	}
	names := fw.ZoneNames()
	for _, from := range names {
		if len(globals) > 0 {
			for _, to := range names {
				pairs[zonePair{from, to}] = struct{}{}
			}
		}
	}

	out := make(map[zonePair][]resolvedPolicy)
	for _, name := range names {
		pair := zonePair{name, name}
		for _, pol := range localPolicies(fw, name, zoneNets[name]) {
			resolved, err := c.resolve(fw, &pol)
			if err != nil {
				return nil, err
			}
			out[pair] = append(out[pair], resolved)
		}
	}
	for pair := range pairs {
		policies := zoned[pair]
		slices.SortStableFunc(policies, bySequence)
		for _, pol := range append(policies, globals...) {
			resolved, err := c.resolvePair(fw, pol, pair)
			if err != nil {
				return nil, err
			}
			out[pair] = append(out[pair], resolved)
		}
	}
	return out, nil
}

func (c *Compiler) resolve(fw *model.Firewall, pol *model.Policy) (resolvedPolicy, error) {
	return c.resolvePair(fw, pol, zonePair{pol.FromZone, pol.ToZone})
}

// resolvePair resolves source names in the from-zone's address book and
// destination names in the to-zone's, falling back to the global book.
// Global policies only use the global book.
func (c *Compiler) resolvePair(fw *model.Firewall, pol *model.Policy, pair zonePair) (resolvedPolicy, error) {
	var srcBook, dstBook map[string]ipset.PrefixSet
	if !pol.Global {
		srcBook = fw.Zones[pair.from].Addresses
		dstBook = fw.Zones[pair.to].Addresses
	}
	src, err := resolveAddresses(pol.SourceAddresses, srcBook, fw.GlobalAddresses)
	if err != nil {
		return resolvedPolicy{}, fmt.Errorf("policy %q source: %w", pol.Name, err)
	}
	dst, err := resolveAddresses(pol.DestinationAddresses, dstBook, fw.GlobalAddresses)
	if err != nil {
		return resolvedPolicy{}, fmt.Errorf("policy %q destination: %w", pol.Name, err)
	}
	return resolvedPolicy{name: pol.Name, src: src, dst: dst, action: pol.Action, policy: pol}, nil
}

func resolveAddresses(addrs []model.Address, book, global map[string]ipset.PrefixSet) (ipset.PrefixSet, error) {
	var out ipset.PrefixSet
	for _, a := range addrs {
		if a.Literal {
			out = out.Union(a.Set)
			continue
		}
		if set, ok := book[a.Name]; ok {
			out = out.Union(set)
			continue
		}
		if set, ok := global[a.Name]; ok {
			out = out.Union(set)
			continue
		}
		return ipset.PrefixSet{}, fmt.Errorf("%w %q", ErrUnknownAddress, a.Name)
	}
	return out, nil
}
