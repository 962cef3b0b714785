package engine

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var ErrBadRouteExpression = errors.New("bad route expression")

// SpacePair is an ordered (local, remote) pair of address spaces.
type SpacePair struct {
	Local  string
	Remote string
}

// Topology maps each connected space pair to the rule sources that must
// all permit a flow in that direction.
type Topology map[SpacePair][]string

// Pairs returns the connected pairs in sorted order.
func (t Topology) Pairs() []SpacePair {
	return slices.SortedFunc(maps.Keys(t), func(a, b SpacePair) int {
		if c := cmp.Compare(a.Local, b.Local); c != 0 {
			return c
		}
		return cmp.Compare(a.Remote, b.Remote)
	})
}

// Sources returns every source named anywhere in the topology.
func (t Topology) Sources() []string {
	seen := make(map[string]struct{})
	for _, sources := range t {
		for _, s := range sources {
			seen[s] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ParseTopology expands route expressions such as "ord -> lax",
// "lax <-> *" or "* -> *" over the declared spaces. Expressions without a
// wildcard take precedence over wildcard expansions of the same pair;
// otherwise source lists for one pair accumulate. An empty source list
// disconnects a pair.
func ParseTopology(exprs map[string][]string, spaces []string) (Topology, error) {
	declared := make(map[string]bool, len(spaces))
	for _, s := range spaces {
		declared[s] = true
	}
	sortedSpaces := slices.Sorted(maps.Keys(declared))

	wild := make(map[SpacePair][]string)
	exact := make(map[SpacePair][]string)
	for _, expr := range slices.Sorted(maps.Keys(exprs)) {
		left, right, both, err := splitExpression(expr)
		if err != nil {
			return nil, err
		}
		lefts, err := expandSide(left, declared, sortedSpaces, expr)
		if err != nil {
			return nil, err
		}
		rights, err := expandSide(right, declared, sortedSpaces, expr)
		if err != nil {
			return nil, err
		}
		target := exact
		if left == "*" || right == "*" {
			target = wild
		}
		for _, l := range lefts {
			for _, r := range rights {
				addRoute(target, SpacePair{l, r}, exprs[expr])
				if both {
					addRoute(target, SpacePair{r, l}, exprs[expr])
				}
			}
		}
	}

	topo := make(Topology)
	for pair, sources := range wild {
		topo[pair] = sources
	}
	for pair, sources := range exact {
		topo[pair] = sources
	}
	for pair, sources := range topo {
		if len(sources) == 0 {
			delete(topo, pair)
		}
	}
	return topo, nil
}

func splitExpression(expr string) (string, string, bool, error) {
	sep, both := "->", false
	if strings.Contains(expr, "<->") {
		sep, both = "<->", true
	}
	left, right, ok := strings.Cut(expr, sep)
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if !ok || left == "" || right == "" || strings.Contains(right, "->") {
		return "", "", false, fmt.Errorf("%w: %q", ErrBadRouteExpression, expr)
	}
	return left, right, both, nil
}

func expandSide(side string, declared map[string]bool, all []string, expr string) ([]string, error) {
	if side == "*" {
		return all, nil
	}
	if !declared[side] {
		return nil, fmt.Errorf("%w: %q names unknown space %q", ErrUnknownSpace, expr, side)
	}
	return []string{side}, nil
}

func addRoute(routes map[SpacePair][]string, pair SpacePair, sources []string) {
	existing, ok := routes[pair]
	if !ok {
		existing = []string{}
	}
	for _, s := range sources {
		if !slices.Contains(existing, s) {
			existing = append(existing, s)
		}
	}
	slices.Sort(existing)
	routes[pair] = existing
}
