package ipset

import (
	"fmt"
	"slices"
	"strings"
)

// Pair is a rectangle of flow space: every source in Src talking to every
// destination in Dst.
type Pair struct {
	Src PrefixSet
	Dst PrefixSet
}

func (p Pair) empty() bool {
	return p.Src.IsEmpty() || p.Dst.IsEmpty()
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Src, p.Dst)
}

func comparePair(a, b Pair) int {
	if c := a.Src.Compare(b.Src); c != 0 {
		return c
	}
	return a.Dst.Compare(b.Dst)
}

// PairSet is a normalized collection of flow rectangles. Pairs with an
// empty side are dropped, and pairs sharing a source or a destination are
// coalesced.
type PairSet struct {
	pairs []Pair
}

func NewPairSet(pairs ...Pair) PairSet {
	return PairSet{pairs: normalizePairs(pairs)}
}

func (s PairSet) IsEmpty() bool { return len(s.pairs) == 0 }

func (s PairSet) Len() int { return len(s.pairs) }

func (s PairSet) Pairs() []Pair { return slices.Clone(s.pairs) }

func (s PairSet) Equal(other PairSet) bool {
	return slices.EqualFunc(s.pairs, other.pairs, func(a, b Pair) bool {
		return a.Src.Equal(b.Src) && a.Dst.Equal(b.Dst)
	})
}

func (s PairSet) String() string {
	parts := make([]string, len(s.pairs))
	for i, p := range s.pairs {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// Subtract removes every flow covered by other. Each overlapping rectangle
// is replaced by up to three pieces:
//
//	(sa∩sb, da−db), (sa−sb, da−db), (sa−sb, da∩db)
//
// which together cover sa×da minus sb×db.
func (s PairSet) Subtract(other PairSet) PairSet {
	result := s.pairs
	for _, b := range other.pairs {
		var next []Pair
		for _, a := range result {
			if a.Src.Disjoint(b.Src) || a.Dst.Disjoint(b.Dst) {
				next = append(next, a)
				continue
			}
			srcIn, srcOut := a.Src.Intersect(b.Src), a.Src.Difference(b.Src)
			dstIn, dstOut := a.Dst.Intersect(b.Dst), a.Dst.Difference(b.Dst)
			for _, piece := range []Pair{{srcIn, dstOut}, {srcOut, dstOut}, {srcOut, dstIn}} {
				if !piece.empty() {
					next = append(next, piece)
				}
			}
		}
		result = normalizePairs(next)
		if len(result) == 0 {
			break
		}
	}
	return PairSet{pairs: result}
}

func normalizePairs(in []Pair) []Pair {
	pairs := make([]Pair, 0, len(in))
	for _, p := range in {
		if !p.empty() {
			pairs = append(pairs, p)
		}
	}
	for {
		var bySrc, byDst bool
		pairs, bySrc = coalesce(pairs, func(p Pair) PrefixSet { return p.Src }, func(a, b Pair) Pair {
			return Pair{Src: a.Src, Dst: a.Dst.Union(b.Dst)}
		})
		pairs, byDst = coalesce(pairs, func(p Pair) PrefixSet { return p.Dst }, func(a, b Pair) Pair {
			return Pair{Src: a.Src.Union(b.Src), Dst: a.Dst}
		})
		if !bySrc && !byDst {
			break
		}
	}
	slices.SortFunc(pairs, comparePair)
	if len(pairs) == 0 {
		return nil
	}
	return pairs
}

// coalesce merges pairs whose key sides are equal.
func coalesce(pairs []Pair, key func(Pair) PrefixSet, merge func(a, b Pair) Pair) ([]Pair, bool) {
	slices.SortStableFunc(pairs, func(a, b Pair) int {
		return key(a).Compare(key(b))
	})
	out := make([]Pair, 0, len(pairs))
	merged := false
	for _, p := range pairs {
		if n := len(out); n > 0 && key(out[n-1]).Equal(key(p)) {
			out[n-1] = merge(out[n-1], p)
			merged = true
			continue
		}
		out = append(out, p)
	}
	return out, merged
}
