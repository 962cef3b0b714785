// Package store reads and writes rule sets in the JSON exchange format,
// on disk or in an S3-compatible object store.
package store

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

type jsonRule struct {
	Src  []string `json:"src"`
	Dst  []string `json:"dst"`
	App  string   `json:"app"`
	Name string   `json:"name"`
}

// Encode writes rs as {app: [{src, dst, app, name}]}. Applications come
// out in key order and rules sorted by source, destination and name, so
// equal rule sets always encode to identical bytes.
func Encode(w io.Writer, rs model.RuleSet) error {
	out := make(map[string][]jsonRule, len(rs))
	for app, rules := range rs {
		sorted := slices.SortedFunc(slices.Values(rules), func(a, b model.Rule) int {
			return cmp.Or(a.Src.Compare(b.Src), a.Dst.Compare(b.Dst), cmp.Compare(a.Name, b.Name))
		})
		encoded := make([]jsonRule, 0, len(sorted))
		for _, r := range sorted {
			encoded = append(encoded, jsonRule{
				Src:  r.Src.Strings(),
				Dst:  r.Dst.Strings(),
				App:  r.App,
				Name: r.Name,
			})
		}
		out[app] = encoded
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func Decode(r io.Reader) (model.RuleSet, error) {
	var in map[string][]jsonRule
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	rs := make(model.RuleSet, len(in))
	for app, rules := range in {
		decoded := make([]model.Rule, 0, len(rules))
		for i, jr := range rules {
			src, err := ipset.Parse(jr.Src...)
			if err != nil {
				return nil, fmt.Errorf("%s rule %d src: %w", app, i, err)
			}
			dst, err := ipset.Parse(jr.Dst...)
			if err != nil {
				return nil, fmt.Errorf("%s rule %d dst: %w", app, i, err)
			}
			ruleApp := jr.App
			if ruleApp == "" {
				ruleApp = app
			}
			decoded = append(decoded, model.Rule{Src: src, Dst: dst, App: ruleApp, Name: jr.Name})
		}
		rs[app] = decoded
	}
	return rs, nil
}
