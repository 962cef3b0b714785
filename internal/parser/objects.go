// Package parser turns vendor configurations into firewall models.
package parser

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
	"static-flow-verifier/pkg/wellknown"
)

// objectBook holds the named address and service objects of an
// interface-based firewall, where every name is global.
type objectBook struct {
	AddressObjects map[string]ipset.PrefixSet
	AddrGrps       map[string][]string
	ServiceObjects map[string][]string // name -> signatures
	SvcGrps        map[string][]string
}

func newObjectBook() objectBook {
	return objectBook{
		AddressObjects: make(map[string]ipset.PrefixSet),
		AddrGrps:       make(map[string][]string),
		ServiceObjects: make(map[string][]string),
		SvcGrps:        make(map[string][]string),
	}
}

// rawPolicy is a policy as written, before names are resolved.
type rawPolicy struct {
	ID       string
	Name     string
	SrcIntf  []string
	DstIntf  []string
	SrcAddrs []string
	DstAddrs []string
	Services []string
	Action   string
	Enabled  bool
}

func (r *rawPolicy) defaults() {
	if len(r.SrcAddrs) == 0 {
		r.SrcAddrs = []string{"all"}
	}
	if len(r.DstAddrs) == 0 {
		r.DstAddrs = []string{"all"}
	}
	if len(r.Services) == 0 {
		r.Services = []string{"ALL"}
	}
}

// fillAddresses flattens every address object and group into the global
// address book of fw.
func (b *objectBook) fillAddresses(fw *model.Firewall) error {
	names := slices.Concat(slices.Collect(maps.Keys(b.AddressObjects)), slices.Collect(maps.Keys(b.AddrGrps)))
	slices.Sort(names)
	for _, name := range slices.Compact(names) {
		set, err := b.flattenAddrGroup(name, make(map[string]bool))
		if err != nil {
			return err
		}
		fw.GlobalAddresses[name] = set
	}
	if _, ok := fw.GlobalAddresses["all"]; !ok {
		fw.GlobalAddresses["all"] = ipset.Any()
	}
	return nil
}

func (b *objectBook) flattenAddrGroup(name string, visited map[string]bool) (ipset.PrefixSet, error) {
	if visited[name] {
		return ipset.PrefixSet{}, fmt.Errorf("circular dependency detected in address group '%s'", name)
	}
	visited[name] = true
	defer delete(visited, name)

	set := b.AddressObjects[name]
	for _, member := range b.AddrGrps[name] {
		if strings.EqualFold(member, "all") {
			set = set.Union(ipset.Any())
			continue
		}
		_, isObject := b.AddressObjects[member]
		_, isGroup := b.AddrGrps[member]
		if !isObject && !isGroup {
			slog.Warn("Unknown address group member", "group", name, "member", member)
			continue
		}
		memberSet, err := b.flattenAddrGroup(member, visited)
		if err != nil {
			return ipset.PrefixSet{}, err
		}
		set = set.Union(memberSet)
	}
	return set, nil
}

// flattenSvcGroup resolves a service or service group name to raw
// application signatures. Unknown names resolve to nothing.
func (b *objectBook) flattenSvcGroup(name string, visited map[string]bool) ([]string, error) {
	if strings.EqualFold(name, "all") {
		return []string{model.AnyApp}, nil
	}

	if visited[name] {
		return nil, fmt.Errorf("circular dependency detected in service group '%s'", name)
	}
	visited[name] = true
	defer delete(visited, name)

	var results []string
	found := false

	if sigs, ok := b.ServiceObjects[name]; ok {
		results = append(results, sigs...)
		found = true
	}

	if members, ok := b.SvcGrps[name]; ok {
		for _, member := range members {
			sigs, err := b.flattenSvcGroup(member, visited)
			if err != nil {
				return nil, err
			}
			results = append(results, sigs...)
		}
		found = true
	}

	if !found {
		if sigs, ok := wellknown.Signatures(name); ok {
			results = append(results, sigs...)
		} else if sig, ok := adHocService(name); ok {
			results = append(results, sig)
		} else {
			slog.Warn("Unknown service, policy will not match it", "service", name)
		}
	}
	return results, nil
}

// adHocService reads names like "tcp_8001-8004" or "udp_53".
func adHocService(name string) (string, bool) {
	proto, ports, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok || (proto != string(model.TCP) && proto != string(model.UDP)) {
		return "", false
	}
	low, high, err := parsePortRange(ports)
	if err != nil {
		return "", false
	}
	return model.Signature(model.Protocol(proto), low, high), true
}

// parsePortRange reads "80" or "8000-8080". A trailing ":src" range is
// ignored since only destination ports identify an application.
func parsePortRange(s string) (int, int, error) {
	s, _, _ = strings.Cut(s, ":")
	lowStr, highStr, isRange := strings.Cut(s, "-")
	low, err := strconv.Atoi(lowStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	high := low
	if isRange {
		if high, err = strconv.Atoi(highStr); err != nil {
			return 0, 0, fmt.Errorf("invalid port range %q: %w", s, err)
		}
	}
	if low < 0 || high > 65535 || high < low {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	if low == 0 && high == 65535 {
		low = -1
	}
	return low, high, nil
}

// buildPolicies expands each raw policy over the cross product of its
// source and destination zones. Sequence follows configuration order.
func (b *objectBook) buildPolicies(fw *model.Firewall, raws []rawPolicy, zoneOf func(string) []string) error {
	for i, raw := range raws {
		var apps []string
		for _, svc := range raw.Services {
			sigs, err := b.flattenSvcGroup(svc, make(map[string]bool))
			if err != nil {
				return fmt.Errorf("policy %s: failed to flatten service '%s': %w", raw.ID, svc, err)
			}
			apps = append(apps, sigs...)
		}
		slices.Sort(apps)
		apps = slices.Compact(apps)

		name := raw.Name
		if name == "" {
			name = "policy-" + raw.ID
		}
		action := model.Deny
		if raw.Action == "accept" || raw.Action == "permit" {
			action = model.Permit
		}

		for _, from := range expandZones(raw.SrcIntf, zoneOf) {
			for _, to := range expandZones(raw.DstIntf, zoneOf) {
				fw.Zone(from)
				fw.Zone(to)
				fw.Policies = append(fw.Policies, model.Policy{
					Name:                 name,
					FromZone:             from,
					ToZone:               to,
					Enabled:              raw.Enabled,
					Sequence:             i,
					SourceAddresses:      addressRefs(raw.SrcAddrs),
					DestinationAddresses: addressRefs(raw.DstAddrs),
					Applications:         apps,
					Action:               action,
				})
			}
		}
	}
	return nil
}

func expandZones(intfs []string, zoneOf func(string) []string) []string {
	var zones []string
	for _, intf := range intfs {
		zones = append(zones, zoneOf(intf)...)
	}
	slices.Sort(zones)
	return slices.Compact(zones)
}

func addressRefs(names []string) []model.Address {
	refs := make([]model.Address, len(names))
	for i, name := range names {
		refs[i] = model.NamedAddress(name)
	}
	return refs
}

// interfaceZones maps interfaces to zone names. An interface outside every
// zone is a zone of its own, and "any" stands for every zone.
type interfaceZones struct {
	zoneOf map[string]string
	zones  []string
}

func newInterfaceZones(fw *model.Firewall, interfaces []string) *interfaceZones {
	iz := &interfaceZones{zoneOf: make(map[string]string)}
	for _, name := range fw.ZoneNames() {
		for _, intf := range fw.Zones[name].Interfaces {
			iz.zoneOf[intf] = name
		}
	}
	for _, intf := range interfaces {
		if _, ok := iz.zoneOf[intf]; !ok {
			iz.zoneOf[intf] = intf
			fw.Zone(intf).Interfaces = []string{intf}
		}
	}
	iz.zones = fw.ZoneNames()
	return iz
}

func (iz *interfaceZones) lookup(name string) []string {
	if name == "any" {
		return iz.zones
	}
	if zone, ok := iz.zoneOf[name]; ok {
		return []string{zone}
	}
	// Policies may name a zone directly.
	return []string{name}
}
