package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

// XML shapes of the Junos "show security policies", "show route" and
// "show configuration security zones" RPC replies. Element names match
// without namespaces, which Junos varies by release.

type srxContext struct {
	Info struct {
		SourceZone      string    `xml:"source-zone-name"`
		DestinationZone string    `xml:"destination-zone-name"`
		Global          *struct{} `xml:"global-context"`
	} `xml:"context-information"`
	Policies []srxPolicy `xml:"policies>policy-information"`
}

type srxPolicy struct {
	Name         string       `xml:"policy-name"`
	State        string       `xml:"policy-state"`
	Sequence     int          `xml:"policy-sequence-number"`
	Sources      []srxAddrRef `xml:"source-addresses>source-address"`
	Destinations []srxAddrRef `xml:"destination-addresses>destination-address"`
	Applications []struct {
		Name string `xml:"application-name"`
	} `xml:"applications>application"`
	Action string `xml:"policy-action>action-type"`
}

type srxAddrRef struct {
	Name string `xml:"address-name"`
}

type srxRouteTable struct {
	Name   string     `xml:"table-name"`
	Routes []srxRoute `xml:"rt"`
}

type srxRoute struct {
	Destination string `xml:"rt-destination"`
	Entries     []struct {
		Active  *struct{} `xml:"current-active"`
		NextHop []struct {
			To  string `xml:"to"`
			Via string `xml:"via"`
		} `xml:"nh"`
	} `xml:"rt-entry"`
}

type srxZone struct {
	Name       string `xml:"name"`
	Interfaces []struct {
		Name string `xml:"name"`
	} `xml:"interfaces"`
	AddressBook struct {
		Addresses []struct {
			Name     string `xml:"name"`
			IPPrefix string `xml:"ip-prefix"`
		} `xml:"address"`
		Sets []srxAddressSet `xml:"address-set"`
	} `xml:"address-book"`
}

type srxAddressSet struct {
	Name    string `xml:"name"`
	Members []struct {
		Name string `xml:"name"`
	} `xml:"address"`
	Sets []struct {
		Name string `xml:"name"`
	} `xml:"address-set"`
}

// ParseSRX builds a firewall model from the three Junos XML documents.
func ParseSRX(policies, routes, zones io.Reader) (*model.Firewall, error) {
	fw := model.NewFirewall()

	zoneElts, err := decodeAll[srxZone](zones, "security-zone")
	if err != nil {
		return nil, fmt.Errorf("failed to parse zones: %w", err)
	}
	for _, elt := range zoneElts {
		zone := fw.Zone(elt.Name)
		for _, itfc := range elt.Interfaces {
			zone.Interfaces = append(zone.Interfaces, itfc.Name)
		}
		if err := elt.fillAddressBook(zone.Addresses); err != nil {
			return nil, fmt.Errorf("zone %s: %w", elt.Name, err)
		}
	}

	tables, err := decodeAll[srxRouteTable](routes, "route-table")
	if err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}
	for _, table := range tables {
		if table.Name != "inet.0" {
			continue
		}
		for _, rt := range table.Routes {
			route, ok, err := rt.toRoute()
			if err != nil {
				return nil, err
			}
			if ok {
				fw.Routes = append(fw.Routes, route)
			}
		}
		break
	}

	contexts, err := decodeAll[srxContext](policies, "security-context")
	if err != nil {
		return nil, fmt.Errorf("failed to parse policies: %w", err)
	}
	for _, ctx := range contexts {
		global := ctx.Info.Global != nil || (ctx.Info.SourceZone == "" && ctx.Info.DestinationZone == "")
		for _, pe := range ctx.Policies {
			pol := model.Policy{
				Name:     pe.Name,
				Global:   global,
				Enabled:  pe.State == "enabled",
				Sequence: pe.Sequence,
				Action:   model.Action(pe.Action),
			}
			if !global {
				pol.FromZone = ctx.Info.SourceZone
				pol.ToZone = ctx.Info.DestinationZone
			}
			for _, a := range pe.Sources {
				pol.SourceAddresses = append(pol.SourceAddresses, model.NamedAddress(a.Name))
			}
			for _, a := range pe.Destinations {
				pol.DestinationAddresses = append(pol.DestinationAddresses, model.NamedAddress(a.Name))
			}
			for _, app := range pe.Applications {
				pol.Applications = append(pol.Applications, app.Name)
			}
			if pol.Action != model.Permit {
				// deny and reject both drop the flow
				pol.Action = model.Deny
			}
			fw.Policies = append(fw.Policies, pol)
		}
	}

	slog.Debug("Parsed SRX configuration",
		"zones", len(fw.Zones), "routes", len(fw.Routes), "policies", len(fw.Policies))
	return fw, nil
}

// decodeAll decodes every element with the given local name, wherever it
// appears in the document.
func decodeAll[T any](r io.Reader, local string) ([]T, error) {
	dec := xml.NewDecoder(r)
	var out []T
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != local {
			continue
		}
		var v T
		if err := dec.DecodeElement(&v, &start); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

// toRoute reads the active entry of a route. Routes without an outgoing
// interface are dropped.
func (rt *srxRoute) toRoute() (model.Route, bool, error) {
	prefix, err := parsePrefixOrAddr(strings.TrimSpace(rt.Destination))
	if err != nil {
		return model.Route{}, false, fmt.Errorf("route %q: %w", rt.Destination, err)
	}
	route := model.Route{Destination: prefix}
	for _, entry := range rt.Entries {
		if entry.Active == nil {
			continue
		}
		route.Local = true
		for _, nh := range entry.NextHop {
			if route.Interface == "" && nh.Via != "" {
				route.Interface = nh.Via
			}
			if nh.To != "" {
				route.Local = false
			}
		}
	}
	return route, route.Interface != "", nil
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// fillAddressBook resolves addresses and address sets into book. Sets may
// name other sets in any order.
func (z *srxZone) fillAddressBook(book map[string]ipset.PrefixSet) error {
	for _, addr := range z.AddressBook.Addresses {
		set, err := ipset.Parse(addr.IPPrefix)
		if err != nil {
			return fmt.Errorf("address %s: %w", addr.Name, err)
		}
		book[addr.Name] = set
	}

	sets := make(map[string]*srxAddressSet, len(z.AddressBook.Sets))
	for i := range z.AddressBook.Sets {
		sets[z.AddressBook.Sets[i].Name] = &z.AddressBook.Sets[i]
	}
	var resolve func(name string, visiting map[string]bool) (ipset.PrefixSet, error)
	resolve = func(name string, visiting map[string]bool) (ipset.PrefixSet, error) {
		as, ok := sets[name]
		if !ok {
			set, ok := book[name]
			if !ok {
				return ipset.PrefixSet{}, fmt.Errorf("unknown address %q", name)
			}
			return set, nil
		}
		if visiting[name] {
			return ipset.PrefixSet{}, fmt.Errorf("circular dependency detected in address set '%s'", name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		var members []string
		for _, m := range as.Members {
			members = append(members, m.Name)
		}
		for _, m := range as.Sets {
			members = append(members, m.Name)
		}
		var out ipset.PrefixSet
		for _, member := range members {
			set, err := resolve(member, visiting)
			if err != nil {
				return ipset.PrefixSet{}, err
			}
			out = out.Union(set)
		}
		return out, nil
	}

	for _, as := range z.AddressBook.Sets {
		set, err := resolve(as.Name, make(map[string]bool))
		if err != nil {
			return fmt.Errorf("address set %s: %w", as.Name, err)
		}
		book[as.Name] = set
	}
	return nil
}
