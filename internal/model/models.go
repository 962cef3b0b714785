package model

import (
	"net/netip"
	"slices"

	"static-flow-verifier/internal/ipset"
)

type Action string // "permit", "deny"

const (
	Permit Action = "permit"
	Deny   Action = "deny"
)

const (
	AnyApp   = "any"
	OtherApp = "@@other"
)

// Address is a policy address reference. Named references resolve through
// a zone or global address book; literal ones already carry their set.
type Address struct {
	Name    string
	Set     ipset.PrefixSet
	Literal bool
}

func NamedAddress(name string) Address {
	return Address{Name: name}
}

func LiteralAddress(set ipset.PrefixSet) Address {
	return Address{Name: set.String(), Set: set, Literal: true}
}

type Policy struct {
	Name                 string
	FromZone             string
	ToZone               string
	Global               bool // zone-independent, evaluated after zone policies
	Enabled              bool
	Sequence             int // ascending = evaluated first
	SourceAddresses      []Address
	DestinationAddresses []Address
	Applications         []string
	Action               Action
}

// NamesApp reports whether the policy applies to app, directly or via "any".
func (p *Policy) NamesApp(app string) bool {
	return slices.Contains(p.Applications, app) || slices.Contains(p.Applications, AnyApp)
}

type Zone struct {
	Name       string
	Interfaces []string
	Addresses  map[string]ipset.PrefixSet // address book
	Static     ipset.PrefixSet            // networks not derived from routes
}

// NewZone returns a zone whose address book already holds the implicit
// "any" entries.
func NewZone(name string) *Zone {
	return &Zone{
		Name:      name,
		Addresses: DefaultAddressBook(),
	}
}

func DefaultAddressBook() map[string]ipset.PrefixSet {
	return map[string]ipset.PrefixSet{
		"any":      ipset.Any(),
		"any-ipv4": ipset.Any(),
		"any-ipv6": {},
	}
}

type Route struct {
	Destination netip.Prefix
	Interface   string
	Local       bool // directly attached
}

// Firewall is everything a collector knows about one policy source.
type Firewall struct {
	Zones           map[string]*Zone
	Policies        []Policy
	Routes          []Route
	GlobalAddresses map[string]ipset.PrefixSet
}

func NewFirewall() *Firewall {
	return &Firewall{
		Zones:           make(map[string]*Zone),
		GlobalAddresses: DefaultAddressBook(),
	}
}

// Zone returns the named zone, creating it if needed.
func (fw *Firewall) Zone(name string) *Zone {
	z, ok := fw.Zones[name]
	if !ok {
		z = NewZone(name)
		fw.Zones[name] = z
	}
	return z
}

// ZoneNames returns zone names in sorted order.
func (fw *Firewall) ZoneNames() []string {
	names := make([]string, 0, len(fw.Zones))
	for name := range fw.Zones {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type Decision string

const (
	DecisionAllow   Decision = "ALLOW"
	DecisionDeny    Decision = "DENY"
	DecisionPartial Decision = "PARTIAL"
	DecisionSkip    Decision = "SKIP"
)

// FlowCheck is one expected-reachability assertion.
type FlowCheck struct {
	Source      string
	Destination string
	Src         ipset.PrefixSet
	Dst         ipset.PrefixSet
	Application string
	Expect      Action
	Line        int
}

type CheckResult struct {
	Source       string
	Destination  string
	Application  string
	Expect       Action
	Decision     Decision
	Passed       bool
	MatchedRules []string
	Reason       string
	FlowCount    uint64
}
