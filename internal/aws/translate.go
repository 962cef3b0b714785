package aws

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
)

var (
	ErrEgressRestricted     = errors.New("security group egress is restricted")
	ErrMissingSecurityGroup = errors.New("no such security group")
)

// Zone is the single zone every translated policy lives in.
const Zone = "aws"

type TranslateOptions struct {
	// DynamicSubnets names subnets (by Name tag or ID) whose instances come
	// and go. Their addresses are treated as one block per subnet name
	// instead of per-host addresses.
	DynamicSubnets []string
}

// scope is a set of addresses that share security groups.
type scope struct {
	name   string
	local  ipset.PrefixSet
	groups map[SecurityGroupID]struct{}
}

// Translate turns security-group ingress rules into permit policies in a
// single zone covering the whole address space.
func Translate(inv *Inventory, opts TranslateOptions) (*model.Firewall, error) {
	dynamicNames := make(map[string]bool, len(opts.DynamicSubnets))
	for _, name := range opts.DynamicSubnets {
		dynamicNames[name] = true
	}

	dynamicSpace := make(map[string]ipset.PrefixSet)
	dynamic := make(map[int]bool)
	for i, s := range inv.Subnets {
		if dynamicNames[s.Name] || dynamicNames[s.ID] {
			dynamic[i] = true
			dynamicSpace[s.Name] = dynamicSpace[s.Name].Union(ipset.New(s.CIDR))
		}
	}

	ipsBySG := make(map[string]ipset.PrefixSet)
	scopes := make(map[string]*scope)
	addScope := func(key, name string, local ipset.PrefixSet, inst Instance) {
		s, ok := scopes[key]
		if !ok {
			s = &scope{name: name, local: local, groups: make(map[SecurityGroupID]struct{})}
			scopes[key] = s
		}
		for _, g := range inst.SecurityGroups {
			s.groups[SecurityGroupID{ID: g, Region: inst.Region}] = struct{}{}
		}
	}

	for _, inst := range inv.Instances {
		switch {
		case inst.State == "terminated" || inst.State == "shutting-down":
			continue
		case inst.VPCID == "":
			slog.Debug("Ignoring instance outside any VPC", "instance", inst.ID)
			continue
		case !inst.PrivateIP.IsValid():
			slog.Debug("Ignoring instance with no private IP address", "instance", inst.ID, "name", inst.Name)
			continue
		}
		host := ipset.New(netip.PrefixFrom(inst.PrivateIP, inst.PrivateIP.BitLen()))
		for _, g := range inst.SecurityGroups {
			ipsBySG[g] = ipsBySG[g].Union(host)
		}

		idx := subnetFor(inv.Subnets, inst)
		if idx < 0 {
			slog.Debug("Ignoring instance with no matching subnet", "instance", inst.ID, "ip", inst.PrivateIP)
			continue
		}
		if dynamic[idx] {
			name := inv.Subnets[idx].Name
			addScope("subnet="+name, "subnet="+name, dynamicSpace[name], inst)
		} else {
			// Name tags are not unique, so hosts are keyed by instance ID
			addScope("per-host="+inst.ID, "per-host="+inst.Name, host, inst)
		}
	}

	fw := model.NewFirewall()
	fw.Zone(Zone).Static = ipset.Any()
	for _, name := range slices.Sorted(maps.Keys(scopes)) {
		s := scopes[name]
		ids := slices.SortedFunc(maps.Keys(s.groups), func(a, b SecurityGroupID) int {
			return cmp.Or(cmp.Compare(a.Region, b.Region), cmp.Compare(a.ID, b.ID))
		})
		for _, id := range ids {
			sg, ok := inv.SecurityGroups[id]
			if !ok {
				return nil, fmt.Errorf("%w %s in %s", ErrMissingSecurityGroup, id.ID, id.Region)
			}
			if err := checkEgress(sg); err != nil {
				return nil, err
			}
			fw.Policies = append(fw.Policies, ingressPolicies(s, sg, ipsBySG, len(fw.Policies))...)
		}
	}
	slog.Info("Translated security groups", "scopes", len(scopes), "policies", len(fw.Policies))
	return fw, nil
}

func ingressPolicies(s *scope, sg SecurityGroup, ipsBySG map[string]ipset.PrefixSet, seq int) []model.Policy {
	var out []model.Policy
	for _, perm := range sg.Ingress {
		var remotes []ipset.PrefixSet
		for _, cidr := range perm.CIDRs {
			set, err := ipset.Parse(cidr)
			if err != nil {
				slog.Warn("Ignoring unreadable grant", "securityGroup", sg.ID, "cidr", cidr)
				continue
			}
			remotes = append(remotes, set)
		}
		for _, g := range perm.GroupIDs {
			set := ipsBySG[g]
			if set.IsEmpty() {
				slog.Debug("Ignoring rule for empty security group", "securityGroup", g)
				continue
			}
			remotes = append(remotes, set)
		}

		app := appSignature(perm)
		for _, remote := range remotes {
			out = append(out, model.Policy{
				Name:                 fmt.Sprintf("%s/sg=%s/in", s.name, sg.Name),
				FromZone:             Zone,
				ToZone:               Zone,
				Enabled:              true,
				Sequence:             seq + len(out),
				SourceAddresses:      []model.Address{model.LiteralAddress(remote)},
				DestinationAddresses: []model.Address{model.LiteralAddress(s.local)},
				Applications:         []string{app},
				Action:               model.Permit,
			})
		}
	}
	return out
}

// checkEgress requires every egress rule to allow all protocols to the
// whole address space, since only ingress is translated.
func checkEgress(sg SecurityGroup) error {
	for _, perm := range sg.Egress {
		if perm.Protocol == "-1" && slices.Contains(perm.CIDRs, "0.0.0.0/0") {
			continue
		}
		return fmt.Errorf("%w: %s (%s) in %s allows only %s to %v", ErrEgressRestricted, sg.Name, sg.ID, sg.Region, appSignature(perm), perm.CIDRs)
	}
	return nil
}

func appSignature(perm Permission) string {
	if perm.Protocol == "-1" {
		return model.AnyApp
	}
	proto := model.Protocol(perm.Protocol)
	if perm.FromPort == nil || *perm.FromPort < 0 {
		return model.Signature(proto, -1, -1)
	}
	high := *perm.FromPort
	if perm.ToPort != nil {
		high = *perm.ToPort
	}
	return model.Signature(proto, int(*perm.FromPort), int(high))
}

// subnetFor returns the index of the most specific subnet holding the
// instance address, or -1.
func subnetFor(subnets []Subnet, inst Instance) int {
	best := -1
	for i, s := range subnets {
		if !s.CIDR.Contains(inst.PrivateIP) {
			continue
		}
		if best < 0 || s.CIDR.Bits() > subnets[best].CIDR.Bits() {
			best = i
		}
	}
	return best
}
