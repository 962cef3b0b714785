package parser

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
	"static-flow-verifier/internal/utils"
)

type addressEntry struct {
	Type    string
	Subnet  netip.Prefix
	StartIP netip.Addr
	EndIP   netip.Addr
}

type staticRoute struct {
	Dst      netip.Prefix
	Device   string
	Disabled bool
}

// FortiGateParser reads a FortiOS "show full-configuration" dump. Address
// and service names are global; interfaces and zones become zones.
type FortiGateParser struct {
	scanner *bufio.Scanner
	objectBook

	Interfaces  map[string]netip.Prefix
	ZoneMembers map[string][]string
	Addresses   map[string]*addressEntry
	Routes      []staticRoute
	Policies    []rawPolicy

	interfaceOrder []string
}

func NewFortiGateParser(reader io.Reader) *FortiGateParser {
	return &FortiGateParser{
		scanner:     bufio.NewScanner(reader),
		objectBook:  newObjectBook(),
		Interfaces:  make(map[string]netip.Prefix),
		ZoneMembers: make(map[string][]string),
		Addresses:   make(map[string]*addressEntry),
	}
}

// ParseFortiGate reads a configuration and builds its firewall model.
func ParseFortiGate(reader io.Reader) (*model.Firewall, error) {
	p := NewFortiGateParser(reader)
	if err := p.Parse(); err != nil {
		return nil, err
	}
	return p.Firewall()
}

func (p *FortiGateParser) Parse() error {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if !strings.HasPrefix(line, "config ") {
			continue
		}
		var err error
		switch line {
		case "config vdom", "config global":
			// Wrappers of multi-VDOM dumps; their sections are read as usual.
			continue
		case "config system interface":
			err = p.parseSection(p.interfaceEntry())
		case "config system zone":
			err = p.parseSection(memberEntry(p.ZoneMembers, "interface"))
		case "config router static":
			err = p.parseSection(p.routeEntry())
		case "config firewall address":
			err = p.parseSection(p.addressEntry())
		case "config firewall addrgrp":
			err = p.parseSection(memberEntry(p.AddrGrps, "member"))
		case "config firewall service custom":
			err = p.parseSection(p.serviceEntry())
		case "config firewall service group":
			err = p.parseSection(memberEntry(p.SvcGrps, "member"))
		case "config firewall policy":
			err = p.parseSection(p.policyEntry())
		default:
			err = p.skipBlock()
		}
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", strings.TrimPrefix(line, "config "), err)
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

type sectionHandler struct {
	edit func(name string)
	set  func(key string, args []string) error
	next func()
}

// parseSection walks the edit/set/next entries of one config block up to
// its end. Nested config blocks are skipped.
func (p *FortiGateParser) parseSection(h sectionHandler) error {
	editing := false
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "end":
			return nil
		case "config":
			if err := p.skipBlock(); err != nil {
				return err
			}
		case "edit":
			args := splitArgs(rest)
			if len(args) == 0 {
				continue
			}
			editing = true
			h.edit(args[0])
		case "set":
			if !editing {
				continue
			}
			key, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
			// "set tcp-portrange=8001-8004" appears in hand-edited dumps.
			if k, v, ok := strings.Cut(key, "="); ok {
				key, args = k, v+" "+args
			}
			if err := h.set(key, splitArgs(args)); err != nil {
				return err
			}
		case "next":
			if editing && h.next != nil {
				h.next()
			}
			editing = false
		}
	}
	return io.ErrUnexpectedEOF
}

// skipBlock consumes lines up to the end matching an already read config.
func (p *FortiGateParser) skipBlock() error {
	depth := 1
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		switch {
		case strings.HasPrefix(line, "config "):
			depth++
		case line == "end":
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
	return io.ErrUnexpectedEOF
}

func memberEntry(into map[string][]string, key string) sectionHandler {
	var current string
	return sectionHandler{
		edit: func(name string) { current = name },
		set: func(k string, args []string) error {
			if k == key {
				into[current] = append(into[current], args...)
			}
			return nil
		},
	}
}

func (p *FortiGateParser) interfaceEntry() sectionHandler {
	var current string
	return sectionHandler{
		edit: func(name string) {
			current = name
			p.interfaceOrder = append(p.interfaceOrder, name)
		},
		set: func(key string, args []string) error {
			if key != "ip" {
				return nil
			}
			prefix, err := parseAddressMask(args)
			if err != nil {
				return fmt.Errorf("interface %s: %w", current, err)
			}
			if !prefix.Addr().IsUnspecified() {
				p.Interfaces[current] = prefix
			}
			return nil
		},
	}
}

func (p *FortiGateParser) routeEntry() sectionHandler {
	var current *staticRoute
	return sectionHandler{
		edit: func(string) {
			p.Routes = append(p.Routes, staticRoute{Dst: netip.MustParsePrefix("0.0.0.0/0")})
			current = &p.Routes[len(p.Routes)-1]
		},
		set: func(key string, args []string) error {
			switch key {
			case "dst":
				prefix, err := parseAddressMask(args)
				if err != nil {
					return err
				}
				current.Dst = prefix.Masked()
			case "device":
				if len(args) > 0 {
					current.Device = args[0]
				}
			case "status":
				current.Disabled = len(args) > 0 && args[0] == "disable"
			}
			return nil
		},
	}
}

func (p *FortiGateParser) addressEntry() sectionHandler {
	var current *addressEntry
	return sectionHandler{
		edit: func(name string) {
			current = &addressEntry{Type: "ipmask"}
			p.Addresses[name] = current
		},
		set: func(key string, args []string) error {
			if len(args) == 0 {
				return nil
			}
			switch key {
			case "type":
				current.Type = args[0]
			case "subnet":
				prefix, err := parseAddressMask(args)
				if err != nil {
					return err
				}
				current.Subnet = prefix.Masked()
			case "start-ip":
				current.StartIP, _ = netip.ParseAddr(args[0])
			case "end-ip":
				current.EndIP, _ = netip.ParseAddr(args[0])
			}
			return nil
		},
	}
}

func (p *FortiGateParser) serviceEntry() sectionHandler {
	var current string
	return sectionHandler{
		edit: func(name string) {
			current = name
			p.ServiceObjects[name] = nil
		},
		set: func(key string, args []string) error {
			var proto model.Protocol
			switch key {
			case "tcp-portrange":
				proto = model.TCP
			case "udp-portrange":
				proto = model.UDP
			case "protocol":
				if len(args) > 0 && (args[0] == "ICMP" || args[0] == "ICMP6") {
					p.ServiceObjects[current] = append(p.ServiceObjects[current], model.Signature(model.ICMP, -1, -1))
				}
				return nil
			default:
				return nil
			}
			for _, r := range args {
				low, high, err := parsePortRange(r)
				if err != nil {
					return fmt.Errorf("service %s: %w", current, err)
				}
				p.ServiceObjects[current] = append(p.ServiceObjects[current], model.Signature(proto, low, high))
			}
			return nil
		},
	}
}

func (p *FortiGateParser) policyEntry() sectionHandler {
	var current *rawPolicy
	return sectionHandler{
		edit: func(id string) {
			p.Policies = append(p.Policies, rawPolicy{ID: id, Enabled: true, Action: "deny"})
			current = &p.Policies[len(p.Policies)-1]
		},
		set: func(key string, args []string) error {
			switch key {
			case "name":
				current.Name = strings.Join(args, " ")
			case "srcintf":
				current.SrcIntf = append(current.SrcIntf, args...)
			case "dstintf":
				current.DstIntf = append(current.DstIntf, args...)
			case "srcaddr":
				current.SrcAddrs = append(current.SrcAddrs, args...)
			case "dstaddr":
				current.DstAddrs = append(current.DstAddrs, args...)
			case "service":
				current.Services = append(current.Services, args...)
			case "action":
				if len(args) > 0 {
					current.Action = args[0]
				}
			case "status":
				current.Enabled = len(args) == 0 || args[0] == "enable"
			}
			return nil
		},
		next: func() { current.defaults() },
	}
}

// Firewall assembles the parsed sections into a firewall model.
func (p *FortiGateParser) Firewall() (*model.Firewall, error) {
	fw := model.NewFirewall()

	for _, name := range p.interfaceOrder {
		if prefix, ok := p.Interfaces[name]; ok {
			fw.Routes = append(fw.Routes, model.Route{Destination: prefix.Masked(), Interface: name, Local: true})
		}
	}
	interfaces := slices.Clone(p.interfaceOrder)
	for _, r := range p.Routes {
		if r.Disabled || r.Device == "" {
			continue
		}
		fw.Routes = append(fw.Routes, model.Route{Destination: r.Dst, Interface: r.Device})
		interfaces = append(interfaces, r.Device)
	}
	for zone, members := range p.ZoneMembers {
		fw.Zone(zone).Interfaces = members
	}
	zones := newInterfaceZones(fw, interfaces)

	for name, entry := range p.Addresses {
		set, err := entry.resolve(name)
		if err != nil {
			return nil, err
		}
		p.AddressObjects[name] = set
	}
	if err := p.fillAddresses(fw); err != nil {
		return nil, err
	}
	if err := p.buildPolicies(fw, p.Policies, zones.lookup); err != nil {
		return nil, err
	}
	slog.Debug("Parsed FortiGate configuration",
		"zones", len(fw.Zones), "routes", len(fw.Routes), "policies", len(fw.Policies), "addresses", len(fw.GlobalAddresses))
	return fw, nil
}

func (e *addressEntry) resolve(name string) (ipset.PrefixSet, error) {
	switch e.Type {
	case "ipmask":
		if !e.Subnet.IsValid() {
			return ipset.Any(), nil
		}
		return ipset.New(e.Subnet), nil
	case "iprange":
		prefixes, err := utils.RangeToPrefixes(e.StartIP, e.EndIP)
		if err != nil {
			return ipset.PrefixSet{}, fmt.Errorf("address %s: %w", name, err)
		}
		return ipset.New(prefixes...), nil
	default:
		slog.Warn("Address type has no static address space, treating as empty", "address", name, "type", e.Type)
		return ipset.PrefixSet{}, nil
	}
}

// parseAddressMask reads "10.0.0.1 255.255.255.0" or "10.0.0.1/24". The
// host bits are kept.
func parseAddressMask(args []string) (netip.Prefix, error) {
	if len(args) == 1 {
		return netip.ParsePrefix(args[0])
	}
	if len(args) != 2 {
		return netip.Prefix{}, fmt.Errorf("expected address and mask, got %q", args)
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return netip.Prefix{}, err
	}
	maskIP := net.ParseIP(args[1]).To4()
	if maskIP == nil {
		return netip.Prefix{}, fmt.Errorf("invalid netmask %q", args[1])
	}
	ones, bits := net.IPMask(maskIP).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("non-contiguous netmask %q", args[1])
	}
	return netip.PrefixFrom(addr, ones), nil
}

// splitArgs splits set arguments on blanks outside double quotes.
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuote, started := false, false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case (r == ' ' || r == '\t') && !inQuote:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}
