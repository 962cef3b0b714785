package parser

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
	"static-flow-verifier/internal/utils"
)

// MySQL error for a table that does not exist.
const errNoSuchTable = 1146

// MariaDBParser reads a firewall configuration mirrored into the cfg_*
// tables of a management database. Object names are global as on
// FortiGate; list columns hold JSON arrays.
type MariaDBParser struct {
	db *sql.DB
	objectBook

	ZoneMembers map[string][]string
	Routes      []model.Route
	Policies    []rawPolicy
}

func NewMariaDBParser(ctx context.Context, dsn string) (*MariaDBParser, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &MariaDBParser{
		db:          db,
		objectBook:  newObjectBook(),
		ZoneMembers: make(map[string][]string),
	}, nil
}

// ParseMariaDB loads a firewall model from the database at dsn.
func ParseMariaDB(ctx context.Context, dsn string) (*model.Firewall, error) {
	p, err := NewMariaDBParser(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	defer p.Close()
	if err := p.Parse(ctx); err != nil {
		return nil, err
	}
	return p.Firewall()
}

func (p *MariaDBParser) Close() {
	p.db.Close()
}

func (p *MariaDBParser) Parse(ctx context.Context) error {
	loaders := []struct {
		what string
		load func(context.Context) error
	}{
		{"zones", p.loadZones},
		{"routes", p.loadRoutes},
		{"addresses", p.loadAddresses},
		{"address groups", p.loadAddressGroups},
		{"services", p.loadServices},
		{"service groups", p.loadServiceGroups},
		{"policies", p.loadPolicies},
	}
	for _, l := range loaders {
		if err := l.load(ctx); err != nil {
			return fmt.Errorf("failed to load %s: %w", l.what, err)
		}
	}
	return nil
}

// query runs q and calls scan for every row. A missing table reads as
// empty since older schemas lack the zone, route and service tables.
func (p *MariaDBParser) query(ctx context.Context, q string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errNoSuchTable {
			slog.Debug("Table not present, skipping", "error", mysqlErr.Message)
			return nil
		}
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *MariaDBParser) loadZones(ctx context.Context) error {
	return p.query(ctx, "SELECT zone_name, interfaces FROM cfg_zone", func(rows *sql.Rows) error {
		var name, interfacesJSON string
		if err := rows.Scan(&name, &interfacesJSON); err != nil {
			return err
		}
		members, err := jsonList(interfacesJSON)
		if err != nil {
			return fmt.Errorf("zone %s: %w", name, err)
		}
		p.ZoneMembers[name] = members
		return nil
	})
}

func (p *MariaDBParser) loadRoutes(ctx context.Context) error {
	return p.query(ctx, "SELECT destination, interface_name, is_local FROM cfg_route ORDER BY id", func(rows *sql.Rows) error {
		var dst, intf string
		var local bool
		if err := rows.Scan(&dst, &intf, &local); err != nil {
			return err
		}
		prefix, err := netip.ParsePrefix(dst)
		if err != nil {
			return fmt.Errorf("route via %s: %w", intf, err)
		}
		p.Routes = append(p.Routes, model.Route{Destination: prefix.Masked(), Interface: intf, Local: local})
		return nil
	})
}

func (p *MariaDBParser) loadAddresses(ctx context.Context) error {
	return p.query(ctx, "SELECT object_name, address_type, subnet, start_ip, end_ip FROM cfg_address", func(rows *sql.Rows) error {
		var name, addrType string
		var subnet, startIP, endIP sql.NullString
		if err := rows.Scan(&name, &addrType, &subnet, &startIP, &endIP); err != nil {
			return err
		}

		switch addrType {
		case "ipmask":
			prefix, err := netip.ParsePrefix(subnet.String)
			if err != nil {
				return fmt.Errorf("address %s: %w", name, err)
			}
			p.AddressObjects[name] = ipset.New(prefix.Masked())
		case "iprange":
			start, err1 := netip.ParseAddr(startIP.String)
			end, err2 := netip.ParseAddr(endIP.String)
			if err := errors.Join(err1, err2); err != nil {
				return fmt.Errorf("address %s: %w", name, err)
			}
			prefixes, err := utils.RangeToPrefixes(start, end)
			if err != nil {
				return fmt.Errorf("address %s: %w", name, err)
			}
			p.AddressObjects[name] = ipset.New(prefixes...)
		default:
			slog.Warn("Address type has no static address space, treating as empty", "address", name, "type", addrType)
			p.AddressObjects[name] = ipset.PrefixSet{}
		}
		return nil
	})
}

func (p *MariaDBParser) loadAddressGroups(ctx context.Context) error {
	return p.loadGroups(ctx, "SELECT group_name, members FROM cfg_address_group", p.AddrGrps)
}

func (p *MariaDBParser) loadServiceGroups(ctx context.Context) error {
	return p.loadGroups(ctx, "SELECT group_name, members FROM cfg_service_group", p.SvcGrps)
}

func (p *MariaDBParser) loadGroups(ctx context.Context, q string, into map[string][]string) error {
	return p.query(ctx, q, func(rows *sql.Rows) error {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return err
		}
		members, err := jsonList(membersJSON)
		if err != nil {
			return fmt.Errorf("group %s: %w", groupName, err)
		}
		into[groupName] = members
		return nil
	})
}

func (p *MariaDBParser) loadServices(ctx context.Context) error {
	return p.query(ctx, "SELECT service_name, protocol, port_range FROM cfg_service", func(rows *sql.Rows) error {
		var name, proto string
		var portRange sql.NullString
		if err := rows.Scan(&name, &proto, &portRange); err != nil {
			return err
		}
		switch model.Protocol(proto) {
		case model.TCP, model.UDP:
			low, high, err := parsePortRange(portRange.String)
			if err != nil {
				return fmt.Errorf("service %s: %w", name, err)
			}
			p.ServiceObjects[name] = append(p.ServiceObjects[name], model.Signature(model.Protocol(proto), low, high))
		case model.ICMP:
			p.ServiceObjects[name] = append(p.ServiceObjects[name], model.Signature(model.ICMP, -1, -1))
		default:
			slog.Warn("Unsupported service protocol", "service", name, "protocol", proto)
		}
		return nil
	})
}

func (p *MariaDBParser) loadPolicies(ctx context.Context) error {
	q := "SELECT policy_id, policy_name, src_intf, dst_intf, src_objects, dst_objects, service_objects, action, is_enabled FROM cfg_policy ORDER BY priority ASC, id ASC"
	return p.query(ctx, q, func(rows *sql.Rows) error {
		var policyID int
		var name sql.NullString
		var srcIntf, dstIntf, srcJSON, dstJSON, svcJSON, action, isEnabled string
		if err := rows.Scan(&policyID, &name, &srcIntf, &dstIntf, &srcJSON, &dstJSON, &svcJSON, &action, &isEnabled); err != nil {
			return err
		}

		policy := rawPolicy{
			ID:      strconv.Itoa(policyID),
			Name:    name.String,
			Action:  action,
			Enabled: isEnabled == "enable",
		}
		var err error
		lists := []struct {
			raw  string
			into *[]string
		}{
			{srcIntf, &policy.SrcIntf},
			{dstIntf, &policy.DstIntf},
			{srcJSON, &policy.SrcAddrs},
			{dstJSON, &policy.DstAddrs},
			{svcJSON, &policy.Services},
		}
		for _, l := range lists {
			if *l.into, err = jsonList(l.raw); err != nil {
				return fmt.Errorf("policy %d: %w", policyID, err)
			}
		}
		policy.defaults()
		p.Policies = append(p.Policies, policy)
		return nil
	})
}

// Firewall assembles the loaded tables into a firewall model.
func (p *MariaDBParser) Firewall() (*model.Firewall, error) {
	fw := model.NewFirewall()
	fw.Routes = p.Routes

	var interfaces []string
	for _, r := range p.Routes {
		interfaces = append(interfaces, r.Interface)
	}
	for zone, members := range p.ZoneMembers {
		fw.Zone(zone).Interfaces = members
	}
	zones := newInterfaceZones(fw, interfaces)

	if err := p.fillAddresses(fw); err != nil {
		return nil, err
	}
	if err := p.buildPolicies(fw, p.Policies, zones.lookup); err != nil {
		return nil, err
	}
	return fw, nil
}

func jsonList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON list %q: %w", raw, err)
	}
	return out, nil
}
