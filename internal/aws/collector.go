// Package aws collects EC2 security-group state and translates it into a
// firewall model.
package aws

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

// Region used for calls that are not tied to a region.
const defaultRegion = "us-east-1"

func convertError(err error) string {
	var awsErr smithy.APIError
	if errors.As(err, &awsErr) {
		return fmt.Sprintf("%s: %s", awsErr.ErrorCode(), awsErr.ErrorMessage())
	}

	return err.Error()
}

// EC2API is the part of the EC2 client the collector uses.
type EC2API interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// ClientCache hands out one EC2 client per region for the lifetime of a
// single collection run.
type ClientCache struct {
	mu        sync.Mutex
	clients   map[string]EC2API
	newClient func(region string) EC2API
}

func NewClientCache(newClient func(region string) EC2API) *ClientCache {
	return &ClientCache{clients: make(map[string]EC2API), newClient: newClient}
}

// NewSDKClientCache builds clients from the default credential chain,
// optionally with a named shared-config profile.
func NewSDKClientCache(ctx context.Context, profile string) (*ClientCache, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return NewClientCache(func(region string) EC2API {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.Region = region
		})
	}), nil
}

func (c *ClientCache) Client(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[region]
	if !ok {
		client = c.newClient(region)
		c.clients[region] = client
	}
	return client
}

type Subnet struct {
	ID     string
	Name   string // Name tag, or the ID
	Region string
	CIDR   netip.Prefix
}

type Instance struct {
	ID             string
	Name           string // Name tag, or the ID
	Region         string
	State          string
	VPCID          string
	PrivateIP      netip.Addr // invalid when the instance has none
	SecurityGroups []string
}

type SecurityGroupID struct {
	ID     string
	Region string
}

// Permission is one ingress or egress rule. Nil ports mean every port.
type Permission struct {
	Protocol string
	FromPort *int32
	ToPort   *int32
	CIDRs    []string
	GroupIDs []string
}

type SecurityGroup struct {
	ID      string
	Name    string
	Region  string
	Ingress []Permission
	Egress  []Permission
}

// Inventory is everything collected from the selected regions.
type Inventory struct {
	Subnets        []Subnet
	Instances      []Instance
	SecurityGroups map[SecurityGroupID]SecurityGroup
}

type Collector struct {
	Clients *ClientCache
	Regions []string // empty means every region
	Workers int      // regions collected concurrently; <1 means 1
}

func (c *Collector) Collect(ctx context.Context) (*Inventory, error) {
	regions := c.Regions
	if len(regions) == 0 {
		slog.Info("Getting all regions")
		out, err := c.Clients.Client(defaultRegion).DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
		if err != nil {
			return nil, fmt.Errorf("error describing regions: %s", convertError(err))
		}
		for _, r := range out.Regions {
			regions = append(regions, aws.ToString(r.RegionName))
		}
		slices.Sort(regions)
	}

	results := make([]*Inventory, len(regions))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.Workers))
	for i, region := range regions {
		g.Go(func() error {
			inv, err := collectRegion(ctx, c.Clients.Client(region), region)
			if err != nil {
				return fmt.Errorf("region %s: %w", region, err)
			}
			results[i] = inv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inv := &Inventory{SecurityGroups: make(map[SecurityGroupID]SecurityGroup)}
	for _, r := range results {
		inv.Subnets = append(inv.Subnets, r.Subnets...)
		inv.Instances = append(inv.Instances, r.Instances...)
		for id, sg := range r.SecurityGroups {
			inv.SecurityGroups[id] = sg
		}
	}
	slog.Info("Collected AWS inventory",
		"regions", len(regions), "subnets", len(inv.Subnets), "instances", len(inv.Instances), "securityGroups", len(inv.SecurityGroups))
	return inv, nil
}

func collectRegion(ctx context.Context, client EC2API, region string) (*Inventory, error) {
	inv := &Inventory{SecurityGroups: make(map[SecurityGroupID]SecurityGroup)}

	subnets := ec2.NewDescribeSubnetsPaginator(client, &ec2.DescribeSubnetsInput{})
	for subnets.HasMorePages() {
		page, err := subnets.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error describing subnets: %s", convertError(err))
		}
		for _, s := range page.Subnets {
			cidr, err := netip.ParsePrefix(aws.ToString(s.CidrBlock))
			if err != nil {
				slog.Warn("Ignoring subnet with unreadable CIDR block", "subnet", aws.ToString(s.SubnetId), "error", err)
				continue
			}
			id := aws.ToString(s.SubnetId)
			inv.Subnets = append(inv.Subnets, Subnet{ID: id, Name: nameTag(s.Tags, id), Region: region, CIDR: cidr.Masked()})
		}
	}

	instances := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for instances.HasMorePages() {
		page, err := instances.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error describing instances: %s", convertError(err))
		}
		for _, res := range page.Reservations {
			for _, i := range res.Instances {
				inv.Instances = append(inv.Instances, toInstance(i, region))
			}
		}
	}

	groups := ec2.NewDescribeSecurityGroupsPaginator(client, &ec2.DescribeSecurityGroupsInput{})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error describing security groups: %s", convertError(err))
		}
		for _, sg := range page.SecurityGroups {
			id := aws.ToString(sg.GroupId)
			inv.SecurityGroups[SecurityGroupID{ID: id, Region: region}] = SecurityGroup{
				ID:      id,
				Name:    aws.ToString(sg.GroupName),
				Region:  region,
				Ingress: toPermissions(sg.IpPermissions),
				Egress:  toPermissions(sg.IpPermissionsEgress),
			}
		}
	}

	slices.SortFunc(inv.Subnets, func(a, b Subnet) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(inv.Instances, func(a, b Instance) int { return cmp.Compare(a.ID, b.ID) })
	slog.Debug("Collected region", "region", region, "subnets", len(inv.Subnets), "instances", len(inv.Instances))
	return inv, nil
}

func toInstance(i types.Instance, region string) Instance {
	id := aws.ToString(i.InstanceId)
	inst := Instance{
		ID:     id,
		Name:   nameTag(i.Tags, id),
		Region: region,
		VPCID:  aws.ToString(i.VpcId),
	}
	if i.State != nil {
		inst.State = string(i.State.Name)
	}
	if ip, err := netip.ParseAddr(aws.ToString(i.PrivateIpAddress)); err == nil {
		inst.PrivateIP = ip
	}
	for _, g := range i.SecurityGroups {
		inst.SecurityGroups = append(inst.SecurityGroups, aws.ToString(g.GroupId))
	}
	return inst
}

func toPermissions(perms []types.IpPermission) []Permission {
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		perm := Permission{
			Protocol: aws.ToString(p.IpProtocol),
			FromPort: p.FromPort,
			ToPort:   p.ToPort,
		}
		for _, r := range p.IpRanges {
			perm.CIDRs = append(perm.CIDRs, aws.ToString(r.CidrIp))
		}
		for _, pair := range p.UserIdGroupPairs {
			perm.GroupIDs = append(perm.GroupIDs, aws.ToString(pair.GroupId))
		}
		out = append(out, perm)
	}
	return out
}

func nameTag(tags []types.Tag, fallback string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" && aws.ToString(t.Value) != "" {
			return aws.ToString(t.Value)
		}
	}
	return fallback
}
