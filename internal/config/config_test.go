package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"static-flow-verifier/internal/model"
)

const testConfig = `
application-map:
  80/tcp: http
  443/tcp: https
object-store:
  endpoint: minio:9000
  bucket: rules
  access-key: ${FLOWVERIFY_TEST_KEY}
  secret-key: secret
sources:
  dc:
    type: srx
    output: dc.json
    security-policies-xml: policies.xml
    route-xml: routes.xml
    configuration-security-zones-xml: zones.xml
  branch:
    type: fortigate
    output: s3://rules/branch.json
    config-file: branch.conf
  cloud:
    type: aws
    output: cloud.json
    regions: us-west-2
    dynamic-subnets: [web, batch]
  enterprise:
    type: combine
    output: enterprise.json
    address-spaces:
      dc: 10.0.0.0/8
      cloud: [172.16.0.0/12]
    routes:
      "dc <-> cloud": [dc, cloud]
      "* -> *": dc
    unmanaged: true
  report:
    type: mariadb
    output: report.json
    dsn: user:pass@tcp(db:3306)/firewall
    require: enterprise
`

func TestParse(t *testing.T) {
	t.Setenv("FLOWVERIFY_TEST_KEY", "access")
	cfg, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ObjectStore.AccessKey != "access" {
		t.Errorf("expected environment expansion, got %q", cfg.ObjectStore.AccessKey)
	}
	cloud := cfg.Sources["cloud"]
	if cloud.Name != "cloud" || cloud.Type != TypeAWS {
		t.Errorf("unexpected cloud source %+v", cloud)
	}
	if diff := cmp.Diff(StringList{"us-west-2"}, cloud.Regions); diff != "" {
		t.Errorf("scalar list mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StringList{"web", "batch"}, cloud.DynamicSubnets); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	ent := cfg.Sources["enterprise"]
	wantSpaces := map[string]StringList{"dc": {"10.0.0.0/8"}, "cloud": {"172.16.0.0/12"}}
	if diff := cmp.Diff(wantSpaces, ent.AddressSpaces); diff != "" {
		t.Errorf("address spaces mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cloud", "dc"}, ent.Dependencies()); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
	wantRoutes := map[string][]string{"dc <-> cloud": {"dc", "cloud"}, "* -> *": {"dc"}}
	if diff := cmp.Diff(wantRoutes, ent.RouteSources()); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	apps, err := cfg.Applications()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := apps.Lookup("443/tcp"); got != "https" {
		t.Errorf("Lookup(443/tcp) = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no type", "sources:\n  a:\n    output: a.json\n", "has no type"},
		{"bad type", "sources:\n  a:\n    type: pix\n    output: a.json\n", "undefined type"},
		{"no output", "sources:\n  a:\n    type: aws\n", "has no output"},
		{"srx files", "sources:\n  a:\n    type: srx\n    output: a.json\n    route-xml: r.xml\n", "security-policies-xml"},
		{"fortigate file", "sources:\n  a:\n    type: fortigate\n    output: a.json\n", "config-file"},
		{"mariadb dsn", "sources:\n  a:\n    type: mariadb\n    output: a.json\n", "dsn"},
		{"combine spaces", "sources:\n  a:\n    type: combine\n    output: a.json\n", "address-spaces"},
		{"bad list", "sources:\n  a:\n    type: aws\n    output: a.json\n    regions: {x: y}\n", "list of strings"},
		{"bad yaml", "sources: [", "parse config YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestApplicationsRejectsDuplicates(t *testing.T) {
	cfg, err := Parse([]byte("application-map:\n  80/tcp: web\n  8080/tcp: web\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cfg.Applications(); !errors.Is(err, model.ErrDuplicateApplication) {
		t.Fatalf("expected ErrDuplicateApplication, got %v", err)
	}
}

func names(sources []*Source) []string {
	var out []string
	for _, s := range sources {
		out = append(out, s.Name)
	}
	return out
}

func TestOrder(t *testing.T) {
	cfg, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		requested []string
		want      []string
	}{
		{nil, []string{"branch", "cloud", "dc", "enterprise", "report"}},
		{[]string{"ALL"}, []string{"branch", "cloud", "dc", "enterprise", "report"}},
		{[]string{"report", "dc"}, []string{"dc", "report"}},
		{[]string{"enterprise", "cloud"}, []string{"cloud", "enterprise"}},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.requested, ","), func(t *testing.T) {
			got, err := cfg.Order(tt.requested...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, names(got)); diff != "" {
				t.Fatalf("order mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOrderErrors(t *testing.T) {
	t.Run("unknown requested source", func(t *testing.T) {
		cfg, _ := Parse([]byte("sources:\n  a:\n    type: aws\n    output: a.json\n"))
		if _, err := cfg.Order("b"); !errors.Is(err, ErrUnknownSource) {
			t.Fatalf("expected ErrUnknownSource, got %v", err)
		}
	})
	t.Run("unknown requirement", func(t *testing.T) {
		cfg, _ := Parse([]byte("sources:\n  a:\n    type: aws\n    output: a.json\n    require: missing\n"))
		if _, err := cfg.Order(); !errors.Is(err, ErrUnknownSource) {
			t.Fatalf("expected ErrUnknownSource, got %v", err)
		}
	})
	t.Run("unknown combine input", func(t *testing.T) {
		cfg, _ := Parse([]byte("sources:\n  a:\n    type: combine\n    output: a.json\n    address-spaces: {x: 10.0.0.0/8}\n    routes: {\"x -> x\": [gone]}\n"))
		if _, err := cfg.Order(); !errors.Is(err, ErrUnknownSource) {
			t.Fatalf("expected ErrUnknownSource, got %v", err)
		}
	})
	t.Run("cycle", func(t *testing.T) {
		cfg, _ := Parse([]byte("sources:\n  a:\n    type: aws\n    output: a.json\n    require: b\n  b:\n    type: aws\n    output: b.json\n    require: a\n"))
		_, err := cfg.Order()
		if !errors.Is(err, ErrCycle) {
			t.Fatalf("expected ErrCycle, got %v", err)
		}
		if !strings.Contains(err.Error(), "a -> b -> a") {
			t.Errorf("expected the cycle path in %q", err)
		}
	})
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowverify.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		in, want string
	}{
		{"dc.json", filepath.Join(dir, "dc.json")},
		{"/abs/out.json", "/abs/out.json"},
		{"s3://rules/branch.json", "s3://rules/branch.json"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := cfg.Path(tt.in); got != tt.want {
			t.Errorf("Path(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
