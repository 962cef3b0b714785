// Package config loads the YAML file describing rule sources and where
// their compiled rules are written.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"static-flow-verifier/internal/model"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrCycle         = errors.New("source dependency cycle")
)

type SourceType string

const (
	TypeSRX       SourceType = "srx"
	TypeFortiGate SourceType = "fortigate"
	TypeMariaDB   SourceType = "mariadb"
	TypeAWS       SourceType = "aws"
	TypeCombine   SourceType = "combine"
)

// StringList accepts either a single YAML scalar or a sequence.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"` // used when an s3:// location names no bucket
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	UseSSL    bool   `yaml:"use-ssl"`
}

// Source is one named entry under "sources". Only the keys for its type
// are read.
type Source struct {
	Name    string     `yaml:"-"`
	Type    SourceType `yaml:"type"`
	Output  string     `yaml:"output"`
	Require StringList `yaml:"require"`
	Workers int        `yaml:"workers"`

	// srx
	SecurityPoliciesXML string `yaml:"security-policies-xml"`
	RouteXML            string `yaml:"route-xml"`
	ZonesXML            string `yaml:"configuration-security-zones-xml"`

	// fortigate
	ConfigFile string `yaml:"config-file"`

	// mariadb
	DSN string `yaml:"dsn"`

	// aws
	Regions        StringList `yaml:"regions"`
	DynamicSubnets StringList `yaml:"dynamic-subnets"`
	Profile        string     `yaml:"profile"`

	// combine
	AddressSpaces map[string]StringList `yaml:"address-spaces"`
	Routes        map[string]StringList `yaml:"routes"`
	Unmanaged     bool                  `yaml:"unmanaged"`
}

// Dependencies returns the sources that must run first: the explicit
// requirements plus every source a combine source routes through.
func (s *Source) Dependencies() []string {
	deps := slices.Clone(s.Require)
	for _, sources := range s.Routes {
		deps = append(deps, sources...)
	}
	slices.Sort(deps)
	return slices.Compact(deps)
}

// RouteSources converts the route table to the form the combiner takes.
func (s *Source) RouteSources() map[string][]string {
	out := make(map[string][]string, len(s.Routes))
	for expr, sources := range s.Routes {
		out[expr] = append([]string{}, sources...)
	}
	return out
}

type Config struct {
	ApplicationMap map[string]string  `yaml:"application-map"`
	ObjectStore    ObjectStore        `yaml:"object-store"`
	Sources        map[string]*Source `yaml:"sources"`

	// Dir is the directory of the loaded file. Relative paths resolve
	// against it.
	Dir string `yaml:"-"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(abs)
	return cfg, nil
}

// Parse expands ${VAR} references from the environment and decodes data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, name := range slices.Sorted(maps.Keys(c.Sources)) {
		src := c.Sources[name]
		if src == nil {
			return fmt.Errorf("source %q is empty", name)
		}
		src.Name = name
		if src.Output == "" {
			return fmt.Errorf("source %q has no output", name)
		}

		var missing string
		switch src.Type {
		case TypeSRX:
			switch {
			case src.SecurityPoliciesXML == "":
				missing = "security-policies-xml"
			case src.RouteXML == "":
				missing = "route-xml"
			case src.ZonesXML == "":
				missing = "configuration-security-zones-xml"
			}
		case TypeFortiGate:
			if src.ConfigFile == "" {
				missing = "config-file"
			}
		case TypeMariaDB:
			if src.DSN == "" {
				missing = "dsn"
			}
		case TypeAWS:
		case TypeCombine:
			if len(src.AddressSpaces) == 0 {
				missing = "address-spaces"
			}
		case "":
			return fmt.Errorf("source %q has no type", name)
		default:
			return fmt.Errorf("source %q has undefined type %q", name, src.Type)
		}
		if missing != "" {
			return fmt.Errorf("%s source %q requires %s", src.Type, name, missing)
		}
	}
	return nil
}

// Applications builds the application map, rejecting duplicate canonical
// names.
func (c *Config) Applications() (*model.ApplicationMap, error) {
	return model.NewApplicationMap(c.ApplicationMap)
}

// Path resolves a file path against the config directory. Object-store
// locations are returned unchanged.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "s3://") {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Source looks up a source by name.
func (c *Config) Source(name string) (*Source, error) {
	src, ok := c.Sources[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSource, name)
	}
	return src, nil
}

// Order returns the requested sources sorted so that every source comes
// after its dependencies. No names, or the single name "ALL", selects every
// source. Dependencies are only ordered, not added to the selection.
func (c *Config) Order(requested ...string) ([]*Source, error) {
	want := make(map[string]bool)
	if len(requested) == 0 || (len(requested) == 1 && requested[0] == "ALL") {
		for name := range c.Sources {
			want[name] = true
		}
	}
	for _, name := range requested {
		if name == "ALL" {
			continue
		}
		if _, ok := c.Sources[name]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSource, name)
		}
		want[name] = true
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var ordered []*Source
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, name), " -> "))
		}
		src, ok := c.Sources[name]
		if !ok {
			return fmt.Errorf("%w %q required by %q", ErrUnknownSource, name, path[len(path)-1])
		}
		state[name] = visiting
		for _, dep := range src.Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		if want[name] {
			ordered = append(ordered, src)
		}
		return nil
	}
	for _, name := range slices.Sorted(maps.Keys(c.Sources)) {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
