package main

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"static-flow-verifier/internal/aws"
	"static-flow-verifier/internal/config"
	"static-flow-verifier/internal/engine"
	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/model"
	"static-flow-verifier/internal/parser"
	"static-flow-verifier/internal/store"
)

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process [sources...]",
		Short: "Compile configured sources into rule files",
		Long: `process runs each named source (default: all of them) in dependency
order and writes its rules to the source's output location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := newStore(cfg)
			if err != nil {
				return err
			}
			return process(cmd.Context(), cfg, st, args)
		},
	}
}

func process(ctx context.Context, cfg *config.Config, st store.Store, requested []string) error {
	apps, err := cfg.Applications()
	if err != nil {
		return err
	}
	sources, err := cfg.Order(requested...)
	if err != nil {
		return err
	}

	for _, src := range sources {
		start := time.Now()
		slog.Info("Running source", "source", src.Name, "type", src.Type)
		rules, err := runSource(ctx, cfg, st, src, apps)
		if err != nil {
			slog.Error("Source failed", "source", src.Name, "error", err)
			return fmt.Errorf("source %s: %w", src.Name, err)
		}
		output := cfg.Path(src.Output)
		if err := st.Save(ctx, output, rules); err != nil {
			return fmt.Errorf("source %s: %w", src.Name, err)
		}
		slog.Info("Wrote rules", "source", src.Name, "output", output, "applications", len(rules), "rules", rules.Len(), "duration", time.Since(start))
	}
	return nil
}

func runSource(ctx context.Context, cfg *config.Config, st store.Store, src *config.Source, apps *model.ApplicationMap) (model.RuleSet, error) {
	if src.Type == config.TypeCombine {
		return combineSource(ctx, cfg, st, src)
	}
	fw, err := loadFirewall(ctx, cfg, src)
	if err != nil {
		return nil, err
	}
	compiler := &engine.Compiler{Apps: apps, Workers: cmp.Or(src.Workers, workers)}
	return compiler.Compile(fw)
}

func loadFirewall(ctx context.Context, cfg *config.Config, src *config.Source) (*model.Firewall, error) {
	switch src.Type {
	case config.TypeSRX:
		var files []*os.File
		defer func() {
			for _, f := range files {
				f.Close()
			}
		}()
		for _, path := range []string{src.SecurityPoliciesXML, src.RouteXML, src.ZonesXML} {
			f, err := os.Open(cfg.Path(path))
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}
		return parser.ParseSRX(files[0], files[1], files[2])
	case config.TypeFortiGate:
		f, err := os.Open(cfg.Path(src.ConfigFile))
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return parser.ParseFortiGate(f)
	case config.TypeMariaDB:
		return parser.ParseMariaDB(ctx, src.DSN)
	case config.TypeAWS:
		clients, err := aws.NewSDKClientCache(ctx, src.Profile)
		if err != nil {
			return nil, err
		}
		collector := &aws.Collector{Clients: clients, Regions: src.Regions, Workers: cmp.Or(src.Workers, workers)}
		inv, err := collector.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return aws.Translate(inv, aws.TranslateOptions{DynamicSubnets: src.DynamicSubnets})
	default:
		return nil, fmt.Errorf("unknown source type: %s", src.Type)
	}
}

// combineSource loads the rules of every source named in the route table
// and combines them over the configured address spaces.
func combineSource(ctx context.Context, cfg *config.Config, st store.Store, src *config.Source) (model.RuleSet, error) {
	spaces := make(map[string]ipset.PrefixSet, len(src.AddressSpaces))
	for _, name := range slices.Sorted(maps.Keys(src.AddressSpaces)) {
		set, err := ipset.Parse(src.AddressSpaces[name]...)
		if err != nil {
			return nil, fmt.Errorf("address space %s: %w", name, err)
		}
		spaces[name] = set
	}

	routes := src.RouteSources()
	inputs := make(map[string]model.RuleSet)
	for _, sources := range routes {
		for _, name := range sources {
			if _, ok := inputs[name]; ok {
				continue
			}
			dep, err := cfg.Source(name)
			if err != nil {
				return nil, err
			}
			rs, err := st.Load(ctx, cfg.Path(dep.Output))
			if err != nil {
				return nil, fmt.Errorf("load rules of %s: %w", name, err)
			}
			inputs[name] = rs
		}
	}

	return engine.Combine(engine.CombineInput{
		Spaces:    spaces,
		Routes:    routes,
		Sources:   inputs,
		Unmanaged: src.Unmanaged,
	})
}
