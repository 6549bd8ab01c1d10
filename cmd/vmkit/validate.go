package main

import (
	"fmt"
	"io"
	"os"

	"github.com/artpar/vmkit/bootstrap"
	"github.com/artpar/vmkit/config"
	"github.com/artpar/vmkit/core/runtime"
	"github.com/artpar/vmkit/core/schema"
	"github.com/artpar/vmkit/core/viewmodel"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and definitions before deployment",
	Long: `Validate the vmkit configuration and view-model definitions.

Checks:
  - Configuration (file or VMKIT_* environment) is valid
  - Every definition parses and passes validation
  - Classes build in extends order
  - Outbound routes without a local subscriber (reported, not fatal)

Methods implemented in Go are not available here; every method a
definition refers to is stubbed so the classes can be built.

Examples:
  vmkit validate
  vmkit validate --config /etc/vmkit/vmkit.yaml
  vmkit validate --strict`,
	RunE: runValidate,
}

var validateStrict bool

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "fail when an outbound route has no local subscriber")
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
	warnMark  = "\033[33m!\033[0m"
)

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	if _, statErr := os.Stat(cfgFile); statErr == nil {
		fmt.Fprintf(out, "  %s Config valid\n", checkMark)
	} else {
		fmt.Fprintf(out, "  %s Config valid (from environment)\n", checkMark)
	}
	fmt.Fprintf(out, "  %s Bus: %s\n", checkMark, cfg.Bus.Driver)
	if cfg.Transport.BaseURL != "" {
		fmt.Fprintf(out, "  %s Transport: %s\n", checkMark, cfg.Transport.BaseURL)
	} else {
		fmt.Fprintf(out, "  %s Transport: no base_url, call targets must be absolute\n", warnMark)
	}

	defs, err := schema.ParseDir(cfg.Definitions.Dir)
	if err != nil {
		fmt.Fprintf(out, "  %s Definitions parse\n", crossMark)
		return fmt.Errorf("definitions error: %w", err)
	}
	fmt.Fprintf(out, "  %s Definitions parse: %d in %s\n", checkMark, len(defs), cfg.Definitions.Dir)

	rt, err := loadClasses(defs)
	if err != nil {
		fmt.Fprintf(out, "  %s Classes build\n", crossMark)
		return fmt.Errorf("definitions error: %w", err)
	}
	fmt.Fprintf(out, "  %s Classes build: %d\n", checkMark, len(rt.Classes()))

	unrouted := rt.Registry().Unrouted()
	if len(unrouted) == 0 {
		fmt.Fprintf(out, "  %s Every outbound route has a local subscriber\n", checkMark)
	} else {
		mark := warnMark
		if validateStrict {
			mark = crossMark
		}
		for _, claim := range unrouted {
			fmt.Fprintf(out, "  %s %s.%s publishes to %q with no local subscriber\n",
				mark, claim.Class, claim.Name, claim.Key())
		}
		if validateStrict {
			return fmt.Errorf("%d unrouted outbound route(s)", len(unrouted))
		}
	}

	fmt.Fprintln(out, "\nConfiguration is valid.")
	return nil
}

// loadClasses builds defs into a runtime with no transport or bus. Every
// method the definitions refer to is registered as a no-op unless a
// builtin already provides it.
func loadClasses(defs []schema.Definition) (*runtime.Runtime, error) {
	logger := zerolog.New(io.Discard)
	rt := runtime.New(runtime.Config{Logger: logger})
	bootstrap.RegisterBuiltins(rt, logger)

	for _, name := range referencedMethods(defs) {
		if rt.Methods().Has(runtime.AnyClass, name) {
			continue
		}
		rt.RegisterMethod(runtime.AnyClass, name, stub)
	}
	if err := rt.Load(defs); err != nil {
		return nil, err
	}
	return rt, nil
}

func stub(vm *viewmodel.ViewModel, args ...any) any {
	return nil
}

// referencedMethods returns the method names defs must resolve: call
// handlers, explicit method references and message accessors.
func referencedMethods(defs []schema.Definition) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, def := range defs {
		for _, calls := range []schema.Calls{def.Commands, def.Queries} {
			for _, name := range calls.Names() {
				call := calls[name]
				for _, h := range call.Handlers() {
					add(h)
				}
				if ref, ok := call.Payload.(schema.MethodRef); ok {
					add(string(ref))
				}
			}
		}
		for _, d := range def.Defaults {
			if ref, ok := d.Value.(schema.MethodRef); ok {
				add(string(ref))
			}
		}
		for _, m := range def.Messages {
			switch a := m.Accessor.(type) {
			case string:
				add(a)
			case schema.MethodRef:
				add(string(a))
			}
		}
	}
	return names
}
