package main

import (
	"fmt"
	"os"

	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/internal/config"
)

func configCmd() *serpent.Command {
	return &serpent.Command{
		Use:   "config",
		Short: "Work with configuration files.",
		Children: []*serpent.Command{
			configInitCmd(),
			configCheckCmd(),
		},
	}
}

func configInitCmd() *serpent.Command {
	var force bool
	cmd := &serpent.Command{
		Use:        "init <file>",
		Short:      "Write the default configuration. Files ending in .yaml or .yml are written as YAML.",
		Middleware: serpent.RequireNArgs(1),
		Handler: func(inv *serpent.Invocation) error {
			path := inv.Args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return xerrors.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.DefaultConfig().Save(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(inv.Stdout, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "force",
			Description: "Overwrite an existing file.",
			Value:       serpent.BoolOf(&force),
		},
	}
	return cmd
}

func configCheckCmd() *serpent.Command {
	return &serpent.Command{
		Use:        "check <file>",
		Short:      "Load and validate a configuration file.",
		Middleware: serpent.RequireNArgs(1),
		Handler: func(inv *serpent.Invocation) error {
			cfg, err := config.Load(inv.Args[0], config.CLIOptions{})
			if err != nil {
				return err
			}
			policy := cfg.TunnelPolicy()
			_, _ = fmt.Fprintf(inv.Stdout, "Configuration is valid\n")
			_, _ = fmt.Fprintf(inv.Stdout, "  Listen: %s\n", cfg.ListenAddr())
			_, _ = fmt.Fprintf(inv.Stdout, "  Intercept: %t (bypass %d, only %d)\n",
				policy.Intercept, len(policy.BypassDomains), len(policy.OnlyDomains))
			if cfg.AdminAddr != "" {
				_, _ = fmt.Fprintf(inv.Stdout, "  Admin: %s\n", cfg.AdminAddr)
			}
			return nil
		},
	}
}
