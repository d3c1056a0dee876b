package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/farmsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	out := cmd.OutOrStdout()

	if flagJSON {
		redacted := *resolvedCfg
		if redacted.Remote.APIKey != "" {
			redacted.Remote.APIKey = config.Redacted
		}

		return printJSON(out, redacted)
	}

	return config.RenderEffective(resolvedCfg, out)
}
