package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentrt/internal/config"
	"github.com/alecgard/agentrt/internal/health"
)

var probe bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and optionally probe every agent",
	Long:  "check loads and validates the configuration, builds every agent and workflow, and with --probe sends each agent its health probe. Probes call the upstream provider and are billed.",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&probe, "probe", false, "send a health probe to every configured agent")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	rt, err := buildRuntime(cfg, nil, nil, nil)
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d agents, %d workflows\n", len(rt.Registry().Names()), len(rt.Registry().Workflows()))
	if !probe {
		return nil
	}

	// Each probe is bounded by health.timeout.
	results := rt.CheckHealth(cmd.Context())
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tRESPONSE\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", r.Agent, r.Status, r.ResponseTimeMs, r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if overall := health.Overall(results); overall != health.Healthy {
		return fmt.Errorf("agents are %s", overall)
	}
	return nil
}
