package cli

import (
	"fmt"

	framescheduler "github.com/Swind/go-frame-scheduler"
	"github.com/Swind/go-frame-scheduler/config"
	"github.com/Swind/go-frame-scheduler/core"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var graphPath string

	cmd := &cobra.Command{
		Use:   "validate --graph <file.hcl>",
		Short: "Check a frame graph without running it",
		Long: `Parses the graph and applies it to a throwaway engine that never starts,
so handler arguments and registrations are checked as well as references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := config.LoadGraph(graphPath)
			if err != nil {
				return err
			}

			engine := framescheduler.NewEngine(&core.SchedulerConfig{
				Workers:    1,
				Assertions: true,
				Logger:     core.NewNoOpLogger(),
			})
			if _, err := config.Apply(engine, g, config.BuiltinHandlers()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d stages, %d systems, %d tasks, %d events, %d spawns)\n",
				graphPath, len(g.Stages), len(g.Systems), len(g.Tasks), len(g.Events), len(g.Spawns))
			return nil
		},
	}

	cmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Frame graph file (HCL)")
	_ = cmd.MarkFlagRequired("graph")

	return cmd
}
