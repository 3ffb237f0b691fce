package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/hamstore/internal/engine"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one scoring and eviction pass",
		Run:   runTick,
	})

	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Run eviction passes on a cron schedule until interrupted",
		Run:   runSchedule,
	}
	schedule.Flags().String("spec", "", "Cron spec or descriptor (default: lifecycle.schedule)")

	RootCmd.AddCommand(schedule)
}

func runTick(cmd *cobra.Command, args []string) {
	e, _, _ := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	rep, err := e.Tick(cmd.Context())
	if err != nil {
		exitErr("tick", err)
	}
	printOut(cmd, rep)
}

func runSchedule(cmd *cobra.Command, args []string) {
	spec, _ := cmd.Flags().GetString("spec")

	e, cfg, log := openEngine(cmd, engine.OpenOptions{})
	defer e.Close()

	if spec == "" {
		spec = cfg.Lifecycle.Schedule
	}
	s, err := e.Scheduler(spec)
	if err != nil {
		exitErr("schedule", err)
	}
	s.Start()
	log.WithField("spec", spec).Info("lifecycle scheduler started")

	<-cmd.Context().Done()
	<-s.Stop().Done()
	log.Info("lifecycle scheduler stopped")
}
