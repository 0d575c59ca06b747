package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-queue/internal/app"
	"github.com/hackgods/clinic-queue/internal/appointment"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "queuectl",
		Short:        "Operate clinic queues from the command line",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recomputeCmd())
	rootCmd.AddCommand(delayCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withRuntime loads config, opens the runtime and scopes ctx to the tenant
// named on the command line.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime, tenant string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	if !db.ValidTenant(tenant) {
		return fmt.Errorf("invalid tenant %q", tenant)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	rt, err := app.Open(ctx, cfg, app.NewLogger(cfg, "queuectl"))
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(db.WithTenant(ctx, tenant), rt, tenant)
}

func queueFlags(cmd *cobra.Command) (uuid.UUID, time.Time, error) {
	rawDoctor, _ := cmd.Flags().GetString("doctor")
	doctorID, err := uuid.Parse(rawDoctor)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("--doctor must be a valid UUID")
	}
	rawDate, _ := cmd.Flags().GetString("date")
	day, err := appointment.ParseDay(rawDate)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("--date must be YYYY-MM-DD")
	}
	return doctorID, day, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to the tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, tenant string) error {
				if rt.Pool == nil {
					return fmt.Errorf("migrate needs STORE_DRIVER=postgres")
				}
				n, err := db.NewMigrator(rt.Pool).Up(ctx, tenant)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) to tenant %s.\n", n, tenant)
				return nil
			})
		},
	}
}

func recomputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild the queue positions of a doctor's day",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, day, err := queueFlags(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, _ string) error {
				ordered, err := rt.Service().RecomputeQueue(ctx, doctorID, day)
				if err != nil {
					return err
				}
				printQueue(ordered)
				return nil
			})
		},
	}
	cmd.Flags().String("doctor", "", "Doctor id")
	cmd.Flags().String("date", "", "Service date (YYYY-MM-DD)")
	return cmd
}

func delayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Shift every remaining appointment of a doctor's day",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctorID, day, err := queueFlags(cmd)
			if err != nil {
				return err
			}
			minutes, _ := cmd.Flags().GetInt("minutes")
			reason, _ := cmd.Flags().GetString("reason")
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, _ string) error {
				shifted, err := rt.Service().ApplyDelay(ctx, doctorID, day, minutes, reason)
				if err != nil {
					return err
				}
				fmt.Printf("Delayed %d appointment(s) by %d minute(s).\n", len(shifted), minutes)
				return nil
			})
		},
	}
	cmd.Flags().String("doctor", "", "Doctor id")
	cmd.Flags().String("date", "", "Service date (YYYY-MM-DD)")
	cmd.Flags().Int("minutes", 0, "Minutes to add")
	cmd.Flags().String("reason", "", "Reason shown to patients")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-noshows",
		Short: "Mark overdue scheduled appointments as no-show",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime, tenant string) error {
				marked, err := rt.Service().SweepNoShows(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Marked %d appointment(s) as no-show in tenant %s.\n", marked, tenant)
				return nil
			})
		},
	}
}

func printQueue(ordered []appointment.Appointment) {
	fmt.Printf("%-4s %-36s %-12s %-6s %s\n", "POS", "APPOINTMENT", "STATUS", "EMERG", "SCHEDULED")
	for _, a := range ordered {
		pos := "-"
		if a.QueuePosition != nil {
			pos = fmt.Sprint(*a.QueuePosition)
		}
		fmt.Printf("%-4s %-36s %-12s %-6t %s\n", pos, a.ID, a.Status, a.Emergency, a.ScheduledAt.Format(time.RFC3339))
	}
}
