package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/medbook/medbook/libs/config"
	"github.com/medbook/medbook/libs/db"
	"github.com/medbook/medbook/libs/grpcx"
	"github.com/medbook/medbook/libs/lock"
	"github.com/medbook/medbook/libs/runtime"
	"github.com/medbook/medbook/services/schedule-service/internal/generation"
	"github.com/medbook/medbook/services/schedule-service/internal/slots"
	"github.com/medbook/medbook/services/schedule-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "schedulectl",
		Short:         "Operate the doctor schedule service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("database-url", config.String("DATABASE_URL", ""), "Postgres connection string")
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(healthCmd())
	return rootCmd
}

func databaseURL(cmd *cobra.Command) (string, error) {
	url, _ := cmd.Flags().GetString("database-url")
	if url == "" {
		return "", errors.New("--database-url or DATABASE_URL is required")
	}
	return url, nil
}

// lockerFromURL returns the per-doctor generation lock shared with the
// running service, or nil when no Redis URL is configured.
func lockerFromURL(redisURL string) (generation.Locker, func() error, error) {
	if redisURL == "" {
		return nil, func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("--redis-url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return lock.NewRedisLocker(rdb, "schedule"), rdb.Close, nil
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Materialize slots for enabled doctors",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			doctorID, _ := cmd.Flags().GetInt64("doctor")
			tz, _ := cmd.Flags().GetString("timezone")
			rawPolicy, _ := cmd.Flags().GetString("break-policy")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			redisURL, _ := cmd.Flags().GetString("redis-url")

			if days < 0 || days > 90 {
				return fmt.Errorf("--days must be between 0 and 90 (got %d)", days)
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("--timezone: %w", err)
			}
			policy, err := slots.ParseBreakPolicy(rawPolicy)
			if err != nil {
				return err
			}
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			locker, closeLocker, err := lockerFromURL(redisURL)
			if err != nil {
				return err
			}
			defer closeLocker()

			ctx, stop := runtime.SignalContext()
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			pool, err := db.Open(ctx, url)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			logger := runtime.NewLogger("schedulectl")
			svc := generation.NewService(storage.NewRepository(pool), logger, generation.Options{
				Location:    loc,
				BreakPolicy: policy,
				Locker:      locker,
			})

			var report generation.Report
			if doctorID > 0 {
				report, err = svc.RunForDoctor(ctx, doctorID, days)
			} else {
				report, err = svc.Run(ctx, days)
			}
			if report.RunID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				_ = enc.Encode(report)
			}
			return err
		},
	}
	cmd.Flags().Int("days", 0, "Days ahead to generate (0 uses each doctor's advance_days)")
	cmd.Flags().Int64("doctor", 0, "Generate for a single doctor id")
	cmd.Flags().String("timezone", config.String("TIMEZONE", "UTC"), "IANA timezone that defines \"today\"")
	cmd.Flags().String("break-policy", config.String("BREAK_POLICY", "strict"), "Break handling: strict or legacy")
	cmd.Flags().String("redis-url", config.String("REDIS_URL", ""), "Redis URL for the generation lock shared with the service")
	cmd.Flags().Duration("timeout", 10*time.Minute, "Abort the run after this long (0 = no limit)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the schedule database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context(), url, storage.Migrations); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseURL(cmd)
			if err != nil {
				return err
			}
			return db.MigrationStatus(cmd.Context(), url, storage.Migrations)
		},
	})
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the service's gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			service, _ := cmd.Flags().GetString("service")

			conn, err := grpcx.Dial(addr, grpcx.DialOptions{})
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			status, err := grpcx.CheckHealth(ctx, conn, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", addr, status)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "localhost:9098", "gRPC address of the schedule service")
	cmd.Flags().String("service", "", "Service name to check (empty = overall)")
	return cmd
}
