package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/gradolab/tagline/config"
	"github.com/gradolab/tagline/internal/pipeline"
	"github.com/gradolab/tagline/internal/provider"
	"github.com/gradolab/tagline/internal/store"
)

// sweepCMD runs one orchestrator pass and exits. Useful for cron-style
// deployments and support backfills without the HTTP server.
func sweepCMD() *cobra.Command {
	var cfgPath string
	var force bool
	var cascade bool

	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Run one aggregation sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			dsn, err := cfg.Databases.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.DB.Close()

			llm, err := provider.NewProvider(cfg.Providers.OpenAI)
			if err != nil {
				return err
			}
			logger := log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
			pipe := pipeline.New(cfg.Pipeline, st, llm, nil, logger)

			report, err := pipe.Sweep(ctx, pipeline.SweepOptions{Force: force, Cascade: cascade})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	sweep.Flags().BoolVar(&force, "force", false, "re-pick failed instances")
	sweep.Flags().BoolVar(&cascade, "cascade", false, "run due merge work immediately")
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return sweep
}
