package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/darshan-rambhia/petrowatch/internal/seed"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

func newSeedCmd() *cobra.Command {
	var catalogue string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo catalogue into the configured store",
		Long: `Creates the schema if needed and writes the seed catalogue (org, users,
sites, devices, connection rows, initial layouts and one sample alarm) in a
single transaction. Running it against a seeded store is an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if catalogue == "" {
				catalogue = cfg.Seed.Path
			}
			c, err := seed.Load(catalogue)
			if err != nil {
				return fmt.Errorf("loading catalogue: %w", err)
			}

			st, err := store.Open(cfg.StoreDSN)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			ctx := cmd.Context()
			if err := st.Init(ctx); err != nil {
				return fmt.Errorf("initializing store: %w", err)
			}
			res, err := seed.Apply(ctx, st, c, seed.Options{})
			if errors.Is(err, seed.ErrAlreadySeeded) {
				return fmt.Errorf("%w: org %s exists in %s", err, c.Org.ID, st.Backend())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %s: %d sites, %d tanks, %d pumps, %d users, %d measurements\n",
				st.Backend(), res.Sites, res.Tanks, res.Pumps, res.Users, res.Measurements)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogue, "catalogue", "", "seed catalogue YAML (default: config seed.path or the built-in demo)")
	return cmd
}
