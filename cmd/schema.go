package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// schemaTarget is one store whose tables a schema command manages.
type schemaTarget interface {
	Migrate(ctx context.Context) error
	Drop(ctx context.Context) error
	Close() error
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create or drop store schemas",
	Long:  "Manages the warehouse star schema, and with --source also the transactional tables.",
}

var schemaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create tables that do not exist yet",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSchemaTargets(cmd, func(ctx context.Context, name string, t schemaTarget) error {
			if err := t.Migrate(ctx); err != nil {
				return err
			}
			fmt.Printf("Created %s schema\n", name)
			return nil
		})
	},
}

var schemaDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop all tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSchemaTargets(cmd, func(ctx context.Context, name string, t schemaTarget) error {
			if err := t.Drop(ctx); err != nil {
				return err
			}
			fmt.Printf("Dropped %s schema\n", name)
			return nil
		})
	},
}

var schemaResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate all tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSchemaTargets(cmd, func(ctx context.Context, name string, t schemaTarget) error {
			if err := t.Drop(ctx); err != nil {
				return err
			}
			if err := t.Migrate(ctx); err != nil {
				return err
			}
			fmt.Printf("Reset %s schema\n", name)
			return nil
		})
	},
}

// withSchemaTargets runs fn against the warehouse, then the source when
// --source is set.
func withSchemaTargets(cmd *cobra.Command, fn func(context.Context, string, schemaTarget) error) error {
	ctx := cmd.Context()
	log := zap.L().With(zap.String("component", "schema"))

	wh, err := openWarehouse(ctx)
	if err != nil {
		return err
	}
	defer wh.Close() //nolint:errcheck
	if err := fn(ctx, "warehouse", wh); err != nil {
		return err
	}
	log.Info("warehouse schema updated", zap.String("command", cmd.Name()))

	if withSource, _ := cmd.Flags().GetBool("source"); !withSource {
		return nil
	}
	src, err := initSource(ctx, cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close() //nolint:errcheck
	if err := fn(ctx, "source", src); err != nil {
		return err
	}
	log.Info("source schema updated", zap.String("command", cmd.Name()))
	return nil
}

func init() {
	schemaCmd.PersistentFlags().Bool("source", false, "also apply to the transactional store")

	schemaCmd.AddCommand(schemaCreateCmd)
	schemaCmd.AddCommand(schemaDropCmd)
	schemaCmd.AddCommand(schemaResetCmd)
	rootCmd.AddCommand(schemaCmd)
}
