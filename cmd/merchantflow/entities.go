package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/merchantflow/internal/cli"
	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/config"
	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/storage"
)

func entitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "entities",
		Aliases: []string{"entity"},
		Short:   "Inspect and curate merchant entities",
		Long: `List, inspect and curate the entities the resolver has created. Every
change writes a new entity version; old versions stay readable.`,
	}

	cmd.AddCommand(entitiesListCmd())
	cmd.AddCommand(entitiesShowCmd())
	cmd.AddCommand(entitiesHistoryCmd())
	cmd.AddCommand(entitiesMergeCmd())
	cmd.AddCommand(entitiesPromoteCmd())

	return cmd
}

// withStore opens the database for an entity command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := initStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)
	return fn(ctx, cfg, store)
}

func entitiesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, _ := cmd.Flags().GetString("state")
			category, _ := cmd.Flags().GetString("category")
			entityType, _ := cmd.Flags().GetString("type")
			query, _ := cmd.Flags().GetString("query")
			limit, _ := cmd.Flags().GetInt("limit")
			filter := entity.Filter{
				State:      model.EntityState(state),
				Category:   category,
				EntityType: model.EntityType(entityType),
				Query:      query,
				Limit:      limit,
			}
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.SQLiteStorage) error {
				ents, err := store.List(ctx, filter)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderEntities(ents))
				return nil
			})
		},
	}
	cmd.Flags().String("state", "", "filter by state (provisional, canonical, merged)")
	cmd.Flags().String("category", "", "filter by category")
	cmd.Flags().String("type", "", "filter by entity type")
	cmd.Flags().StringP("query", "q", "", "match name, merchant id or variations")
	cmd.Flags().Int("limit", 0, "maximum number of entities (0 = all)")
	return cmd
}

func entitiesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <merchant-id|uuid>",
		Short: "Show one entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			atFlag, _ := cmd.Flags().GetString("at")
			at, err := parseTimestamp(atFlag)
			if err != nil {
				return err
			}
			follow, _ := cmd.Flags().GetBool("follow")
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.SQLiteStorage) error {
				e, err := showEntity(ctx, store, args[0], at, follow)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderEntity(e))
				return nil
			})
		},
	}
	cmd.Flags().String("at", "", "show the version current at this RFC 3339 time")
	cmd.Flags().Bool("follow", false, "follow merges to the surviving entity")
	return cmd
}

// showEntity loads an entity as it is now or as it was at a point in time.
func showEntity(ctx context.Context, store entity.Store, ref string, at time.Time, follow bool) (*model.Entity, error) {
	e, err := lookupEntity(ctx, store, ref)
	if err != nil {
		return nil, err
	}
	if !at.IsZero() {
		if e, err = entity.AsOf(ctx, store, e.ID, at); err != nil {
			return nil, common.NewUserError(fmt.Sprintf("%s did not exist at %s", ref, at.Format(time.RFC3339)), err)
		}
	}
	if follow {
		return entity.Follow(ctx, store, e)
	}
	return e, nil
}

func entitiesHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <merchant-id|uuid>",
		Short: "List every version of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.SQLiteStorage) error {
				e, err := lookupEntity(ctx, store, args[0])
				if err != nil {
					return err
				}
				history, err := store.History(ctx, e.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderHistory(history))
				return nil
			})
		},
	}
}

func entitiesMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <source> <target>",
		Short: "Merge a duplicate entity into another",
		Long: `Mark source as merged into target. The target gains the source's
variations and sightings; the source keeps its history and points at the
target from now on.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			yes, _ := cmd.Flags().GetBool("yes")
			return withStore(cmd, func(ctx context.Context, _ *config.Config, store *storage.SQLiteStorage) error {
				var confirm func(source, target *model.Entity) (bool, error)
				if !yes {
					reader := cli.NewNonBlockingReader(cmd.InOrStdin())
					confirm = func(source, target *model.Entity) (bool, error) {
						return reader.Confirm(ctx, cmd.OutOrStdout(),
							fmt.Sprintf("Merge %s (%s) into %s (%s)?", source.CanonicalName, source.MerchantID, target.CanonicalName, target.MerchantID))
					}
				}
				return mergeEntities(ctx, store, args[0], args[1], reason, confirm, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().String("reason", "", "why the entities are the same (required)")
	cmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// mergeEntities merges source into target. A nil confirm merges without
// asking.
func mergeEntities(ctx context.Context, store entity.Store, sourceRef, targetRef, reason string,
	confirm func(source, target *model.Entity) (bool, error), w io.Writer) error {
	source, err := lookupEntity(ctx, store, sourceRef)
	if err != nil {
		return err
	}
	target, err := lookupEntity(ctx, store, targetRef)
	if err != nil {
		return err
	}

	if confirm != nil {
		ok, err := confirm(source, target)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(w, cli.FormatInfo("Merge cancelled."))
			return nil
		}
	}

	merged, err := store.MarkMerged(ctx, source.ID, target.ID, reason)
	if err != nil {
		return common.NewUserError(fmt.Sprintf("Cannot merge %s into %s", sourceRef, targetRef), err)
	}
	fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Merged %s into %s (now v%d with %d variations)",
		source.MerchantID, merged.MerchantID, merged.Version, len(merged.Variations))))
	return nil
}

func entitiesPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote provisional entities that meet the policy",
		Long: `Promote every provisional entity with enough recent sightings and a high
enough confidence to canonical. Thresholds come from the promotion.* settings.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return withStore(cmd, func(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage) error {
				return promoteEntities(ctx, store, cfg, time.Now(), dryRun, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().Bool("dry-run", false, "list eligible entities without promoting them")
	return cmd
}

func promoteEntities(ctx context.Context, store entity.Store, cfg *config.Config, asOf time.Time, dryRun bool, w io.Writer) error {
	if dryRun {
		candidates, err := store.List(ctx, entity.Filter{State: model.StateProvisional})
		if err != nil {
			return err
		}
		var eligible []*model.Entity
		for _, e := range candidates {
			if cfg.Promotion.Eligible(e, asOf) {
				eligible = append(eligible, e)
			}
		}
		fmt.Fprintln(w, cli.FormatInfo(fmt.Sprintf("%d entities would be promoted", len(eligible))))
		fmt.Fprintln(w, cli.RenderEntities(eligible))
		return nil
	}

	promoted, err := entity.NewPromoter(store, cfg.Promotion, cfg.Resolver.Retry).Run(ctx, asOf)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Promoted %d entities to canonical", len(promoted))))
	if len(promoted) > 0 {
		fmt.Fprintln(w, cli.RenderEntities(promoted))
	}
	return nil
}
