package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/merchantflow/internal/cli"
	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage versioned rule sets",
		Long: `Import, inspect, compare and roll back the rule sets that drive the
first four pipeline stages. Every change is kept as a new version with its
author and reason; nothing is ever overwritten.

Rule types: type-detection, counterparty, noise-pattern, disambiguation.`,
	}

	cmd.AddCommand(rulesImportCmd())
	cmd.AddCommand(rulesExportCmd())
	cmd.AddCommand(rulesListCmd())
	cmd.AddCommand(rulesShowCmd())
	cmd.AddCommand(rulesDiffCmd())
	cmd.AddCommand(rulesRollbackCmd())
	cmd.AddCommand(rulesStatsCmd())

	return cmd
}

// withEngine opens the database and hands a rule-version engine to fn.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, engine *versioning.Engine) error) error {
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
	return fn(ctx, versioning.NewEngine(store))
}

func addMetadataFlags(cmd *cobra.Command) {
	cmd.Flags().String("reason", "", "why the rules changed (required)")
	cmd.Flags().String("author", "", "who made the change (default: $USER)")
	cmd.Flags().String("notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("reason")
}

func metadataFromFlags(cmd *cobra.Command) versioning.Metadata {
	reason, _ := cmd.Flags().GetString("reason")
	author, _ := cmd.Flags().GetString("author")
	notes, _ := cmd.Flags().GetString("notes")
	if author == "" {
		author = os.Getenv("USER")
	}
	return versioning.Metadata{Author: author, Reason: reason, Notes: notes}
}

func rulesImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [file...]",
		Short: "Save rule files as new versions",
		Long: `Validate YAML rule files and save each one as a new version of its rule
type. With --defaults the built-in rules are imported instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, _ := cmd.Flags().GetBool("defaults")
			if !defaults && len(args) == 0 {
				return common.NewUserError("Give at least one rule file, or --defaults", nil)
			}
			meta := metadataFromFlags(cmd)
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				files, err := ruleFiles(args, defaults)
				if err != nil {
					return err
				}
				return importRules(ctx, engine, files, meta, cmd.OutOrStdout())
			})
		},
	}
	addMetadataFlags(cmd)
	cmd.Flags().Bool("defaults", false, "import the built-in rules")
	return cmd
}

func ruleFiles(paths []string, defaults bool) ([]rules.File, error) {
	if defaults {
		set, err := rules.LoadDefaults()
		if err != nil {
			return nil, err
		}
		files := make([]rules.File, 0, len(model.RuleTypes))
		for _, rt := range model.RuleTypes {
			files = append(files, rules.File{RuleType: rt, Version: set.Version(rt), Rules: set.Rules(rt)})
		}
		return files, nil
	}

	files := make([]rules.File, 0, len(paths))
	for _, p := range paths {
		f, err := rules.LoadFile(p)
		if err != nil {
			return nil, common.NewUserError(fmt.Sprintf("Rule file %s is invalid", p), err)
		}
		files = append(files, f)
	}
	return files, nil
}

// importRules saves each file as a version, skipping files identical to the
// latest stored version.
func importRules(ctx context.Context, engine *versioning.Engine, files []rules.File, meta versioning.Metadata, w io.Writer) error {
	for _, f := range files {
		latest, err := engine.LoadVersion(ctx, f.RuleType, time.Time{})
		if err != nil {
			return err
		}
		if latest.Sequence > 0 && versioning.Compare(latest.Rules, f.Rules).IsEmpty() {
			fmt.Fprintln(w, cli.FormatInfo(fmt.Sprintf("%s unchanged since %s", f.RuleType, versioning.VersionLabel(latest.RuleVersion))))
			continue
		}

		v, err := engine.SaveVersion(ctx, f.RuleType, f.Rules, meta)
		if err != nil {
			var verr *versioning.ValidationError
			if errors.As(err, &verr) {
				return common.NewUserError(fmt.Sprintf("%s rules were rejected", f.RuleType), err)
			}
			return err
		}
		fmt.Fprintln(w, cli.FormatSuccess(fmt.Sprintf("Saved %s %s (%d rules)", f.RuleType, versioning.VersionLabel(v), v.RuleCount)))
	}
	return nil
}

func rulesExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <rule-type>",
		Short: "Write a rule version as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType, err := parseRuleType(args[0])
			if err != nil {
				return err
			}
			atFlag, _ := cmd.Flags().GetString("at")
			at, err := parseTimestamp(atFlag)
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")

			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				data, err := exportRules(ctx, engine, ruleType, at)
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(output, data, 0o600)
			})
		},
	}
	cmd.Flags().String("at", "", "export the version current at this RFC 3339 time (default: latest)")
	cmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	return cmd
}

// exportRules renders the requested version as a rule file. A type with no
// stored history exports the built-in rules.
func exportRules(ctx context.Context, engine *versioning.Engine, ruleType model.RuleType, at time.Time) ([]byte, error) {
	snap, err := engine.LoadVersion(ctx, ruleType, at)
	if errors.Is(err, versioning.ErrVersionNotFound) {
		return nil, common.NewUserError(fmt.Sprintf("No %s version at or before %s", ruleType, at.Format(time.RFC3339)), err)
	}
	if err != nil {
		return nil, err
	}
	if snap.Sequence == 0 {
		defaults, err := rules.LoadDefaults()
		if err != nil {
			return nil, err
		}
		return rules.Marshal(ruleType, defaults.Version(ruleType), defaults.Rules(ruleType))
	}
	return rules.Marshal(ruleType, versioning.VersionLabel(snap.RuleVersion), snap.Rules)
}

func rulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [rule-type]",
		Short: "List stored versions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := model.RuleTypes
			if len(args) == 1 {
				rt, err := parseRuleType(args[0])
				if err != nil {
					return err
				}
				types = []model.RuleType{rt}
			}
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				for _, rt := range types {
					versions, err := engine.ListVersions(ctx, rt)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle(string(rt)))
					fmt.Fprintln(cmd.OutOrStdout(), cli.RenderVersions(versions))
					fmt.Fprintln(cmd.OutOrStdout())
				}
				return nil
			})
		},
	}
}

func rulesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <rule-type>",
		Short: "Show the rules of one version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType, err := parseRuleType(args[0])
			if err != nil {
				return err
			}
			atFlag, _ := cmd.Flags().GetString("at")
			at, err := parseTimestamp(atFlag)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				snap, err := engine.LoadVersion(ctx, ruleType, at)
				if errors.Is(err, versioning.ErrVersionNotFound) {
					return common.NewUserError(fmt.Sprintf("No %s version at or before %s", ruleType, atFlag), err)
				}
				if err != nil {
					return err
				}
				if snap.Sequence == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("No stored %s versions; the built-in rules are in effect.", ruleType)))
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatTitle(fmt.Sprintf("%s %s", ruleType, versioning.VersionLabel(snap.RuleVersion))))
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderRules(snap.Rules))
				return nil
			})
		},
	}
	cmd.Flags().String("at", "", "show the version current at this RFC 3339 time (default: latest)")
	return cmd
}

func rulesDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <rule-type> <from> [to]",
		Short: "Compare two versions",
		Long: `Compare the versions current at two RFC 3339 times. Without "to" the
latest version is used.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType, err := parseRuleType(args[0])
			if err != nil {
				return err
			}
			from, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			var to time.Time
			if len(args) == 3 {
				if to, err = parseTimestamp(args[2]); err != nil {
					return err
				}
			}
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				d, err := engine.CompareVersions(ctx, ruleType, from, to)
				if errors.Is(err, versioning.ErrVersionNotFound) {
					return common.NewUserError("One of the versions does not exist", err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.RenderDiff(d))
				return nil
			})
		},
	}
}

func rulesRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <rule-type> <timestamp>",
		Short: "Restore an earlier version",
		Long: `Save a new version whose rules equal the version stored at the exact
timestamp given. History is never rewritten.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleType, err := parseRuleType(args[0])
			if err != nil {
				return err
			}
			target, err := parseTimestamp(args[1])
			if err != nil {
				return err
			}
			meta := metadataFromFlags(cmd)
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				v, err := engine.Rollback(ctx, ruleType, target, meta)
				if errors.Is(err, versioning.ErrVersionNotFound) {
					return common.NewUserError(fmt.Sprintf("No %s version at exactly %s (see: merchantflow rules list %s)", ruleType, args[1], ruleType), err)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Rolled %s back; saved %s", ruleType, versioning.VersionLabel(v))))
				return nil
			})
		},
	}
	addMetadataFlags(cmd)
	return cmd
}

func rulesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [rule-type]",
		Short: "Show version statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := model.RuleTypes
			if len(args) == 1 {
				rt, err := parseRuleType(args[0])
				if err != nil {
					return err
				}
				types = []model.RuleType{rt}
			}
			return withEngine(cmd, func(ctx context.Context, engine *versioning.Engine) error {
				out := make([]string, 0, len(types))
				for _, rt := range types {
					st, err := engine.Stats(ctx, rt)
					if err != nil {
						return err
					}
					out = append(out, cli.RenderRuleStats(st))
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(out, "\n"))
				return nil
			})
		},
	}
}
