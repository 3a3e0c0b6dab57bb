package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

func newAssetsCmd() *cobra.Command {
	assetsCmd := &cobra.Command{
		Use:   "assets",
		Short: "Manage materialization roots",
	}
	assetsCmd.AddCommand(newRootsCmd())
	assetsCmd.AddCommand(newFanoutRootsCmd())
	return assetsCmd
}

// paramsJSON is the CLI wire form of asset params. The subject id accepts a
// JSON number or a decimal string.
type paramsJSON struct {
	StableKey               string      `json:"stable_key"`
	SubjectExternalID       json.Number `json:"subject_external_id"`
	SourceSegmentSlug       string      `json:"source_segment_slug"`
	SourceSegmentParamsHash string      `json:"source_segment_params_hash"`
}

func parseParams(slug, raw string) (identity.Params, error) {
	var in paramsJSON
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return identity.Params{}, usageErrorf("--params is not valid JSON: %v", err)
		}
	}
	p := identity.Params{
		Slug:                    identity.Slug(slug),
		StableKey:               in.StableKey,
		SourceSegmentSlug:       identity.Slug(in.SourceSegmentSlug),
		SourceSegmentParamsHash: in.SourceSegmentParamsHash,
	}
	if in.SubjectExternalID != "" {
		id, err := in.SubjectExternalID.Int64()
		if err != nil {
			return identity.Params{}, usageErrorf("subject_external_id: %v", err)
		}
		p.SubjectExternalID = id
	}
	if err := p.Validate(); err != nil {
		return identity.Params{}, usageErrorf("%v", err)
	}
	return p, nil
}

func parseIDList(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, usageErrorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}

// resolveInstance finds or creates the instance addressed by either an
// explicit id or a (slug, params) pair, returning its params row.
func (a *app) resolveInstance(ctx context.Context, instanceID int64, slug, paramsRaw string) (int64, *models.AssetParamsRow, error) {
	if instanceID != 0 {
		inst, err := a.store.GetInstance(ctx, instanceID)
		if err != nil {
			return 0, nil, fmt.Errorf("instance %d: %w", instanceID, err)
		}
		row, err := a.store.GetInstanceParams(ctx, inst.ID)
		if err != nil {
			return 0, nil, err
		}
		return inst.ID, row, nil
	}
	if slug == "" {
		return 0, nil, usageErrorf("either --instance-id or --slug is required")
	}

	p, err := parseParams(slug, paramsRaw)
	if err != nil {
		return 0, nil, err
	}
	hash, err := identity.ParamsHash(p)
	if err != nil {
		return 0, nil, err
	}
	row, err := a.store.GetOrCreateParams(ctx, p, hash, identity.ParamsHashVersion)
	if err != nil {
		return 0, nil, err
	}
	inst, err := a.store.GetOrCreateInstance(ctx, row.ID)
	if err != nil {
		return 0, nil, err
	}
	return inst.ID, row, nil
}

// paramsView renders a params row for CLI output. IDs travel as decimal
// strings, matching the HTTP API.
func paramsView(row *models.AssetParamsRow) map[string]any {
	out := map[string]any{
		"slug":                row.Slug,
		"params_hash":         row.ParamsHash,
		"params_hash_version": row.ParamsHashVersion,
	}
	if row.StableKey != nil {
		out["stable_key"] = *row.StableKey
	}
	if row.SubjectExternalID != nil {
		out["subject_external_id"] = strconv.FormatInt(*row.SubjectExternalID, 10)
	}
	if row.SourceSegmentParamsID != nil {
		out["source_segment_params_id"] = strconv.FormatInt(*row.SourceSegmentParamsID, 10)
	}
	if row.FanoutSourceParamsHash != nil {
		out["fanout_source_params_hash"] = *row.FanoutSourceParamsHash
	}
	return out
}

func newRootsCmd() *cobra.Command {
	rootsCmd := &cobra.Command{
		Use:   "roots",
		Short: "Enable or disable periodic materialization of an instance",
	}

	var (
		instanceID int64
		slug       string
		paramsRaw  string
		seedIDs    string
	)
	enable := &cobra.Command{
		Use:   "enable",
		Short: "Mark an instance as a materialization root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// Seed specified-users inputs before enabling so the first tick
			// sees them.
			if seedIDs != "" {
				ids, err := parseIDList(seedIDs)
				if err != nil {
					return err
				}
				p, err := parseParams(slug, paramsRaw)
				if err != nil {
					return err
				}
				if p.Slug != identity.SlugSegmentSpecifiedUsers {
					return usageErrorf("--specified-user-ids only applies to %s", identity.SlugSegmentSpecifiedUsers)
				}
				if _, err := a.ingest.SyncUsersByIDs(ctx, ids); err != nil {
					return err
				}
				if err := a.store.ReplaceSpecifiedUserIDs(ctx, p.StableKey, ids); err != nil {
					return err
				}
			}

			instID, row, err := a.resolveInstance(ctx, instanceID, slug, paramsRaw)
			if err != nil {
				return err
			}
			root, err := a.store.EnableRoot(ctx, instID)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"root_id":     strconv.FormatInt(root.ID, 10),
				"instance_id": strconv.FormatInt(instID, 10),
				"params":      paramsView(row),
			})
		},
	}
	enable.Flags().Int64Var(&instanceID, "instance-id", 0, "existing instance id")
	enable.Flags().StringVar(&slug, "slug", "", "asset slug")
	enable.Flags().StringVar(&paramsRaw, "params", "", "params JSON")
	enable.Flags().StringVar(&seedIDs, "specified-user-ids", "", "CSV of user ids to seed a specified-users segment")

	var disableInstanceID int64
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Stop materializing an instance (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if disableInstanceID == 0 {
				return usageErrorf("--instance-id is required")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			changed, err := a.store.DisableRoot(cmd.Context(), disableInstanceID)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("root already disabled")
			}
			return nil
		},
	}
	disable.Flags().Int64Var(&disableInstanceID, "instance-id", 0, "instance id")

	rootsCmd.AddCommand(enable, disable)
	return rootsCmd
}

func newFanoutRootsCmd() *cobra.Command {
	fanoutCmd := &cobra.Command{
		Use:   "fanout-roots",
		Short: "Enable or disable fanout expansion from a source instance",
	}

	var (
		sourceInstanceID int64
		sourceSlug       string
		sourceParams     string
		targetSlug       string
		mode             string
	)
	addFlags := func(c *cobra.Command) {
		c.Flags().Int64Var(&sourceInstanceID, "source-instance-id", 0, "source instance id")
		c.Flags().StringVar(&sourceSlug, "source-slug", "", "source asset slug")
		c.Flags().StringVar(&sourceParams, "source-params", "", "source params JSON")
		c.Flags().StringVar(&targetSlug, "target-slug", "", "derived asset slug")
		c.Flags().StringVar(&mode, "fanout-mode", string(models.FanoutGlobalPerItem), "global_per_item or scoped_by_source")
	}

	validate := func() (models.FanoutMode, error) {
		if targetSlug == "" {
			return "", usageErrorf("--target-slug is required")
		}
		switch models.FanoutMode(mode) {
		case models.FanoutGlobalPerItem, models.FanoutScopedBySource:
			return models.FanoutMode(mode), nil
		}
		return "", usageErrorf("unknown fanout mode %q", mode)
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Derive target instances from a source segment's members",
		RunE: func(cmd *cobra.Command, args []string) error {
			fm, err := validate()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			instID, _, err := a.resolveInstance(cmd.Context(), sourceInstanceID, sourceSlug, sourceParams)
			if err != nil {
				return err
			}
			root, err := a.store.EnableFanoutRoot(cmd.Context(), instID, targetSlug, fm)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"fanout_root_id":     strconv.FormatInt(root.ID, 10),
				"source_instance_id": strconv.FormatInt(instID, 10),
				"target_slug":        targetSlug,
				"mode":               string(fm),
			})
		},
	}
	disable := &cobra.Command{
		Use:   "disable",
		Short: "Stop fanout expansion (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fm, err := validate()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			instID, _, err := a.resolveInstance(cmd.Context(), sourceInstanceID, sourceSlug, sourceParams)
			if err != nil {
				return err
			}
			changed, err := a.store.DisableFanoutRoot(cmd.Context(), instID, targetSlug, fm)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("fanout root already disabled")
			}
			return nil
		},
	}
	addFlags(enable)
	addFlags(disable)

	fanoutCmd.AddCommand(enable, disable)
	return fanoutCmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
