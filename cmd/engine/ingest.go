package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rawgraph/asset-engine/pkg/models"
)

func newIngestCmd() *cobra.Command {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run a single provider sync directly",
	}

	var (
		userID int64
		mode   string
		ids    string
	)

	parseMode := func() (models.SyncMode, error) {
		switch models.SyncMode(mode) {
		case models.SyncFullRefresh, models.SyncIncremental:
			return models.SyncMode(mode), nil
		}
		return "", usageErrorf("unknown sync mode %q", mode)
	}

	followers := &cobra.Command{
		Use:   "followers",
		Short: "Sync the followers of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return usageErrorf("--user-id is required")
			}
			m, err := parseMode()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runID, err := a.ingest.SyncFollowers(cmd.Context(), userID, m)
			if err != nil {
				return err
			}
			fmt.Println("run", strconv.FormatInt(runID, 10))
			return nil
		},
	}

	followings := &cobra.Command{
		Use:   "followings",
		Short: "Sync the accounts a user follows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return usageErrorf("--user-id is required")
			}
			m, err := parseMode()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runID, err := a.ingest.SyncFollowings(cmd.Context(), userID, m)
			if err != nil {
				return err
			}
			fmt.Println("run", strconv.FormatInt(runID, 10))
			return nil
		},
	}

	posts := &cobra.Command{
		Use:   "posts",
		Short: "Sync recent posts authored by a set of users",
		RunE: func(cmd *cobra.Command, args []string) error {
			userIDs, err := parseIDList(ids)
			if err != nil {
				return err
			}
			if len(userIDs) == 0 {
				return usageErrorf("--user-ids is required")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ingest.SyncPosts(cmd.Context(), userIDs, nil)
			if err != nil {
				return err
			}
			fmt.Printf("runs=%d deferred=%d failed=%d\n", len(res.RunIDs), len(res.Deferred), len(res.Failed))
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d posts runs failed", len(res.Failed))
			}
			return nil
		},
	}

	users := &cobra.Command{
		Use:   "users",
		Short: "Refresh user profiles by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			userIDs, err := parseIDList(ids)
			if err != nil {
				return err
			}
			if len(userIDs) == 0 {
				return usageErrorf("--ids is required")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runID, err := a.ingest.SyncUsersByIDs(cmd.Context(), userIDs)
			if err != nil {
				return err
			}
			fmt.Println("run", strconv.FormatInt(runID, 10))
			return nil
		},
	}

	postsByIDs := &cobra.Command{
		Use:   "posts-by-ids",
		Short: "Fetch specific posts by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			postIDs, err := parseIDList(ids)
			if err != nil {
				return err
			}
			if len(postIDs) == 0 {
				return usageErrorf("--ids is required")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			runID, err := a.ingest.SyncPostsByIDs(cmd.Context(), postIDs)
			if err != nil {
				return err
			}
			fmt.Println("run", strconv.FormatInt(runID, 10))
			return nil
		},
	}

	followers.Flags().Int64Var(&userID, "user-id", 0, "target user id")
	followers.Flags().StringVar(&mode, "mode", string(models.SyncIncremental), "full_refresh or incremental")
	followings.Flags().Int64Var(&userID, "user-id", 0, "target user id")
	followings.Flags().StringVar(&mode, "mode", string(models.SyncIncremental), "full_refresh or incremental")
	posts.Flags().StringVar(&ids, "user-ids", "", "CSV of author user ids")
	users.Flags().StringVar(&ids, "ids", "", "CSV of user ids")
	postsByIDs.Flags().StringVar(&ids, "ids", "", "CSV of post ids")

	ingestCmd.AddCommand(followers, followings, posts, users, postsByIDs)
	return ingestCmd
}
