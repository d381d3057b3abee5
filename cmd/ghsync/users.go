package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/repository"
	"github.com/steveyegge/ghsync/internal/schema"
)

var usersCmd = &cobra.Command{
	Use:     "users",
	GroupID: "browse",
	Short:   "List GitHub users, cached page first",
	Long: `List one page of GitHub users with an id greater than --since.

The cached page is printed immediately, then the page is fetched from the
API, merged into the cache and printed again. When the refresh fails and a
cached page exists, the cached page is kept and a warning is shown.

Examples:
  ghsync users                # First page
  ghsync users --since 4000   # Users with id > 4000
  ghsync users next           # The page after the highest cached id`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetInt64("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		if since < 0 {
			exitf("--since must not be negative")
		}
		os.Exit(runUsers(since, jsonOutput))
	},
}

var usersNextCmd = &cobra.Command{
	Use:   "next",
	Short: "List the page after the highest cached user id",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		since, err := maxCachedID()
		if err != nil {
			exitf("failed to read cache: %v", err)
		}
		os.Exit(runUsers(since, jsonOutput))
	},
}

func maxCachedID() (int64, error) {
	ctx := context.Background()
	a, err := openApp(ctx, 0)
	if err != nil {
		return 0, err
	}
	defer a.close()
	return a.store.MaxID(ctx)
}

// runUsers fetches one page and returns the process exit code.
func runUsers(since int64, jsonOutput bool) int {
	ctx, cancel := signalContext()
	defer cancel()

	a := mustOpenApp(ctx, needNetwork)
	defer a.close()

	list, err := repository.NewUsersList(a.deps(), a.repoConfig())
	if err != nil {
		return fail("%v", err)
	}

	code := 0
	haveCached := false
	task := list.Fetch(ctx, since,
		func(out repository.ListOutcome) {
			if out.Err != nil {
				if !repository.IsNoCachedData(out.Err) {
					a.out.Warn("cache read failed: %s", describe(out.Err))
				}
				return
			}
			haveCached = true
			if !jsonOutput {
				a.out.Muted("cached (%d users since %d)", len(out.Page), since)
				a.out.Users(out.Page)
			}
		},
		func(out repository.ListOutcome) {
			if out.Err != nil {
				if out.Cached || haveCached {
					a.out.Warn("showing cached data: %s", describe(out.Err))
				} else {
					a.out.Error("%s", describe(out.Err))
					code = 1
				}
				return
			}
			if jsonOutput {
				if err := printJSON(out.Page); err != nil {
					a.out.Error("%v", err)
					code = 1
				}
				return
			}
			fmt.Println()
			a.out.Success("refreshed %d users since %d", len(out.Page), since)
			a.out.Users(out.Page)
		})

	if err := task.Wait(context.Background()); err != nil {
		return fail("%v", err)
	}
	return code
}

func printJSON(records []schema.Record) error {
	if records == nil {
		records = []schema.Record{}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode users: %w", err)
	}
	return nil
}

func init() {
	usersCmd.Flags().Int64("since", 0, "Only list users with an id greater than this")
	usersCmd.PersistentFlags().Bool("json", false, "Print the refreshed page as JSON")
	usersCmd.AddCommand(usersNextCmd)
	rootCmd.AddCommand(usersCmd)
}
