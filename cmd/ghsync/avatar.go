package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/repository"
	"github.com/steveyegge/ghsync/internal/store"
	"github.com/steveyegge/ghsync/internal/ui"
)

var avatarCmd = &cobra.Command{
	Use:     "avatar <login|url>",
	GroupID: "browse",
	Short:   "Fetch a user's avatar through the blob cache",
	Long: `Fetch an avatar image. The argument is a cached user's login or an
image URL. Cached avatars are served from memory or disk without touching
the network; a miss is fetched once and stored.

Examples:
  ghsync avatar mojombo -o mojombo.png
  ghsync avatar https://avatars.githubusercontent.com/u/1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, needNetwork|needBlobs)
		if err != nil {
			return err
		}
		defer a.close()

		url, err := avatarURL(ctx, a.store, args[0])
		if err != nil {
			return err
		}

		avatars, err := repository.NewAvatars(a.deps(), a.repoConfig())
		if err != nil {
			return err
		}

		var final repository.BlobOutcome
		task := avatars.Fetch(ctx, url, nil, func(out repository.BlobOutcome) { final = out })
		if err := task.Wait(context.Background()); err != nil {
			return err
		}
		if final.Err != nil {
			return errors.New(describe(final.Err))
		}

		source := "network"
		if final.FromCache {
			source = "cache"
		}
		if output == "" {
			a.out.Success("%s from %s", ui.FormatBytes(int64(len(final.Data))), source)
			return nil
		}
		if err := os.WriteFile(output, final.Data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		a.out.Success("wrote %s (%s from %s)", output, ui.FormatBytes(int64(len(final.Data))), source)
		return nil
	},
}

// avatarURL resolves a login to its cached avatar URL. URLs pass through.
func avatarURL(ctx context.Context, st *store.Store, arg string) (string, error) {
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	rec, err := st.ReadOne(ctx, arg)
	if errors.Is(err, store.ErrNoCachedData) {
		return "", fmt.Errorf("%s is not cached yet (run 'ghsync user %s' first)", arg, arg)
	}
	if err != nil {
		return "", err
	}
	if rec.AvatarURL == "" {
		return "", fmt.Errorf("%s has no avatar URL", arg)
	}
	return rec.AvatarURL, nil
}

func init() {
	avatarCmd.Flags().StringP("output", "o", "", "Write the image to this file")
	rootCmd.AddCommand(avatarCmd)
}
