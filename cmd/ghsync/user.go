package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/ghsync/internal/repository"
	"github.com/steveyegge/ghsync/internal/store"
	"github.com/steveyegge/ghsync/internal/ui"
)

var userCmd = &cobra.Command{
	Use:     "user <login>",
	GroupID: "browse",
	Short:   "Show a user's profile, cached copy first",
	Long: `Show one user's profile.

The cached profile is printed first (if any), then the full profile is
fetched, stored and printed again. Fetching a profile marks the user as
viewed, so the sync daemon keeps it fresh.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runUser(args[0]))
	},
}

func runUser(login string) int {
	ctx, cancel := signalContext()
	defer cancel()

	a := mustOpenApp(ctx, needNetwork)
	defer a.close()

	details, err := repository.NewUserDetails(a.deps(), a.repoConfig())
	if err != nil {
		return fail("%v", err)
	}

	code := 0
	haveCached := false
	task := details.Fetch(ctx, login,
		func(out repository.DetailOutcome) {
			if out.Err != nil {
				return
			}
			haveCached = true
			a.out.Muted("cached")
			a.out.User(out.User)
		},
		func(out repository.DetailOutcome) {
			if out.Err != nil {
				if haveCached {
					a.out.Warn("showing cached data: %s", describe(out.Err))
				} else {
					a.out.Error("%s: %s", login, describe(out.Err))
					code = 1
				}
				return
			}
			if haveCached {
				fmt.Println()
			}
			a.out.Success("refreshed")
			a.out.User(out.User)
		})

	if err := task.Wait(context.Background()); err != nil {
		return fail("%v", err)
	}
	return code
}

var noteCmd = &cobra.Command{
	Use:     "note <login> [text]",
	GroupID: "browse",
	Short:   "Write a note on a cached user",
	Long: `Attach a free-text note to a user that is already in the cache.

Notes are local only and survive every later refresh. Without text, an
editor prompt opens when running in a terminal. Notes work offline.

Examples:
  ghsync note mojombo "met at GopherCon"
  ghsync note mojombo          # prompt for the text`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		login := args[0]

		var text string
		if len(args) == 2 {
			text = args[1]
		} else {
			if !ui.IsInteractive(os.Stdin) {
				return errors.New("note text is required when not running in a terminal")
			}
			prompted, err := promptNote(login)
			if err != nil {
				return err
			}
			text = prompted
		}

		ctx, cancel := signalContext()
		defer cancel()

		// SaveNote never submits a request; the lane is idle.
		a, err := openApp(ctx, needNetwork)
		if err != nil {
			return err
		}
		defer a.close()

		details, err := repository.NewUserDetails(a.deps(), a.repoConfig())
		if err != nil {
			return err
		}

		if err := details.SaveNote(ctx, login, text); err != nil {
			switch {
			case errors.Is(err, store.ErrInvalidNote):
				return errors.New("note must not be empty")
			case errors.Is(err, store.ErrNoCachedData):
				return fmt.Errorf("%s is not cached yet (run 'ghsync user %s' first)", login, login)
			default:
				return fmt.Errorf("failed to save note: %w", err)
			}
		}
		a.out.Success("saved note for %s", login)
		return nil
	},
}

// promptNote asks for the note text in a multi-line field.
func promptNote(login string) (string, error) {
	var text string
	form := huh.NewForm(huh.NewGroup(
		huh.NewText().
			Title(fmt.Sprintf("Note for %s", login)).
			CharLimit(2000).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("note must not be empty")
				}
				return nil
			}).
			Value(&text),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("note prompt: %w", err)
	}
	return text, nil
}

var searchCmd = &cobra.Command{
	Use:     "search <query>",
	GroupID: "browse",
	Short:   "Search cached users by login, name or note",
	Long: `Search the local cache. Matching is case and accent insensitive and
never touches the network, so it works offline.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		query := strings.Join(args, " ")

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, 0)
		if err != nil {
			return err
		}
		defer a.close()

		search, err := repository.NewLocalSearch(a.deps(), a.repoConfig())
		if err != nil {
			return err
		}

		var result repository.SearchOutcome
		task := search.Fetch(ctx, query, func(out repository.SearchOutcome) { result = out })
		if err := task.Wait(ctx); err != nil {
			return err
		}
		if result.Err != nil {
			return fmt.Errorf("search failed: %w", result.Err)
		}

		if jsonOutput {
			if err := printJSON(result.Users); err != nil {
				return err
			}
			return nil
		}
		a.out.Users(result.Users)
		return nil
	},
}

func init() {
	searchCmd.Flags().Bool("json", false, "Print matches as JSON")
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(searchCmd)
}
